package log

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/common/config"
	"github.com/lungscan/classifier-broker/common/errors"
)

type Logger interface {
	logrus.FieldLogger
}

// GetLogger builds a logrus logger from the logger section of a service
// config. An empty path logs to stdout only.
func GetLogger(conf *config.LoggerConfig) (Logger, error) {
	logger := logrus.New()

	level := conf.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "parse log level %q", conf.Level)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(conf.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, errors.Errorf("unknown log format: %s", conf.Format)
	}

	if conf.Path == "" {
		logger.SetOutput(os.Stdout)
		return logger, nil
	}

	if err := os.MkdirAll(filepath.Dir(conf.Path), 0755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}

	rotationCount := conf.RotationCount
	if rotationCount == 0 {
		rotationCount = 50
	}
	writer, err := rotatelogs.New(
		conf.Path+".%Y%m%d",
		rotatelogs.WithLinkName(conf.Path),
		rotatelogs.WithRotationCount(rotationCount),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create rotating log writer")
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, writer))

	return logger, nil
}

// Discard returns a logger that drops everything. Used by tests and
// one-shot CLI helpers.
func Discard() Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
