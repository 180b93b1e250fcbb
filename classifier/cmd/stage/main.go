// Package stage runs pipeline stages and one-off predictions from the
// command line, outside the HTTP service.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/classifier/config"
	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/classifier/internal/pipeline"
	"github.com/lungscan/classifier-broker/classifier/internal/predictor"
	"github.com/lungscan/classifier-broker/classifier/internal/serving"
	"github.com/lungscan/classifier-broker/classifier/internal/tracking"
	"github.com/lungscan/classifier-broker/common/log"
)

func setup() (*config.Config, log.Logger, error) {
	cfg := config.GetConfig()
	logger, err := log.GetLogger(&cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunner(cfg *config.Config, logger log.Logger) (*pipeline.Runner, error) {
	tracker, err := tracking.FromConfig(cfg.Tracking, logger)
	if err != nil {
		return nil, err
	}
	framework := func(ctx context.Context) (backend.Framework, error) {
		return backend.New(ctx, cfg, logger)
	}
	return pipeline.NewRunner(cfg.Pipeline.ConfigFile, cfg.Pipeline.ParamsFile, framework, tracker, logger).InWorkspace(cfg.Pipeline.Workspace), nil
}

// Main runs a single stage.
func Main(name string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	runner, err := newRunner(cfg, logger)
	if err != nil {
		return err
	}
	if err := runner.RunStage(ctx, name); err != nil {
		logger.WithFields(logrus.Fields{"stage": name}).Error(err)
		return err
	}
	return nil
}

// Pipeline runs every stage in order and stops at the first failure.
func Pipeline() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	runner, err := newRunner(cfg, logger)
	if err != nil {
		return err
	}
	stages, _ := pipeline.ParseStages("")
	report, err := runner.Run(ctx, stages, nil)
	if err != nil {
		logger.Error(err)
		return err
	}
	if report.Score != nil {
		logger.Infof("pipeline finished, loss %.4f accuracy %.4f", report.Score.Loss, report.Score.Accuracy)
	}
	return nil
}

// Predict classifies the image at path against the configured model server
// and writes the result as JSON to out.
func Predict(path string, out io.Writer) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	client := serving.New(cfg.Serving.URL, cfg.Serving.ModelName, time.Duration(cfg.Serving.TimeoutSecs)*time.Second, logger)
	model, err := client.Load(ctx)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}

	results, err := predictor.New(model, logger).PredictImage(ctx, data)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
