package log

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lungscan/classifier-broker/common/config"
)

func TestGetLogger(t *testing.T) {
	cases := map[string]struct {
		conf      config.LoggerConfig
		wantLevel logrus.Level
		wantErr   bool
	}{
		"defaults to info text": {
			conf:      config.LoggerConfig{},
			wantLevel: logrus.InfoLevel,
		},
		"json debug": {
			conf:      config.LoggerConfig{Format: "json", Level: "debug"},
			wantLevel: logrus.DebugLevel,
		},
		"rotating file": {
			conf:      config.LoggerConfig{Level: "warn", Path: filepath.Join(t.TempDir(), "logs", "broker.log")},
			wantLevel: logrus.WarnLevel,
		},
		"bad level": {
			conf:    config.LoggerConfig{Level: "loud"},
			wantErr: true,
		},
		"bad format": {
			conf:    config.LoggerConfig{Format: "xml"},
			wantErr: true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			logger, err := GetLogger(&tc.conf)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			l, ok := logger.(*logrus.Logger)
			require.True(t, ok)
			assert.Equal(t, tc.wantLevel, l.GetLevel())
		})
	}
}
