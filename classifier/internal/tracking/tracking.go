// Package tracking reports evaluation runs to an MLflow tracking server or
// to a local mlruns directory.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/lungscan/classifier-broker/classifier/config"
	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/log"
)

type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
)

// Evaluation is one evaluation run to record.
type Evaluation struct {
	RunName   string
	Params    map[string]interface{}
	Score     schema.Score
	ModelPath string
}

type Tracker interface {
	// LogEvaluation records params and metrics for one run and, where the
	// store supports it, registers the evaluated model.
	LogEvaluation(ctx context.Context, eval Evaluation) (runID string, err error)
}

type Options struct {
	URI                 string
	ExperimentName      string
	RegisteredModelName string
	Username            string
	Password            string
}

// New picks the store from the URI scheme: file (or a bare path) writes an
// mlruns tree, http and https talk to the REST API.
func New(opts Options, logger log.Logger) (Tracker, error) {
	u, err := url.Parse(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid tracking uri %q: %w", opts.URI, err)
	}
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			path = "mlruns"
		}
		return NewFileStore(path, logger), nil
	case "http", "https":
		return NewRestClient(opts, logger), nil
	default:
		return nil, fmt.Errorf("unsupported tracking uri scheme %q", u.Scheme)
	}
}

// FromConfig builds the tracker of the service config. It returns nil when
// tracking is disabled.
func FromConfig(conf config.Tracking, logger log.Logger) (Tracker, error) {
	if !conf.Enable {
		return nil, nil
	}
	return New(Options{
		URI:                 conf.URI,
		ExperimentName:      conf.ExperimentName,
		RegisteredModelName: conf.RegisteredModelName,
		Username:            conf.Username,
		Password:            conf.Password,
	}, logger)
}

type param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

func flattenParams(params map[string]interface{}) []param {
	out := make([]param, 0, len(params))
	for k, v := range params {
		out = append(out, param{Key: k, Value: paramValue(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func paramValue(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case bool:
		// Match the capitalisation Python clients log.
		if v {
			return "True"
		}
		return "False"
	case []interface{}:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = paramValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}

func scoreMetrics(score schema.Score, ts int64) []metric {
	return []metric{
		{Key: "loss", Value: score.Loss, Timestamp: ts},
		{Key: "accuracy", Value: score.Accuracy, Timestamp: ts},
	}
}
