// Package pipeline runs the training stages in order. Each stage reads its
// configuration afresh and talks to the next stage only through files.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/classifier/configuration"
	constant "github.com/lungscan/classifier-broker/classifier/const"
	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/classifier/internal/components"
	"github.com/lungscan/classifier-broker/classifier/internal/tracking"
	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
)

var ErrUnknownStage = errors.New("unknown stage")

type StageStatus string

const (
	StageStarted   StageStatus = "started"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Hook observes stage transitions. err is set for StageFailed.
type Hook func(stage string, status StageStatus, err error)

// FrameworkFunc builds the framework backend on first use, so stages that
// never touch the framework do not need one.
type FrameworkFunc func(ctx context.Context) (backend.Framework, error)

type Runner struct {
	workspace  string
	configFile string
	paramsFile string
	tracker    tracking.Tracker
	logger     log.Logger

	frameworkFunc FrameworkFunc
	frameworkMu   sync.Mutex
	framework     backend.Framework
}

// Report summarises one pipeline run.
type Report struct {
	Stages []string
	Score  *schema.Score
	// ServingVersion is the model server version exported by the training
	// stage, empty when nothing was exported.
	ServingVersion string
}

// NewRunner returns a Runner reading configFile and paramsFile. tracker may
// be nil.
func NewRunner(configFile, paramsFile string, framework FrameworkFunc, tracker tracking.Tracker, logger log.Logger) *Runner {
	return &Runner{
		configFile:    configFile,
		paramsFile:    paramsFile,
		frameworkFunc: framework,
		tracker:       tracker,
		logger:        logger,
	}
}

// InWorkspace makes every relative pipeline path, the config and params
// files included, relative to dir. The framework backend runs in the same
// directory.
func (r *Runner) InWorkspace(dir string) *Runner {
	r.workspace = dir
	return r
}

// StaticFramework wraps an already-built framework.
func StaticFramework(f backend.Framework) FrameworkFunc {
	return func(context.Context) (backend.Framework, error) { return f, nil }
}

// ParseStages turns a comma separated list into stage names in pipeline
// order. An empty list selects every stage.
func ParseStages(list string) ([]string, error) {
	if strings.TrimSpace(list) == "" {
		return append([]string(nil), constant.StageOrder...), nil
	}

	index := make(map[string]int, len(constant.StageOrder))
	for i, s := range constant.StageOrder {
		index[s] = i
	}

	seen := make(map[string]bool)
	var stages []string
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if _, ok := index[s]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, s)
		}
		if !seen[s] {
			seen[s] = true
			stages = append(stages, s)
		}
	}
	sort.Slice(stages, func(i, j int) bool { return index[stages[i]] < index[stages[j]] })
	return stages, nil
}

// Run executes stages in order and stops at the first failure.
func (r *Runner) Run(ctx context.Context, stages []string, hook Hook) (*Report, error) {
	report := &Report{}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.runStage(ctx, stage, hook, report); err != nil {
			return report, err
		}
		report.Stages = append(report.Stages, stage)
	}
	return report, nil
}

// RunStage executes a single stage.
func (r *Runner) RunStage(ctx context.Context, stage string) error {
	return r.runStage(ctx, stage, nil, &Report{})
}

func (r *Runner) runStage(ctx context.Context, stage string, hook Hook, report *Report) error {
	name, ok := constant.StageNames[stage]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	logger := r.logger.WithFields(logrus.Fields{"stage": stage})
	notify := func(status StageStatus, err error) {
		if hook != nil {
			hook(stage, status, err)
		}
	}

	logger.Infof(">>>>>> stage %s started <<<<<<", name)
	notify(StageStarted, nil)

	if err := r.execute(ctx, stage, logger, report); err != nil {
		logger.Errorf("stage %s failed: %v", name, err)
		notify(StageFailed, err)
		return errors.Wrapf(err, "stage %s", stage)
	}

	logger.Infof(">>>>>> stage %s completed <<<<<<\n\nx==========x", name)
	notify(StageCompleted, nil)
	return nil
}

func (r *Runner) execute(ctx context.Context, stage string, logger log.Logger, report *Report) error {
	manager, err := configuration.NewManagerIn(r.workspace, r.configFile, r.paramsFile, logger)
	if err != nil {
		return err
	}

	switch stage {
	case constant.StageDataIngestion:
		cfg, err := manager.DataIngestionConfig()
		if err != nil {
			return err
		}
		ingestion := components.NewDataIngestion(cfg, logger)
		if _, err := ingestion.DownloadFile(ctx); err != nil {
			return err
		}
		return ingestion.ExtractZipFile()

	case constant.StagePrepareBaseModel:
		cfg, err := manager.PrepareBaseModelConfig()
		if err != nil {
			return err
		}
		fw, err := r.getFramework(ctx)
		if err != nil {
			return err
		}
		return components.NewPrepareBaseModel(cfg, fw, logger).UpdateBaseModel(ctx)

	case constant.StageTraining:
		cfg, err := manager.TrainingConfig()
		if err != nil {
			return err
		}
		fw, err := r.getFramework(ctx)
		if err != nil {
			return err
		}
		training := components.NewTraining(cfg, fw, logger)
		if err := training.Train(ctx); err != nil {
			return err
		}
		report.ServingVersion = training.ExportedVersion()
		return nil

	case constant.StageEvaluation:
		cfg, err := manager.EvaluationConfig()
		if err != nil {
			return err
		}
		fw, err := r.getFramework(ctx)
		if err != nil {
			return err
		}
		evaluation := components.NewEvaluation(cfg, fw, r.evaluationTracker(cfg.MLflowURI, logger), logger)
		score, err := evaluation.Evaluate(ctx)
		if err != nil {
			return err
		}
		evaluation.LogIntoTracking(ctx, score)
		report.Score = &score
		return nil
	}

	return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
}

// evaluationTracker prefers the service tracker and falls back to the
// mlflow_uri of the pipeline config, with credentials from the environment
// variables MLflow clients use.
func (r *Runner) evaluationTracker(uri string, logger log.Logger) tracking.Tracker {
	if r.tracker != nil || uri == "" {
		return r.tracker
	}
	tracker, err := tracking.New(tracking.Options{
		URI:                 uri,
		RegisteredModelName: constant.RegisteredModelName,
		Username:            os.Getenv("MLFLOW_TRACKING_USERNAME"),
		Password:            os.Getenv("MLFLOW_TRACKING_PASSWORD"),
	}, logger)
	if err != nil {
		logger.Warnf("tracking disabled: %v", err)
		return nil
	}
	return tracker
}

// getFramework builds the framework on first use. A failed build is retried
// by the next stage that needs it.
func (r *Runner) getFramework(ctx context.Context) (backend.Framework, error) {
	r.frameworkMu.Lock()
	defer r.frameworkMu.Unlock()

	if r.framework != nil {
		return r.framework, nil
	}
	if r.frameworkFunc == nil {
		return nil, errors.New("no framework backend configured")
	}
	fw, err := r.frameworkFunc(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "prepare framework backend")
	}
	r.framework = fw
	return fw, nil
}
