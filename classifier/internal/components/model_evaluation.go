package components

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	constant "github.com/lungscan/classifier-broker/classifier/const"
	"github.com/lungscan/classifier-broker/classifier/entity"
	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/classifier/internal/dataset"
	"github.com/lungscan/classifier-broker/classifier/internal/tracking"
	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
)

type Evaluation struct {
	config    entity.EvaluationConfig
	framework backend.Framework
	tracker   tracking.Tracker
	logger    log.Logger
}

// NewEvaluation builds the evaluation component. tracker may be nil.
func NewEvaluation(config entity.EvaluationConfig, framework backend.Framework, tracker tracking.Tracker, logger log.Logger) *Evaluation {
	return &Evaluation{
		config:    config,
		framework: framework,
		tracker:   tracker,
		logger:    logger.WithFields(logrus.Fields{"component": "evaluation"}),
	}
}

// Evaluate scores the model on the validation subset and saves the score.
func (e *Evaluation) Evaluate(ctx context.Context) (schema.Score, error) {
	folder, err := dataset.Scan(e.config.TrainingData)
	if err != nil {
		return schema.Score{}, err
	}
	ratio := constant.EvaluationValidationSplit
	if n := folder.SubsetSize(dataset.Validation, ratio); n == 0 {
		return schema.Score{}, fmt.Errorf("no validation images in %s", e.config.TrainingData)
	}

	score, err := e.framework.Evaluate(ctx, backend.EvaluateRequest{
		ModelPath:       e.config.PathOfModel,
		TrainingData:    e.config.TrainingData,
		BatchSize:       e.config.ParamsBatchSize,
		ImageSize:       e.config.ParamsImageSize,
		ValidationSplit: ratio,
	})
	if err != nil {
		return schema.Score{}, errors.Wrap(err, "evaluate model")
	}

	if err := SaveScore(e.config.ScoreFile, score); err != nil {
		return score, err
	}
	e.logger.WithFields(logrus.Fields{"loss": score.Loss, "accuracy": score.Accuracy}).Infof("score saved to %s", e.config.ScoreFile)
	return score, nil
}

// LogIntoTracking reports the run. Failures are logged and swallowed.
func (e *Evaluation) LogIntoTracking(ctx context.Context, score schema.Score) {
	if e.tracker == nil {
		return
	}
	runID, err := e.tracker.LogEvaluation(ctx, tracking.Evaluation{
		RunName:   constant.StageEvaluation,
		Params:    e.config.AllParams,
		Score:     score,
		ModelPath: e.config.PathOfModel,
	})
	if err != nil {
		e.logger.Warnf("failed to log evaluation to tracking server: %v", err)
		return
	}
	e.logger.Infof("evaluation logged as run %s", runID)
}

// SaveScore overwrites path with the score as indented JSON.
func SaveScore(path string, score schema.Score) error {
	data, err := json.MarshalIndent(score, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "save score")
	}
	return nil
}

// LoadScore reads a score written by SaveScore.
func LoadScore(path string) (schema.Score, error) {
	var score schema.Score
	data, err := os.ReadFile(path)
	if err != nil {
		return score, err
	}
	err = json.Unmarshal(data, &score)
	return score, err
}
