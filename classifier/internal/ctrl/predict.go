package ctrl

import (
	"context"

	"github.com/sirupsen/logrus"

	constant "github.com/lungscan/classifier-broker/classifier/const"
	"github.com/lungscan/classifier-broker/classifier/internal/db"
	"github.com/lungscan/classifier-broker/classifier/internal/pipeline"
	"github.com/lungscan/classifier-broker/classifier/internal/predictor"
	"github.com/lungscan/classifier-broker/classifier/monitor"
	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
)

func (c *Ctrl) Predict(ctx context.Context, req schema.PredictRequest) ([]schema.PredictResult, error) {
	results, err := c.predictor.Predict(ctx, req.Image)
	if err != nil {
		if errors.Is(err, predictor.ErrInvalidImage) {
			return nil, errors.BadRequest(err)
		}
		return nil, err
	}

	for _, r := range results {
		monitor.IncPrediction(r.Image)
	}
	return results, nil
}

// ReloadModel fetches version from the model server, or its newest version
// when version is empty, and swaps it into the predictor. Requests already
// running keep their model.
func (c *Ctrl) ReloadModel(ctx context.Context, version string) error {
	if c.loadModel == nil {
		return errors.New("no model loader configured")
	}

	model, err := c.loadModel(ctx, version)
	if err != nil {
		return errors.Wrap(err, "load model")
	}
	c.predictor.SetModel(model)
	c.logger.WithFields(logrus.Fields{"version": version}).Info("prediction model reloaded")
	return nil
}

// OnTrainingSuccess waits for the version exported by a finished training
// task to be served and switches predictions to it.
func (c *Ctrl) OnTrainingSuccess(ctx context.Context, task *db.Task, report *pipeline.Report) {
	trained := false
	for _, s := range report.Stages {
		if s == constant.StageTraining {
			trained = true
		}
	}
	if !trained {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.loadTimeout)
	defer cancel()
	if err := c.ReloadModel(ctx, report.ServingVersion); err != nil {
		c.logger.Warnf("task %s finished but model reload failed: %v", task.ID, err)
	}
}
