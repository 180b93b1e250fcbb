package components

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	constant "github.com/lungscan/classifier-broker/classifier/const"
	"github.com/lungscan/classifier-broker/classifier/entity"
	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/classifier/internal/dataset"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
)

// ErrEmptyEpoch means the training subset holds fewer images than one batch.
var ErrEmptyEpoch = errors.New("training subset is smaller than one batch")

type Training struct {
	config    entity.TrainingConfig
	framework backend.Framework
	logger    log.Logger

	exportedVersion string
}

func NewTraining(config entity.TrainingConfig, framework backend.Framework, logger log.Logger) *Training {
	return &Training{
		config:    config,
		framework: framework,
		logger:    logger.WithFields(logrus.Fields{"component": "training"}),
	}
}

// Plan scans the dataset and builds the runner request with the step counts
// the framework's generators would produce.
func (t *Training) Plan() (backend.TrainRequest, error) {
	folder, err := dataset.Scan(t.config.TrainingData)
	if err != nil {
		return backend.TrainRequest{}, err
	}

	ratio := constant.TrainingValidationSplit
	batch := t.config.ParamsBatchSize
	trainSamples := folder.SubsetSize(dataset.Training, ratio)
	validSamples := folder.SubsetSize(dataset.Validation, ratio)
	steps := dataset.StepsPerEpoch(trainSamples, batch)
	validationSteps := dataset.StepsPerEpoch(validSamples, batch)

	t.logger.WithFields(logrus.Fields{
		"classes":          folder.ClassDistribution(),
		"training":         trainSamples,
		"validation":       validSamples,
		"steps_per_epoch":  steps,
		"validation_steps": validationSteps,
	}).Info("dataset scanned")

	if steps == 0 {
		return backend.TrainRequest{}, fmt.Errorf("%w: %d training images, batch size %d", ErrEmptyEpoch, trainSamples, batch)
	}

	var servingDir string
	if t.config.ServingModelDir != "" {
		version, err := NextServingVersion(t.config.ServingModelDir)
		if err != nil {
			return backend.TrainRequest{}, err
		}
		servingDir = filepath.Join(t.config.ServingModelDir, strconv.FormatInt(version, 10))
	}

	return backend.TrainRequest{
		UpdatedBaseModelPath: t.config.UpdatedBaseModelPath,
		TrainedModelPath:     t.config.TrainedModelPath,
		ServingModelDir:      servingDir,
		TrainingData:         t.config.TrainingData,
		Epochs:               t.config.ParamsEpochs,
		BatchSize:            batch,
		Augmentation:         t.config.ParamsIsAugmentation,
		ImageSize:            t.config.ParamsImageSize,
		ValidationSplit:      ratio,
		StepsPerEpoch:        steps,
		ValidationSteps:      validationSteps,
		LearningRate:         constant.TrainingRecompileLearningRate,
	}, nil
}

// Train fits the updated base model and saves the trained model.
func (t *Training) Train(ctx context.Context) error {
	req, err := t.Plan()
	if err != nil {
		return err
	}
	if err := t.framework.Train(ctx, req); err != nil {
		return errors.Wrap(err, "train model")
	}
	t.logger.Infof("trained model saved to %s", t.config.TrainedModelPath)

	if req.ServingModelDir != "" {
		t.exportedVersion = filepath.Base(req.ServingModelDir)
		t.logger.Infof("serving model version %s exported to %s", t.exportedVersion, req.ServingModelDir)
	}
	return nil
}

// ExportedVersion is the serving version written by the last Train call, or
// empty when no serving export is configured.
func (t *Training) ExportedVersion() string {
	return t.exportedVersion
}

// NextServingVersion returns one more than the highest numeric version
// directory below base. A missing base starts at version 1.
func NextServingVersion(base string) (int64, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, errors.Wrapf(err, "list serving versions in %s", base)
	}

	var highest int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil || v <= 0 {
			continue
		}
		if v > highest {
			highest = v
		}
	}
	return highest + 1, nil
}
