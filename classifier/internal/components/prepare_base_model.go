package components

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/classifier/entity"
	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
)

type PrepareBaseModel struct {
	config    entity.PrepareBaseModelConfig
	framework backend.Framework
	logger    log.Logger
}

func NewPrepareBaseModel(config entity.PrepareBaseModelConfig, framework backend.Framework, logger log.Logger) *PrepareBaseModel {
	return &PrepareBaseModel{
		config:    config,
		framework: framework,
		logger:    logger.WithFields(logrus.Fields{"component": "prepare_base_model"}),
	}
}

// Request is the runner request for this stage: the pre-trained network
// with every base layer frozen and a new softmax head.
func (p *PrepareBaseModel) Request() backend.BaseModelRequest {
	return backend.BaseModelRequest{
		BaseModelPath:        p.config.BaseModelPath,
		UpdatedBaseModelPath: p.config.UpdatedBaseModelPath,
		ImageSize:            p.config.ParamsImageSize,
		Weights:              p.config.ParamsWeights,
		IncludeTop:           p.config.ParamsIncludeTop,
		Classes:              p.config.ParamsClasses,
		LearningRate:         p.config.ParamsLearningRate,
		FreezeAll:            true,
		FreezeTill:           0,
	}
}

// UpdateBaseModel writes the base model and the updated model with the new
// classification head.
func (p *PrepareBaseModel) UpdateBaseModel(ctx context.Context) error {
	if err := p.framework.PrepareBaseModel(ctx, p.Request()); err != nil {
		return errors.Wrap(err, "prepare base model")
	}
	p.logger.Infof("base model saved to %s, updated model saved to %s",
		p.config.BaseModelPath, p.config.UpdatedBaseModelPath)
	return nil
}
