// Package predictor turns uploaded images into class labels.
package predictor

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	constant "github.com/lungscan/classifier-broker/classifier/const"
	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
	"github.com/lungscan/classifier-broker/common/util"
)

var (
	ErrInvalidImage   = errors.New("invalid image")
	ErrModelNotLoaded = errors.New("model not loaded")
)

type handle struct {
	model backend.Model
}

// Predictor is safe for concurrent use. Each request runs against the model
// handle current when it started; SetModel swaps the handle for later
// requests.
type Predictor struct {
	model     atomic.Pointer[handle]
	imageSize int
	logger    log.Logger
}

func New(model backend.Model, logger log.Logger) *Predictor {
	p := &Predictor{
		imageSize: constant.PredictImageSize,
		logger:    logger.WithFields(logrus.Fields{"name": "predictor"}),
	}
	p.SetModel(model)
	return p
}

func (p *Predictor) SetModel(model backend.Model) {
	if model == nil {
		p.model.Store(nil)
		return
	}
	p.model.Store(&handle{model: model})
}

func (p *Predictor) Ready() bool {
	return p.model.Load() != nil
}

// Predict classifies a Base64-encoded image.
func (p *Predictor) Predict(ctx context.Context, encoded string) ([]schema.PredictResult, error) {
	data, err := util.DecodeBase64Image(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return p.PredictImage(ctx, data)
}

// PredictImage classifies raw encoded image bytes.
func (p *Predictor) PredictImage(ctx context.Context, data []byte) ([]schema.PredictResult, error) {
	h := p.model.Load()
	if h == nil {
		return nil, errors.WithStatus(http.StatusServiceUnavailable, ErrModelNotLoaded)
	}

	batch, err := Preprocess(data, p.imageSize, constant.RescaleFactor)
	if err != nil {
		return nil, err
	}

	probs, err := h.model.Predict(ctx, batch)
	if err != nil {
		return nil, errors.Wrap(err, "model inference")
	}
	if len(probs) == 0 || len(probs[0]) == 0 {
		return nil, errors.New("model returned no prediction")
	}

	index := argmax(probs[0])
	label := Label(index)
	p.logger.WithFields(logrus.Fields{"index": index, "probs": probs[0]}).Debug("prediction")
	return []schema.PredictResult{{Image: label}}, nil
}

// Label maps a class index to its display name. Only index 1 is normal;
// every other index reads as cancer.
func Label(index int) string {
	if index == constant.NormalClassIndex {
		return constant.NormalLabel
	}
	return constant.CancerLabel
}

func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
