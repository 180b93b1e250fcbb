package ctrl

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/classifier/config"
	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/classifier/internal/db"
	"github.com/lungscan/classifier-broker/classifier/internal/predictor"
	"github.com/lungscan/classifier-broker/common/log"
)

const (
	defaultWaitInterval = time.Second
	defaultLoadTimeout  = 5 * time.Minute
)

// ModelLoader fetches a model version from the model server. An empty
// version selects the newest available one.
type ModelLoader func(ctx context.Context, version string) (backend.Model, error)

type Ctrl struct {
	store     db.Store
	taskLog   *log.TaskLogger
	predictor *predictor.Predictor
	loadModel ModelLoader

	maxTaskQueueSize uint
	waitInterval     time.Duration
	loadTimeout      time.Duration

	logger log.Logger
}

func New(
	conf *config.Config,
	store db.Store,
	taskLog *log.TaskLogger,
	p *predictor.Predictor,
	loadModel ModelLoader,
	logger log.Logger,
) *Ctrl {
	loadTimeout := time.Duration(conf.Serving.LoadTimeoutSecs) * time.Second
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}

	return &Ctrl{
		store:            store,
		taskLog:          taskLog,
		predictor:        p,
		loadModel:        loadModel,
		maxTaskQueueSize: conf.MaxTaskQueueSize,
		waitInterval:     defaultWaitInterval,
		loadTimeout:      loadTimeout,
		logger:           logger.WithFields(logrus.Fields{"name": "ctrl"}),
	}
}
