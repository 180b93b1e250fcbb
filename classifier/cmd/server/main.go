package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/classifier/config"
	"github.com/lungscan/classifier-broker/classifier/internal/backend"
	"github.com/lungscan/classifier-broker/classifier/internal/ctrl"
	"github.com/lungscan/classifier-broker/classifier/internal/db"
	"github.com/lungscan/classifier-broker/classifier/internal/handler"
	"github.com/lungscan/classifier-broker/classifier/internal/pipeline"
	"github.com/lungscan/classifier-broker/classifier/internal/predictor"
	"github.com/lungscan/classifier-broker/classifier/internal/services"
	"github.com/lungscan/classifier-broker/classifier/internal/serving"
	"github.com/lungscan/classifier-broker/classifier/internal/tracking"
	"github.com/lungscan/classifier-broker/classifier/monitor"
	"github.com/lungscan/classifier-broker/common/log"
)

//go:generate swag fmt
//go:generate swag init --dir ./,../../ --output ../../doc

//	@title			Lung CT Scan Classifier API
//	@version		0.1.0
//	@description	These APIs train the chest CT scan classifier and serve its predictions
//	@host			localhost:8080
//	@BasePath		/

const serverName = "classifier-broker"

func Main() {
	cfg, logger, err := initializeBaseComponents()
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	framework := prepareFramework(ctx, cfg, logger)

	services, err := initializeServices(ctx, cfg, framework.get, logger)
	if err != nil {
		panic(err)
	}

	err = runApplication(ctx, cfg, services, logger)
	services.shutdown(cancel)
	if err != nil {
		panic(err)
	}
}

type ApplicationServices struct {
	store   db.Store
	ctrl    *ctrl.Ctrl
	trainer *services.Trainer
	pool    *workerpool.WorkerPool
}

// shutdown cancels running tasks, waits for the poll loop and then drains
// the worker pool.
func (s *ApplicationServices) shutdown(cancel context.CancelFunc) {
	cancel()
	s.trainer.Wait()
	s.pool.StopWait()
}

func initializeBaseComponents() (*config.Config, log.Logger, error) {
	config := config.GetConfig()
	logger, err := log.GetLogger(&config.Logger)
	return config, logger, err
}

// frameworkFuture holds the framework backend while its image is built in
// the background.
type frameworkFuture struct {
	done      chan struct{}
	framework backend.Framework
	err       error
}

func (f *frameworkFuture) get(ctx context.Context) (backend.Framework, error) {
	select {
	case <-f.done:
		return f.framework, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func prepareFramework(ctx context.Context, cfg *config.Config, logger log.Logger) *frameworkFuture {
	f := &frameworkFuture{done: make(chan struct{})}

	go func() {
		defer close(f.done)

		logger.Debugf("preparing %s backend", cfg.Backend.Type)
		f.framework, f.err = backend.New(ctx, cfg, logger)
		if f.err != nil {
			logger.Errorf("failed to prepare framework backend: %v", f.err)
			return
		}
		logger.Infof("%s backend ready", cfg.Backend.Type)
	}()

	return f
}

func initializeServices(ctx context.Context, cfg *config.Config, framework pipeline.FrameworkFunc, logger log.Logger) (*ApplicationServices, error) {
	store, err := db.NewStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	tracker, err := tracking.FromConfig(cfg.Tracking, logger)
	if err != nil {
		return nil, err
	}

	servingClient := serving.New(cfg.Serving.URL, cfg.Serving.ModelName, time.Duration(cfg.Serving.TimeoutSecs)*time.Second, logger)
	loadModel := func(ctx context.Context, version string) (backend.Model, error) {
		var (
			model *serving.Model
			err   error
		)
		if version == "" {
			model, err = servingClient.Load(ctx)
		} else {
			model, err = servingClient.WaitForVersion(ctx, version)
		}
		if err != nil {
			return nil, err
		}
		return model, nil
	}

	p := predictor.New(nil, logger)
	if model, err := loadModel(ctx, ""); err != nil {
		logger.Warnf("model server not ready, predictions disabled until the next training run: %v", err)
	} else {
		p.SetModel(model)
	}

	taskLog := log.NewTaskLogger(cfg.TaskLogDir)
	ctrl := ctrl.New(cfg, store, taskLog, p, loadModel, logger)

	runner := pipeline.NewRunner(cfg.Pipeline.ConfigFile, cfg.Pipeline.ParamsFile, framework, tracker, logger).InWorkspace(cfg.Pipeline.Workspace)
	pool := workerpool.New(cfg.TrainingWorkerCount)
	trainer := services.NewTrainer(store, runner, taskLog, pool, services.Options{
		PollInterval: time.Duration(cfg.TaskPollIntervalSecs) * time.Second,
		Timeout:      time.Duration(cfg.TaskTimeoutSecs) * time.Second,
		OnSuccess:    ctrl.OnTrainingSuccess,
	}, logger.WithFields(logrus.Fields{"name": "trainer"}))

	return &ApplicationServices{
		store:   store,
		ctrl:    ctrl,
		trainer: trainer,
		pool:    pool,
	}, nil
}

func runApplication(ctx context.Context, cfg *config.Config, services *ApplicationServices, logger log.Logger) error {
	if err := services.store.MarkInProgressTasksAsFailed(); err != nil {
		return err
	}

	if err := services.trainer.Start(ctx); err != nil {
		return err
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.Monitor.Enable {
		monitor.PrometheusInit(serverName)
		engine.Use(monitor.TrackMetrics())
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
		logger.Info("Prometheus monitoring enabled")
	}

	h := handler.New(services.ctrl, cfg.AllowOrigins)
	h.Register(engine)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Listen and Serve, config port with PORT=X
	go func() {
		logger.WithFields(logrus.Fields{"port": os.Getenv("PORT")}).Info("starting http server...")
		if err := engine.Run(); err != nil {
			logger.Errorf("HTTP server error: %v", err)
			stop <- os.Interrupt
		}
	}()

	<-stop
	logger.Info("shutting down server...")
	return nil
}
