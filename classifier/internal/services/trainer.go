package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/classifier/internal/db"
	"github.com/lungscan/classifier-broker/classifier/internal/pipeline"
	"github.com/lungscan/classifier-broker/classifier/monitor"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
)

var (
	ErrNoTaskAvailable = errors.New("no task found")
	ErrTaskTimeout     = errors.New("task timeout reached")
)

type TaskStates struct {
	Initial      db.ProgressState
	Intermediate db.ProgressState
	Final        db.ProgressState
}

var TrainingStates = TaskStates{
	Initial:      db.ProgressStateInit,
	Intermediate: db.ProgressStateRunning,
	Final:        db.ProgressStateFinished,
}

// SuccessHook runs after a task reached its final state.
type SuccessHook func(ctx context.Context, task *db.Task, report *pipeline.Report)

type Options struct {
	PollInterval time.Duration
	// Timeout bounds a whole pipeline run. Zero disables the limit.
	Timeout   time.Duration
	OnSuccess SuccessHook
}

// Trainer picks queued training tasks from the store and runs the pipeline
// for each of them on a worker pool.
type Trainer struct {
	mu         sync.Mutex
	workerPool *workerpool.WorkerPool

	states       TaskStates
	pollInterval time.Duration
	timeout      time.Duration
	onSuccess    SuccessHook

	store   db.Store
	runner  *pipeline.Runner
	taskLog *log.TaskLogger
	logger  log.Logger

	started bool
	stopped chan struct{}
}

func NewTrainer(
	store db.Store,
	runner *pipeline.Runner,
	taskLog *log.TaskLogger,
	pool *workerpool.WorkerPool,
	opts Options,
	logger log.Logger,
) *Trainer {
	return &Trainer{
		workerPool:   pool,
		states:       TrainingStates,
		pollInterval: opts.PollInterval,
		timeout:      opts.Timeout,
		onSuccess:    opts.OnSuccess,
		store:        store,
		runner:       runner,
		taskLog:      taskLog,
		logger:       logger,
		stopped:      make(chan struct{}),
	}
}

func (s *Trainer) Start(ctx context.Context) error {
	if s.pollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("trainer already started")
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		s.logger.Info("trainer started")
		defer s.logger.Info("trainer stopped")
		defer close(s.stopped)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}

				task, err := s.fetchNextTask()
				if err != nil {
					if errors.Is(err, ErrNoTaskAvailable) {
						s.handleNoTask()
					} else {
						s.logger.Warnf("failed to fetch task: %v", err)
					}

					continue
				}

				s.queueTask(ctx, task)
			}
		}
	}()

	return nil
}

// Wait blocks until the poll loop started by Start has returned. Stop the
// worker pool only after Wait, so no task is submitted to a stopped pool.
func (s *Trainer) Wait() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if started {
		<-s.stopped
	}
}

func (s *Trainer) handleNoTask() {
	count, err := s.store.UnFinishedTaskCount()
	if err != nil {
		s.logger.Warnf("failed to count unfinished tasks: %v", err)
		return
	}
	monitor.SetUnfinishedTasks(count)
}

func (s *Trainer) fetchNextTask() (*db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.GetNextTask(s.states.Initial)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task from db")
	}

	if task.ID == nil {
		return nil, ErrNoTaskAvailable
	}

	if err := s.store.UpdateTaskProgress(task.ID, s.states.Initial, s.states.Intermediate); err != nil {
		return nil, errors.Wrap(err, "failed to update task progress")
	}

	s.logger.Infof("fetched next task: %s", task.ID)
	return &task, nil
}

func (s *Trainer) queueTask(ctx context.Context, task *db.Task) {
	if ctx.Err() != nil {
		s.requeueTask(task)
		return
	}

	if s.workerPool.WaitingQueueSize() > 0 {
		s.logger.Infof("worker pool queue size: %d", s.workerPool.WaitingQueueSize())
	}

	s.workerPool.Submit(func() {
		if err := s.processTask(ctx, task); err != nil {
			s.logger.Errorf("task processing failed: %v", err)
		}
	})
}

func (s *Trainer) processTask(ctx context.Context, task *db.Task) error {
	if ctx.Err() != nil {
		s.requeueTask(task)
		return nil
	}
	s.logger.Infof("processing task: %s", task.ID)

	report, err := s.runTaskWithTimeout(ctx, task)
	if err != nil {
		if err := s.handleTaskFailure(err, task); err != nil {
			s.logger.Errorf("failed to handle task failure: %v", err)
		}

		return err
	}

	if err := s.markTaskCompleted(task, report); err != nil {
		return err
	}

	if s.onSuccess != nil {
		s.onSuccess(ctx, task, report)
	}
	return nil
}

// requeueTask hands a claimed task back to the queue when the trainer is
// shutting down before the task started.
func (s *Trainer) requeueTask(task *db.Task) {
	if err := s.store.UpdateTaskProgress(task.ID, s.states.Intermediate, s.states.Initial); err != nil {
		s.logger.Errorf("failed to requeue task %s: %v", task.ID, err)
		return
	}
	s.logger.Infof("task %s requeued on shutdown", task.ID)
}

type runResult struct {
	report *pipeline.Report
	err    error
}

func (s *Trainer) runTaskWithTimeout(ctx context.Context, task *db.Task) (*pipeline.Report, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		report, err := s.execute(runCtx, task)
		done <- runResult{report: report, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}

		s.logger.Infof("task %s completed", task.ID)
		return res.report, nil
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTaskTimeout
		}
		return nil, runCtx.Err()
	}
}

func (s *Trainer) execute(ctx context.Context, task *db.Task) (*pipeline.Report, error) {
	current, err := s.store.GetTask(task.ID)
	if err != nil {
		return nil, err
	}

	if current.Progress != s.states.Intermediate.String() {
		return nil, fmt.Errorf("task %s is not in the expected state: %s", task.ID, current.Progress)
	}

	stages, err := pipeline.ParseStages(current.Stages)
	if err != nil {
		return nil, err
	}

	return s.runner.Run(ctx, stages, s.stageHook(task))
}

// stageHook mirrors stage transitions into the task log and the stage
// duration histogram.
func (s *Trainer) stageHook(task *db.Task) pipeline.Hook {
	started := make(map[string]time.Time)
	logger := s.logger.WithFields(logrus.Fields{"task": task.ID.String()})

	return func(stage string, status pipeline.StageStatus, err error) {
		line := fmt.Sprintf("stage %s %s\n", stage, status)
		switch status {
		case pipeline.StageStarted:
			started[stage] = time.Now()
		case pipeline.StageFailed:
			line = fmt.Sprintf("stage %s failed: %v\n", stage, err)
			fallthrough
		default:
			if t, ok := started[stage]; ok {
				monitor.ObserveStage(stage, string(status), time.Since(t))
			}
		}

		if err := s.taskLog.WriteToLogFile(task.ID, line); err != nil {
			logger.Errorf("write into task log failed: %v", err)
		}
	}
}

func (s *Trainer) handleTaskFailure(err error, task *db.Task) error {
	if err := s.taskLog.WriteToLogFile(task.ID, fmt.Sprintf("Error executing task %v: %v\n", task.ID, err)); err != nil {
		s.logger.Errorf("write into task log failed: %v", err)
	}

	monitor.IncTrainingTask(db.ProgressStateFailed.String())
	return s.store.UpdateTask(task.ID, db.Task{
		Progress: db.ProgressStateFailed.String(),
		Error:    err.Error(),
	})
}

func (s *Trainer) markTaskCompleted(task *db.Task, report *pipeline.Report) error {
	if report != nil && report.Score != nil {
		if err := s.store.UpdateTask(task.ID, db.Task{Score: report.Score}); err != nil {
			return err
		}
	}

	if err := s.store.UpdateTaskProgress(task.ID, s.states.Intermediate, s.states.Final); err != nil {
		return err
	}

	monitor.IncTrainingTask(s.states.Final.String())
	return s.taskLog.WriteToLogFile(task.ID, fmt.Sprintf("Training done successfully for task %s\n", task.ID))
}
