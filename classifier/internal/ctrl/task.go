package ctrl

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/lungscan/classifier-broker/classifier/internal/db"
	"github.com/lungscan/classifier-broker/classifier/internal/pipeline"
	"github.com/lungscan/classifier-broker/classifier/monitor"
	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
)

var ErrTaskQueueFull = db.ErrQueueFull

// CreateTask queues a training task and returns it as stored.
func (c *Ctrl) CreateTask(ctx context.Context, task schema.Task) (*schema.Task, error) {
	if _, err := pipeline.ParseStages(task.Stages); err != nil {
		return nil, errors.BadRequest(err)
	}

	id := uuid.New()
	task.ID = &id
	task.Progress = db.ProgressStateInit.String()
	task.Error = ""
	task.Score = nil

	if err := c.taskLog.InitTaskDirectory(task.ID); err != nil {
		return nil, errors.Wrap(err, "init task log")
	}

	count, err := c.store.AddTaskBounded(&task, int64(c.maxTaskQueueSize))
	if err != nil {
		if err := c.taskLog.CleanupTaskLog(task.ID); err != nil {
			c.logger.Warnf("remove task log for %s: %v", task.ID, err)
		}
		if errors.Is(err, db.ErrQueueFull) {
			return nil, errors.WithStatus(http.StatusTooManyRequests,
				fmt.Errorf("%w: %d unfinished", ErrTaskQueueFull, count))
		}
		return nil, errors.Wrap(err, "create task in db")
	}

	monitor.IncTrainingTask("Submitted")
	monitor.SetUnfinishedTasks(count + 1)
	c.logger.Infof("task %s queued, stages %q", task.ID, task.Stages)
	return &task, nil
}

func (c *Ctrl) GetTask(id *uuid.UUID) (schema.Task, error) {
	task, err := c.store.GetTask(id)
	if err != nil {
		return schema.Task{}, errors.Wrap(err, "get task from db")
	}
	return task, nil
}

func (c *Ctrl) GetTaskLog(id *uuid.UUID) (string, error) {
	if _, err := c.GetTask(id); err != nil {
		return "", err
	}

	content, err := c.taskLog.ReadLogFile(id)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.WithStatus(http.StatusNotFound, errors.New("task log not found"))
		}
		return "", errors.Wrap(err, "read task log")
	}
	return content, nil
}

// WaitTask blocks until the task reaches a terminal state or ctx ends.
func (c *Ctrl) WaitTask(ctx context.Context, id *uuid.UUID) (schema.Task, error) {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()

	for {
		task, err := c.GetTask(id)
		if err != nil {
			return schema.Task{}, err
		}
		if db.ParseProgressState(task.Progress).Terminal() {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}
