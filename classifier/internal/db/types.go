package db

import (
	"github.com/google/uuid"

	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
)

type Task = schema.Task

type ProgressState int

const (
	ProgressStateUnknown ProgressState = iota
	ProgressStateInit
	ProgressStateRunning
	ProgressStateFinished
	ProgressStateFailed
)

var progressStateNames = [...]string{"Unknown", "Init", "Running", "Finished", "Failed"}

func (p ProgressState) String() string {
	if p < 0 || int(p) >= len(progressStateNames) {
		return progressStateNames[ProgressStateUnknown]
	}
	return progressStateNames[p]
}

func ParseProgressState(s string) ProgressState {
	for i, name := range progressStateNames {
		if name == s {
			return ProgressState(i)
		}
	}
	return ProgressStateUnknown
}

// Terminal reports whether no further transition follows.
func (p ProgressState) Terminal() bool {
	return p == ProgressStateFinished || p == ProgressStateFailed
}

// ErrProgressConflict is returned when a task is not in the state a
// transition expects.
var (
	ErrProgressConflict = errors.New("task progress changed concurrently")
	ErrQueueFull        = errors.New("too many training tasks in queue")
)

// Store keeps training tasks. GetTask reports a missing task with
// gorm.ErrRecordNotFound; GetNextTask returns a Task with a nil ID when
// nothing is waiting.
type Store interface {
	AddTask(task *Task) error
	GetTask(id *uuid.UUID) (Task, error)
	GetNextTask(state ProgressState) (Task, error)
	UpdateTask(id *uuid.UUID, new Task) error
	UpdateTaskProgress(id *uuid.UUID, oldProgress, newProgress ProgressState) error
	MarkInProgressTasksAsFailed() error
	UnFinishedTaskCount() (int64, error)
	// AddTaskBounded adds task unless limit or more tasks are unfinished,
	// in which case it returns ErrQueueFull. It returns the unfinished count
	// seen before the insert. A limit of zero or less disables the bound.
	AddTaskBounded(task *Task, limit int64) (int64, error)
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*MemoryStore)(nil)
)
