package log

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const TaskLogFileName = "progress.log"

type TaskLogger struct {
	baseDir string
}

func NewTaskLogger(baseDir string) *TaskLogger {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &TaskLogger{baseDir: baseDir}
}

// GetTaskLogDir returns the directory path for task logs
func (l *TaskLogger) GetTaskLogDir(id *uuid.UUID) string {
	return filepath.Join(l.baseDir, id.String())
}

// InitTaskDirectory creates the task log directory and seeds the log file
func (l *TaskLogger) InitTaskDirectory(id *uuid.UUID) error {
	if err := os.MkdirAll(l.GetTaskLogDir(id), 0755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	return l.WriteToLogFile(id, "creating task....\n")
}

// WriteToLogFile appends a timestamped line to the progress.log file
func (l *TaskLogger) WriteToLogFile(id *uuid.UUID, content string) error {
	dir := l.GetTaskLogDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	logPath := filepath.Join(dir, TaskLogFileName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(fmt.Sprintf("[%s] %s", time.Now().Format(time.RFC3339), content))
	return err
}

// ReadLogFile reads the content of the progress.log file
func (l *TaskLogger) ReadLogFile(id *uuid.UUID) (string, error) {
	logPath := filepath.Join(l.GetTaskLogDir(id), TaskLogFileName)
	data, err := os.ReadFile(logPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CleanupTaskLog removes the task log directory
func (l *TaskLogger) CleanupTaskLog(id *uuid.UUID) error {
	return os.RemoveAll(l.GetTaskLogDir(id))
}
