package db

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (d *DB) AddTask(task *Task) error {
	ret := d.db.Create(task)
	return ret.Error
}

func (d *DB) GetTask(id *uuid.UUID) (Task, error) {
	svc := Task{}
	ret := d.db.Where(&Task{ID: id}).First(&svc)
	return svc, ret.Error
}

func (d *DB) GetNextTask(state ProgressState) (Task, error) {
	svc := Task{}
	ret := d.db.Where(&Task{Progress: state.String()}).Order("created_at").Limit(1).Find(&svc)
	return svc, ret.Error
}

func unfinished(tx *gorm.DB) *gorm.DB {
	return tx.Model(&Task{}).
		Where("progress NOT IN (?, ?)", ProgressStateFinished.String(), ProgressStateFailed.String())
}

func (d *DB) UnFinishedTaskCount() (int64, error) {
	var count int64
	ret := unfinished(d.db).Count(&count)
	if ret.Error != nil {
		return 0, ret.Error
	}
	return count, nil
}

func (d *DB) AddTaskBounded(task *Task, limit int64) (int64, error) {
	var count int64
	err := d.db.Transaction(func(tx *gorm.DB) error {
		// the locking read holds concurrent submissions until this one commits
		if ret := unfinished(tx).Clauses(clause.Locking{Strength: "UPDATE"}).Count(&count); ret.Error != nil {
			return ret.Error
		}
		if limit > 0 && count >= limit {
			return ErrQueueFull
		}
		return tx.Create(task).Error
	})
	return count, err
}

// UpdateTask writes the non-zero fields of new unless the task has already
// failed.
func (d *DB) UpdateTask(id *uuid.UUID, new Task) error {
	ret := d.db.Model(&Task{}).Where(&Task{ID: id}).Where("progress <> ?", ProgressStateFailed.String()).Updates(new)
	return ret.Error
}

func (d *DB) UpdateTaskProgress(id *uuid.UUID, oldProgress, newProgress ProgressState) error {
	ret := d.db.Model(&Task{}).Where(&Task{ID: id, Progress: oldProgress.String()}).Update("progress", newProgress.String())
	if ret.Error != nil {
		return ret.Error
	}
	if ret.RowsAffected == 0 {
		return ErrProgressConflict
	}
	return nil
}

func (d *DB) MarkInProgressTasksAsFailed() error {
	ret := d.db.Model(&Task{}).
		Where("progress = ?", ProgressStateRunning.String()).
		Updates(Task{Progress: ProgressStateFailed.String(), Error: "interrupted by broker restart"})

	return ret.Error
}
