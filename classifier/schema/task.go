package schema

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/plugin/soft_delete"
)

// Task is one submitted training job.
type Task struct {
	ID        *uuid.UUID `gorm:"type:char(36);primaryKey" json:"id" readonly:"true"`
	CreatedAt *time.Time `json:"createdAt" readonly:"true" gen:"-"`
	UpdatedAt *time.Time `json:"updatedAt" readonly:"true" gen:"-"`
	// Stages is a comma separated list of stages to run; empty runs all.
	Stages    string                `gorm:"type:varchar(255);not null;default:''" json:"stages"`
	Progress  string                `gorm:"type:varchar(255);not null;default:'Init';index" json:"progress" readonly:"true"`
	Error     string                `gorm:"type:text" json:"error,omitempty" readonly:"true"`
	Score     *Score                `gorm:"serializer:json;type:json" json:"score,omitempty" readonly:"true"`
	DeletedAt soft_delete.DeletedAt `gorm:"softDelete:nano;not null;default:0;index:deleted_name" json:"-" readonly:"true"`
}

type TaskRequest struct {
	Stages []string `json:"stages"`
}

// Bind reads the optional stage selection from a JSON body or from the
// stages query parameter.
func (d *Task) Bind(ctx *gin.Context) error {
	var r TaskRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&r); err != nil {
			return err
		}
	}
	stages := r.Stages
	if q := ctx.Query("stages"); q != "" {
		stages = append(stages, strings.Split(q, ",")...)
	}
	d.Stages = strings.Join(stages, ",")
	return nil
}
