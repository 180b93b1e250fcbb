package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	constant "github.com/lungscan/classifier-broker/classifier/const"
	"github.com/lungscan/classifier-broker/classifier/internal/db"
	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
)

// Train
//
//	@Description  This endpoint queues a training run. With wait=true it responds once the run has ended
//	@ID			train
//	@Tags		task
//	@Router		/train [post]
//	@Param		stages	query	string	false	"comma separated stages, all when empty"
//	@Param		wait	query	bool	false	"block until the task ends"
//	@Success	202	{object}	schema.Task
//	@Success	200	{string}	string
func (h *Handler) Train(ctx *gin.Context) {
	var task schema.Task
	if err := task.Bind(ctx); err != nil {
		handleBrokerError(ctx, errors.BadRequest(err), "bind task")
		return
	}

	wait := false
	if v := ctx.Query("wait"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			handleBrokerError(ctx, errors.BadRequest(err), "parse wait")
			return
		}
		wait = parsed
	}

	created, err := h.ctrl.CreateTask(ctx, task)
	if err != nil {
		handleBrokerError(ctx, err, "create task")
		return
	}

	if !wait {
		ctx.JSON(http.StatusAccepted, created)
		return
	}

	done, err := h.ctrl.WaitTask(ctx.Request.Context(), created.ID)
	if err != nil {
		handleBrokerError(ctx, err, "wait task")
		return
	}
	if done.Progress != db.ProgressStateFinished.String() {
		handleBrokerError(ctx, errors.Errorf("task %s failed: %s", done.ID, done.Error), "training")
		return
	}

	ctx.String(http.StatusOK, constant.TrainingDoneMessage)
}

// GetTask
//
//	@Description  This endpoint returns a training task
//	@ID			getTask
//	@Tags		task
//	@Router		/train/{taskID} [get]
//	@Param		taskID	path	string	true	"task ID"
//	@Success	200	{object}	schema.Task
func (h *Handler) GetTask(ctx *gin.Context) {
	id, err := uuid.Parse(ctx.Param("taskID"))
	if err != nil {
		handleBrokerError(ctx, errors.BadRequest(err), "parse task id")
		return
	}

	task, err := h.ctrl.GetTask(&id)
	if err != nil {
		handleBrokerError(ctx, err, "get task")
		return
	}

	ctx.JSON(http.StatusOK, task)
}

// GetTaskLog
//
//	@Description  This endpoint returns the progress log of a training task
//	@ID			getTaskLog
//	@Tags		task
//	@Router		/train/{taskID}/log [get]
//	@Param		taskID	path	string	true	"task ID"
//	@Success	200	{string}	string
func (h *Handler) GetTaskLog(ctx *gin.Context) {
	id, err := uuid.Parse(ctx.Param("taskID"))
	if err != nil {
		handleBrokerError(ctx, errors.BadRequest(err), "parse task id")
		return
	}

	content, err := h.ctrl.GetTaskLog(&id)
	if err != nil {
		handleBrokerError(ctx, err, "get task log")
		return
	}

	ctx.String(http.StatusOK, content)
}
