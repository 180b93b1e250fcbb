package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lungscan/classifier-broker/classifier/schema"
	"github.com/lungscan/classifier-broker/common/errors"
)

// Predict
//
//	@Description  This endpoint classifies a Base64 encoded CT scan image
//	@ID			predict
//	@Tags		predict
//	@Router		/predict [post]
//	@Param		body	body	schema.PredictRequest	true	"body"
//	@Success	200	{array}	schema.PredictResult
func (h *Handler) Predict(ctx *gin.Context) {
	var req schema.PredictRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		handleBrokerError(ctx, errors.BadRequest(err), "bind predict request")
		return
	}

	results, err := h.ctrl.Predict(ctx, req)
	if err != nil {
		handleBrokerError(ctx, err, "predict")
		return
	}

	ctx.JSON(http.StatusOK, results)
}
