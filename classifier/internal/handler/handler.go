package handler

import (
	"embed"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/lungscan/classifier-broker/classifier/internal/ctrl"
	"github.com/lungscan/classifier-broker/common/errors"
)

//go:embed templates/index.html
var templates embed.FS

type Handler struct {
	ctrl         *ctrl.Ctrl
	allowOrigins []string
}

func New(ctrl *ctrl.Ctrl, allowOrigins []string) *Handler {
	h := &Handler{
		ctrl:         ctrl,
		allowOrigins: allowOrigins,
	}
	return h
}

func (h *Handler) Register(r *gin.Engine) {
	origins := h.allowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"*"},
	}))

	r.GET("/", h.Index)

	// training
	r.GET("/train", h.Train)
	r.POST("/train", h.Train)
	r.GET("/train/:taskID", h.GetTask)
	r.GET("/train/:taskID/log", h.GetTaskLog)

	// prediction
	r.POST("/predict", h.Predict)
}

// Index
//
//	@Description  This endpoint serves the upload page
//	@ID			index
//	@Tags		ui
//	@Router		/ [get]
//	@Success	200	{string}	string
func (h *Handler) Index(ctx *gin.Context) {
	page, err := templates.ReadFile("templates/index.html")
	if err != nil {
		handleBrokerError(ctx, err, "read index page")
		return
	}
	ctx.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

func handleBrokerError(ctx *gin.Context, err error, context string) {
	info := "Broker"
	if context != "" {
		info += (": " + context)
	}
	errors.Response(ctx, errors.Wrap(err, info))
}
