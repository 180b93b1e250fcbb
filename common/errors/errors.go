package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	New    = pkgerrors.New
	Errorf = pkgerrors.Errorf
	Wrap   = pkgerrors.Wrap
	Wrapf  = pkgerrors.Wrapf
	Cause  = pkgerrors.Cause
	Is     = stderrors.Is
	As     = stderrors.As
)

// HTTPError carries the status code a handler should answer with.
type HTTPError struct {
	Code int
	Err  error
}

func (e *HTTPError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Code)
	}
	return e.Err.Error()
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

func WithStatus(code int, err error) error {
	if err == nil {
		return nil
	}
	return &HTTPError{Code: code, Err: err}
}

func BadRequest(err error) error {
	return WithStatus(http.StatusBadRequest, err)
}

func StatusCode(err error) int {
	var httpErr *HTTPError
	switch {
	case As(err, &httpErr):
		return httpErr.Code
	case Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type ErrorResponse struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

func Response(ctx *gin.Context, err error) {
	code := StatusCode(err)
	ctx.AbortWithStatusJSON(code, ErrorResponse{Code: code, Error: err.Error()})
}
