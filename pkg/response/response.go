package response

import (
	"errors"
	"net/http"

	"expenseexport/pkg/apperr"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeInvalidState      = 1001
	CodeConflict          = 1002
	CodeSourceUnavailable = 1003
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, status, code int, message string) {
	c.JSON(status, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeServerError, message)
}

// Fail renders err with the status and code of its kind. Messages of
// domain errors are passed through verbatim; anything else is reported as
// an internal error.
func Fail(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		ServerError(c, "internal error")
		return
	}

	switch appErr.Kind {
	case apperr.KindInvalidState:
		Error(c, http.StatusConflict, CodeInvalidState, err.Error())
	case apperr.KindConflict:
		Error(c, http.StatusConflict, CodeConflict, err.Error())
	case apperr.KindNotFound:
		Error(c, http.StatusNotFound, CodeNotFound, err.Error())
	case apperr.KindSourceUnavailable:
		Error(c, http.StatusServiceUnavailable, CodeSourceUnavailable, err.Error())
	case apperr.KindBadRequest:
		ParamError(c, err.Error())
	default:
		Error(c, http.StatusUnprocessableEntity, CodeBusinessError, err.Error())
	}
}
