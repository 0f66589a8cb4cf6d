package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"storebot.com/pkg/logger"
	"storebot.com/pkg/xerr"
)

// Response is the JSON envelope of every HTTP reply.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    xerr.OK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{Code: code, Message: message})
}

// FailErr maps an error chain to a status and logs server-side failures.
func FailErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	status := httpStatusOf(code)
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "http request failed",
			zap.String("request_id", RequestIDFromGin(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("biz_code", code),
			zap.Error(err),
		)
	}
	// never echo internal error text to callers
	Fail(c, status, code, xerr.MapErrMsg(code))
}

func httpStatusOf(code int) int {
	switch code {
	case xerr.RequestParamsError:
		return http.StatusBadRequest
	case xerr.RecordNotFound:
		return http.StatusNotFound
	case xerr.Conflict, xerr.OrderNotPending:
		return http.StatusConflict
	case xerr.InsufficientBalance:
		return http.StatusUnprocessableEntity
	case xerr.UpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
