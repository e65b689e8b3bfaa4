package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/pkg/logger"
)

// errorBody is the wire envelope: {"error":{"code":..., "message":...}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    core.ErrorCode `json:"code"`
	Message string         `json:"message"`
}

// writeError renders an engine error as the API envelope. Unclassified
// errors are treated as backend failures and their detail stays in the
// logs, not on the wire.
func writeError(c *gin.Context, err error) {
	code := core.CodeBackend
	message := "internal error"
	var classified *core.Error
	if errors.As(err, &classified) {
		code = classified.Code
		if code != core.CodeBackend {
			message = classified.Message
		}
	}
	if code == core.CodeBackend {
		logger.FromContext(c.Request.Context()).Error("request failed",
			"path", c.Request.URL.Path,
			"error", err,
		)
	}
	if code == core.CodeUnauthorized {
		c.Header("WWW-Authenticate", `Bearer realm="pub"`)
	}
	c.JSON(httpStatus(code), errorBody{Error: errorDetail{Code: code, Message: message}})
}

func httpStatus(code core.ErrorCode) int {
	switch code {
	case core.CodeUnauthorized:
		return http.StatusUnauthorized
	case core.CodeForbidden:
		return http.StatusForbidden
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeConflict:
		return http.StatusConflict
	case core.CodeInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
