package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindInvalidInput:
		return http.StatusBadRequest
	case apperrors.KindPermissionDenied:
		return http.StatusForbidden
	case apperrors.KindUnitNotFound:
		return http.StatusNotFound
	case apperrors.KindJobTimeout, apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	case apperrors.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError aborts the request with the JSON error body.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.Error
	code := "INTERNAL"
	status := http.StatusInternalServerError
	if errors.As(err, &appErr) {
		code = string(appErr.Kind)
		status = statusFor(appErr.Kind)
	}
	abortJSON(c, status, code, err.Error())
}

func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":      msg,
		"code":       code,
		"request_id": c.GetString(requestIDKey),
	})
}
