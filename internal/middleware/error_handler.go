package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/telemetry"
)

// ErrorHandler recovers panics and renders the last error a handler attached
// to the context as a JSON body with the AppError's HTTP status. Handlers
// report failures with c.Error(err) and return; nothing else writes error
// responses.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				telemetry.GetContextualLogger(c.Request.Context()).WithFields(map[string]interface{}{
					"operation":   "error_handler_panic",
					"panic_value": fmt.Sprintf("%v", r),
					"stack_trace": string(debug.Stack()),
				}).Error("Panic recovered in request handler")

				appErr := errors.NewInternalError("An unexpected error occurred", fmt.Errorf("panic: %v", r)).
					WithCorrelationID(telemetry.GetCorrelationID(c.Request.Context()))
				// Attached so outer middleware, like the error tracker, sees
				// the failure too.
				_ = c.Error(appErr)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": appErr})
			}
		}()

		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		renderError(c, c.Errors.Last().Err)
	}
}

func renderError(c *gin.Context, err error) {
	appErr := asAppError(c, err)
	logAppError(c, appErr)
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}

// asAppError normalizes any error into an AppError carrying the request's
// correlation ID.
func asAppError(c *gin.Context, err error) *errors.AppError {
	correlationID := telemetry.GetCorrelationID(c.Request.Context())

	if appErr, ok := err.(*errors.AppError); ok {
		if appErr.CorrelationID == "" {
			return appErr.WithCorrelationID(correlationID)
		}
		return appErr
	}
	return errors.NewInternalError("An unexpected error occurred", err).
		WithCorrelationID(correlationID)
}

// logAppError picks the log level from the error kind: client mistakes are
// warnings, lookups that found nothing are informational, the rest are
// errors.
func logAppError(c *gin.Context, appErr *errors.AppError) {
	logger := telemetry.GetContextualLogger(c.Request.Context()).WithFields(map[string]interface{}{
		"operation":  "render_error",
		"error_type": string(appErr.Type),
		"error_code": appErr.Code,
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
	})
	for k, v := range appErr.Metadata {
		logger = logger.WithField(k, v)
	}
	if appErr.Cause != nil {
		logger = logger.WithField("cause", appErr.Cause.Error())
	}

	switch appErr.Type {
	case errors.ErrorTypeValidation, errors.ErrorTypeAuthentication, errors.ErrorTypeAuthorization:
		logger.Warn(appErr.Message)
	case errors.ErrorTypeNotFound, errors.ErrorTypeConflict:
		logger.Info(appErr.Message)
	default:
		logger.Error(appErr.Message)
	}
}
