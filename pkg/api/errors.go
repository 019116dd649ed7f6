package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mahaj/studio-chat/pkg/auth"
	"github.com/mahaj/studio-chat/pkg/model"
	"github.com/mahaj/studio-chat/pkg/store"
)

// writeError maps a service error onto its HTTP status. Only validation
// and auth messages are echoed to the client.
func writeError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, model.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrEmailTaken):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrSessionExpired):
		status, msg = http.StatusUnauthorized, err.Error()
	case errors.Is(err, auth.ErrForbidden):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, store.ErrUnavailable):
		// Both the primary and the fallback store failed.
		status, msg = http.StatusServiceUnavailable, "storage temporarily unavailable"
		slog.ErrorContext(ctx, "message store unavailable", "path", c.FullPath(), "error", err)
	default:
		slog.ErrorContext(ctx, "request failed", "path", c.FullPath(), "error", err)
	}

	_ = c.Error(err)
	c.JSON(status, gin.H{"error": msg})
}
