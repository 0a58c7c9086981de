package handler

import (
	"errors"
	"net/http"

	"github.com/DECSResearch/GrantWatch/model"
	"github.com/DECSResearch/GrantWatch/pkg/logger"
	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrManifestNotFound), errors.Is(err, model.ErrSubmissionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", "error", err)
	}
	c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
