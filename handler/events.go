package handler

import (
	"context"
	"net/http"

	"github.com/DECSResearch/GrantWatch/middleware"
	"github.com/DECSResearch/GrantWatch/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7/pkg/notification"
)

// BatchHandler consumes a storage notification batch.
type BatchHandler interface {
	HandleBatch(ctx context.Context, info notification.Info) int
}

// EventsHandler receives bucket notifications posted by the storage webhook.
type EventsHandler struct {
	validator BatchHandler
}

func NewEventsHandler(validator BatchHandler) *EventsHandler {
	return &EventsHandler{validator: validator}
}

// HandleStorageEvent validates every record in the posted batch. Record
// failures are logged and still count as processed.
func (h *EventsHandler) HandleStorageEvent(c *gin.Context) {
	var info notification.Info
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid notification payload"})
		return
	}

	// validation runs to completion even if the sender hangs up
	ctx := context.WithoutCancel(c.Request.Context())
	n := h.validator.HandleBatch(ctx, info)
	logger.Info(ctx, "storage notification handled", "records", n, "subject", middleware.GetSubject(c))

	c.JSON(http.StatusOK, gin.H{"processed": n})
}
