package handler

import (
	"errors"
	"net/http"

	"github.com/DECSResearch/GrantWatch/model"
	"github.com/DECSResearch/GrantWatch/service"
	"github.com/gin-gonic/gin"
)

type ManifestHandler struct {
	manifests *service.ManifestRegistry
}

func NewManifestHandler(manifests *service.ManifestRegistry) *ManifestHandler {
	return &ManifestHandler{manifests: manifests}
}

// Get returns one manifest by ?opportunity_id=.
func (h *ManifestHandler) Get(c *gin.Context) {
	opportunityID := c.Query("opportunity_id")
	if opportunityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "opportunity_id is required"})
		return
	}

	m, err := h.manifests.Get(opportunityID)
	if err != nil {
		if errors.Is(err, model.ErrManifestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Manifest not found for opportunity " + opportunityID})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Index lists every known opportunity with its title.
func (h *ManifestHandler) Index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"opportunities": h.manifests.List()})
}
