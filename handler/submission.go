package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/DECSResearch/GrantWatch/model"
	"github.com/DECSResearch/GrantWatch/service"
	"github.com/gin-gonic/gin"
)

type SubmissionHandler struct {
	submissions *service.Submissions
	issuer      *service.UploadIssuer
	manifests   *service.ManifestRegistry
}

func NewSubmissionHandler(submissions *service.Submissions, issuer *service.UploadIssuer, manifests *service.ManifestRegistry) *SubmissionHandler {
	return &SubmissionHandler{
		submissions: submissions,
		issuer:      issuer,
		manifests:   manifests,
	}
}

type startSubmissionRequest struct {
	OpportunityID string `json:"opportunity_id"`
}

type startSubmissionResponse struct {
	SubmissionID  string  `json:"submission_id"`
	OpportunityID *string `json:"opportunity_id"`
}

type uploadURLRequest struct {
	Filename      string `json:"filename" binding:"required"`
	ContentType   string `json:"contentType"`
	SubmissionID  string `json:"submission_id"`
	OpportunityID string `json:"opportunity_id"`
	RequirementID string `json:"requirement_id"`
}

type uploadURLResponse struct {
	SubmissionID  string                   `json:"submission_id"`
	Key           string                   `json:"key"`
	RequirementID string                   `json:"requirement_id"`
	Upload        service.UploadDescriptor `json:"upload"`
	Requirement   *model.Requirement       `json:"requirement,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Start creates a new submission. The body is optional.
func (h *SubmissionHandler) Start(c *gin.Context) {
	var req startSubmissionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	sub, err := h.submissions.Start(c.Request.Context(), req.OpportunityID, "")
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, startSubmissionResponse{
		SubmissionID:  sub.ID,
		OpportunityID: optional(sub.OpportunityID),
	})
}

// UploadURL issues a presigned PUT for one requirement slot.
func (h *SubmissionHandler) UploadURL(c *gin.Context) {
	var req uploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	res, err := h.issuer.CreateUpload(c.Request.Context(), service.UploadRequest{
		SubmissionID:  req.SubmissionID,
		RequirementID: req.RequirementID,
		Filename:      req.Filename,
		ContentType:   req.ContentType,
		OpportunityID: req.OpportunityID,
	})
	if err != nil {
		if errors.Is(err, model.ErrManifestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Manifest not found for opportunity: %s", req.OpportunityID)})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, uploadURLResponse{
		SubmissionID:  res.SubmissionID,
		Key:           res.Key,
		RequirementID: res.RequirementID,
		Upload:        res.Upload,
		Requirement:   res.Requirement,
	})
}

// Status returns the per-file status view.
func (h *SubmissionHandler) Status(c *gin.Context) {
	id := c.Param("submission_id")
	view, err := h.submissions.Status(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrSubmissionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown submission_id: " + id})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Checklist compares the submission with its opportunity's manifest.
func (h *SubmissionHandler) Checklist(c *gin.Context) {
	id := c.Param("submission_id")
	sub, err := h.submissions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	var manifest *model.Manifest
	if sub.OpportunityID != "" {
		manifest, err = h.manifests.Get(sub.OpportunityID)
		if err != nil && !errors.Is(err, model.ErrManifestNotFound) {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, service.BuildChecklist(manifest, sub))
}
