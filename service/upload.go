package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/DECSResearch/GrantWatch/model"
	"github.com/DECSResearch/GrantWatch/pkg/logger"
)

const defaultUploadContentType = "application/octet-stream"

// UploadRequest asks for a write credential for one requirement slot.
type UploadRequest struct {
	SubmissionID  string
	RequirementID string
	Filename      string
	ContentType   string
	OpportunityID string
}

// UploadDescriptor tells the client how to perform the upload.
type UploadDescriptor struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

type UploadResult struct {
	SubmissionID  string
	OpportunityID string
	Key           string
	RequirementID string
	// Requirement is nil for ad-hoc requirement ids.
	Requirement *model.Requirement
	Upload      UploadDescriptor
}

// UploadIssuer mints presigned PUT credentials and records placeholders.
type UploadIssuer struct {
	submissions *Submissions
	manifests   *ManifestRegistry
	aggregator  *Aggregator
	storage     ObjectStorage
	prefix      string
	expiry      time.Duration
	stamps      *stampClock
	now         func() time.Time
}

func NewUploadIssuer(submissions *Submissions, manifests *ManifestRegistry, storage ObjectStorage, prefix string, expiry time.Duration) *UploadIssuer {
	return &UploadIssuer{
		submissions: submissions,
		manifests:   manifests,
		aggregator:  NewAggregator(submissions.Store()),
		storage:     storage,
		prefix:      prefix,
		expiry:      expiry,
		stamps:      &stampClock{now: time.Now},
		now:         time.Now,
	}
}

// CreateUpload resolves or creates the submission, mints a credential bound
// to one object key and content type, and writes a pending placeholder into
// the requirement slot. The placeholder counts toward overall like any other
// file status.
func (u *UploadIssuer) CreateUpload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.RequirementID == "" {
		return nil, fmt.Errorf("%w: requirement_id is required to track checklist status", model.ErrInvalidRequest)
	}
	if strings.Contains(req.RequirementID, "/") || strings.Contains(req.SubmissionID, "/") {
		return nil, fmt.Errorf("%w: ids must not contain '/'", model.ErrInvalidRequest)
	}
	if u.storage == nil || u.storage.Bucket() == "" {
		return nil, fmt.Errorf("%w: object storage bucket is not configured", model.ErrConfiguration)
	}

	var manifest *model.Manifest
	if req.OpportunityID != "" {
		m, err := u.manifests.Get(req.OpportunityID)
		if err != nil {
			return nil, err
		}
		manifest = m
	}

	sub, err := u.submissions.Ensure(ctx, req.SubmissionID, req.OpportunityID)
	if err != nil {
		return nil, err
	}
	ctx = logger.With(ctx, logger.SubmissionIDKey, sub.ID)

	if manifest == nil && sub.OpportunityID != "" {
		m, err := u.manifests.Get(sub.OpportunityID)
		switch {
		case err == nil:
			manifest = m
		case errors.Is(err, model.ErrManifestNotFound):
			logger.Warn(ctx, "no manifest for submission opportunity", "opportunity_id", sub.OpportunityID)
		default:
			return nil, err
		}
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultUploadContentType
	}
	now := u.now().UTC()
	key := BuildObjectKey(u.prefix, sub.ID, req.RequirementID, u.stamps.Next(), SanitizeFilename(req.Filename, now))

	url, err := u.storage.PresignPut(ctx, key, contentType, u.expiry)
	if err != nil {
		return nil, err
	}

	placeholder := model.FileRecord{
		Filename:    req.Filename,
		Key:         key,
		Status:      model.FileStatusPending,
		Messages:    []string{},
		ContentType: req.ContentType,
		UploadedAt:  now,
	}
	if err := u.submissions.Store().PutFile(ctx, sub.ID, req.RequirementID, placeholder); err != nil {
		return nil, fmt.Errorf("record placeholder: %w", err)
	}
	if _, err := u.aggregator.Recompute(ctx, sub.ID); err != nil {
		return nil, fmt.Errorf("recompute overall: %w", err)
	}

	result := &UploadResult{
		SubmissionID:  sub.ID,
		OpportunityID: sub.OpportunityID,
		Key:           key,
		RequirementID: req.RequirementID,
		Upload: UploadDescriptor{
			URL:     url,
			Method:  http.MethodPut,
			Headers: map[string]string{"Content-Type": contentType},
		},
	}
	if r, ok := manifest.Requirement(req.RequirementID); ok {
		result.Requirement = r
	}

	logger.Info(ctx, "upload credential issued", "requirement_id", req.RequirementID, "object_key", key)
	return result, nil
}
