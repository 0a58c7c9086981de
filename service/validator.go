package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/DECSResearch/GrantWatch/model"
	"github.com/DECSResearch/GrantWatch/pkg/logger"
)

// Outcome describes what Process did with one event.
type Outcome string

const (
	OutcomeValidated  Outcome = "validated"
	OutcomeMalformed  Outcome = "malformed_key"
	OutcomeUnknown    Outcome = "unknown_submission"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"
)

const fallbackContentType = "application/octet-stream"

// ValidatorOptions wires the validation engine. Storage, Submissions and
// Manifests may be nil when only Evaluate is used.
type ValidatorOptions struct {
	Storage     ObjectStorage
	Submissions *Submissions
	Manifests   *ManifestRegistry
	Extractor   TextExtractor
	Recognizer  TextRecognizer
	EnableOCR   bool
	KeyPrefix   string
}

// Validator evaluates uploaded objects against their requirement and records
// the result in the requirement slot.
type Validator struct {
	storage     ObjectStorage
	submissions *Submissions
	manifests   *ManifestRegistry
	aggregator  *Aggregator
	extractor   TextExtractor
	recognizer  TextRecognizer
	enableOCR   bool
	prefix      string
	now         func() time.Time
}

func NewValidator(opts ValidatorOptions) *Validator {
	v := &Validator{
		storage:     opts.Storage,
		submissions: opts.Submissions,
		manifests:   opts.Manifests,
		extractor:   opts.Extractor,
		recognizer:  opts.Recognizer,
		enableOCR:   opts.EnableOCR,
		prefix:      opts.KeyPrefix,
		now:         time.Now,
	}
	if v.extractor == nil {
		v.extractor = PDFExtractor{}
	}
	if opts.Submissions != nil {
		v.aggregator = NewAggregator(opts.Submissions.Store())
	}
	return v
}

// Input is one object to evaluate.
type Input struct {
	Key         string
	Filename    string
	ContentType string
	Size        int64
	// Fetch returns the object bytes; it is only called for PDFs.
	Fetch func(ctx context.Context) ([]byte, error)
}

// Result is the outcome of evaluating one object.
type Result struct {
	Status      model.FileStatus
	Messages    []string
	ContentType string
	Size        int64
	PageCount   *int
}

// HandleBatch processes every object-created record of a notification. A
// failing record is logged and does not stop the batch. It returns the
// number of records received.
func (v *Validator) HandleBatch(ctx context.Context, info notification.Info) int {
	for _, record := range info.Records {
		v.handleRecord(ctx, record)
	}
	return len(info.Records)
}

func (v *Validator) handleRecord(ctx context.Context, record notification.Event) {
	rawKey := record.S3.Object.Key
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "panic while validating object",
				"object_key", rawKey,
				"error", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if !strings.Contains(record.EventName, "ObjectCreated:") {
		logger.Debug(ctx, "ignoring storage event", "event", record.EventName, "object_key", rawKey, "outcome", OutcomeIgnored)
		return
	}
	if v.storage != nil && record.S3.Bucket.Name != "" && record.S3.Bucket.Name != v.storage.Bucket() {
		logger.Warn(ctx, "ignoring event for foreign bucket", "bucket", record.S3.Bucket.Name, "object_key", rawKey, "outcome", OutcomeIgnored)
		return
	}

	key, err := url.QueryUnescape(rawKey)
	if err != nil {
		logger.Warn(ctx, "undecodable object key", "object_key", rawKey, "error", err)
		return
	}

	outcome, err := v.Process(ctx, key, record.S3.Object.ETag)
	if err != nil {
		logger.Error(ctx, "validation failed", "object_key", key, "error", err)
		return
	}
	logger.Debug(ctx, "storage event handled", "object_key", key, "outcome", outcome)
}

// Process validates one stored object and records the result.
func (v *Validator) Process(ctx context.Context, key, etag string) (Outcome, error) {
	if v.storage == nil || v.submissions == nil {
		return "", fmt.Errorf("%w: validator has no storage or submission store", model.ErrConfiguration)
	}
	ctx = logger.With(ctx, logger.ObjectKeyKey, key)

	parsed, err := ParseObjectKey(v.prefix, key)
	if err != nil {
		logger.Warn(ctx, "skipping object with malformed key", "error", err)
		return OutcomeMalformed, nil
	}
	ctx = logger.With(ctx, logger.SubmissionIDKey, parsed.SubmissionID)

	sub, err := v.submissions.Get(ctx, parsed.SubmissionID)
	if errors.Is(err, model.ErrSubmissionNotFound) {
		logger.Warn(ctx, "skipping object for unknown submission")
		return OutcomeUnknown, nil
	}
	if err != nil {
		return "", err
	}

	slot, hasSlot := sub.Files[parsed.RequirementID]
	if hasSlot && isStaleKey(slot.Key, key) {
		logger.Info(ctx, "skipping superseded upload", "current_key", slot.Key)
		return OutcomeSuperseded, nil
	}
	// a newer key with no placeholder means the placeholder write was lost
	tracked := hasSlot && (slot.Key == "" || slot.Key == key)

	info, err := v.storage.Stat(ctx, key)
	if err != nil {
		return "", fmt.Errorf("stat object: %w", err)
	}
	observedETag := normaliseETag(firstNonEmpty(info.ETag, etag))
	if tracked && slot.Status.Terminal() && observedETag != "" && normaliseETag(slot.ETag) == observedETag {
		logger.Info(ctx, "skipping duplicate event", "status", slot.Status)
		return OutcomeDuplicate, nil
	}

	requirement := v.resolveRequirement(ctx, sub.OpportunityID, parsed.RequirementID)
	slotContentType := ""
	if tracked {
		slotContentType = slot.ContentType
	}
	contentType := firstNonEmpty(info.ContentType, slotContentType, fallbackContentType)

	result, err := v.Evaluate(ctx, Input{
		Key:         key,
		Filename:    parsed.Filename,
		ContentType: contentType,
		Size:        info.Size,
		Fetch: func(ctx context.Context) ([]byte, error) {
			return v.storage.Fetch(ctx, key)
		},
	}, requirement)
	if err != nil {
		return "", err
	}

	update := FileUpdate{
		Status:      result.Status,
		Messages:    result.Messages,
		ContentType: result.ContentType,
		SizeBytes:   result.Size,
		PageCount:   result.PageCount,
		ETag:        observedETag,
		Filename:    parsed.Filename,
		Key:         key,
		ValidatedAt: v.now().UTC(),
	}
	err = v.submissions.Store().UpdateFileStatus(ctx, parsed.SubmissionID, parsed.RequirementID, update)
	if errors.Is(err, model.ErrUploadSuperseded) {
		logger.Info(ctx, "discarding result for upload replaced during validation", "error", err)
		return OutcomeSuperseded, nil
	}
	if err != nil {
		return "", fmt.Errorf("record file status: %w", err)
	}

	overall, err := v.aggregator.Recompute(ctx, parsed.SubmissionID)
	if err != nil {
		return "", fmt.Errorf("recompute overall: %w", err)
	}

	logger.Info(ctx, "object validated",
		"requirement_id", parsed.RequirementID,
		"status", result.Status,
		"overall", overall,
		"messages", len(result.Messages),
	)
	return OutcomeValidated, nil
}

func (v *Validator) resolveRequirement(ctx context.Context, opportunityID, requirementID string) *model.Requirement {
	if v.manifests == nil {
		return RequirementDefaults{}.Requirement(requirementID)
	}
	defaults := v.manifests.Defaults().Requirement(requirementID)
	if opportunityID == "" {
		return defaults
	}
	manifest, err := v.manifests.Get(opportunityID)
	if err != nil {
		logger.Warn(ctx, "manifest unavailable, using default requirement", "opportunity_id", opportunityID, "error", err)
		return defaults
	}
	if r, ok := manifest.Requirement(requirementID); ok {
		return r
	}
	return defaults
}

// Evaluate applies the requirement's rules to one object. Rule violations
// become messages; the returned error is reserved for failures to read the
// object or reach a collaborator.
func (v *Validator) Evaluate(ctx context.Context, in Input, req *model.Requirement) (Result, error) {
	result := Result{
		Status:      model.FileStatusValid,
		Messages:    []string{},
		ContentType: firstNonEmpty(in.ContentType, fallbackContentType),
		Size:        in.Size,
	}
	flag := func(status model.FileStatus, format string, args ...any) {
		result.Status = result.Status.Worse(status)
		result.Messages = append(result.Messages, fmt.Sprintf(format, args...))
	}

	if !req.MatchesFilename(in.Filename) {
		flag(model.FileStatusInvalid, "Filename '%s' does not match required pattern", in.Filename)
	}
	if !req.AllowsContentType(result.ContentType) {
		flag(model.FileStatusInvalid, "Content type %s is not one of [%s]", result.ContentType, strings.Join(req.ContentTypes, ", "))
	}
	if req.MaxSizeBytes > 0 && in.Size > req.MaxSizeBytes {
		flag(model.FileStatusInvalid, "File size %d bytes exceeds limit of %d bytes", in.Size, req.MaxSizeBytes)
	}

	if !IsPDF(in.Filename, result.ContentType) {
		if len(req.RequiredSections) > 0 {
			result.Messages = append(result.Messages, "Section validation skipped for non-PDF upload")
		}
		return result, nil
	}

	if in.Fetch == nil {
		return result, errors.New("no object body available for PDF checks")
	}
	data, err := in.Fetch(ctx)
	if err != nil {
		return result, fmt.Errorf("fetch object: %w", err)
	}

	pages, text, err := v.extractor.Extract(data)
	if err != nil {
		cause := err
		var extractErr *model.ExtractionError
		if errors.As(err, &extractErr) {
			cause = extractErr.Err
		}
		flag(model.FileStatusError, "Failed to read PDF: %v", cause)
		return result, nil
	}
	result.PageCount = &pages

	if req.MaxPages > 0 && pages > req.MaxPages {
		flag(model.FileStatusInvalid, "PDF has %d pages; limit is %d", pages, req.MaxPages)
	}

	if strings.TrimSpace(text) == "" && v.enableOCR && v.recognizer != nil {
		ocrText, err := v.recognizer.Recognize(ctx, in.Key)
		if err != nil {
			// a provider failure reads as a scan with no recoverable text
			logger.Warn(ctx, "ocr fallback failed", "error", err)
			ocrText = ""
		}
		if strings.TrimSpace(ocrText) == "" {
			flag(model.FileStatusInvalid, "OCR fallback could not extract readable text")
		} else {
			text = ocrText
		}
	}

	if missing := missingSections(text, req.RequiredSections); len(missing) > 0 {
		flag(model.FileStatusInvalid, "Missing sections: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

// missingSections returns the sections that do not appear, case-insensitively,
// in text.
func missingSections(text string, sections []string) []string {
	folded := strings.ToLower(text)
	var missing []string
	for _, section := range sections {
		if !strings.Contains(folded, strings.ToLower(section)) {
			missing = append(missing, section)
		}
	}
	return missing
}

func normaliseETag(etag string) string {
	return strings.Trim(etag, `"`)
}
