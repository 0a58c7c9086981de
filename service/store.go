package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DECSResearch/GrantWatch/model"
	"github.com/google/uuid"
)

// SubmissionStore persists submissions. Slot writes (PutFile,
// UpdateFileStatus) touch exactly one requirement slot and never rewrite
// siblings. Every mutation refreshes the record's expiry; expired records
// read as model.ErrSubmissionNotFound and are purged by the store itself.
type SubmissionStore interface {
	Create(ctx context.Context, s *model.Submission) error
	Get(ctx context.Context, id string) (*model.Submission, error)
	// SetOpportunity sets the opportunity id only if it is currently unset.
	SetOpportunity(ctx context.Context, id, opportunityID string) error
	// PutFile replaces one slot with a fresh placeholder.
	PutFile(ctx context.Context, id, requirementID string, file model.FileRecord) error
	// UpdateFileStatus writes a validation result into one slot, creating the
	// slot when no placeholder exists. It fails with model.ErrUploadSuperseded
	// when the slot already tracks a newer key than update.Key; a strictly
	// newer update.Key takes the slot over.
	UpdateFileStatus(ctx context.Context, id, requirementID string, update FileUpdate) error
	UpdateOverall(ctx context.Context, id string, overall model.OverallStatus) error
	Close() error
}

// FileUpdate is the result of one validation pass.
type FileUpdate struct {
	Status      model.FileStatus
	Messages    []string
	ContentType string
	SizeBytes   int64
	PageCount   *int
	ETag        string
	// Filename and Key are only used when the slot has no placeholder.
	Filename    string
	Key         string
	ValidatedAt time.Time
}

// Submissions implements the start/get/ensure contract over a store.
type Submissions struct {
	store SubmissionStore
	now   func() time.Time
}

func NewSubmissions(store SubmissionStore) *Submissions {
	return &Submissions{store: store, now: time.Now}
}

// Store exposes the underlying store for slot writes.
func (s *Submissions) Store() SubmissionStore {
	return s.store
}

// Start creates and persists a new submission. An id is generated when
// submissionID is empty.
func (s *Submissions) Start(ctx context.Context, opportunityID, submissionID string) (*model.Submission, error) {
	if submissionID == "" {
		submissionID = uuid.New().String()
	}
	now := s.now().UTC()
	sub := &model.Submission{
		ID:            submissionID,
		OpportunityID: opportunityID,
		Files:         map[string]model.FileRecord{},
		Overall:       model.OverallPending,
		SchemaVersion: model.SchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}
	return sub, nil
}

func (s *Submissions) Get(ctx context.Context, id string) (*model.Submission, error) {
	return s.store.Get(ctx, id)
}

// Ensure returns the submission with id, creating it when absent. Without an
// id a new submission is always created. A previously unset opportunity id
// is backfilled.
func (s *Submissions) Ensure(ctx context.Context, submissionID, opportunityID string) (*model.Submission, error) {
	if submissionID == "" {
		return s.Start(ctx, opportunityID, "")
	}

	sub, err := s.store.Get(ctx, submissionID)
	if errors.Is(err, model.ErrSubmissionNotFound) {
		return s.Start(ctx, opportunityID, submissionID)
	}
	if err != nil {
		return nil, err
	}

	if opportunityID != "" && sub.OpportunityID == "" {
		if err := s.store.SetOpportunity(ctx, submissionID, opportunityID); err != nil {
			return nil, fmt.Errorf("backfill opportunity: %w", err)
		}
		sub.OpportunityID = opportunityID
	}
	return sub, nil
}

// Status returns the flattened status view of a submission.
func (s *Submissions) Status(ctx context.Context, id string) (model.StatusView, error) {
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return model.StatusView{}, err
	}
	return model.NewStatusView(sub), nil
}
