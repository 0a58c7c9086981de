package model

import (
	"sort"
	"time"
)

// SchemaVersion is stamped on every stored submission.
const SchemaVersion = 1

// FileStatus is the validation state of a single uploaded object.
type FileStatus string

const (
	FileStatusPending FileStatus = "pending"
	FileStatusValid   FileStatus = "valid"
	FileStatusInvalid FileStatus = "invalid"
	FileStatusError   FileStatus = "error"
)

// Terminal reports whether a validation pass has completed for the file.
func (s FileStatus) Terminal() bool {
	return s == FileStatusValid || s == FileStatusInvalid || s == FileStatusError
}

// severity orders statuses so that validation can only make a file worse.
func (s FileStatus) severity() int {
	switch s {
	case FileStatusInvalid:
		return 1
	case FileStatusError:
		return 2
	default:
		return 0
	}
}

// Worse returns whichever of s and other is more severe.
func (s FileStatus) Worse(other FileStatus) FileStatus {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// OverallStatus is the aggregate state of a submission.
type OverallStatus string

const (
	OverallPending     OverallStatus = "pending"
	OverallPassed      OverallStatus = "passed"
	OverallNeedsReview OverallStatus = "needs_review"
)

// FileRecord tracks one upload against one requirement slot.
type FileRecord struct {
	Filename    string     `json:"filename"`
	Key         string     `json:"key"`
	Status      FileStatus `json:"status"`
	Messages    []string   `json:"messages"`
	ContentType string     `json:"content_type,omitempty"`
	SizeBytes   int64      `json:"size_bytes,omitempty"`
	PageCount   *int       `json:"page_count,omitempty"`
	ETag        string     `json:"etag,omitempty"`
	UploadedAt  time.Time  `json:"uploaded_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
}

// Submission is one applicant's set of uploads against an opportunity.
type Submission struct {
	ID            string                `json:"submission_id"`
	OpportunityID string                `json:"opportunity_id,omitempty"`
	Files         map[string]FileRecord `json:"files"`
	Overall       OverallStatus         `json:"overall"`
	SchemaVersion int                   `json:"schema_version"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	ExpiresAt     time.Time             `json:"expires_at"`
}

// Clone returns a deep copy so callers never share slot maps with a store.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	out.Files = make(map[string]FileRecord, len(s.Files))
	for id, f := range s.Files {
		f.Messages = append([]string(nil), f.Messages...)
		if f.PageCount != nil {
			n := *f.PageCount
			f.PageCount = &n
		}
		if f.ValidatedAt != nil {
			t := *f.ValidatedAt
			f.ValidatedAt = &t
		}
		out.Files[id] = f
	}
	return &out
}

// RequirementIDs returns the populated slot ids in sorted order.
func (s *Submission) RequirementIDs() []string {
	ids := make([]string, 0, len(s.Files))
	for id := range s.Files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FileStatusView is the wire shape of a file in a status response.
type FileStatusView struct {
	RequirementID string     `json:"requirement_id"`
	Filename      string     `json:"filename"`
	Status        FileStatus `json:"status"`
	Messages      []string   `json:"messages"`
	Key           string     `json:"key"`
	ContentType   string     `json:"content_type"`
}

// StatusView is the wire shape of GET /status/{submission_id}.
type StatusView struct {
	SubmissionID  string           `json:"submission_id"`
	OpportunityID *string          `json:"opportunity_id"`
	Overall       OverallStatus    `json:"overall"`
	Files         []FileStatusView `json:"files"`
	UpdatedAt     string           `json:"updated_at"`
}

// NewStatusView flattens a submission for the status endpoint.
func NewStatusView(s *Submission) StatusView {
	view := StatusView{
		SubmissionID: s.ID,
		Overall:      s.Overall,
		Files:        make([]FileStatusView, 0, len(s.Files)),
		UpdatedAt:    s.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if view.Overall == "" {
		view.Overall = OverallPending
	}
	if s.OpportunityID != "" {
		opp := s.OpportunityID
		view.OpportunityID = &opp
	}
	for _, id := range s.RequirementIDs() {
		f := s.Files[id]
		status := f.Status
		if status == "" {
			status = FileStatusPending
		}
		messages := f.Messages
		if messages == nil {
			messages = []string{}
		}
		view.Files = append(view.Files, FileStatusView{
			RequirementID: id,
			Filename:      f.Filename,
			Status:        status,
			Messages:      messages,
			Key:           f.Key,
			ContentType:   f.ContentType,
		})
	}
	return view
}
