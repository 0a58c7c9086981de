package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DECSResearch/GrantWatch/model"
)

// MemoryStore is an in-process SubmissionStore. It is used in tests and for
// single-node deployments that can afford to lose state on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]*model.Submission
	retention   time.Duration
	now         func() time.Time
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		submissions: make(map[string]*model.Submission),
		retention:   retention,
		now:         time.Now,
	}
}

func (s *MemoryStore) touch(sub *model.Submission) {
	now := s.now().UTC()
	sub.UpdatedAt = now
	sub.ExpiresAt = now.Add(s.retention)
}

// live returns the record for id if it exists and has not expired.
// Must be called with lock held.
func (s *MemoryStore) live(id string) (*model.Submission, error) {
	sub, ok := s.submissions[id]
	if !ok || (!sub.ExpiresAt.IsZero() && !s.now().Before(sub.ExpiresAt)) {
		return nil, fmt.Errorf("%w: %s", model.ErrSubmissionNotFound, id)
	}
	return sub, nil
}

func (s *MemoryStore) Create(_ context.Context, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := sub.Clone()
	if stored.Files == nil {
		stored.Files = map[string]model.FileRecord{}
	}
	s.touch(stored)
	s.submissions[stored.ID] = stored
	sub.UpdatedAt, sub.ExpiresAt = stored.UpdatedAt, stored.ExpiresAt
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, err := s.live(id)
	if err != nil {
		return nil, err
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) SetOpportunity(_ context.Context, id, opportunityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.live(id)
	if err != nil {
		return err
	}
	if sub.OpportunityID == "" {
		sub.OpportunityID = opportunityID
	}
	s.touch(sub)
	return nil
}

func (s *MemoryStore) PutFile(_ context.Context, id, requirementID string, file model.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.live(id)
	if err != nil {
		return err
	}
	file.Messages = append([]string{}, file.Messages...)
	sub.Files[requirementID] = file
	if sub.Overall == "" {
		sub.Overall = model.OverallPending
	}
	s.touch(sub)
	return nil
}

func (s *MemoryStore) UpdateFileStatus(_ context.Context, id, requirementID string, update FileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.live(id)
	if err != nil {
		return err
	}

	file, ok := sub.Files[requirementID]
	if ok && isStaleKey(file.Key, update.Key) {
		return fmt.Errorf("%w: slot %s tracks %s", model.ErrUploadSuperseded, requirementID, file.Key)
	}
	if !ok || (update.Key != "" && file.Key != update.Key) {
		file = model.FileRecord{
			Filename:   update.Filename,
			Key:        update.Key,
			UploadedAt: s.now().UTC(),
		}
	}
	file.Status = update.Status
	file.Messages = append([]string{}, update.Messages...)
	file.ContentType = update.ContentType
	file.SizeBytes = update.SizeBytes
	file.PageCount = update.PageCount
	file.ETag = update.ETag
	validatedAt := update.ValidatedAt
	file.ValidatedAt = &validatedAt
	sub.Files[requirementID] = file
	s.touch(sub)
	return nil
}

func (s *MemoryStore) UpdateOverall(_ context.Context, id string, overall model.OverallStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.live(id)
	if err != nil {
		return err
	}
	sub.Overall = overall
	s.touch(sub)
	return nil
}

// Sweep removes expired submissions and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sub := range s.submissions {
		if !sub.ExpiresAt.IsZero() && !now.Before(sub.ExpiresAt) {
			slog.Info("auto-cleaning expired submission",
				"submission_id", id,
				"updated_at", sub.UpdatedAt,
			)
			delete(s.submissions, id)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Sweep every interval until ctx is cancelled.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	go runJanitor(ctx, interval, func() (int, error) { return s.Sweep(), nil })
}

// Count returns the number of stored submissions, expired or not.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.submissions)
}

func (s *MemoryStore) Close() error { return nil }

func runJanitor(ctx context.Context, interval time.Duration, sweep func() (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweep()
			if err != nil {
				slog.Warn("submission sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("expired submissions purged", "count", n)
			}
		}
	}
}
