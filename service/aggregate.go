package service

import (
	"context"
	"fmt"

	"github.com/DECSResearch/GrantWatch/model"
)

// Aggregate derives a submission's overall status from its file slots.
// Any invalid or error file needs review; a non-empty set of all-valid files
// passes; anything else is still pending.
func Aggregate(files map[string]model.FileRecord) model.OverallStatus {
	allValid := len(files) > 0
	for _, f := range files {
		switch f.Status {
		case model.FileStatusInvalid, model.FileStatusError:
			return model.OverallNeedsReview
		case model.FileStatusValid:
		default:
			allValid = false
		}
	}
	if allValid {
		return model.OverallPassed
	}
	return model.OverallPending
}

// Aggregator recomputes and persists overall status.
type Aggregator struct {
	store SubmissionStore
}

func NewAggregator(store SubmissionStore) *Aggregator {
	return &Aggregator{store: store}
}

// Recompute re-reads the submission and writes the derived overall status.
func (a *Aggregator) Recompute(ctx context.Context, submissionID string) (model.OverallStatus, error) {
	sub, err := a.store.Get(ctx, submissionID)
	if err != nil {
		return "", err
	}
	overall := Aggregate(sub.Files)
	if err := a.store.UpdateOverall(ctx, submissionID, overall); err != nil {
		return "", fmt.Errorf("update overall: %w", err)
	}
	return overall, nil
}
