package service

import (
	"sort"

	"github.com/DECSResearch/GrantWatch/model"
)

// ChecklistItem is one manifest requirement and the state of its slot.
type ChecklistItem struct {
	RequirementID string           `json:"requirement_id"`
	Label         string           `json:"label"`
	Required      bool             `json:"required"`
	Status        model.FileStatus `json:"status"`
	Uploaded      bool             `json:"uploaded"`
}

// Checklist compares a submission's uploads with its manifest. It is a read
// model only and has no effect on the submission's overall status.
type Checklist struct {
	SubmissionID    string              `json:"submission_id"`
	OpportunityID   string              `json:"opportunity_id"`
	Overall         model.OverallStatus `json:"overall"`
	Items           []ChecklistItem     `json:"items"`
	MissingRequired []string            `json:"missing_required"`
	MissingOptional []string            `json:"missing_optional"`
	Extra           []string            `json:"extra"`
	Complete        bool                `json:"complete"`
}

// BuildChecklist lists missing required and optional requirements and
// uploads against requirement ids the manifest does not know. Complete is
// true only when every required requirement has a valid file.
func BuildChecklist(manifest *model.Manifest, sub *model.Submission) Checklist {
	c := Checklist{
		SubmissionID:    sub.ID,
		OpportunityID:   sub.OpportunityID,
		Overall:         sub.Overall,
		Items:           []ChecklistItem{},
		MissingRequired: []string{},
		MissingOptional: []string{},
		Extra:           []string{},
		Complete:        true,
	}

	known := map[string]bool{}
	if manifest != nil {
		for _, req := range manifest.Documents {
			known[req.ID] = true
			file, uploaded := sub.Files[req.ID]
			item := ChecklistItem{
				RequirementID: req.ID,
				Label:         req.Label,
				Required:      req.Required,
				Status:        model.FileStatusPending,
				Uploaded:      uploaded,
			}
			if uploaded && file.Status != "" {
				item.Status = file.Status
			}
			c.Items = append(c.Items, item)

			switch {
			case !uploaded && req.Required:
				c.MissingRequired = append(c.MissingRequired, req.ID)
			case !uploaded:
				c.MissingOptional = append(c.MissingOptional, req.ID)
			}
			if req.Required && item.Status != model.FileStatusValid {
				c.Complete = false
			}
		}
	}

	for id := range sub.Files {
		if !known[id] {
			c.Extra = append(c.Extra, id)
		}
	}
	sort.Strings(c.Extra)
	return c
}
