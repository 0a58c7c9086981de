package model

import (
	"mime"
	"regexp"
	"strings"
)

// DefaultContentType is assumed when a requirement declares no content type.
const DefaultContentType = "application/pdf"

// Requirement is one checklist entry of a manifest.
type Requirement struct {
	ID               string         `json:"id"`
	Label            string         `json:"label"`
	FilenamePattern  string         `json:"filename_pattern,omitempty"`
	Required         bool           `json:"required"`
	ContentTypes     []string       `json:"content_types"`
	MaxMB            int            `json:"max_mb"`
	MaxSizeBytes     int64          `json:"max_size_bytes"`
	MaxPages         int            `json:"max_pages"`
	RequiredSections []string       `json:"required_sections"`
	Notes            string         `json:"notes"`
	Pattern          *regexp.Regexp `json:"-"`
}

// MatchesFilename reports whether filename satisfies the pattern. The pattern
// is anchored at the start of the name but may match a prefix.
func (r *Requirement) MatchesFilename(filename string) bool {
	if r.Pattern == nil {
		return true
	}
	loc := r.Pattern.FindStringIndex(filename)
	return loc != nil && loc[0] == 0
}

// AllowsContentType reports whether contentType is on the allowlist. An empty
// allowlist accepts anything.
func (r *Requirement) AllowsContentType(contentType string) bool {
	if len(r.ContentTypes) == 0 {
		return true
	}
	observed := MediaType(contentType)
	for _, ct := range r.ContentTypes {
		if MediaType(ct) == observed {
			return true
		}
	}
	return false
}

// MediaType strips parameters from a content type and lowercases it, so
// "application/PDF; charset=binary" compares equal to "application/pdf".
func MediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
		return strings.ToLower(strings.TrimSpace(mt))
	}
	return mt
}

// Manifest is the immutable requirement set for one opportunity.
type Manifest struct {
	OpportunityID string         `json:"opportunity_id"`
	Title         string         `json:"title"`
	Documents     []Requirement  `json:"documents"`
	Metadata      map[string]any `json:"metadata"`

	index map[string]int
}

// NewManifest builds a manifest and its requirement index.
func NewManifest(opportunityID, title string, docs []Requirement, metadata map[string]any) *Manifest {
	if metadata == nil {
		metadata = map[string]any{}
	}
	m := &Manifest{
		OpportunityID: opportunityID,
		Title:         title,
		Documents:     docs,
		Metadata:      metadata,
		index:         make(map[string]int, len(docs)),
	}
	for i, doc := range docs {
		m.index[doc.ID] = i
	}
	return m
}

// Requirement returns the requirement with the given id.
func (m *Manifest) Requirement(id string) (*Requirement, bool) {
	if m == nil {
		return nil, false
	}
	i, ok := m.index[id]
	if !ok {
		return nil, false
	}
	return &m.Documents[i], true
}

// ManifestSummary is an entry of the manifest index.
type ManifestSummary struct {
	Title string `json:"title"`
}
