package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DECSResearch/GrantWatch/model"
)

var testDefaults = RequirementDefaults{MaxMB: 25, MaxPages: 50}

func writeManifest(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const opp1Manifest = `
opportunity_id: OPP-1
title: Rural Broadband Pilot
documents:
  - id: narrative
    label: Project Narrative
    filename_pattern: '^narrative.*\.pdf$'
    max_pages: 5
    required_sections: [budget, timeline]
  - name: letters
    required: false
    content_type: application/zip
    max_mb: 10
    notes: Letters of support
  - label: Budget sheet
`

func TestManifestRegistrySingleOpportunity(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "opp1.yaml", opp1Manifest)
	reg := NewManifestRegistry(dir, testDefaults, 0)

	m, err := reg.Get("OPP-1")
	require.NoError(t, err)
	assert.Equal(t, "Rural Broadband Pilot", m.Title)
	require.Len(t, m.Documents, 3)

	narrative, ok := m.Requirement("narrative")
	require.True(t, ok)
	assert.True(t, narrative.Required)
	assert.Equal(t, []string{model.DefaultContentType}, narrative.ContentTypes)
	assert.Equal(t, 5, narrative.MaxPages)
	assert.Equal(t, 25, narrative.MaxMB)
	assert.Equal(t, int64(25*1024*1024), narrative.MaxSizeBytes)
	assert.Equal(t, []string{"budget", "timeline"}, narrative.RequiredSections)
	assert.True(t, narrative.MatchesFilename("narrative_v2.pdf"))
	assert.False(t, narrative.MatchesFilename("final_narrative.pdf"))

	letters, ok := m.Requirement("letters")
	require.True(t, ok)
	assert.False(t, letters.Required)
	assert.Equal(t, "letters", letters.Label)
	assert.Equal(t, []string{"application/zip"}, letters.ContentTypes)
	assert.Equal(t, int64(10*1024*1024), letters.MaxSizeBytes)
	assert.Equal(t, 50, letters.MaxPages)
	assert.Equal(t, "Letters of support", letters.Notes)

	third, ok := m.Requirement("doc-3")
	require.True(t, ok)
	assert.Equal(t, "Budget sheet", third.Label)
	assert.Empty(t, third.RequiredSections)
}

func TestManifestRegistryCollectionAndAliases(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "nested/all.yml", `
opportunities:
  - id: OPP-2
    name: Clean Water
    documents:
      - id: plan
        content_types: [application/pdf, text/plain]
  - opportunity_id: OPP-3
    documents: []
`)
	reg := NewManifestRegistry(dir, testDefaults, 0)

	list := reg.List()
	assert.Equal(t, map[string]model.ManifestSummary{
		"OPP-2": {Title: "Clean Water"},
		"OPP-3": {Title: "OPP-3"},
	}, list)

	m, err := reg.Get("OPP-2")
	require.NoError(t, err)
	plan, ok := m.Requirement("plan")
	require.True(t, ok)
	assert.Equal(t, []string{"application/pdf", "text/plain"}, plan.ContentTypes)
}

func TestManifestRegistryRejectsBadFilesIndividually(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a-good.yaml", opp1Manifest)
	writeManifest(t, dir, "b-no-id.yaml", "title: Missing id\ndocuments:\n  - id: x\n")
	writeManifest(t, dir, "c-bad-regex.yaml", "opportunity_id: OPP-R\ndocuments:\n  - id: x\n    filename_pattern: '(['\n")
	writeManifest(t, dir, "d-dup.yaml", "opportunity_id: OPP-D\ndocuments:\n  - id: x\n  - id: x\n")
	writeManifest(t, dir, "e-broken.yaml", "opportunity_id: [unclosed\n")
	writeManifest(t, dir, "notes.txt", "opportunity_id: OPP-TXT\n")

	reg := NewManifestRegistry(dir, testDefaults, 0)

	assert.Len(t, reg.List(), 1)
	_, err := reg.Get("OPP-1")
	assert.NoError(t, err)
	for _, id := range []string{"OPP-R", "OPP-D", "OPP-TXT"} {
		_, err := reg.Get(id)
		assert.ErrorIs(t, err, model.ErrManifestNotFound, id)
	}
}

func TestManifestRegistryDuplicateOpportunityLastWins(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "1.yaml", "opportunity_id: OPP-1\ntitle: First\n")
	writeManifest(t, dir, "2.yaml", "opportunity_id: OPP-1\ntitle: Second\n")

	m, err := NewManifestRegistry(dir, testDefaults, 0).Get("OPP-1")
	require.NoError(t, err)
	assert.Equal(t, "Second", m.Title)
}

func TestManifestRegistrySingleFileRoot(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "only.yaml", opp1Manifest)
	reg := NewManifestRegistry(path, testDefaults, 0)
	assert.Equal(t, path, reg.Root())
	_, err := reg.Get("OPP-1")
	assert.NoError(t, err)
}

func TestManifestRegistryMissingRoot(t *testing.T) {
	reg := NewManifestRegistry(filepath.Join(t.TempDir(), "absent"), testDefaults, 0)
	assert.Empty(t, reg.List())
	_, err := reg.Get("OPP-1")
	assert.ErrorIs(t, err, model.ErrManifestNotFound)
}

func TestManifestRegistryCacheAndClear(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "1.yaml", "opportunity_id: OPP-1\ntitle: Before\n")
	reg := NewManifestRegistry(dir, testDefaults, 0)

	m, err := reg.Get("OPP-1")
	require.NoError(t, err)
	assert.Equal(t, "Before", m.Title)

	writeManifest(t, dir, "1.yaml", "opportunity_id: OPP-1\ntitle: After\n")
	m, _ = reg.Get("OPP-1")
	assert.Equal(t, "Before", m.Title, "stale until cleared")

	reg.Clear()
	m, _ = reg.Get("OPP-1")
	assert.Equal(t, "After", m.Title)
}

func TestManifestRegistryTTL(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "1.yaml", "opportunity_id: OPP-1\ntitle: Before\n")
	reg := NewManifestRegistry(dir, testDefaults, time.Minute)
	clock := newTestClock()
	reg.cache.now = clock.Now

	m, _ := reg.Get("OPP-1")
	assert.Equal(t, "Before", m.Title)

	writeManifest(t, dir, "1.yaml", "opportunity_id: OPP-1\ntitle: After\n")
	clock.Advance(30 * time.Second)
	m, _ = reg.Get("OPP-1")
	assert.Equal(t, "Before", m.Title)

	clock.Advance(time.Minute)
	m, _ = reg.Get("OPP-1")
	assert.Equal(t, "After", m.Title)
}

func TestRequirementDefaults(t *testing.T) {
	req := testDefaults.Requirement("anything")
	assert.Equal(t, "anything", req.ID)
	assert.Nil(t, req.Pattern)
	assert.True(t, req.AllowsContentType("image/png"))
	assert.True(t, req.MatchesFilename("whatever.bin"))
	assert.Empty(t, req.RequiredSections)
	assert.Equal(t, int64(25*1024*1024), req.MaxSizeBytes)
	assert.Equal(t, 50, req.MaxPages)
}
