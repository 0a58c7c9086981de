package service

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DECSResearch/GrantWatch/model"
	"gopkg.in/yaml.v3"
)

const bytesPerMB = 1024 * 1024

// RequirementDefaults fill limits a manifest entry leaves out.
type RequirementDefaults struct {
	MaxMB    int
	MaxPages int
}

// Requirement returns the permissive requirement used when a manifest has no
// entry for id: no filename pattern, any content type, no sections.
func (d RequirementDefaults) Requirement(id string) *model.Requirement {
	return &model.Requirement{
		ID:               id,
		Label:            id,
		ContentTypes:     []string{},
		MaxMB:            d.MaxMB,
		MaxSizeBytes:     int64(d.MaxMB) * bytesPerMB,
		MaxPages:         d.MaxPages,
		RequiredSections: []string{},
	}
}

// ManifestRegistry serves manifests loaded from a file or directory tree.
// Loading happens once and is cached until Clear is called or the optional
// TTL elapses.
type ManifestRegistry struct {
	root     string
	defaults RequirementDefaults
	cache    *manifestCache
}

type manifestCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	loaded    bool
	loadedAt  time.Time
	manifests map[string]*model.Manifest
}

func NewManifestRegistry(root string, defaults RequirementDefaults, ttl time.Duration) *ManifestRegistry {
	return &ManifestRegistry{
		root:     root,
		defaults: defaults,
		cache:    &manifestCache{ttl: ttl, now: time.Now},
	}
}

// Defaults returns the limits applied to entries without explicit ones.
func (r *ManifestRegistry) Defaults() RequirementDefaults {
	return r.defaults
}

// Root is the configured manifest source.
func (r *ManifestRegistry) Root() string {
	return r.root
}

// Get returns the manifest for opportunityID or model.ErrManifestNotFound.
func (r *ManifestRegistry) Get(opportunityID string) (*model.Manifest, error) {
	m, ok := r.all()[opportunityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrManifestNotFound, opportunityID)
	}
	return m, nil
}

// List returns the id -> title index of every loaded manifest.
func (r *ManifestRegistry) List() map[string]model.ManifestSummary {
	all := r.all()
	out := make(map[string]model.ManifestSummary, len(all))
	for id, m := range all {
		out[id] = model.ManifestSummary{Title: m.Title}
	}
	return out
}

// Clear drops the cache; the next read reloads from disk.
func (r *ManifestRegistry) Clear() {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()
	r.cache.loaded = false
	r.cache.manifests = nil
}

func (r *ManifestRegistry) all() map[string]*model.Manifest {
	c := r.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded && (c.ttl <= 0 || c.now().Sub(c.loadedAt) < c.ttl) {
		return c.manifests
	}
	c.manifests = r.load()
	c.loaded = true
	c.loadedAt = c.now()
	return c.manifests
}

func (r *ManifestRegistry) load() map[string]*model.Manifest {
	manifests := make(map[string]*model.Manifest)

	paths, err := manifestFiles(r.root)
	if err != nil {
		slog.Error("failed to enumerate manifests", "root", r.root, "error", err)
		return manifests
	}

	for _, path := range paths {
		loaded, err := r.loadFile(path)
		if err != nil {
			slog.Error("rejected manifest file", "path", path, "error", err)
			continue
		}
		for _, m := range loaded {
			if _, dup := manifests[m.OpportunityID]; dup {
				slog.Warn("duplicate manifest, later file wins",
					"opportunity_id", m.OpportunityID,
					"path", path,
				)
			}
			manifests[m.OpportunityID] = m
		}
	}

	slog.Info("manifests loaded", "root", r.root, "files", len(paths), "opportunities", len(manifests))
	return manifests
}

// manifestFiles lists YAML files under root in lexicographic path order.
func manifestFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	sort.Strings(paths)
	return paths, err
}

type manifestSource struct {
	OpportunityID string           `yaml:"opportunity_id"`
	ID            string           `yaml:"id"`
	Title         string           `yaml:"title"`
	Name          string           `yaml:"name"`
	Documents     []documentSource `yaml:"documents"`
	Metadata      map[string]any   `yaml:"metadata"`
}

type manifestFileSource struct {
	manifestSource `yaml:",inline"`
	Opportunities  []manifestSource `yaml:"opportunities"`
}

type documentSource struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Label            string   `yaml:"label"`
	FilenamePattern  string   `yaml:"filename_pattern"`
	Required         *bool    `yaml:"required"`
	ContentTypes     []string `yaml:"content_types"`
	ContentType      string   `yaml:"content_type"`
	MaxMB            int      `yaml:"max_mb"`
	MaxPages         int      `yaml:"max_pages"`
	RequiredSections []string `yaml:"required_sections"`
	Notes            string   `yaml:"notes"`
}

func (r *ManifestRegistry) loadFile(path string) ([]*model.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var src manifestFileSource
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	entries := src.Opportunities
	if entries == nil {
		if src.manifestSource.OpportunityID == "" && src.manifestSource.ID == "" && len(src.manifestSource.Documents) == 0 {
			// empty document
			return nil, nil
		}
		entries = []manifestSource{src.manifestSource}
	}

	out := make([]*model.Manifest, 0, len(entries))
	for _, entry := range entries {
		m, err := r.normalise(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *ManifestRegistry) normalise(src manifestSource) (*model.Manifest, error) {
	opportunityID := firstNonEmpty(src.OpportunityID, src.ID)
	if opportunityID == "" {
		return nil, errors.New("missing 'opportunity_id' field")
	}

	docs := make([]model.Requirement, 0, len(src.Documents))
	seen := make(map[string]bool, len(src.Documents))
	for i, doc := range src.Documents {
		id := firstNonEmpty(doc.ID, doc.Name, fmt.Sprintf("doc-%d", i+1))
		if seen[id] {
			return nil, fmt.Errorf("opportunity %s: duplicate requirement id %q", opportunityID, id)
		}
		seen[id] = true

		req := model.Requirement{
			ID:               id,
			Label:            firstNonEmpty(doc.Label, doc.Name, id),
			FilenamePattern:  doc.FilenamePattern,
			Required:         doc.Required == nil || *doc.Required,
			ContentTypes:     doc.ContentTypes,
			MaxMB:            doc.MaxMB,
			MaxPages:         doc.MaxPages,
			RequiredSections: doc.RequiredSections,
			Notes:            doc.Notes,
		}
		if len(req.ContentTypes) == 0 {
			req.ContentTypes = []string{firstNonEmpty(doc.ContentType, model.DefaultContentType)}
		}
		if req.MaxMB <= 0 {
			req.MaxMB = r.defaults.MaxMB
		}
		if req.MaxPages <= 0 {
			req.MaxPages = r.defaults.MaxPages
		}
		req.MaxSizeBytes = int64(req.MaxMB) * bytesPerMB
		if req.RequiredSections == nil {
			req.RequiredSections = []string{}
		}
		if req.FilenamePattern != "" {
			re, err := regexp.Compile(req.FilenamePattern)
			if err != nil {
				return nil, fmt.Errorf("opportunity %s requirement %s: %w", opportunityID, id, err)
			}
			req.Pattern = re
		}
		docs = append(docs, req)
	}

	return model.NewManifest(opportunityID, firstNonEmpty(src.Title, src.Name, opportunityID), docs, src.Metadata), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
