package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DECSResearch/GrantWatch/config"
	"github.com/DECSResearch/GrantWatch/middleware"
	"github.com/DECSResearch/GrantWatch/model"
	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7/pkg/notification"
)

const testManifest = `
opportunity_id: OPP-1
title: Rural Broadband Pilot
documents:
  - id: narrative
    filename_pattern: '^narrative.*\.pdf$'
    max_pages: 5
`

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	manifests := filepath.Join(dir, "manifests")
	if err := os.MkdirAll(manifests, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(manifests, "opp1.yaml"), []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	body := "store:\n  driver: memory\nchecker:\n  manifest_path: " + manifests + "\nauth:\n  jwt_secret: test-secret\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Minio = config.MinioConfig{}
	return cfg
}

type countingBatch struct {
	mu      sync.Mutex
	records int
	calls   atomic.Int32
}

func (c *countingBatch) HandleBatch(_ context.Context, info notification.Info) int {
	c.calls.Add(1)
	c.mu.Lock()
	c.records += len(info.Records)
	c.mu.Unlock()
	return len(info.Records)
}

func TestDispatchDrainsChannel(t *testing.T) {
	events := make(chan notification.Info)
	h := &countingBatch{}

	go func() {
		for i := 0; i < 10; i++ {
			events <- notification.Info{Records: make([]notification.Event, 2)}
		}
		events <- notification.Info{Err: errors.New("connection reset")}
		close(events)
	}()

	dispatch(context.Background(), events, h, 3)

	if got := h.calls.Load(); got != 10 {
		t.Errorf("expected 10 batches, got %d", got)
	}
	if h.records != 20 {
		t.Errorf("expected 20 records, got %d", h.records)
	}
}

func TestDispatchClampsWorkers(t *testing.T) {
	events := make(chan notification.Info, 1)
	events <- notification.Info{Records: make([]notification.Event, 1)}
	close(events)

	h := &countingBatch{}
	dispatch(context.Background(), events, h, 0)
	if h.calls.Load() != 1 {
		t.Errorf("expected the batch to be handled with a single worker")
	}
}

func TestRouterWithoutStorage(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	if a.storage != nil {
		t.Fatal("storage must stay nil when no endpoint is configured")
	}
	router := a.router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"storage":false`) {
		t.Errorf("unexpected health response %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload-url",
		strings.NewReader(`{"filename":"narrative.pdf","requirement_id":"narrative"}`)))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 without storage, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/manifest/index", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "OPP-1") {
		t.Errorf("unexpected index response %d %s", w.Code, w.Body.String())
	}
}

func TestRouterProtectsStorageEvents(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	router := a.router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events/storage", strings.NewReader(`{"Records":[]}`)))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	token, _, err := middleware.GenerateToken("minio", []string{middleware.ScopeEventsWrite}, &cfg.Auth)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/events/storage", strings.NewReader(`{"Records":[]}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"processed":0`) {
		t.Errorf("unexpected response %d %s", w.Code, w.Body.String())
	}
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "redis"
	if _, err := newStore(cfg); err == nil {
		t.Error("expected an error for an unknown driver")
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "store:\n  driver: memory\nchecker:\n  manifest_path: " + cfg.Checker.ManifestPath + "\nauth:\n  jwt_secret: test-secret\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckCommandFlagsViolations(t *testing.T) {
	cfgPath := writeTestConfig(t)
	file := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(file, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "check", file, "--config", cfgPath, "--opportunity", "OPP-1", "--requirement", "narrative")
	if err != nil {
		t.Fatalf("check: %v", err)
	}

	var result struct {
		Status   model.FileStatus `json:"Status"`
		Messages []string         `json:"Messages"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if result.Status != model.FileStatusInvalid {
		t.Errorf("expected invalid, got %s", result.Status)
	}
	want := []string{
		"Filename 'notes.txt' does not match required pattern",
		"Content type text/plain is not one of [application/pdf]",
	}
	if len(result.Messages) != len(want) {
		t.Fatalf("expected %v, got %v", want, result.Messages)
	}
	for i := range want {
		if result.Messages[i] != want[i] {
			t.Errorf("message %d: expected %q, got %q", i, want[i], result.Messages[i])
		}
	}
}

func TestCheckCommandUnknownOpportunity(t *testing.T) {
	cfgPath := writeTestConfig(t)
	file := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := runCommand(t, "check", file, "--config", cfgPath, "-o", "OPP-404", "-r", "narrative")
	if !errors.Is(err, model.ErrManifestNotFound) {
		t.Errorf("expected manifest not found, got %v", err)
	}
}

func TestManifestsCommand(t *testing.T) {
	cfgPath := writeTestConfig(t)
	out, err := runCommand(t, "manifests", "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if out != "OPP-1\tRural Broadband Pilot\n" {
		t.Errorf("unexpected listing %q", out)
	}
}

func TestTokenCommandMintsEventsScope(t *testing.T) {
	cfgPath := writeTestConfig(t)
	out, err := runCommand(t, "token", "--config", cfgPath, "--subject", "hook")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Errorf("expected a JWT, got %q", out)
	}
}

func TestContentTypeFor(t *testing.T) {
	if got := contentTypeFor("a/B.PDF"); got != "application/pdf" {
		t.Errorf("pdf: got %s", got)
	}
	if got := contentTypeFor("noext"); got != "application/octet-stream" {
		t.Errorf("no extension: got %s", got)
	}
}
