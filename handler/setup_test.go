package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DECSResearch/GrantWatch/service"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testManifest = `
opportunity_id: OPP-1
title: Rural Broadband Pilot
documents:
  - id: narrative
    label: Project Narrative
    max_pages: 5
    required_sections: [budget]
  - id: letters
    required: false
`

// stubStorage is a presign-only ObjectStorage.
type stubStorage struct {
	bucket string
}

func (s stubStorage) Bucket() string { return s.bucket }

func (s stubStorage) PresignPut(_ context.Context, key, contentType string, _ time.Duration) (string, error) {
	return fmt.Sprintf("https://storage.test/%s/%s?ct=%s", s.bucket, key, contentType), nil
}

func (s stubStorage) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.test/" + key, nil
}

func (s stubStorage) Stat(context.Context, string) (service.ObjectInfo, error) {
	return service.ObjectInfo{}, fmt.Errorf("not stored")
}

func (s stubStorage) Fetch(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("not stored")
}

type testServer struct {
	router      *gin.Engine
	submissions *service.Submissions
}

func newTestServer(t *testing.T, storage service.ObjectStorage) testServer {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "opp1.yaml"), []byte(testManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	manifests := service.NewManifestRegistry(dir, service.RequirementDefaults{MaxMB: 25, MaxPages: 50}, 0)
	submissions := service.NewSubmissions(service.NewMemoryStore(time.Hour))
	issuer := service.NewUploadIssuer(submissions, manifests, storage, "submissions", 15*time.Minute)

	sh := NewSubmissionHandler(submissions, issuer, manifests)
	mh := NewManifestHandler(manifests)

	router := gin.New()
	router.POST("/start-submission", sh.Start)
	router.POST("/upload-url", sh.UploadURL)
	router.GET("/status/:submission_id", sh.Status)
	router.GET("/checklist/:submission_id", sh.Checklist)
	router.GET("/manifest", mh.Get)
	router.GET("/manifest/index", mh.Index)

	return testServer{router: router, submissions: submissions}
}

func (s testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
}

func stubBucket() service.ObjectStorage {
	return stubStorage{bucket: "doc-uploads"}
}
