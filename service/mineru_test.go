package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DECSResearch/GrantWatch/config"
)

func zipWith(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// mineruServer fakes the MinerU API: the task is running on the first poll
// and done on the second.
func mineruServer(t *testing.T, archive []byte, finalState string) (*httptest.Server, *int32) {
	t.Helper()
	var polls int32
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/extract/task", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req MineruTaskRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.IsOCR)
		assert.Contains(t, req.URL, "storage.test")

		resp := MineruTaskResponse{Code: 0, Message: "ok"}
		resp.Data.TaskID = "task-1"
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/extract/task/task-1", func(w http.ResponseWriter, r *http.Request) {
		var resp MineruTaskStatusResponse
		resp.Data.TaskID = "task-1"
		if atomic.AddInt32(&polls, 1) < 2 {
			resp.Data.State = "running"
		} else {
			resp.Data.State = finalState
			resp.Data.FullZipURL = srv.URL + "/result.zip"
			resp.Data.ErrorMsg = "cannot read"
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/result.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func newTestMineru(url string) *MineruService {
	svc := NewMineruService(&config.MineruConfig{
		APIURL:         url,
		APIToken:       "test-token",
		ModelVersion:   "vlm",
		TimeoutSeconds: 5,
		MaxPolls:       5,
	}, newFakeStorage())
	svc.poll = 5 * time.Millisecond
	return svc
}

func TestMineruRecognizeMarkdown(t *testing.T) {
	archive := zipWith(t, map[string]string{"doc/full.md": "# Budget\nScanned budget narrative"})
	srv, polls := mineruServer(t, archive, "done")

	text, err := newTestMineru(srv.URL).Recognize(context.Background(), "submissions/s1/narrative/1-scan.pdf")
	require.NoError(t, err)
	assert.Contains(t, text, "Scanned budget narrative")
	assert.EqualValues(t, 2, atomic.LoadInt32(polls))
}

func TestMineruRecognizeContentListFallback(t *testing.T) {
	blocks := `[{"type":"text","text":"Abstract"},{"type":"image"},{"type":"text","text":"Budget"}]`
	archive := zipWith(t, map[string]string{"doc/content_list.json": blocks})
	srv, _ := mineruServer(t, archive, "done")

	text, err := newTestMineru(srv.URL).Recognize(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "Abstract\nBudget", text)
}

func TestMineruRecognizeTaskFailed(t *testing.T) {
	srv, _ := mineruServer(t, nil, "failed")

	_, err := newTestMineru(srv.URL).Recognize(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read")
}

func TestMineruCreateTaskAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(MineruTaskResponse{Code: 401, Message: "bad token"})
	}))
	defer srv.Close()

	_, err := newTestMineru(srv.URL).CreateTask(context.Background(), "https://storage.test/x", "x")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bad token"))
}

func TestMineruRecognizeHonoursCancellation(t *testing.T) {
	srv, _ := mineruServer(t, nil, "running")
	svc := newTestMineru(srv.URL)
	svc.poll = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.Recognize(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMineruRecognizeWithoutStorage(t *testing.T) {
	svc := NewMineruService(&config.MineruConfig{APIURL: "http://unused"}, nil)
	_, err := svc.Recognize(context.Background(), "k")
	assert.Error(t, err)
}
