package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/DECSResearch/GrantWatch/config"
)

// TextRecognizer extracts text from scanned documents stored under key.
type TextRecognizer interface {
	Recognize(ctx context.Context, key string) (string, error)
}

// MineruService runs OCR through the MinerU extraction API. MinerU pulls the
// document itself, so it is handed a short-lived presigned GET URL.
type MineruService struct {
	config     *config.MineruConfig
	storage    ObjectStorage
	httpClient *http.Client
	poll       time.Duration
	maxPolls   int
}

// MineruTaskRequest represents the request to create an extraction task
type MineruTaskRequest struct {
	URL          string `json:"url"`
	ModelVersion string `json:"model_version"`
	IsOCR        bool   `json:"is_ocr"`
	DataID       string `json:"data_id,omitempty"`
}

// MineruTaskResponse represents the response from task creation
type MineruTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

// MineruTaskStatusResponse represents the task status query response
type MineruTaskStatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID          string `json:"task_id"`
		State           string `json:"state"` // pending, running, done, failed, converting
		FullZipURL      string `json:"full_zip_url,omitempty"`
		ErrorMsg        string `json:"err_msg,omitempty"`
		ExtractProgress struct {
			ExtractedPages int `json:"extracted_pages"`
			TotalPages     int `json:"total_pages"`
		} `json:"extract_progress,omitempty"`
	} `json:"data"`
}

func NewMineruService(cfg *config.MineruConfig, storage ObjectStorage) *MineruService {
	s := &MineruService{
		config:  cfg,
		storage: storage,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		poll:     time.Duration(cfg.PollSeconds) * time.Second,
		maxPolls: cfg.MaxPolls,
	}
	if s.poll <= 0 {
		s.poll = time.Second
	}
	if s.maxPolls <= 0 {
		s.maxPolls = 1
	}
	return s
}

// Recognize submits the object to MinerU, waits for the task and returns
// the recognised text.
func (s *MineruService) Recognize(ctx context.Context, key string) (string, error) {
	if s.storage == nil {
		return "", errors.New("OCR needs object storage to share the document")
	}
	docURL, err := s.storage.PresignGet(ctx, key, s.poll*time.Duration(s.maxPolls+1))
	if err != nil {
		return "", err
	}

	task, err := s.CreateTask(ctx, docURL, path.Base(key))
	if err != nil {
		return "", err
	}
	slog.Debug("OCR task created", "task_id", task.Data.TaskID, "object_key", key)

	zipURL, err := s.waitForTask(ctx, task.Data.TaskID)
	if err != nil {
		return "", err
	}
	return s.FetchZipAndExtractText(ctx, zipURL)
}

func (s *MineruService) waitForTask(ctx context.Context, taskID string) (string, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for i := 0; i < s.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		status, err := s.GetTaskStatus(ctx, taskID)
		if err != nil {
			slog.Warn("OCR poll failed", "task_id", taskID, "attempt", i+1, "error", err)
			continue
		}

		switch status.Data.State {
		case "done":
			if status.Data.FullZipURL == "" {
				return "", fmt.Errorf("OCR task %s finished without a result", taskID)
			}
			return status.Data.FullZipURL, nil
		case "failed":
			return "", fmt.Errorf("OCR task %s failed: %s", taskID, status.Data.ErrorMsg)
		case "running":
			slog.Debug("OCR progress",
				"task_id", taskID,
				"pages", status.Data.ExtractProgress.ExtractedPages,
				"total", status.Data.ExtractProgress.TotalPages,
			)
		}
	}
	return "", fmt.Errorf("OCR task %s timed out after %d polls", taskID, s.maxPolls)
}

// CreateTask creates a new extraction task
func (s *MineruService) CreateTask(ctx context.Context, docURL, dataID string) (*MineruTaskResponse, error) {
	body, err := json.Marshal(MineruTaskRequest{
		URL:          docURL,
		ModelVersion: s.config.ModelVersion,
		IsOCR:        true,
		DataID:       dataID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL+"/extract/task", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result MineruTaskResponse
	if err := s.do(req, &result); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("MinerU API error: %s", result.Message)
	}
	return &result, nil
}

// GetTaskStatus queries the status of a task
func (s *MineruService) GetTaskStatus(ctx context.Context, taskID string) (*MineruTaskStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/extract/task/%s", s.config.APIURL, taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result MineruTaskStatusResponse
	if err := s.do(req, &result); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("MinerU API error: %s", result.Message)
	}
	return &result, nil
}

func (s *MineruService) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Accept", "*/*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response (HTTP %d): %w", resp.StatusCode, err)
	}
	return nil
}

// FetchZipAndExtractText downloads the result archive and returns its
// markdown, falling back to the text blocks of content_list.json.
func (s *MineruService) FetchZipAndExtractText(ctx context.Context, zipURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download ZIP: %w", err)
	}
	defer resp.Body.Close()

	zipData, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read ZIP: %w", err)
	}
	zipReader, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return "", fmt.Errorf("failed to open ZIP: %w", err)
	}

	for _, file := range zipReader.File {
		if strings.HasSuffix(file.Name, ".md") {
			content, err := readZipFile(file)
			if err != nil {
				continue
			}
			return string(content), nil
		}
	}

	for _, file := range zipReader.File {
		if !strings.HasSuffix(file.Name, "content_list.json") {
			continue
		}
		content, err := readZipFile(file)
		if err != nil {
			continue
		}
		var blocks []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(content, &blocks); err != nil {
			continue
		}
		lines := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				lines = append(lines, b.Text)
			}
		}
		return strings.Join(lines, "\n"), nil
	}

	return "", errors.New("no text found in OCR result")
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
