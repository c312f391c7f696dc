package runway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/utils"
)

// TaskStatus is the normalized lifecycle of an image-to-video task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusSucceeded  TaskStatus = "SUCCEEDED"
	TaskStatusFailed     TaskStatus = "FAILED"
)

type Task struct {
	ID      string
	Status  TaskStatus
	Output  []string
	Failure string
}

// Client is the boundary to the external image-to-video model.
type Client interface {
	CreateTask(ctx context.Context, imageURL, promptText string, durationSeconds int, ratio string) (string, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
	CancelTask(ctx context.Context, taskID string) error
}

const (
	defaultBaseURL    = "https://api.dev.runwayml.com"
	defaultModel      = "gen3a_turbo"
	defaultAPIVersion = "2024-11-06"
)

type client struct {
	log        *logger.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewClient(log *logger.Logger) (Client, error) {
	apiKey := strings.TrimSpace(utils.GetEnv("RUNWAY_API_KEY", "", log))
	if apiKey == "" {
		return nil, fmt.Errorf("missing env var RUNWAY_API_KEY")
	}
	return &client{
		log:        log.With("service", "RunwayClient"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimRight(utils.GetEnv("RUNWAY_BASE_URL", defaultBaseURL, log), "/"),
		apiKey:     apiKey,
		model:      utils.GetEnv("RUNWAY_MODEL", defaultModel, log),
	}, nil
}

type createTaskRequest struct {
	PromptImage string `json:"promptImage"`
	PromptText  string `json:"promptText,omitempty"`
	Model       string `json:"model"`
	Duration    int    `json:"duration"`
	Ratio       string `json:"ratio"`
}

type createTaskResponse struct {
	ID string `json:"id"`
}

type taskResponse struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"`
	Output  []string `json:"output"`
	Failure string   `json:"failure"`
}

func (c *client) CreateTask(ctx context.Context, imageURL, promptText string, durationSeconds int, ratio string) (string, error) {
	body, err := json.Marshal(createTaskRequest{
		PromptImage: imageURL,
		PromptText:  promptText,
		Model:       c.model,
		Duration:    durationSeconds,
		Ratio:       ratio,
	})
	if err != nil {
		return "", err
	}
	var resp createTaskResponse
	if err := c.do(ctx, http.MethodPost, "/v1/image_to_video", body, &resp); err != nil {
		return "", fmt.Errorf("create motion task: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create motion task: empty task id")
	}
	c.log.Debug("Motion task created", "task_id", resp.ID)
	return resp.ID, nil
}

func (c *client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var resp taskResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+taskID, nil, &resp); err != nil {
		return nil, fmt.Errorf("get motion task %s: %w", taskID, err)
	}
	return &Task{
		ID:      resp.ID,
		Status:  normalizeStatus(resp.Status),
		Output:  resp.Output,
		Failure: resp.Failure,
	}, nil
}

func (c *client) CancelTask(ctx context.Context, taskID string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+taskID, nil, nil); err != nil {
		return fmt.Errorf("cancel motion task %s: %w", taskID, err)
	}
	return nil
}

func (c *client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Runway-Version", defaultAPIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func normalizeStatus(s string) TaskStatus {
	switch strings.ToUpper(s) {
	case "SUCCEEDED", "COMPLETED":
		return TaskStatusSucceeded
	case "FAILED", "CANCELED", "CANCELLED":
		return TaskStatusFailed
	case "RUNNING", "PROCESSING":
		return TaskStatusProcessing
	default:
		return TaskStatusPending
	}
}
