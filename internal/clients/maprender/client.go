package maprender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/types"
	"github.com/propertyreel/backend/internal/utils"
)

// Client talks to the headless map renderer sidecar. The sidecar drives the
// browser, captures frames, muxes them, uploads the result to the temp blob
// area, and returns the URL.
type Client interface {
	Produce(ctx context.Context, coords types.Coordinates, jobID uuid.UUID) (string, error)
	HealthCheck(ctx context.Context) error
}

type client struct {
	log        *logger.Logger
	httpClient *http.Client
	baseURL    string
}

func NewClient(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimRight(utils.GetEnv("MAP_RENDERER_URL", "", log), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing env var MAP_RENDERER_URL")
	}
	return &client{
		log: log.With("service", "MapRenderClient"),
		// Per-call deadlines come from the pipeline; this is a hard backstop.
		httpClient: &http.Client{Timeout: 6 * time.Minute},
		baseURL:    baseURL,
	}, nil
}

type renderRequest struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	JobID string  `json:"job_id"`
}

type renderResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

func (c *client) Produce(ctx context.Context, coords types.Coordinates, jobID uuid.UUID) (string, error) {
	body, err := json.Marshal(renderRequest{Lat: coords.Lat, Lng: coords.Lng, JobID: jobID.String()})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("map render request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("map render status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out renderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("map render response unparseable: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("map render failed: %s", out.Error)
	}
	if out.URL == "" {
		return "", fmt.Errorf("map render returned no URL")
	}
	return out.URL, nil
}

func (c *client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("map renderer unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("map renderer unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
