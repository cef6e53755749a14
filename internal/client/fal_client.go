package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/promptmesh/api/internal/apperr"
	"github.com/promptmesh/api/internal/config"
)

// FalClient drives text-to-image jobs through the fal.ai queue API. Submit
// enqueues a request; status is polled until COMPLETED, then the response
// payload is fetched and searched for the generated image URL.
type FalClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
}

type falSubmitRequest struct {
	Prompt    string `json:"prompt"`
	NumImages int    `json:"num_images"`
	ImageSize string `json:"image_size,omitempty"`
}

type falSubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type falStatusResponse struct {
	Status        string `json:"status"` // IN_QUEUE, IN_PROGRESS, COMPLETED
	QueuePosition int    `json:"queue_position"`
}

type falResultResponse struct {
	Images []falImage `json:"images"`
}

type falImage struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

func NewFalClient(cfg *config.FalConfig) *FalClient {
	return &FalClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
	}
}

func (c *FalClient) Name() string { return "fal" }

func (c *FalClient) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	body := &falSubmitRequest{Prompt: req.Prompt, NumImages: 1, ImageSize: "square_hd"}

	var resp falSubmitResponse
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, c.model)
	if err := c.post(ctx, endpoint, body, &resp); err != nil {
		return nil, err
	}
	if resp.RequestID == "" {
		return nil, &apperr.ProviderError{Provider: c.Name(), Message: "submit returned no request id"}
	}

	return &SubmitResult{JobHandle: resp.RequestID, ProviderRequestID: resp.RequestID}, nil
}

func (c *FalClient) Poll(ctx context.Context, jobHandle string) (*PollResult, error) {
	var status falStatusResponse
	statusURL := fmt.Sprintf("%s/%s/requests/%s/status", c.baseURL, c.model, jobHandle)
	if err := c.get(ctx, statusURL, &status); err != nil {
		return nil, err
	}

	switch status.Status {
	case "IN_QUEUE", "IN_PROGRESS":
		return &PollResult{State: JobStateRunning}, nil
	case "COMPLETED":
		return c.fetchResult(ctx, jobHandle)
	default:
		return &PollResult{
			State:        JobStateFailed,
			ErrorMessage: fmt.Sprintf("unexpected fal status %q", status.Status),
		}, nil
	}
}

// fetchResult pulls the completed payload and searches the image list for a
// usable URL; a completed job without one is a failure, not a silent skip.
func (c *FalClient) fetchResult(ctx context.Context, jobHandle string) (*PollResult, error) {
	var result falResultResponse
	resultURL := fmt.Sprintf("%s/%s/requests/%s", c.baseURL, c.model, jobHandle)
	if err := c.get(ctx, resultURL, &result); err != nil {
		return nil, err
	}

	for _, img := range result.Images {
		if img.URL != "" && strings.HasPrefix(img.ContentType, "image/") {
			return &PollResult{State: JobStateDone, ResultURL: img.URL, Progress: 100}, nil
		}
	}
	return &PollResult{
		State:        JobStateFailed,
		ErrorMessage: "completed fal job returned no image result",
	}, nil
}

func (c *FalClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *FalClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *FalClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.apiKey)

	log.Printf("[Fal API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apperr.ProviderError{Provider: c.Name(), Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apperr.ProviderError{Provider: c.Name(), Message: "failed to read response", Err: err}
	}

	log.Printf("[Fal API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apperr.ProviderError{
			Provider:   c.Name(),
			StatusCode: resp.StatusCode,
			Message:    truncate(string(respBody), 200),
		}
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return &apperr.ProviderError{Provider: c.Name(), Message: "failed to unmarshal response", Err: err}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
