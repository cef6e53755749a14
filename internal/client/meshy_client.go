package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/promptmesh/api/internal/apperr"
	"github.com/promptmesh/api/internal/config"
)

// MeshyClient drives image-to-3D reconstruction through the Meshy API.
type MeshyClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type meshySubmitRequest struct {
	ImageURL  string `json:"image_url"`
	EnablePBR bool   `json:"enable_pbr"`
}

type meshySubmitResponse struct {
	Result string `json:"result"` // task id
}

type meshyTaskResponse struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"` // PENDING, IN_PROGRESS, SUCCEEDED, FAILED, CANCELED
	Progress  int               `json:"progress"`
	ModelURLs map[string]string `json:"model_urls"`
	TaskError *meshyTaskError   `json:"task_error,omitempty"`
}

type meshyTaskError struct {
	Message string `json:"message"`
}

func NewMeshyClient(cfg *config.MeshyConfig) *MeshyClient {
	return &MeshyClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
	}
}

func (c *MeshyClient) Name() string { return "meshy" }

func (c *MeshyClient) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	body := &meshySubmitRequest{ImageURL: req.ImageURL, EnablePBR: true}

	var resp meshySubmitResponse
	if err := c.post(ctx, "/openapi/v1/image-to-3d", body, &resp); err != nil {
		return nil, err
	}
	if resp.Result == "" {
		return nil, &apperr.ProviderError{Provider: c.Name(), Message: "submit returned no task id"}
	}

	return &SubmitResult{JobHandle: resp.Result, ProviderRequestID: resp.Result}, nil
}

func (c *MeshyClient) Poll(ctx context.Context, jobHandle string) (*PollResult, error) {
	var task meshyTaskResponse
	endpoint := fmt.Sprintf("/openapi/v1/image-to-3d/%s", jobHandle)
	if err := c.get(ctx, endpoint, &task); err != nil {
		return nil, err
	}

	switch task.Status {
	case "PENDING", "IN_PROGRESS":
		return &PollResult{State: JobStateRunning, Progress: task.Progress}, nil
	case "SUCCEEDED":
		// The result list may carry several formats; GLB is the one the
		// pipeline stores. A succeeded task without it is a failure.
		if url, ok := task.ModelURLs["glb"]; ok && url != "" {
			return &PollResult{State: JobStateDone, ResultURL: url, Progress: 100}, nil
		}
		return &PollResult{
			State:        JobStateFailed,
			ErrorMessage: "succeeded meshy task returned no glb model",
		}, nil
	case "FAILED", "CANCELED":
		msg := "meshy task " + task.Status
		if task.TaskError != nil && task.TaskError.Message != "" {
			msg = task.TaskError.Message
		}
		return &PollResult{State: JobStateFailed, ErrorMessage: msg}, nil
	default:
		return &PollResult{
			State:        JobStateFailed,
			ErrorMessage: fmt.Sprintf("unexpected meshy status %q", task.Status),
		}, nil
	}
}

func (c *MeshyClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *MeshyClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *MeshyClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("[Meshy API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apperr.ProviderError{Provider: c.Name(), Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apperr.ProviderError{Provider: c.Name(), Message: "failed to read response", Err: err}
	}

	log.Printf("[Meshy API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

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
