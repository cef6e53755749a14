package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptmesh/api/internal/apperr"
	"github.com/promptmesh/api/internal/config"
)

func newFalTestClient(handler http.HandlerFunc) (*FalClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewFalClient(&config.FalConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "fal-ai/flux/dev",
	})
	return c, srv
}

func TestFalSubmit(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody falSubmitRequest
	c, srv := newFalTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(falSubmitResponse{RequestID: "req-123"})
	})
	defer srv.Close()

	res, err := c.Submit(context.Background(), &SubmitRequest{Prompt: "a ceramic teapot"})
	require.NoError(t, err)
	assert.Equal(t, "req-123", res.JobHandle)
	assert.Equal(t, "Key test-key", gotAuth)
	assert.Equal(t, "/fal-ai/flux/dev", gotPath)
	assert.Equal(t, "a ceramic teapot", gotBody.Prompt)
	assert.Equal(t, 1, gotBody.NumImages)
}

func TestFalSubmitMissingRequestID(t *testing.T) {
	c, srv := newFalTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(falSubmitResponse{})
	})
	defer srv.Close()

	_, err := c.Submit(context.Background(), &SubmitRequest{Prompt: "a ceramic teapot"})
	var perr *apperr.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "fal", perr.Provider)
}

func TestFalPollStates(t *testing.T) {
	tests := []struct {
		status string
		want   JobState
	}{
		{"IN_QUEUE", JobStateRunning},
		{"IN_PROGRESS", JobStateRunning},
		{"SOMETHING_ELSE", JobStateFailed},
	}
	for _, tc := range tests {
		t.Run(tc.status, func(t *testing.T) {
			c, srv := newFalTestClient(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(falStatusResponse{Status: tc.status})
			})
			defer srv.Close()

			res, err := c.Poll(context.Background(), "req-123")
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.State)
		})
	}
}

func TestFalPollCompleted(t *testing.T) {
	c, srv := newFalTestClient(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fal-ai/flux/dev/requests/req-123/status":
			json.NewEncoder(w).Encode(falStatusResponse{Status: "COMPLETED"})
		case "/fal-ai/flux/dev/requests/req-123":
			json.NewEncoder(w).Encode(falResultResponse{Images: []falImage{
				{URL: "https://fal.media/out.png", ContentType: "image/png"},
			}})
		default:
			http.NotFound(w, r)
		}
	})
	defer srv.Close()

	res, err := c.Poll(context.Background(), "req-123")
	require.NoError(t, err)
	assert.Equal(t, JobStateDone, res.State)
	assert.Equal(t, "https://fal.media/out.png", res.ResultURL)
}

func TestFalPollCompletedNoImage(t *testing.T) {
	c, srv := newFalTestClient(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fal-ai/flux/dev/requests/req-123/status":
			json.NewEncoder(w).Encode(falStatusResponse{Status: "COMPLETED"})
		default:
			json.NewEncoder(w).Encode(falResultResponse{})
		}
	})
	defer srv.Close()

	res, err := c.Poll(context.Background(), "req-123")
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, res.State)
	assert.Contains(t, res.ErrorMessage, "no image result")
}

func TestFalErrorStatus(t *testing.T) {
	c, srv := newFalTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusTooManyRequests)
	})
	defer srv.Close()

	_, err := c.Submit(context.Background(), &SubmitRequest{Prompt: "a ceramic teapot"})
	var perr *apperr.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
	assert.Contains(t, perr.Message, "quota exceeded")
}
