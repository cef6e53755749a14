package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptmesh/api/internal/apperr"
)

// MockProvider simulates a slow external job for development and tests.
// Jobs report running until CompleteAfter has elapsed, then done with a
// fake CDN URL. A prompt containing "[fail]" produces a failed job, and
// "[reject]" makes Submit itself error.
type MockProvider struct {
	name          string
	ext           string
	CompleteAfter time.Duration

	mu   sync.Mutex
	jobs map[string]mockJob
}

type mockJob struct {
	submittedAt time.Time
	fail        bool
}

func NewMockProvider(name, ext string) *MockProvider {
	return &MockProvider{
		name:          name,
		ext:           ext,
		CompleteAfter: 2 * time.Second,
		jobs:          make(map[string]mockJob),
	}
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Submit(_ context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if strings.Contains(req.Prompt, "[reject]") {
		return nil, &apperr.ProviderError{Provider: m.name, StatusCode: 401, Message: "simulated submit rejection"}
	}

	handle := uuid.New().String()
	m.mu.Lock()
	m.jobs[handle] = mockJob{
		submittedAt: time.Now(),
		fail:        strings.Contains(req.Prompt, "[fail]"),
	}
	m.mu.Unlock()

	return &SubmitResult{JobHandle: handle, ProviderRequestID: handle}, nil
}

func (m *MockProvider) Poll(_ context.Context, jobHandle string) (*PollResult, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobHandle]
	m.mu.Unlock()
	if !ok {
		return nil, &apperr.ProviderError{Provider: m.name, StatusCode: 404, Message: "unknown job handle"}
	}

	elapsed := time.Since(job.submittedAt)
	if elapsed < m.CompleteAfter {
		progress := int(elapsed * 100 / m.CompleteAfter)
		return &PollResult{State: JobStateRunning, Progress: progress}, nil
	}

	if job.fail {
		return &PollResult{State: JobStateFailed, ErrorMessage: "simulated generation failure"}, nil
	}
	return &PollResult{
		State:     JobStateDone,
		ResultURL: fmt.Sprintf("https://cdn.promptmesh.dev/mock/%s.%s", jobHandle, m.ext),
		Progress:  100,
	}, nil
}
