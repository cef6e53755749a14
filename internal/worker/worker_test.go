package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/promptmesh/api/internal/client"
	"github.com/promptmesh/api/internal/model"
	"github.com/promptmesh/api/internal/queue"
	"github.com/promptmesh/api/internal/service"
	"github.com/promptmesh/api/internal/store"
	"github.com/promptmesh/api/internal/websocket"
)

// scriptedProvider plays back a fixed poll sequence per submitted job, so
// worker behavior can be tested without timing games. The last poll result
// of a script repeats forever.
type scriptedProvider struct {
	mu        sync.Mutex
	jobs      []jobScript
	submitErr error
	nsubmit   int
	cur       *jobScript
}

type jobScript struct {
	polls []client.PollResult
	i     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Submit(_ context.Context, _ *client.SubmitRequest) (*client.SubmitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return nil, p.submitErr
	}
	if p.nsubmit >= len(p.jobs) {
		return nil, fmt.Errorf("unexpected submit #%d", p.nsubmit+1)
	}
	p.cur = &p.jobs[p.nsubmit]
	p.nsubmit++
	handle := fmt.Sprintf("job-%d", p.nsubmit)
	return &client.SubmitResult{JobHandle: handle, ProviderRequestID: handle}, nil
}

func (p *scriptedProvider) Poll(_ context.Context, _ string) (*client.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	script := p.cur
	res := script.polls[script.i]
	if script.i < len(script.polls)-1 {
		script.i++
	}
	return &res, nil
}

func running(progress int) client.PollResult {
	return client.PollResult{State: client.JobStateRunning, Progress: progress}
}

func done(url string) client.PollResult {
	return client.PollResult{State: client.JobStateDone, ResultURL: url, Progress: 100}
}

func failed(msg string) client.PollResult {
	return client.PollResult{State: client.JobStateFailed, ErrorMessage: msg}
}

func newWorkerFixture(t *testing.T, jobTimeout time.Duration) (*service.RequestService, *store.MemStore, *queue.ConfigCache) {
	t.Helper()
	ms := store.NewMemStore()
	hub := websocket.NewHub(nil)
	svc := service.NewRequestService(ms, nil, hub, 2)

	defaults := make(map[model.Stage]model.QueueRuntimeConfig)
	for _, stage := range model.ValidStages {
		defaults[stage] = model.QueueRuntimeConfig{
			Stage:          stage,
			MaxConcurrency: 1,
			JobTimeout:     jobTimeout,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  time.Minute,
		}
	}
	cache := queue.NewConfigCache(ms, defaults, time.Minute)
	require.NoError(t, cache.EnsureDefaults(context.Background()))
	return svc, ms, cache
}
