package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptmesh/api/internal/client"
	"github.com/promptmesh/api/internal/model"
	"github.com/promptmesh/api/internal/queue"
	"github.com/promptmesh/api/internal/service"
)

func imageTask(t *testing.T, requestID, prompt string) *queue.Task {
	t.Helper()
	payload, err := json.Marshal(&service.ImageTaskPayload{Prompt: prompt})
	require.NoError(t, err)
	return &queue.Task{RequestID: requestID, Payload: payload}
}

func newImageWorkerUnderTest(svc *service.RequestService, provider client.GenerationProvider, cache *queue.ConfigCache) *ImageWorker {
	w := NewImageWorker(svc, provider, nil, cache)
	w.pollInterval = time.Millisecond
	return w
}

func TestImageWorkerHappyPath(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, time.Minute)
	ctx := context.Background()

	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 2)
	require.NoError(t, err)

	provider := &scriptedProvider{jobs: []jobScript{
		{polls: []client.PollResult{running(10), done("https://cdn.example.com/a.png")}},
		{polls: []client.PollResult{done("https://cdn.example.com/b.png")}},
	}}
	w := newImageWorkerUnderTest(svc, provider, cache)

	require.NoError(t, w.ProcessTask(ctx, imageTask(t, req.ID, req.Prompt)))

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusImagesReady, rec.Status)

	urls := []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"}
	for i, artID := range rec.ImageArtifacts {
		art, err := ms.GetArtifact(ctx, artID)
		require.NoError(t, err)
		assert.Equal(t, model.ArtifactStatusCompleted, art.Status)
		require.NotNil(t, art.OutputURL)
		assert.Equal(t, urls[i], *art.OutputURL)
		assert.Nil(t, art.JobHandle, "handle cleared on completion")
		assert.NotNil(t, art.CompletedAt)
	}
}

func TestImageWorkerFailsFast(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, time.Minute)
	ctx := context.Background()

	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 2)
	require.NoError(t, err)

	provider := &scriptedProvider{jobs: []jobScript{
		{polls: []client.PollResult{done("https://cdn.example.com/a.png")}},
		{polls: []client.PollResult{running(30), failed("content policy violation")}},
	}}
	w := newImageWorkerUnderTest(svc, provider, cache)

	require.NoError(t, w.ProcessTask(ctx, imageTask(t, req.ID, req.Prompt)))

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "content policy violation")

	// The sibling that completed before the failure stays recorded.
	first, err := ms.GetArtifact(ctx, rec.ImageArtifacts[0])
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactStatusCompleted, first.Status)

	second, err := ms.GetArtifact(ctx, rec.ImageArtifacts[1])
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactStatusFailed, second.Status)
}

func TestImageWorkerSubmitRejection(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, time.Minute)
	ctx := context.Background()

	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 2)
	require.NoError(t, err)

	provider := &scriptedProvider{submitErr: errors.New("invalid api key")}
	w := newImageWorkerUnderTest(svc, provider, cache)

	require.NoError(t, w.ProcessTask(ctx, imageTask(t, req.ID, req.Prompt)))

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusFailed, rec.Status)
}

func TestImageWorkerTimeout(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 1)
	require.NoError(t, err)

	provider := &scriptedProvider{jobs: []jobScript{
		{polls: []client.PollResult{running(5)}}, // never completes
	}}
	w := newImageWorkerUnderTest(svc, provider, cache)

	require.NoError(t, w.ProcessTask(ctx, imageTask(t, req.ID, req.Prompt)))

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "budget")
}

func TestImageWorkerCooperativeCancel(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, time.Minute)
	ctx := context.Background()

	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 1)
	require.NoError(t, err)

	provider := &scriptedProvider{jobs: []jobScript{
		{polls: []client.PollResult{running(5)}},
	}}
	w := newImageWorkerUnderTest(svc, provider, cache)

	// Cancel shortly after the worker starts polling.
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancelled := model.RequestStatusCancelled
		ms.UpdateRequest(ctx, req.ID, model.RequestStatusGeneratingImages, &model.RequestPatch{Status: &cancelled})
	}()

	doneCh := make(chan error, 1)
	go func() { doneCh <- w.ProcessTask(ctx, imageTask(t, req.ID, req.Prompt)) }()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not observe cancellation")
	}

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCancelled, rec.Status, "cancellation must not be overwritten")
}

func TestImageWorkerSkipsCancelledBeforeAdmission(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, time.Minute)
	ctx := context.Background()

	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 1)
	require.NoError(t, err)

	cancelled := model.RequestStatusCancelled
	_, err = ms.UpdateRequest(ctx, req.ID, model.RequestStatusPending, &model.RequestPatch{Status: &cancelled})
	require.NoError(t, err)

	provider := &scriptedProvider{} // must never be called
	w := newImageWorkerUnderTest(svc, provider, cache)

	require.NoError(t, w.ProcessTask(ctx, imageTask(t, req.ID, req.Prompt)))

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCancelled, rec.Status)
	assert.Equal(t, 0, provider.nsubmit)
}
