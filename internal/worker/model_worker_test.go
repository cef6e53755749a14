package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptmesh/api/internal/client"
	"github.com/promptmesh/api/internal/model"
	"github.com/promptmesh/api/internal/queue"
	"github.com/promptmesh/api/internal/service"
	"github.com/promptmesh/api/internal/store"
)

// advanceToGeneratingModel walks a fresh request through the image stage
// directly on the store and leaves it ready for the model worker. Returns
// the model artifact ID and the selected image URL.
func advanceToGeneratingModel(t *testing.T, ms *store.MemStore, req *model.GenerationRequest, ordinal int) (string, string) {
	t.Helper()
	ctx := context.Background()

	generating := model.RequestStatusGeneratingImages
	_, err := ms.UpdateRequest(ctx, req.ID, model.RequestStatusPending, &model.RequestPatch{Status: &generating})
	require.NoError(t, err)

	completed := model.ArtifactStatusCompleted
	now := time.Now()
	for i, artID := range req.ImageArtifacts {
		url := fmt.Sprintf("https://cdn.example.com/%s/%d.png", req.ID, i)
		_, err := ms.UpdateArtifact(ctx, artID, &model.ArtifactPatch{
			Status:      &completed,
			OutputURL:   &url,
			CompletedAt: &now,
		})
		require.NoError(t, err)
	}

	ready := model.RequestStatusImagesReady
	_, err = ms.UpdateRequest(ctx, req.ID, generating, &model.RequestPatch{Status: &ready})
	require.NoError(t, err)

	modeling := model.RequestStatusGeneratingModel
	_, err = ms.UpdateRequest(ctx, req.ID, ready, &model.RequestPatch{Status: &modeling, SelectedOrdinal: &ordinal})
	require.NoError(t, err)

	modelArt, err := ms.CreateModelArtifact(ctx, req.ID, ordinal)
	require.NoError(t, err)
	return modelArt.ID, fmt.Sprintf("https://cdn.example.com/%s/%d.png", req.ID, ordinal)
}

func modelTask(t *testing.T, requestID, artifactID, imageURL string) *queue.Task {
	t.Helper()
	payload, err := json.Marshal(&service.ModelTaskPayload{ArtifactID: artifactID, ImageURL: imageURL})
	require.NoError(t, err)
	return &queue.Task{RequestID: requestID, Payload: payload}
}

func newModelWorkerUnderTest(svc *service.RequestService, provider client.GenerationProvider, cache *queue.ConfigCache) *ModelWorker {
	w := NewModelWorker(svc, provider, nil, cache)
	w.pollInterval = time.Millisecond
	return w
}

func TestModelWorkerHappyPath(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, time.Minute)
	ctx := context.Background()

	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 2)
	require.NoError(t, err)
	artID, imageURL := advanceToGeneratingModel(t, ms, req, 1)

	provider := &scriptedProvider{jobs: []jobScript{
		{polls: []client.PollResult{running(40), running(80), done("https://cdn.example.com/out.glb")}},
	}}
	w := newModelWorkerUnderTest(svc, provider, cache)

	require.NoError(t, w.ProcessTask(ctx, modelTask(t, req.ID, artID, imageURL)))

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCompleted, rec.Status)
	assert.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.ModelArtifactID)

	art, err := ms.GetArtifact(ctx, *rec.ModelArtifactID)
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactStatusCompleted, art.Status)
	require.NotNil(t, art.OutputURL)
	assert.Equal(t, "https://cdn.example.com/out.glb", *art.OutputURL)
	assert.Nil(t, art.JobHandle)
}

func TestModelWorkerProviderFailure(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, time.Minute)
	ctx := context.Background()

	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 2)
	require.NoError(t, err)
	artID, imageURL := advanceToGeneratingModel(t, ms, req, 0)

	provider := &scriptedProvider{jobs: []jobScript{
		{polls: []client.PollResult{running(20), failed("mesh reconstruction failed")}},
	}}
	w := newModelWorkerUnderTest(svc, provider, cache)

	require.NoError(t, w.ProcessTask(ctx, modelTask(t, req.ID, artID, imageURL)))

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "mesh reconstruction failed")

	art, err := ms.GetArtifact(ctx, artID)
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactStatusFailed, art.Status)
}

func TestModelWorkerSubmitRejection(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, time.Minute)
	ctx := context.Background()

	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 2)
	require.NoError(t, err)
	artID, imageURL := advanceToGeneratingModel(t, ms, req, 0)

	provider := &scriptedProvider{submitErr: errors.New("invalid api key")}
	w := newModelWorkerUnderTest(svc, provider, cache)

	require.NoError(t, w.ProcessTask(ctx, modelTask(t, req.ID, artID, imageURL)))

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "invalid api key")
}

func TestModelWorkerTimeout(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 2)
	require.NoError(t, err)
	artID, imageURL := advanceToGeneratingModel(t, ms, req, 0)

	provider := &scriptedProvider{jobs: []jobScript{
		{polls: []client.PollResult{running(10)}}, // never completes
	}}
	w := newModelWorkerUnderTest(svc, provider, cache)

	require.NoError(t, w.ProcessTask(ctx, modelTask(t, req.ID, artID, imageURL)))

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "budget")
}

func TestModelWorkerSkipsWrongStatus(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, time.Minute)
	ctx := context.Background()

	// Still pending: the task raced an earlier cancellation or retry.
	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 2)
	require.NoError(t, err)

	provider := &scriptedProvider{}
	w := newModelWorkerUnderTest(svc, provider, cache)

	require.NoError(t, w.ProcessTask(ctx, modelTask(t, req.ID, "art-x", "https://cdn.example.com/0.png")))

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusPending, rec.Status)
	assert.Equal(t, 0, provider.nsubmit)
}

func TestModelWorkerDropsMalformedPayload(t *testing.T) {
	svc, ms, cache := newWorkerFixture(t, time.Minute)
	ctx := context.Background()

	req, err := ms.CreateRequestWithArtifacts(ctx, "user-1", "a ceramic teapot", 2)
	require.NoError(t, err)
	advanceToGeneratingModel(t, ms, req, 0)

	provider := &scriptedProvider{}
	w := newModelWorkerUnderTest(svc, provider, cache)

	require.NoError(t, w.ProcessTask(ctx, &queue.Task{RequestID: req.ID, Payload: []byte("{broken")}))

	rec, err := ms.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusGeneratingModel, rec.Status)
	assert.Equal(t, 0, provider.nsubmit)
}
