package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/promptmesh/api/internal/apperr"
	"github.com/promptmesh/api/internal/client"
	"github.com/promptmesh/api/internal/model"
	"github.com/promptmesh/api/internal/queue"
	"github.com/promptmesh/api/internal/service"
)

const modelPollInterval = 5 * time.Second

// ModelWorker converts one selected image into a 3D model: submit the
// source image URL to the provider, poll with progress pushes, mirror the
// resulting GLB and finalize the request.
type ModelWorker struct {
	svc          *service.RequestService
	provider     client.GenerationProvider
	storage      client.StorageClient // nil when R2 is not configured
	cache        *queue.ConfigCache
	pollInterval time.Duration
}

func NewModelWorker(svc *service.RequestService, provider client.GenerationProvider, storage client.StorageClient, cache *queue.ConfigCache) *ModelWorker {
	return &ModelWorker{
		svc:          svc,
		provider:     provider,
		storage:      storage,
		cache:        cache,
		pollInterval: modelPollInterval,
	}
}

func (w *ModelWorker) ProcessTask(ctx context.Context, t *queue.Task) error {
	var payload service.ModelTaskPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		log.Printf("Dropping malformed model task for request %s: %v", t.RequestID, err)
		return nil
	}

	req, err := w.svc.Record(ctx, t.RequestID)
	if err != nil {
		if apperr.IsNotFound(err) {
			log.Printf("Skipping model stage for request %s: record gone", t.RequestID)
			return nil
		}
		return err
	}
	if req.Status != model.RequestStatusGeneratingModel {
		log.Printf("Skipping model stage for request %s: status is %s", req.ID, req.Status)
		return nil
	}

	log.Printf("Starting model stage for request %s (artifact %s)", req.ID, payload.ArtifactID)
	w.svc.PublishModelProgress(req.ID, 0)

	cfg := w.cache.GetConfig(ctx, model.StageModel)

	sub, err := w.provider.Submit(ctx, &client.SubmitRequest{ImageURL: payload.ImageURL})
	if err != nil {
		w.svc.FailStage(ctx, req.ID, model.StageModel, &payload.ArtifactID, service.CodeGenerationFailed, err.Error())
		return nil
	}
	if err := w.svc.StartArtifact(ctx, payload.ArtifactID, sub.JobHandle); err != nil {
		w.svc.FailStage(ctx, req.ID, model.StageModel, &payload.ArtifactID, service.CodeGenerationFailed, err.Error())
		return nil
	}

	submittedAt := time.Now()
	for {
		if elapsed := time.Since(submittedAt); elapsed > cfg.JobTimeout {
			msg := apperr.Timeout(string(model.StageModel), cfg.JobTimeout, elapsed).Error()
			w.svc.FailStage(ctx, req.ID, model.StageModel, &payload.ArtifactID, service.CodeTimeout, msg)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}

		res, err := w.provider.Poll(ctx, sub.JobHandle)
		if err != nil {
			w.svc.FailStage(ctx, req.ID, model.StageModel, &payload.ArtifactID, service.CodeGenerationFailed, err.Error())
			return nil
		}

		switch res.State {
		case client.JobStateRunning:
			progress := res.Progress
			if progress <= 0 {
				progress = 50 // provider does not report, show something moving
			}
			w.svc.PublishModelProgress(req.ID, progress)
		case client.JobStateDone:
			url := res.ResultURL
			var key *string
			if w.storage != nil {
				k := fmt.Sprintf("requests/%s/model.glb", req.ID)
				mirrored, err := w.storage.MirrorFromURL(ctx, k, url, "model/gltf-binary")
				if err != nil {
					log.Printf("Failed to mirror model %s, keeping provider URL: %v", k, err)
				} else {
					url = mirrored
					key = &k
				}
			}
			if err := w.svc.CompleteModelStage(ctx, req.ID, payload.ArtifactID, url, key); err != nil {
				log.Printf("Failed to finalize model stage for request %s: %v", req.ID, err)
			} else {
				log.Printf("Model stage for request %s completed", req.ID)
			}
			return nil
		case client.JobStateFailed:
			w.svc.FailStage(ctx, req.ID, model.StageModel, &payload.ArtifactID, service.CodeGenerationFailed, res.ErrorMessage)
			return nil
		}
	}
}
