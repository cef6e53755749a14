package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/promptmesh/api/internal/apperr"
	"github.com/promptmesh/api/internal/client"
	"github.com/promptmesh/api/internal/model"
	"github.com/promptmesh/api/internal/queue"
	"github.com/promptmesh/api/internal/service"
)

const imagePollInterval = 3 * time.Second

// errCancelled aborts a poll loop when the request was cancelled at a safe
// point; the worker releases its slot without terminalizing anything.
var errCancelled = errors.New("request cancelled")

// ImageWorker drives the image stage for one admitted request: every
// placeholder artifact is submitted to the provider and polled to
// completion inside the single slot the pool granted. The first failure
// fails the whole stage; sibling images that already completed stay
// recorded.
type ImageWorker struct {
	svc          *service.RequestService
	provider     client.GenerationProvider
	storage      client.StorageClient // nil when R2 is not configured
	cache        *queue.ConfigCache
	pollInterval time.Duration
}

func NewImageWorker(svc *service.RequestService, provider client.GenerationProvider, storage client.StorageClient, cache *queue.ConfigCache) *ImageWorker {
	return &ImageWorker{
		svc:          svc,
		provider:     provider,
		storage:      storage,
		cache:        cache,
		pollInterval: imagePollInterval,
	}
}

func (w *ImageWorker) ProcessTask(ctx context.Context, t *queue.Task) error {
	req, err := w.svc.BeginImageStage(ctx, t.RequestID)
	if err != nil {
		if apperr.IsInvalidState(err) || apperr.IsNotFound(err) {
			log.Printf("Skipping image stage for request %s: %v", t.RequestID, err)
			return nil
		}
		return err
	}

	var payload service.ImageTaskPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil || payload.Prompt == "" {
		payload.Prompt = req.Prompt
	}

	cfg := w.cache.GetConfig(ctx, model.StageImage)
	log.Printf("Starting image stage for request %s (%d artifacts)", req.ID, len(req.ImageArtifacts))

	for _, artID := range req.ImageArtifacts {
		if w.svc.RequestCancelled(ctx, req.ID) {
			log.Printf("Image stage for request %s cancelled", req.ID)
			return nil
		}

		art, err := w.svc.ArtifactRecord(ctx, artID)
		if err != nil {
			w.svc.FailStage(ctx, req.ID, model.StageImage, nil, service.CodeGenerationFailed, err.Error())
			return nil
		}
		if art.Status == model.ArtifactStatusCompleted {
			continue // leftover from a partial run
		}

		if err := w.generateImage(ctx, req.ID, payload.Prompt, art, cfg.JobTimeout); err != nil {
			if errors.Is(err, errCancelled) {
				log.Printf("Image stage for request %s cancelled", req.ID)
				return nil
			}
			code := service.CodeGenerationFailed
			if apperr.IsTimeout(err) {
				code = service.CodeTimeout
			}
			w.svc.FailStage(ctx, req.ID, model.StageImage, &art.ID, code, err.Error())
			return nil
		}
	}

	if w.svc.RequestCancelled(ctx, req.ID) {
		return nil
	}
	if err := w.svc.FinishImageStage(ctx, req.ID); err != nil {
		log.Printf("Failed to finish image stage for request %s: %v", req.ID, err)
		return nil
	}
	log.Printf("Image stage for request %s completed", req.ID)
	return nil
}

// generateImage runs one submit → poll → finalize cycle. The wall-clock
// budget is measured from submission, regardless of provider status.
func (w *ImageWorker) generateImage(ctx context.Context, requestID, prompt string, art *model.GeneratedArtifact, timeout time.Duration) error {
	sub, err := w.provider.Submit(ctx, &client.SubmitRequest{Prompt: prompt})
	if err != nil {
		// Submission failures are configuration/auth problems, not
		// transient: fail the stage without retrying here.
		return err
	}
	if err := w.svc.StartArtifact(ctx, art.ID, sub.JobHandle); err != nil {
		return err
	}

	submittedAt := time.Now()
	for {
		if elapsed := time.Since(submittedAt); elapsed > timeout {
			return apperr.Timeout(string(model.StageImage), timeout, elapsed)
		}
		if w.svc.RequestCancelled(ctx, requestID) {
			return errCancelled
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}

		res, err := w.provider.Poll(ctx, sub.JobHandle)
		if err != nil {
			return err
		}

		switch res.State {
		case client.JobStateDone:
			url := res.ResultURL
			var key *string
			if w.storage != nil {
				k := fmt.Sprintf("requests/%s/images/%d.png", requestID, art.Ordinal)
				mirrored, err := w.storage.MirrorFromURL(ctx, k, url, "image/png")
				if err != nil {
					log.Printf("Failed to mirror image %s, keeping provider URL: %v", k, err)
				} else {
					url = mirrored
					key = &k
				}
			}
			return w.svc.CompleteImageArtifact(ctx, requestID, art.ID, art.Ordinal, url, key)
		case client.JobStateFailed:
			return &apperr.ProviderError{Provider: w.provider.Name(), Message: res.ErrorMessage}
		}
	}
}
