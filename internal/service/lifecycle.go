package service

import (
	"context"
	"log"
	"time"

	"github.com/promptmesh/api/internal/apperr"
	"github.com/promptmesh/api/internal/model"
)

// Error codes carried on terminal error events.
const (
	CodeGenerationFailed = "GENERATION_FAILED"
	CodeTimeout          = "GENERATION_TIMEOUT"
	CodeQueueError       = "QUEUE_ERROR"
)

// BeginImageStage is the admission transition: pending → generating_images,
// fired when the pool grants a slot, not on enqueue. On the retry path the
// request is already generating and passes through unchanged. A cancelled
// request reports invalid state so the worker releases the slot untouched.
func (s *RequestService) BeginImageStage(ctx context.Context, id string) (*model.GenerationRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case model.RequestStatusPending:
		status := model.RequestStatusGeneratingImages
		updated, err := s.store.UpdateRequest(ctx, id, model.RequestStatusPending, &model.RequestPatch{Status: &status})
		if err != nil {
			return nil, err
		}
		s.hub.PublishStatus(id, status, nil)
		return updated, nil
	case model.RequestStatusGeneratingImages:
		return req, nil
	default:
		return nil, apperr.InvalidState("generate images", string(req.Status))
	}
}

// RequestCancelled is the cooperative cancellation check workers consult at
// safe points (before each poll iteration).
func (s *RequestService) RequestCancelled(ctx context.Context, id string) bool {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return apperr.IsNotFound(err)
	}
	return req.Status == model.RequestStatusCancelled
}

// Record returns the raw request record for a worker.
func (s *RequestService) Record(ctx context.Context, id string) (*model.GenerationRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// ArtifactRecord returns the raw artifact record for a worker.
func (s *RequestService) ArtifactRecord(ctx context.Context, id string) (*model.GeneratedArtifact, error) {
	return s.store.GetArtifact(ctx, id)
}

// StartArtifact persists the provider job handle and marks the artifact
// generating; the handle is only ever set while in this state.
func (s *RequestService) StartArtifact(ctx context.Context, artifactID, jobHandle string) error {
	now := time.Now()
	status := model.ArtifactStatusGenerating
	_, err := s.store.UpdateArtifact(ctx, artifactID, &model.ArtifactPatch{
		Status:    &status,
		JobHandle: &jobHandle,
		StartedAt: &now,
	})
	return err
}

// CompleteImageArtifact finalizes one image and announces it to subscribers.
func (s *RequestService) CompleteImageArtifact(ctx context.Context, requestID, artifactID string, ordinal int, url string, storageKey *string) error {
	now := time.Now()
	status := model.ArtifactStatusCompleted
	_, err := s.store.UpdateArtifact(ctx, artifactID, &model.ArtifactPatch{
		Status:      &status,
		OutputURL:   &url,
		StorageKey:  storageKey,
		ClearHandle: true,
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}
	s.hub.PublishImageCompleted(requestID, ordinal, url)
	return nil
}

// FinishImageStage fires generating_images → images_ready once every image
// artifact has completed.
func (s *RequestService) FinishImageStage(ctx context.Context, id string) error {
	status := model.RequestStatusImagesReady
	_, err := s.store.UpdateRequest(ctx, id, model.RequestStatusGeneratingImages, &model.RequestPatch{Status: &status})
	if err != nil {
		return err
	}
	s.hub.PublishStatus(id, status, nil)
	return nil
}

// PublishModelProgress pushes a coarse estimate without touching records.
func (s *RequestService) PublishModelProgress(requestID string, progress int) {
	s.hub.PublishModelProgress(requestID, progress)
}

// CompleteModelStage finalizes the model artifact and fires
// generating_model → completed, ending the event stream.
func (s *RequestService) CompleteModelStage(ctx context.Context, requestID, artifactID, url string, storageKey *string) error {
	now := time.Now()
	status := model.ArtifactStatusCompleted
	_, err := s.store.UpdateArtifact(ctx, artifactID, &model.ArtifactPatch{
		Status:      &status,
		OutputURL:   &url,
		StorageKey:  storageKey,
		ClearHandle: true,
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}

	done := model.RequestStatusCompleted
	_, err = s.store.UpdateRequest(ctx, requestID, model.RequestStatusGeneratingModel, &model.RequestPatch{
		Status:      &done,
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}

	s.hub.PublishModelCompleted(requestID, url)
	return nil
}

// FailStage terminalizes a worker failure: the artifact (when known) and
// the request both become failed, and subscribers get a terminal error
// event. A conflicting transition (e.g. the request was cancelled while
// the job ran) loses cleanly and is only logged.
func (s *RequestService) FailStage(ctx context.Context, requestID string, stage model.Stage, artifactID *string, code, errMsg string) {
	now := time.Now()
	if artifactID != nil {
		status := model.ArtifactStatusFailed
		_, err := s.store.UpdateArtifact(ctx, *artifactID, &model.ArtifactPatch{
			Status:      &status,
			ClearHandle: true,
			Error:       &errMsg,
			FailedAt:    &now,
		})
		if err != nil {
			log.Printf("Failed to mark artifact %s failed: %v", *artifactID, err)
		}
	}

	expected := model.RequestStatusGeneratingImages
	if stage == model.StageModel {
		expected = model.RequestStatusGeneratingModel
	}
	failed := model.RequestStatusFailed
	_, err := s.store.UpdateRequest(ctx, requestID, expected, &model.RequestPatch{
		Status:      &failed,
		Error:       &errMsg,
		CompletedAt: &now,
	})
	if err != nil {
		if apperr.IsConflict(err) {
			log.Printf("Request %s moved on before failure could be recorded: %v", requestID, err)
			return
		}
		// The store itself is unhealthy; the slot is freed regardless so a
		// broken finalize cannot pin the pool.
		log.Printf("Failed to terminalize request %s: %v", requestID, err)
		return
	}

	s.hub.PublishError(requestID, code, errMsg)
}

// failRequest is the synchronous-path variant used when enqueue or setup
// fails right after a transition.
func (s *RequestService) failRequest(ctx context.Context, id string, expected model.RequestStatus, msg string) {
	failed := model.RequestStatusFailed
	now := time.Now()
	_, err := s.store.UpdateRequest(ctx, id, expected, &model.RequestPatch{
		Status:      &failed,
		Error:       &msg,
		CompletedAt: &now,
	})
	if err != nil {
		log.Printf("Failed to mark request %s failed: %v", id, err)
		return
	}
	s.hub.PublishError(id, CodeQueueError, msg)
}
