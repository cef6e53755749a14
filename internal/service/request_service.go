package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/promptmesh/api/internal/apperr"
	"github.com/promptmesh/api/internal/client"
	"github.com/promptmesh/api/internal/model"
	"github.com/promptmesh/api/internal/queue"
	"github.com/promptmesh/api/internal/store"
	"github.com/promptmesh/api/internal/websocket"
)

// StageQueue is the slice of the pool contract the service needs: hand off
// work and pull not-yet-admitted items back on cancel.
type StageQueue interface {
	Enqueue(t *queue.Task) error
	Cancel(requestID string) bool
	Status(ctx context.Context) queue.Snapshot
}

// ImageTaskPayload is the work-item body for the image stage.
type ImageTaskPayload struct {
	Prompt string `json:"prompt"`
}

// ModelTaskPayload is the work-item body for the model stage.
type ModelTaskPayload struct {
	ArtifactID string `json:"artifactId"`
	ImageURL   string `json:"imageUrl"`
}

// RequestService owns the request lifecycle: every status change is a
// guarded store update followed by a hub publish, whether triggered by the
// API or by a stage worker.
type RequestService struct {
	store      store.RecordStore
	storage    client.StorageClient // nil when R2 is not configured
	hub        *websocket.Hub
	imageCount int

	imageQueue StageQueue
	modelQueue StageQueue
}

func NewRequestService(recordStore store.RecordStore, storage client.StorageClient, hub *websocket.Hub, imageCount int) *RequestService {
	return &RequestService{
		store:      recordStore,
		storage:    storage,
		hub:        hub,
		imageCount: imageCount,
	}
}

// AttachQueues wires the stage pools in after construction; the pools'
// workers need the service, so the two are built in sequence.
func (s *RequestService) AttachQueues(image, modelQ StageQueue) {
	s.imageQueue = image
	s.modelQueue = modelQ
}

// CreateRequest inserts the request with its placeholder image artifacts
// and enqueues the image stage. An enqueue failure may not silently drop
// work, so it terminalizes the request as failed.
func (s *RequestService) CreateRequest(ctx context.Context, userID, prompt string) (*model.RequestResponse, error) {
	req, err := s.store.CreateRequestWithArtifacts(ctx, userID, prompt, s.imageCount)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	payload, err := json.Marshal(&ImageTaskPayload{Prompt: prompt})
	if err != nil {
		return nil, err
	}

	if err := s.imageQueue.Enqueue(&queue.Task{RequestID: req.ID, Payload: payload}); err != nil {
		msg := fmt.Sprintf("failed to enqueue image generation: %v", err)
		s.failRequest(ctx, req.ID, model.RequestStatusPending, msg)
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	return s.buildResponse(ctx, req)
}

// GetRequest returns the full request view. Ownership is enforced when a
// userID is supplied; a foreign request reads as not found.
func (s *RequestService) GetRequest(ctx context.Context, userID, id string) (*model.RequestResponse, error) {
	req, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return s.buildResponse(ctx, req)
}

// ListRequests returns the caller's requests, oldest first.
func (s *RequestService) ListRequests(ctx context.Context, userID string) ([]*model.RequestResponse, error) {
	requests, err := s.store.ListUserRequests(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]*model.RequestResponse, 0, len(requests))
	for _, req := range requests {
		resp, err := s.buildResponse(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// Snapshot is the hub's init-event fetcher.
func (s *RequestService) Snapshot(ctx context.Context, requestID string) (interface{}, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.buildResponse(ctx, req)
}

// SelectImage fires images_ready → generating_model (or the regeneration
// equivalents), creates the single model artifact and enqueues the model
// stage.
func (s *RequestService) SelectImage(ctx context.Context, userID, id string, ordinal int) (*model.RequestResponse, error) {
	req, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case model.RequestStatusImagesReady, model.RequestStatusCompleted:
	case model.RequestStatusFailed:
		// Only a model-stage failure can be retried via re-selection; an
		// image-stage failure has no completed image to select.
		if !s.allImagesCompleted(ctx, req) {
			return nil, apperr.InvalidState("select an image", string(req.Status))
		}
	default:
		return nil, apperr.InvalidState("select an image", string(req.Status))
	}

	if ordinal < 0 || ordinal >= len(req.ImageArtifacts) {
		return nil, apperr.Validation("ordinal must be between 0 and %d", len(req.ImageArtifacts)-1)
	}
	art, err := s.store.GetArtifact(ctx, req.ImageArtifacts[ordinal])
	if err != nil {
		return nil, err
	}
	if art.Status != model.ArtifactStatusCompleted || art.OutputURL == nil {
		return nil, apperr.Validation("image %d is not completed", ordinal)
	}

	status := model.RequestStatusGeneratingModel
	updated, err := s.store.UpdateRequest(ctx, id, req.Status, &model.RequestPatch{
		Status:           &status,
		SelectedOrdinal:  &ordinal,
		ClearError:       true,
		ClearCompletedAt: true,
	})
	if err != nil {
		return nil, err
	}

	modelArt, err := s.store.CreateModelArtifact(ctx, id, ordinal)
	if err != nil {
		s.failRequest(ctx, id, model.RequestStatusGeneratingModel, fmt.Sprintf("failed to create model artifact: %v", err))
		return nil, err
	}
	updated.ModelArtifactID = &modelArt.ID

	payload, err := json.Marshal(&ModelTaskPayload{ArtifactID: modelArt.ID, ImageURL: *art.OutputURL})
	if err != nil {
		return nil, err
	}
	if err := s.modelQueue.Enqueue(&queue.Task{RequestID: id, Payload: payload}); err != nil {
		msg := fmt.Sprintf("failed to enqueue model generation: %v", err)
		s.failRequest(ctx, id, model.RequestStatusGeneratingModel, msg)
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	s.hub.PublishStatus(id, model.RequestStatusGeneratingModel, nil)
	return s.buildResponse(ctx, updated)
}

// Cancel removes a pending request outright or flags a generating-images
// request for cooperative cancellation. Once model generation has begun
// the operation is an invalid-state error.
func (s *RequestService) Cancel(ctx context.Context, userID, id string) (*model.CancelResponse, error) {
	req, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !req.Status.IsCancellable() {
		return nil, apperr.InvalidState("cancel", string(req.Status))
	}

	dequeued := false
	if req.Status == model.RequestStatusPending {
		dequeued = s.imageQueue.Cancel(id)
	}

	cancelled := model.RequestStatusCancelled
	updated, err := s.store.UpdateRequest(ctx, id, req.Status, &model.RequestPatch{Status: &cancelled})
	if apperr.IsConflict(err) {
		// Lost the race against a concurrent transition. An admission moved
		// the request to a status that is still cancellable, so re-read and
		// try once more against it.
		req, err = s.store.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if !req.Status.IsCancellable() {
			return nil, apperr.InvalidState("cancel", string(req.Status))
		}
		updated, err = s.store.UpdateRequest(ctx, id, req.Status, &model.RequestPatch{Status: &cancelled})
		if apperr.IsConflict(err) {
			return nil, apperr.InvalidState("cancel", string(req.Status))
		}
	}
	if err != nil {
		return nil, err
	}

	s.hub.PublishCancelled(id)
	return &model.CancelResponse{ID: id, Status: updated.Status, Dequeued: dequeued}, nil
}

// Retry revives a failed request: image-stage failures reset every image
// artifact and re-run the image stage; model-stage failures re-run the
// model stage against the already-selected image.
func (s *RequestService) Retry(ctx context.Context, userID, id string) (*model.RequestResponse, error) {
	req, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if req.Status != model.RequestStatusFailed {
		return nil, apperr.InvalidState("retry", string(req.Status))
	}

	if req.SelectedOrdinal != nil && s.allImagesCompleted(ctx, req) {
		return s.retryModelStage(ctx, req)
	}
	return s.retryImageStage(ctx, req)
}

func (s *RequestService) retryImageStage(ctx context.Context, req *model.GenerationRequest) (*model.RequestResponse, error) {
	for _, artID := range req.ImageArtifacts {
		if _, err := s.store.UpdateArtifact(ctx, artID, &model.ArtifactPatch{Reset: true}); err != nil {
			return nil, err
		}
	}

	status := model.RequestStatusGeneratingImages
	updated, err := s.store.UpdateRequest(ctx, req.ID, model.RequestStatusFailed, &model.RequestPatch{
		Status:           &status,
		ClearError:       true,
		ClearCompletedAt: true,
	})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&ImageTaskPayload{Prompt: req.Prompt})
	if err != nil {
		return nil, err
	}
	if err := s.imageQueue.Enqueue(&queue.Task{RequestID: req.ID, Payload: payload}); err != nil {
		msg := fmt.Sprintf("failed to enqueue image generation: %v", err)
		s.failRequest(ctx, req.ID, status, msg)
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	s.hub.PublishStatus(req.ID, status, nil)
	return s.buildResponse(ctx, updated)
}

func (s *RequestService) retryModelStage(ctx context.Context, req *model.GenerationRequest) (*model.RequestResponse, error) {
	ordinal := *req.SelectedOrdinal
	art, err := s.store.GetArtifact(ctx, req.ImageArtifacts[ordinal])
	if err != nil {
		return nil, err
	}
	if art.OutputURL == nil {
		return nil, apperr.Validation("selected image %d has no output", ordinal)
	}

	status := model.RequestStatusGeneratingModel
	updated, err := s.store.UpdateRequest(ctx, req.ID, model.RequestStatusFailed, &model.RequestPatch{
		Status:           &status,
		ClearError:       true,
		ClearCompletedAt: true,
	})
	if err != nil {
		return nil, err
	}

	modelArt, err := s.store.CreateModelArtifact(ctx, req.ID, ordinal)
	if err != nil {
		s.failRequest(ctx, req.ID, status, fmt.Sprintf("failed to create model artifact: %v", err))
		return nil, err
	}
	updated.ModelArtifactID = &modelArt.ID

	payload, err := json.Marshal(&ModelTaskPayload{ArtifactID: modelArt.ID, ImageURL: *art.OutputURL})
	if err != nil {
		return nil, err
	}
	if err := s.modelQueue.Enqueue(&queue.Task{RequestID: req.ID, Payload: payload}); err != nil {
		msg := fmt.Sprintf("failed to enqueue model generation: %v", err)
		s.failRequest(ctx, req.ID, status, msg)
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	s.hub.PublishStatus(req.ID, status, nil)
	return s.buildResponse(ctx, updated)
}

// DeleteRequest removes a terminal request, its artifacts and any mirrored
// storage objects. In-flight requests must be cancelled first.
func (s *RequestService) DeleteRequest(ctx context.Context, userID, id string) error {
	req, err := s.load(ctx, userID, id)
	if err != nil {
		return err
	}
	if !req.Status.IsTerminal() {
		return apperr.InvalidState("delete", string(req.Status))
	}

	if s.storage != nil {
		artIDs := append([]string{}, req.ImageArtifacts...)
		if req.ModelArtifactID != nil {
			artIDs = append(artIDs, *req.ModelArtifactID)
		}
		for _, artID := range artIDs {
			art, err := s.store.GetArtifact(ctx, artID)
			if err != nil || art.StorageKey == nil {
				continue
			}
			if err := s.storage.Delete(ctx, *art.StorageKey); err != nil {
				log.Printf("Failed to delete storage object %s: %v", *art.StorageKey, err)
			}
		}
	}

	return s.store.DeleteRequestCascade(ctx, id)
}

// --- helpers ---

func (s *RequestService) load(ctx context.Context, userID, id string) (*model.GenerationRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && req.UserID != userID {
		return nil, apperr.NotFound("request", id)
	}
	return req, nil
}

func (s *RequestService) allImagesCompleted(ctx context.Context, req *model.GenerationRequest) bool {
	for _, artID := range req.ImageArtifacts {
		art, err := s.store.GetArtifact(ctx, artID)
		if err != nil || art.Status != model.ArtifactStatusCompleted {
			return false
		}
	}
	return len(req.ImageArtifacts) > 0
}

func (s *RequestService) buildResponse(ctx context.Context, req *model.GenerationRequest) (*model.RequestResponse, error) {
	resp := &model.RequestResponse{
		ID:              req.ID,
		Prompt:          req.Prompt,
		Status:          req.Status,
		SelectedOrdinal: req.SelectedOrdinal,
		Error:           req.Error,
		Images:          make([]model.ArtifactResponse, 0, len(req.ImageArtifacts)),
		CreatedAt:       req.CreatedAt,
		CompletedAt:     req.CompletedAt,
	}

	for _, artID := range req.ImageArtifacts {
		art, err := s.store.GetArtifact(ctx, artID)
		if err != nil {
			return nil, err
		}
		resp.Images = append(resp.Images, artifactResponse(art))
	}
	if req.ModelArtifactID != nil {
		art, err := s.store.GetArtifact(ctx, *req.ModelArtifactID)
		if err == nil {
			m := artifactResponse(art)
			resp.Model = &m
		}
	}
	return resp, nil
}

func artifactResponse(art *model.GeneratedArtifact) model.ArtifactResponse {
	return model.ArtifactResponse{
		ID:          art.ID,
		Ordinal:     art.Ordinal,
		Status:      art.Status,
		OutputURL:   art.OutputURL,
		Error:       art.Error,
		CompletedAt: art.CompletedAt,
	}
}
