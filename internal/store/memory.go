package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptmesh/api/internal/apperr"
	"github.com/promptmesh/api/internal/model"
)

// MemStore is an in-process RecordStore/ConfigStore with the same guarded
// update semantics as the Redis implementation. It backs the test suite and
// serves as the fallback when Redis is not reachable at boot.
type MemStore struct {
	mu        sync.Mutex
	requests  map[string]*model.GenerationRequest
	artifacts map[string]*model.GeneratedArtifact
	byUser    map[string][]string
	configs   map[model.Stage]model.QueueRuntimeConfig
}

func NewMemStore() *MemStore {
	return &MemStore{
		requests:  make(map[string]*model.GenerationRequest),
		artifacts: make(map[string]*model.GeneratedArtifact),
		byUser:    make(map[string][]string),
		configs:   make(map[model.Stage]model.QueueRuntimeConfig),
	}
}

func (s *MemStore) CreateRequestWithArtifacts(_ context.Context, userID, prompt string, imageCount int) (*model.GenerationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := &model.GenerationRequest{
		ID:        uuid.New().String(),
		UserID:    userID,
		Prompt:    prompt,
		Status:    model.RequestStatusPending,
		CreatedAt: time.Now(),
	}
	for i := 0; i < imageCount; i++ {
		art := &model.GeneratedArtifact{
			ID:        uuid.New().String(),
			RequestID: req.ID,
			Kind:      model.ArtifactKindImage,
			Ordinal:   i,
			Status:    model.ArtifactStatusPending,
		}
		s.artifacts[art.ID] = art
		req.ImageArtifacts = append(req.ImageArtifacts, art.ID)
	}
	s.requests[req.ID] = req
	s.byUser[userID] = append(s.byUser[userID], req.ID)

	out := *req
	return &out, nil
}

func (s *MemStore) GetRequest(_ context.Context, id string) (*model.GenerationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, apperr.NotFound("request", id)
	}
	out := *req
	return &out, nil
}

func (s *MemStore) ListUserRequests(_ context.Context, userID string) ([]*model.GenerationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.GenerationRequest, 0, len(s.byUser[userID]))
	for _, id := range s.byUser[userID] {
		if req, ok := s.requests[id]; ok {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) UpdateRequest(_ context.Context, id string, expected model.RequestStatus, patch *model.RequestPatch) (*model.GenerationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, apperr.NotFound("request", id)
	}
	if req.Status != expected {
		return nil, apperr.Conflict(id, string(expected), string(req.Status))
	}
	if patch.Status != nil && !req.Status.CanTransitionTo(*patch.Status) {
		return nil, apperr.Conflict(id, string(expected), string(req.Status))
	}

	patch.Apply(req)
	out := *req
	return &out, nil
}

func (s *MemStore) GetArtifact(_ context.Context, id string) (*model.GeneratedArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	art, ok := s.artifacts[id]
	if !ok {
		return nil, apperr.NotFound("artifact", id)
	}
	out := *art
	return &out, nil
}

func (s *MemStore) UpdateArtifact(_ context.Context, id string, patch *model.ArtifactPatch) (*model.GeneratedArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	art, ok := s.artifacts[id]
	if !ok {
		return nil, apperr.NotFound("artifact", id)
	}
	patch.Apply(art)
	out := *art
	return &out, nil
}

func (s *MemStore) CreateModelArtifact(_ context.Context, requestID string, ordinal int) (*model.GeneratedArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return nil, apperr.NotFound("request", requestID)
	}

	art := &model.GeneratedArtifact{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Kind:      model.ArtifactKindModel,
		Ordinal:   ordinal,
		Status:    model.ArtifactStatusPending,
	}
	if req.ModelArtifactID != nil {
		delete(s.artifacts, *req.ModelArtifactID)
	}
	s.artifacts[art.ID] = art
	req.ModelArtifactID = &art.ID

	out := *art
	return &out, nil
}

func (s *MemStore) DeleteRequestCascade(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return apperr.NotFound("request", id)
	}
	for _, artID := range req.ImageArtifacts {
		delete(s.artifacts, artID)
	}
	if req.ModelArtifactID != nil {
		delete(s.artifacts, *req.ModelArtifactID)
	}
	delete(s.requests, id)

	ids := s.byUser[req.UserID]
	for i, rid := range ids {
		if rid == id {
			s.byUser[req.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore) GetAll(_ context.Context) ([]model.QueueRuntimeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QueueRuntimeConfig, 0, len(s.configs))
	for _, stage := range model.ValidStages {
		if cfg, ok := s.configs[stage]; ok {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *MemStore) Upsert(_ context.Context, cfg model.QueueRuntimeConfig) (*model.QueueRuntimeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.UpdatedAt = time.Now()
	s.configs[cfg.Stage] = cfg
	out := cfg
	return &out, nil
}
