// Package store holds the durable record and config adapters. The Redis
// implementation is the production path; the memory implementation backs
// tests and local development when Redis is unreachable.
package store

import (
	"context"

	"github.com/promptmesh/api/internal/model"
)

// RecordStore is the single source of truth for requests and artifacts.
// UpdateRequest is a guarded read-modify-write: the patch applies only while
// the request still has the expected status, otherwise a ConflictError is
// returned and nothing is written.
type RecordStore interface {
	CreateRequestWithArtifacts(ctx context.Context, userID, prompt string, imageCount int) (*model.GenerationRequest, error)
	GetRequest(ctx context.Context, id string) (*model.GenerationRequest, error)
	ListUserRequests(ctx context.Context, userID string) ([]*model.GenerationRequest, error)
	UpdateRequest(ctx context.Context, id string, expected model.RequestStatus, patch *model.RequestPatch) (*model.GenerationRequest, error)
	GetArtifact(ctx context.Context, id string) (*model.GeneratedArtifact, error)
	UpdateArtifact(ctx context.Context, id string, patch *model.ArtifactPatch) (*model.GeneratedArtifact, error)
	CreateModelArtifact(ctx context.Context, requestID string, ordinal int) (*model.GeneratedArtifact, error)
	DeleteRequestCascade(ctx context.Context, id string) error
}

// ConfigStore persists per-stage runtime settings.
type ConfigStore interface {
	GetAll(ctx context.Context) ([]model.QueueRuntimeConfig, error)
	Upsert(ctx context.Context, cfg model.QueueRuntimeConfig) (*model.QueueRuntimeConfig, error)
}
