package client

import (
	"context"

	"github.com/promptmesh/api/internal/config"
)

// Job states as the pipeline sees them; each provider maps its own status
// vocabulary onto these three.
type JobState string

const (
	JobStateRunning JobState = "running"
	JobStateDone    JobState = "done"
	JobStateFailed  JobState = "failed"
)

// SubmitRequest carries the inputs a stage hands to its provider. Image
// generation uses Prompt; 3D reconstruction uses ImageURL.
type SubmitRequest struct {
	Prompt   string
	ImageURL string
}

// SubmitResult is the handle for a job accepted by a provider.
type SubmitResult struct {
	JobHandle         string
	ProviderRequestID string
}

// PollResult is one observation of a submitted job.
type PollResult struct {
	State        JobState
	ResultURL    string // set when State is done
	Progress     int    // 0-100 when the provider reports it, else 0
	ErrorMessage string // set when State is failed
}

// GenerationProvider is the opaque submit → poll contract every stage
// worker drives. Implementations: FalClient (images), MeshyClient (3D),
// MockProvider (unconfigured/dev).
type GenerationProvider interface {
	Name() string
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error)
	Poll(ctx context.Context, jobHandle string) (*PollResult, error)
}

// NewImageProvider selects the image-stage provider: Fal when an API key is
// configured, otherwise the deterministic mock so the pipeline still runs
// end to end in development.
func NewImageProvider(cfg *config.FalConfig) GenerationProvider {
	if cfg.APIKey != "" {
		return NewFalClient(cfg)
	}
	return NewMockProvider("mock-image", "png")
}

// NewModelProvider selects the model-stage provider the same way.
func NewModelProvider(cfg *config.MeshyConfig) GenerationProvider {
	if cfg.APIKey != "" {
		return NewMeshyClient(cfg)
	}
	return NewMockProvider("mock-model", "glb")
}
