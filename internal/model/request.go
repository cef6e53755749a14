package model

import "time"

// GenerationRequest is one user-initiated prompt → images → 3D model run.
type GenerationRequest struct {
	ID              string        `json:"id"`
	UserID          string        `json:"userId"`
	Prompt          string        `json:"prompt"`
	Status          RequestStatus `json:"status"`
	ImageArtifacts  []string      `json:"imageArtifacts"`
	ModelArtifactID *string       `json:"modelArtifactId,omitempty"`
	SelectedOrdinal *int          `json:"selectedOrdinal,omitempty"`
	Error           *string       `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
}

// GeneratedArtifact is one output (image or model) belonging to a request.
type GeneratedArtifact struct {
	ID          string         `json:"id"`
	RequestID   string         `json:"requestId"`
	Kind        ArtifactKind   `json:"kind"`
	Ordinal     int            `json:"ordinal"` // image index; selected source ordinal for models
	Status      ArtifactStatus `json:"status"`
	OutputURL   *string        `json:"outputUrl,omitempty"`
	StorageKey  *string        `json:"-"` // object key when mirrored to R2
	JobHandle   *string        `json:"-"` // external provider job id while generating
	Error       *string        `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	FailedAt    *time.Time     `json:"failedAt,omitempty"`
}

// RequestPatch is applied to a GenerationRequest under an expected-status
// guard. Nil fields are left untouched; Error/CompletedAt use clear flags
// so retries can reset them.
type RequestPatch struct {
	Status           *RequestStatus
	SelectedOrdinal  *int
	ModelArtifactID  *string
	Error            *string
	ClearError       bool
	CompletedAt      *time.Time
	ClearCompletedAt bool
}

// ArtifactPatch is applied to a GeneratedArtifact. A Reset patch returns
// the artifact to its freshly-created pending shape.
type ArtifactPatch struct {
	Status      *ArtifactStatus
	OutputURL   *string
	StorageKey  *string
	JobHandle   *string
	ClearHandle bool
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	Reset       bool
}

// Apply mutates r in place.
func (p *RequestPatch) Apply(r *GenerationRequest) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.SelectedOrdinal != nil {
		r.SelectedOrdinal = p.SelectedOrdinal
	}
	if p.ModelArtifactID != nil {
		r.ModelArtifactID = p.ModelArtifactID
	}
	if p.Error != nil {
		r.Error = p.Error
	}
	if p.ClearError {
		r.Error = nil
	}
	if p.CompletedAt != nil {
		r.CompletedAt = p.CompletedAt
	}
	if p.ClearCompletedAt {
		r.CompletedAt = nil
	}
}

// Apply mutates a in place.
func (p *ArtifactPatch) Apply(a *GeneratedArtifact) {
	if p.Reset {
		a.Status = ArtifactStatusPending
		a.OutputURL = nil
		a.StorageKey = nil
		a.JobHandle = nil
		a.Error = nil
		a.StartedAt = nil
		a.CompletedAt = nil
		a.FailedAt = nil
		return
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.OutputURL != nil {
		a.OutputURL = p.OutputURL
	}
	if p.StorageKey != nil {
		a.StorageKey = p.StorageKey
	}
	if p.JobHandle != nil {
		a.JobHandle = p.JobHandle
	}
	if p.ClearHandle {
		a.JobHandle = nil
	}
	if p.Error != nil {
		a.Error = p.Error
	}
	if p.StartedAt != nil {
		a.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		a.CompletedAt = p.CompletedAt
	}
	if p.FailedAt != nil {
		a.FailedAt = p.FailedAt
	}
}

// --- API DTOs ---

// CreateRequestRequest is the body of POST /api/requests.
type CreateRequestRequest struct {
	Prompt string `json:"prompt" validate:"required,min=3,max=1000"`
}

// SelectImageRequest is the body of POST /api/requests/:id/select.
type SelectImageRequest struct {
	Ordinal *int `json:"ordinal" validate:"required,min=0"`
}

// RequestResponse is the full request view returned by the API and carried
// in the WebSocket init snapshot.
type RequestResponse struct {
	ID              string             `json:"id"`
	Prompt          string             `json:"prompt"`
	Status          RequestStatus      `json:"status"`
	SelectedOrdinal *int               `json:"selectedOrdinal,omitempty"`
	Error           *string            `json:"error,omitempty"`
	Images          []ArtifactResponse `json:"images"`
	Model           *ArtifactResponse  `json:"model,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
}

// ArtifactResponse is the API view of one artifact.
type ArtifactResponse struct {
	ID          string         `json:"id"`
	Ordinal     int            `json:"ordinal"`
	Status      ArtifactStatus `json:"status"`
	OutputURL   *string        `json:"outputUrl,omitempty"`
	Error       *string        `json:"error,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// CancelResponse is returned by POST /api/requests/:id/cancel.
type CancelResponse struct {
	ID       string        `json:"id"`
	Status   RequestStatus `json:"status"`
	Dequeued bool          `json:"dequeued"` // true when removed before admission
}
