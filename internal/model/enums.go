package model

// Pipeline stages
type Stage string

const (
	StageImage Stage = "image"
	StageModel Stage = "model"
)

var ValidStages = []Stage{StageImage, StageModel}

// Request status
type RequestStatus string

const (
	RequestStatusPending          RequestStatus = "pending"
	RequestStatusGeneratingImages RequestStatus = "generating_images"
	RequestStatusImagesReady      RequestStatus = "images_ready"
	RequestStatusGeneratingModel  RequestStatus = "generating_model"
	RequestStatusCompleted        RequestStatus = "completed"
	RequestStatusFailed           RequestStatus = "failed"
	RequestStatusCancelled        RequestStatus = "cancelled"
)

// requestTransitions encodes the legal request lifecycle. Retry paths
// (failed → generating) and model regeneration (completed →
// generating_model) are included; anything else is rejected at the store.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestStatusPending:          {RequestStatusGeneratingImages, RequestStatusFailed, RequestStatusCancelled},
	RequestStatusGeneratingImages: {RequestStatusImagesReady, RequestStatusFailed, RequestStatusCancelled},
	RequestStatusImagesReady:      {RequestStatusGeneratingModel, RequestStatusFailed},
	RequestStatusGeneratingModel:  {RequestStatusCompleted, RequestStatusFailed},
	RequestStatusCompleted:        {RequestStatusGeneratingModel},
	RequestStatusFailed:           {RequestStatusGeneratingImages, RequestStatusGeneratingModel},
	RequestStatusCancelled:        {},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a resting state. Failed and completed
// requests can still be revived by explicit retry/regenerate operations.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled:
		return true
	}
	return false
}

// IsCancellable reports whether the request may still be cancelled.
// Once model generation has started the external job runs to completion.
func (s RequestStatus) IsCancellable() bool {
	return s == RequestStatusPending || s == RequestStatusGeneratingImages
}

// Artifact status
type ArtifactStatus string

const (
	ArtifactStatusPending    ArtifactStatus = "pending"
	ArtifactStatusGenerating ArtifactStatus = "generating"
	ArtifactStatusCompleted  ArtifactStatus = "completed"
	ArtifactStatusFailed     ArtifactStatus = "failed"
)

// Artifact kinds
type ArtifactKind string

const (
	ArtifactKindImage ArtifactKind = "image"
	ArtifactKindModel ArtifactKind = "model"
)
