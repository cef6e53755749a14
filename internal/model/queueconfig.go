package model

import "time"

// QueueRuntimeConfig is the operator-tunable row for one stage pool.
// Workers read it through the config cache before every admission decision,
// so edits take effect without a restart.
type QueueRuntimeConfig struct {
	Stage          Stage         `json:"stage"`
	MaxConcurrency int           `json:"maxConcurrency"`
	JobTimeout     time.Duration `json:"jobTimeout"`
	MaxRetries     int           `json:"maxRetries"`
	RetryBaseDelay time.Duration `json:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `json:"retryMaxDelay"`
	Paused         bool          `json:"paused"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// QueueConfigPatch is the admin update shape. Durations are seconds on the
// wire to keep the admin API JSON-friendly.
type QueueConfigPatch struct {
	MaxConcurrency  *int  `json:"maxConcurrency" validate:"omitempty,min=1,max=64"`
	JobTimeoutSec   *int  `json:"jobTimeoutSec" validate:"omitempty,min=1"`
	MaxRetries      *int  `json:"maxRetries" validate:"omitempty,min=0,max=10"`
	RetryBaseDelayS *int  `json:"retryBaseDelaySec" validate:"omitempty,min=1"`
	RetryMaxDelayS  *int  `json:"retryMaxDelaySec" validate:"omitempty,min=1"`
	Paused          *bool `json:"paused"`
}

// Apply mutates c in place.
func (p *QueueConfigPatch) Apply(c *QueueRuntimeConfig) {
	if p.MaxConcurrency != nil {
		c.MaxConcurrency = *p.MaxConcurrency
	}
	if p.JobTimeoutSec != nil {
		c.JobTimeout = time.Duration(*p.JobTimeoutSec) * time.Second
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.RetryBaseDelayS != nil {
		c.RetryBaseDelay = time.Duration(*p.RetryBaseDelayS) * time.Second
	}
	if p.RetryMaxDelayS != nil {
		c.RetryMaxDelay = time.Duration(*p.RetryMaxDelayS) * time.Second
	}
	if p.Paused != nil {
		c.Paused = *p.Paused
	}
}

// QueueStatusResponse is the admin view of one pool plus its runtime config.
type QueueStatusResponse struct {
	Stage             Stage     `json:"stage"`
	Pending           int       `json:"pending"`
	Running           int       `json:"running"`
	MaxConcurrency    int       `json:"maxConcurrency"`
	Paused            bool      `json:"paused"`
	JobTimeoutSec     int       `json:"jobTimeoutSec"`
	MaxRetries        int       `json:"maxRetries"`
	RetryBaseDelaySec int       `json:"retryBaseDelaySec"`
	RetryMaxDelaySec  int       `json:"retryMaxDelaySec"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
