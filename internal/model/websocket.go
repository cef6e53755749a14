package model

// WebSocket event types
const (
	WSEventInit           = "init"
	WSEventStatus         = "status"
	WSEventImageCompleted = "image:completed"
	WSEventModelProgress  = "model:progress"
	WSEventModelCompleted = "model:completed"
	WSEventError          = "error"
	WSEventPing           = "ping"
	WSEventPong           = "pong"
)

// WSMessage is a generic WebSocket frame; Type discriminates.
type WSMessage struct {
	Type string `json:"type"`
}

// WSEvent is the envelope for all server-pushed events.
type WSEvent struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	Payload   interface{} `json:"payload,omitempty"`
}

// WSStatusPayload carries a committed state transition.
type WSStatusPayload struct {
	Status RequestStatus `json:"status"`
	Error  *string       `json:"error,omitempty"`
}

// WSImageCompletedPayload announces one finished image artifact.
type WSImageCompletedPayload struct {
	Ordinal   int    `json:"ordinal"`
	OutputURL string `json:"outputUrl"`
}

// WSModelProgressPayload is a coarse progress estimate while the 3D job runs.
type WSModelProgressPayload struct {
	Progress int `json:"progress"`
}

// WSModelCompletedPayload announces the finished model artifact.
type WSModelCompletedPayload struct {
	OutputURL string `json:"outputUrl"`
}

// WSErrorPayload carries a terminal failure.
type WSErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
