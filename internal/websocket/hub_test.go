package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptmesh/api/internal/model"
)

func newRunningHub() *Hub {
	h := NewHub(nil)
	go h.Run()
	return h
}

func subscribe(h *Hub, requestID string, buffer int) *Client {
	c := &Client{RequestID: requestID, Send: make(chan []byte, buffer), done: make(chan struct{})}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) model.WSEvent {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev model.WSEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return model.WSEvent{}
	}
}

func waitClosed(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed")
	}
}

func TestHubFansOutToRequestSubscribers(t *testing.T) {
	h := newRunningHub()
	a := subscribe(h, "req-1", 8)
	b := subscribe(h, "req-1", 8)
	other := subscribe(h, "req-2", 8)

	h.PublishStatus("req-1", model.RequestStatusGeneratingImages, nil)

	for _, c := range []*Client{a, b} {
		ev := receive(t, c)
		assert.Equal(t, model.WSEventStatus, ev.Type)
		assert.Equal(t, "req-1", ev.RequestID)
	}

	select {
	case <-other.Send:
		t.Fatal("subscriber of another request received the event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubPreservesPublishOrder(t *testing.T) {
	h := newRunningHub()
	c := subscribe(h, "req-1", 16)

	h.PublishImageCompleted("req-1", 0, "https://cdn.example.com/0.png")
	h.PublishImageCompleted("req-1", 1, "https://cdn.example.com/1.png")
	h.PublishStatus("req-1", model.RequestStatusImagesReady, nil)

	assert.Equal(t, model.WSEventImageCompleted, receive(t, c).Type)
	assert.Equal(t, model.WSEventImageCompleted, receive(t, c).Type)
	assert.Equal(t, model.WSEventStatus, receive(t, c).Type)
}

func TestHubTerminalEventClosesStream(t *testing.T) {
	h := newRunningHub()
	c := subscribe(h, "req-1", 8)

	h.PublishModelCompleted("req-1", "https://cdn.example.com/out.glb")

	ev := receive(t, c)
	assert.Equal(t, model.WSEventModelCompleted, ev.Type)
	waitClosed(t, c)
}

func TestHubPongReplyAfterStreamClosed(t *testing.T) {
	h := newRunningHub()
	c := subscribe(h, "req-1", 8)

	h.PublishModelCompleted("req-1", "https://cdn.example.com/out.glb")
	receive(t, c)
	waitClosed(t, c)

	// A ping read just before the close races the terminal drop; the reply
	// must not blow up even though the stream already ended.
	data, err := json.Marshal(model.WSMessage{Type: model.WSEventPong})
	require.NoError(t, err)
	select {
	case c.Send <- data:
	case <-c.done:
	}
}

func TestHubPrunesSlowSubscriber(t *testing.T) {
	h := newRunningHub()
	slow := subscribe(h, "req-1", 1)
	healthy := subscribe(h, "req-1", 8)

	// The second publish overflows the slow sink's buffer and drops it;
	// the healthy sibling keeps receiving.
	h.PublishModelProgress("req-1", 10)
	h.PublishModelProgress("req-1", 20)
	h.PublishModelProgress("req-1", 30)

	for i := 0; i < 3; i++ {
		ev := receive(t, healthy)
		assert.Equal(t, model.WSEventModelProgress, ev.Type)
	}

	waitClosed(t, slow)
}

func TestHubUnregisterIsIdempotentWithTerminal(t *testing.T) {
	h := newRunningHub()
	c := subscribe(h, "req-1", 8)

	h.PublishError("req-1", "GENERATION_FAILED", "provider exploded")
	receive(t, c)
	waitClosed(t, c)

	// The connection handler unregisters after the stream closed; the hub
	// must not panic on the second drop.
	h.unregister <- c

	done := make(chan struct{})
	go func() {
		h.PublishStatus("req-2", model.RequestStatusPending, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub loop stalled after duplicate drop")
	}
}

func TestHubSnapshotRaceDoesNotLoseEvents(t *testing.T) {
	var h *Hub
	h = NewHub(func(ctx context.Context, requestID string) (interface{}, error) {
		// A transition commits while the snapshot is being read.
		h.PublishModelCompleted(requestID, "https://cdn.example.com/out.glb")
		return map[string]string{"status": "generating_model"}, nil
	})
	go h.Run()

	c := subscribe(h, "req-1", 8)

	first := receive(t, c)
	assert.Equal(t, model.WSEventInit, first.Type)
	second := receive(t, c)
	assert.Equal(t, model.WSEventModelCompleted, second.Type)
}
