package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/promptmesh/api/internal/model"
)

const (
	sendBuffer        = 256
	heartbeatInterval = 30 * time.Second
)

// SnapshotFunc fetches the current request view sent as the init event, so
// a client that subscribes mid-flight starts from truth instead of a gap.
type SnapshotFunc func(ctx context.Context, requestID string) (interface{}, error)

// Client is one live subscriber to a request's transitions. The hub never
// closes Send; stream end is signalled through done so the connection's own
// goroutines can keep using Send safely until they observe it.
type Client struct {
	RequestID string
	Conn      *websocket.Conn
	Send      chan []byte
	done      chan struct{}
}

// Hub fans committed state transitions out to subscribers, keyed by request
// id. Delivery is at-most-once and best-effort: a sink that cannot keep up
// is closed and pruned without affecting its siblings or the publisher.
type Hub struct {
	snapshot SnapshotFunc

	register   chan *Client
	unregister chan *Client
	broadcast  chan *outbound

	mu      sync.RWMutex
	clients map[string]map[*Client]bool
}

type outbound struct {
	requestID string
	message   []byte
	terminal  bool // close the stream after delivery
}

func NewHub(snapshot SnapshotFunc) *Hub {
	return &Hub{
		snapshot:   snapshot,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *outbound, sendBuffer),
		clients:    make(map[string]map[*Client]bool),
	}
}

// Run is the hub's single fan-out loop; per-request event order follows
// publish order because all delivery funnels through here.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.RequestID] == nil {
				h.clients[client.RequestID] = make(map[*Client]bool)
			}
			h.clients[client.RequestID][client] = true
			h.mu.Unlock()
			h.sendInit(client)
			log.Printf("Subscriber added for request %s", client.RequestID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
			log.Printf("Subscriber removed for request %s", client.RequestID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.requestID] {
				select {
				case client.Send <- msg.message:
				default:
					h.drop(client)
				}
			}
			if msg.terminal {
				for client := range h.clients[msg.requestID] {
					h.drop(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop must be called with h.mu held.
func (h *Hub) drop(client *Client) {
	clients, ok := h.clients[client.RequestID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.done)
	if len(clients) == 0 {
		delete(h.clients, client.RequestID)
	}
}

// sendInit queues the snapshot as the subscriber's first event. It runs on
// the fan-out loop, after registration and before any later broadcast is
// processed, so a transition committed while the snapshot is read queues
// behind the init event instead of falling into a gap.
func (h *Hub) sendInit(client *Client) {
	if h.snapshot == nil {
		return
	}
	snap, err := h.snapshot(context.Background(), client.RequestID)
	if err != nil {
		log.Printf("Snapshot for request %s failed: %v", client.RequestID, err)
		h.mu.Lock()
		h.drop(client)
		h.mu.Unlock()
		return
	}
	data, err := json.Marshal(model.WSEvent{Type: model.WSEventInit, RequestID: client.RequestID, Payload: snap})
	if err != nil {
		log.Printf("Failed to marshal init event: %v", err)
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// Publish fans an event out to every live subscriber of the request.
func (h *Hub) Publish(requestID, eventType string, payload interface{}) {
	h.enqueue(requestID, eventType, payload, false)
}

// PublishTerminal delivers a final event and closes the request's stream.
func (h *Hub) PublishTerminal(requestID, eventType string, payload interface{}) {
	h.enqueue(requestID, eventType, payload, true)
}

func (h *Hub) enqueue(requestID, eventType string, payload interface{}, terminal bool) {
	data, err := json.Marshal(model.WSEvent{
		Type:      eventType,
		RequestID: requestID,
		Payload:   payload,
	})
	if err != nil {
		log.Printf("Failed to marshal %s event: %v", eventType, err)
		return
	}
	h.broadcast <- &outbound{requestID: requestID, message: data, terminal: terminal}
}

// PublishStatus announces a committed request transition.
func (h *Hub) PublishStatus(requestID string, status model.RequestStatus, errMsg *string) {
	h.Publish(requestID, model.WSEventStatus, model.WSStatusPayload{Status: status, Error: errMsg})
}

// PublishImageCompleted announces one finished image artifact.
func (h *Hub) PublishImageCompleted(requestID string, ordinal int, url string) {
	h.Publish(requestID, model.WSEventImageCompleted, model.WSImageCompletedPayload{Ordinal: ordinal, OutputURL: url})
}

// PublishModelProgress pushes a coarse progress estimate without touching
// the authoritative artifact status.
func (h *Hub) PublishModelProgress(requestID string, progress int) {
	h.Publish(requestID, model.WSEventModelProgress, model.WSModelProgressPayload{Progress: progress})
}

// PublishModelCompleted announces the finished model and ends the stream.
func (h *Hub) PublishModelCompleted(requestID, url string) {
	h.PublishTerminal(requestID, model.WSEventModelCompleted, model.WSModelCompletedPayload{OutputURL: url})
}

// PublishCancelled announces cancellation and ends the stream.
func (h *Hub) PublishCancelled(requestID string) {
	h.PublishTerminal(requestID, model.WSEventStatus, model.WSStatusPayload{Status: model.RequestStatusCancelled})
}

// PublishError announces a terminal failure and ends the stream.
func (h *Hub) PublishError(requestID, code, message string) {
	h.PublishTerminal(requestID, model.WSEventError, model.WSErrorPayload{Code: code, Message: message})
}

// HandleConnection runs one subscriber's session: registration with init
// snapshot, writer with ping keep-alive, reader until disconnect.
func (h *Hub) HandleConnection(c *websocket.Conn, requestID string) {
	client := &Client{
		RequestID: requestID,
		Conn:      c,
		Send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}

	h.register <- client
	defer func() { h.unregister <- client }()

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-client.done:
				// Flush whatever the hub queued before the stream ended,
				// then say goodbye.
				for {
					select {
					case message := <-client.Send:
						if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
							return
						}
					default:
						c.WriteMessage(websocket.CloseMessage, []byte{})
						return
					}
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSEventPing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSEventPong})
			select {
			case client.Send <- data:
			case <-client.done:
			}
		}
	}
}
