package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"proctor-engine/internal/domain"
	"github.com/gorilla/websocket"
)

// TestRepository validates that joined test ids exist.
type TestRepository interface {
	GetTest(ctx context.Context, testID string) (domain.Test, error)
}

// RelayHandler is the push hub for teacher-paced tests. Teachers drive
// question position and termination; students receive sync-question and
// end-test; teachers are notified of student joins and submissions.
type RelayHandler struct {
	tests    TestRepository
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[*relayClient]struct{}
}

func NewRelayHandler(tests TestRepository) *RelayHandler {
	return &RelayHandler{
		tests: tests,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[*relayClient]struct{}),
	}
}

type relayClient struct {
	role   string
	userID string
	testID string

	mu     sync.Mutex
	send   chan outboundMessage
	closed bool
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outboundMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type joinPayload struct {
	TestID string `json:"testId"`
}

type questionChangePayload struct {
	Index int `json:"index"`
}

type studentEventPayload struct {
	StudentID string `json:"studentId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades HTTP requests to websockets and wires them into the relay.
func (h *RelayHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	userID := r.URL.Query().Get("userId")
	if (role != "teacher" && role != "student") || userID == "" {
		http.Error(w, "missing or invalid role/userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	client := &relayClient{
		role:   role,
		userID: userID,
		send:   make(chan outboundMessage, 16),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range client.send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("relay write error: %v", err)
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		h.handleMessage(r.Context(), client, inbound)
	}

	h.unregister(client)
	client.closeSend()
	<-writerDone
}

func (h *RelayHandler) handleMessage(ctx context.Context, client *relayClient, inbound inboundMessage) {
	switch inbound.Type {
	case "join-test":
		var payload joinPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.TestID == "" {
			client.trySend(outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid join payload"}})
			return
		}
		if _, err := h.tests.GetTest(ctx, payload.TestID); err != nil {
			client.trySend(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
			return
		}
		h.register(client, payload.TestID)
		if client.role == "student" {
			h.broadcast(payload.TestID, "teacher", outboundMessage{
				Type:    "student-joined",
				Payload: studentEventPayload{StudentID: client.userID},
			})
		}

	case "question-change":
		if client.role != "teacher" || client.testID == "" {
			client.trySend(outboundMessage{Type: "error", Payload: errorPayload{Message: "not allowed"}})
			return
		}
		var payload questionChangePayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			client.trySend(outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid question payload"}})
			return
		}
		h.broadcast(client.testID, "student", outboundMessage{Type: "sync-question", Payload: payload})

	case "end-test":
		if client.role != "teacher" || client.testID == "" {
			client.trySend(outboundMessage{Type: "error", Payload: errorPayload{Message: "not allowed"}})
			return
		}
		h.broadcast(client.testID, "student", outboundMessage{Type: "end-test"})

	case "student-submitted":
		if client.role != "student" || client.testID == "" {
			return
		}
		h.broadcast(client.testID, "teacher", outboundMessage{
			Type:    "student-submitted",
			Payload: studentEventPayload{StudentID: client.userID},
		})

	default:
		client.trySend(outboundMessage{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
	}
}

func (h *RelayHandler) register(client *relayClient, testID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.testID == testID {
		return
	}
	h.removeLocked(client)
	client.testID = testID
	room, ok := h.rooms[testID]
	if !ok {
		room = make(map[*relayClient]struct{})
		h.rooms[testID] = room
	}
	room[client] = struct{}{}
}

func (h *RelayHandler) unregister(client *relayClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *RelayHandler) removeLocked(client *relayClient) {
	if client.testID == "" {
		return
	}
	if room, ok := h.rooms[client.testID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, client.testID)
		}
	}
	client.testID = ""
}

// broadcast fans out to every room member with the given role. Slow receivers
// are skipped rather than allowed to block the relay.
func (h *RelayHandler) broadcast(testID, role string, msg outboundMessage) {
	h.mu.Lock()
	members := make([]*relayClient, 0, len(h.rooms[testID]))
	for member := range h.rooms[testID] {
		if member.role == role {
			members = append(members, member)
		}
	}
	h.mu.Unlock()

	for _, member := range members {
		member.trySend(msg)
	}
}

// trySend and closeSend share c.mu so a broadcast that snapshotted this
// client before it disconnected can never send on a closed channel.
func (c *relayClient) trySend(msg outboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *relayClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
