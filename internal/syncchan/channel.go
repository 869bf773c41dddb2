package syncchan

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handlers receive the teacher-paced events a student session reacts to.
// Both fields are optional.
type Handlers struct {
	// OnSyncQuestion sets the current question index.
	OnSyncQuestion func(index int)
	// OnEndTest ends the attempt (forced submission with autoSubmitted=true).
	OnEndTest func()
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	TestID string `json:"testId"`
}

type syncQuestionPayload struct {
	Index int `json:"index"`
}

// Channel is the student side of the live sync transport for teacher-paced
// tests. It dials the relay, emits join-test on every (re)connect, and
// dispatches sync-question/end-test to the registered handlers. Reconnection
// with backoff is this channel's job; the session manager only consumes the
// named events.
type Channel struct {
	url      string
	testID   string
	handlers Handlers
	dialer   *websocket.Dialer
	backoff  time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithBackoff overrides the initial reconnect delay.
func WithBackoff(d time.Duration) Option {
	return func(c *Channel) { c.backoff = d }
}

func NewChannel(url, testID string, handlers Handlers, opts ...Option) *Channel {
	c := &Channel{
		url:      url,
		testID:   testID,
		handlers: handlers,
		dialer:   websocket.DefaultDialer,
		backoff:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run connects and consumes events until ctx is cancelled or Close is called.
// Dropped connections are re-dialed with doubling backoff (capped at 30s),
// re-emitting join-test after each successful dial.
func (c *Channel) Run(ctx context.Context) error {
	delay := c.backoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.isClosed() {
			return nil
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Printf("sync channel dial: %v", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if delay *= 2; delay > 30*time.Second {
				delay = 30 * time.Second
			}
			continue
		}
		delay = c.backoff

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		c.conn = conn
		c.mu.Unlock()

		if err := c.join(conn); err != nil {
			log.Printf("sync channel join: %v", err)
			_ = conn.Close()
			continue
		}

		c.readLoop(ctx, conn)
		_ = conn.Close()
	}
}

// Close tears the channel down; a running Run returns after the current read.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) join(conn *websocket.Conn) error {
	payload, err := json.Marshal(joinPayload{TestID: c.testID})
	if err != nil {
		return err
	}
	return conn.WriteJSON(envelope{Type: "join-test", Payload: payload})
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg envelope
		if err := conn.ReadJSON(&msg); err != nil {
			if !c.isClosed() && ctx.Err() == nil {
				log.Printf("sync channel read: %v", err)
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg envelope) {
	// A panic in one handler must not kill the read loop.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("sync handler panic: %v", r)
		}
	}()

	switch msg.Type {
	case "sync-question":
		var payload syncQuestionPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.Printf("sync-question payload: %v", err)
			return
		}
		if c.handlers.OnSyncQuestion != nil {
			c.handlers.OnSyncQuestion(payload.Index)
		}
	case "end-test":
		if c.handlers.OnEndTest != nil {
			c.handlers.OnEndTest()
		}
	}
}
