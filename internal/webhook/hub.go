package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	blogsync "github.com/tonimelisma/blogsync/internal/sync"
)

const (
	writeTimeout   = 20 * time.Second
	subscriberBuf  = 64
	closeStatusMsg = "server shutting down"
)

// Hub fans session status messages out to websocket subscribers, keyed by
// blog ID. Publish never blocks: a subscriber that falls behind loses
// messages rather than stalling the session that produced them.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	blogID string
	msgs   chan blogsync.Message
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Publish implements sync.StatusPublisher.
func (h *Hub) Publish(msg blogsync.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[msg.BlogID] {
		select {
		case s.msgs <- msg:
		default:
			h.logger.Debug("status subscriber lagging, dropping message",
				slog.String("blog_id", msg.BlogID),
				slog.String("kind", string(msg.Kind)),
			)
		}
	}
}

// Subscribers returns the number of live subscribers for a blog.
func (h *Hub) Subscribers(blogID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[blogID])
}

func (h *Hub) subscribe(blogID string) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}

	s := &subscriber{
		blogID: blogID,
		msgs:   make(chan blogsync.Message, subscriberBuf),
		done:   make(chan struct{}),
	}

	if h.subs[blogID] == nil {
		h.subs[blogID] = make(map[*subscriber]struct{})
	}

	h.subs[blogID][s] = struct{}{}

	h.logger.Debug("status subscriber registered",
		slog.String("blog_id", blogID),
		slog.Int("active", len(h.subs[blogID])),
	)

	return s, true
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs[s.blogID], s)
	if len(h.subs[s.blogID]) == 0 {
		delete(h.subs, s.blogID)
	}

	s.close()
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for _, set := range h.subs {
		for s := range set {
			s.close()
		}
	}

	h.subs = make(map[string]map[*subscriber]struct{})
}

// serve streams messages to conn until the peer goes away, ctx ends, or
// the hub closes.
func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, blogID string) error {
	s, ok := h.subscribe(blogID)
	if !ok {
		return conn.Close(websocket.StatusGoingAway, closeStatusMsg)
	}
	defer h.unsubscribe(s)

	// Subscribers only listen; CloseRead discards anything they send and
	// cancels ctx when they disconnect.
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			conn.CloseNow()
			return nil

		case <-s.done:
			return conn.Close(websocket.StatusGoingAway, closeStatusMsg)

		case msg := <-s.msgs:
			if err := writeMessage(ctx, conn, msg); err != nil {
				h.logger.Debug("status write failed",
					slog.String("blog_id", blogID),
					slog.String("error", err.Error()),
				)
				conn.CloseNow()

				return err
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg blogsync.Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, msg)
}
