package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"tandachain/core/events"
	"tandachain/core/types"
	"tandachain/native/tanda"
	"tandachain/observability"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
)

type subscriber struct {
	ch     chan *types.Event
	filter map[string]struct{}

	// held keeps withdrawal requests that overflowed ch; they are never
	// dropped.
	heldMu sync.Mutex
	held   []*types.Event
	ready  chan struct{}
}

func (s *subscriber) hold(evt *types.Event) {
	s.heldMu.Lock()
	s.held = append(s.held, evt)
	s.heldMu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *subscriber) takeHeld() []*types.Event {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	out := s.held
	s.held = nil
	return out
}

func (s *subscriber) wants(eventType string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[eventType]
	return ok
}

// Hub fans committed events out to websocket subscribers. Emit never
// blocks: a subscriber whose buffer is full misses the event, except for
// withdrawal requests, which are held until the subscriber catches up.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), logger: logger}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	wire := payload.Event()
	if wire == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(wire.Type) {
			continue
		}
		select {
		case sub.ch <- wire:
		default:
			if wire.Type == tanda.EventTypeWithdrawalRequested {
				sub.hold(wire)
				h.logger.Warn("event subscriber lagging, holding withdrawal request")
				continue
			}
			observability.Events().RecordDrop()
			h.logger.Warn("event subscriber lagging", slog.String("type", wire.Type))
		}
	}
}

func (h *Hub) subscribe(filter []string) (*subscriber, func()) {
	sub := &subscriber{
		ch:    make(chan *types.Event, subscriberBuffer),
		ready: make(chan struct{}, 1),
	}
	if len(filter) > 0 {
		sub.filter = make(map[string]struct{}, len(filter))
		for _, t := range filter {
			sub.filter[t] = struct{}{}
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	observability.Events().SetSubscribers(n)
	return sub, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		n := len(h.subs)
		h.mu.Unlock()
		observability.Events().SetSubscribers(n)
	}
}

// Subscribers reports the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// The optional type query parameter narrows the stream to a comma separated
// list of event types.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var filter []string
	for _, raw := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t := strings.TrimSpace(raw); t != "" {
			filter = append(filter, t)
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub, cancel := h.subscribe(filter)
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	if err := stream(ctx, conn, sub); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func stream(ctx context.Context, conn *websocket.Conn, sub *subscriber) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-sub.ch:
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		case <-sub.ready:
			for _, evt := range sub.takeHeld() {
				if err := writeEvent(ctx, conn, evt); err != nil {
					return err
				}
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
