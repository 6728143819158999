package stream

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/wqdsca/police-thief-core/internal/v1/apperr"
	"github.com/wqdsca/police-thief-core/internal/v1/auth"
	"github.com/wqdsca/police-thief-core/internal/v1/config"
	"github.com/wqdsca/police-thief-core/internal/v1/eventbus"
	"github.com/wqdsca/police-thief-core/internal/v1/logging"
	"github.com/wqdsca/police-thief-core/internal/v1/metrics"
	"github.com/wqdsca/police-thief-core/internal/v1/protocol"
	"github.com/wqdsca/police-thief-core/internal/v1/ratelimit"
	"github.com/wqdsca/police-thief-core/internal/v1/registry"
	"go.uber.org/zap"
)

// busSubscriberID names the hub's per-room event bus subscription.
const busSubscriberID = "stream-hub"

// handlerFunc processes one decoded inbound frame for a session.
type handlerFunc func(s *Session, f protocol.Frame)

// roomFanout is the subscription set for one room: the connections whose
// outbound queues receive the room's events. Broadcast iterates a snapshot so
// delivery never blocks joins and leaves.
type roomFanout struct {
	mu   sync.Mutex
	subs map[*Session]struct{}
}

func (rf *roomFanout) snapshot() []*Session {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	out := make([]*Session, 0, len(rf.subs))
	for s := range rf.subs {
		out = append(out, s)
	}
	return out
}

// Hub is the central coordinator for framed-stream sessions: it terminates
// handshaken connections, routes inbound frames through the dispatch table,
// and fans room events out to subscribers.
type Hub struct {
	cfg      *config.Config
	verifier auth.Verifier
	limiter  *ratelimit.RateLimiter
	registry *registry.Registry
	bus      *eventbus.Bus

	mu       sync.Mutex
	sessions map[string]*Session // by user id: one connection per identity
	rooms    map[int64]*roomFanout
	closing  bool

	handlers map[string]handlerFunc

	// echoToOriginator controls whether broadcast events are delivered back
	// to the connection that caused them.
	echoToOriginator bool

	sessionWG sync.WaitGroup
}

// NewHub wires the hub against its collaborators. limiter may be nil in
// tests to disable admission checks.
func NewHub(cfg *config.Config, verifier auth.Verifier, limiter *ratelimit.RateLimiter, reg *registry.Registry, bus *eventbus.Bus) *Hub {
	h := &Hub{
		cfg:      cfg,
		verifier: verifier,
		limiter:  limiter,
		registry: reg,
		bus:      bus,
		sessions: make(map[string]*Session),
		rooms:    make(map[int64]*roomFanout),
	}
	h.handlers = h.buildHandlerTable()
	return h
}

// HandleConn runs the full session lifecycle for one accepted connection.
// It blocks until the session is closed.
func (h *Hub) HandleConn(conn net.Conn) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.sessionWG.Add(1)
	h.mu.Unlock()
	defer h.sessionWG.Done()

	s := newSession(h, conn)
	s.run()
}

// register records the session under its identity. A second login for the
// same identity supersedes the first: the existing session transitions to
// Closing with SupersededByNewerLogin before the new one is admitted.
func (h *Hub) register(s *Session) {
	h.mu.Lock()
	old := h.sessions[s.identity.UserID]
	h.sessions[s.identity.UserID] = s
	h.mu.Unlock()

	if old != nil && old != s {
		logging.Info(context.Background(), "superseding older login",
			zap.String("user_id", s.identity.UserID))
		old.sendControl(protocol.TypeError, protocol.ErrorPayload{Code: ReasonSuperseded})
		old.closeWithReason(ReasonSuperseded)
	}
}

// unregister removes the session unless a newer login already replaced it.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.identity.UserID] == s {
		delete(h.sessions, s.identity.UserID)
	}
}

// SessionFor returns the active session for a user id, or nil.
func (h *Hub) SessionFor(userID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[userID]
}

// subscribe attaches the session's outbound queue to the room's fan-out set,
// creating the set and its bus subscription on first use.
func (h *Hub) subscribe(roomID int64, s *Session) {
	h.mu.Lock()
	rf, ok := h.rooms[roomID]
	if !ok {
		rf = &roomFanout{subs: make(map[*Session]struct{})}
		h.rooms[roomID] = rf
		h.bus.Subscribe(roomID, busSubscriberID, func(ev eventbus.Event) {
			h.fanout(rf, ev)
		})
	}
	h.mu.Unlock()

	rf.mu.Lock()
	rf.subs[s] = struct{}{}
	rf.mu.Unlock()
}

// unsubscribe detaches the session; the last unsubscribe drops the room's
// fan-out set and bus subscription.
func (h *Hub) unsubscribe(roomID int64, s *Session) {
	h.mu.Lock()
	rf, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return
	}

	rf.mu.Lock()
	delete(rf.subs, s)
	empty := len(rf.subs) == 0
	rf.mu.Unlock()

	if empty {
		h.mu.Lock()
		if cur, ok := h.rooms[roomID]; ok && cur == rf {
			delete(h.rooms, roomID)
			h.bus.Unsubscribe(roomID, busSubscriberID)
		}
		h.mu.Unlock()
	}
}

// fanout delivers one event to every subscriber of its room. The frame is
// marshaled once; queue overflow follows each subscriber's class policy and
// never blocks the publisher. Events that end a subscriber's membership
// (kick, leave via RPC, room close) also detach that subscriber locally so
// the stream converges with RPC-originated mutations.
func (h *Hub) fanout(rf *roomFanout, ev eventbus.Event) {
	frameType := ev.Type.FrameType()
	f := protocol.NewFrame(frameType, ev.Payload)
	f.Seq = ev.Seq
	data, err := protocol.Marshal(f)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal event frame",
			zap.String("type", frameType), zap.Error(err))
		return
	}

	class := classControl
	var sender string
	switch ev.Type {
	case eventbus.EventChat:
		class = classChat
	case eventbus.EventMemberMoved:
		class = classMove
		sender = ev.ActorID
	}

	for _, sub := range rf.snapshot() {
		if ev.ExcludeActor && sub.identity.UserID == ev.ActorID {
			continue
		}

		err := sub.q.push(outItem{class: class, sender: sender, data: data})
		switch err {
		case nil:
		case errQueueFull:
			metrics.BroadcastDrops.WithLabelValues(frameType, "control").Inc()
			sub.closeWithReason(ReasonSlowConsumer)
		case errQueueClosed:
			// Subscriber is Closing: drop without propagating.
		}

		h.applyMembershipEvent(sub, ev)
	}
}

// applyMembershipEvent transitions a local session out of InRoom when an
// event (possibly RPC-originated) removed it from the room.
func (h *Hub) applyMembershipEvent(sub *Session, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.EventUserLeft, eventbus.EventUserKicked:
		if p, ok := ev.Payload.(eventbus.UserPayload); ok && p.UserID == sub.identity.UserID {
			if sub.roomID.CompareAndSwap(ev.RoomID, 0) {
				sub.state.CompareAndSwap(int32(StateInRoom), int32(StateAuthenticated))
				go h.unsubscribe(ev.RoomID, sub)
			}
		}
	case eventbus.EventRoomClosed:
		if sub.roomID.CompareAndSwap(ev.RoomID, 0) {
			sub.state.CompareAndSwap(int32(StateInRoom), int32(StateAuthenticated))
			go h.unsubscribe(ev.RoomID, sub)
		}
	}
}

// dispatch routes one inbound frame through the static handler table.
func (h *Hub) dispatch(s *Session, f protocol.Frame) {
	start := time.Now()

	handler, ok := h.handlers[f.Type]
	if !ok {
		// IsInbound admitted it, so the table must know it.
		s.sendControl(protocol.TypeError, protocol.ErrorPayload{Code: "unknown_type", Detail: f.Type})
		s.closeWithReason("unknown_type")
		return
	}

	handler(s, f)

	metrics.MessageProcessingDuration.WithLabelValues(f.Type).Observe(time.Since(start).Seconds())
	metrics.DispatchedEvents.WithLabelValues(f.Type, "ok").Inc()
}

// Shutdown stops accepting sessions, notifies every connection, and waits
// for them to drain subject to ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	logging.Info(ctx, "shutting down stream hub", zap.Int("sessions", len(sessions)))
	for _, s := range sessions {
		s.closeWithReason(ReasonServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.sessionWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// unmarshalPayload decodes a frame payload into its concrete type, mapping
// failures to the protocol error kind.
func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return protocol.ErrMalformedPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.KindProtocol, "malformed_payload", "bad payload", err)
	}
	return nil
}
