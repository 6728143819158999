// Package stream implements the framed-stream side of the core: the
// per-connection session lifecycle (reader, writer, supervisor), the
// dispatcher that routes inbound frames to handlers, and the room fan-out
// that delivers published events to subscribed connections.
package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/wqdsca/police-thief-core/internal/v1/apperr"
	"github.com/wqdsca/police-thief-core/internal/v1/auth"
	"github.com/wqdsca/police-thief-core/internal/v1/logging"
	"github.com/wqdsca/police-thief-core/internal/v1/metrics"
	"github.com/wqdsca/police-thief-core/internal/v1/protocol"
	"go.uber.org/zap"
)

// State is the connection lifecycle position.
type State int32

const (
	StateHandshaking State = iota
	StateAuthenticated
	StateInRoom
	StateClosing
	StateClosed
)

// Close reasons surfaced in the final error frame.
const (
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonSuperseded       = "superseded_by_newer_login"
	ReasonSlowConsumer     = "slow_consumer"
	ReasonAbusiveClient    = "abusive_client"
	ReasonServerShutdown   = "server_shutdown"
	ReasonClientDisconnect = "client_disconnect"
)

const (
	handshakeTimeout = 5 * time.Second
	writeWait        = 10 * time.Second
	// abusiveDenials consecutive rate-limit denials within abusiveWindow
	// escalate a throttled client to a closed connection.
	abusiveDenials = 3
	abusiveWindow  = 10 * time.Second
)

// Session owns one framed-stream connection: its transport handle, identity,
// bounded outbound queue, and the reader/writer pair a supervisor watches.
type Session struct {
	hub  *Hub
	conn net.Conn
	dec  *protocol.Decoder
	enc  *protocol.Encoder
	q    *outQueue

	identity auth.Identity
	state    atomic.Int32
	roomID   atomic.Int64

	done       chan struct{} // closed on the Closing transition
	writerDone chan struct{}
	closeFlag  atomic.Bool
	reason     atomic.Value // string

	denials      int
	denialWindow time.Time
}

func newSession(h *Hub, conn net.Conn) *Session {
	s := &Session{
		hub:        h,
		conn:       conn,
		dec:        protocol.NewDecoder(conn, h.cfg.MaxFrameSize),
		enc:        protocol.NewEncoder(conn, h.cfg.MaxFrameSize),
		q:          newOutQueue(h.cfg.OutboundQueueCapacity),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.state.Store(int32(StateHandshaking))
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// RoomID reports the room the session is in, 0 when not in a room.
func (s *Session) RoomID() int64 {
	return s.roomID.Load()
}

// Identity returns the authenticated principal. Only valid after handshake.
func (s *Session) Identity() auth.Identity {
	return s.identity
}

// run is the supervisor: it performs the handshake, starts the writer, runs
// the reader in place, and once either side terminates it signals the other,
// waits for the writer to drain, and releases registry resources.
func (s *Session) run() {
	metrics.IncConnection()
	defer metrics.DecConnection()

	if !s.handshake() {
		s.conn.Close()
		s.state.Store(int32(StateClosed))
		return
	}

	go s.writePump()
	s.readPump()

	s.closeWithReason(ReasonClientDisconnect)
	<-s.writerDone
	s.release()
	s.state.Store(int32(StateClosed))
}

// handshake enforces "first frame is hello within the handshake deadline"
// and authenticates the token. Failures write the error frame directly since
// the writer is not running yet.
func (s *Session) handshake() bool {
	s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	f, err := s.dec.Decode()
	if err != nil {
		if isTimeout(err) {
			s.writeDirect(protocol.ErrorFrame(ReasonHandshakeTimeout, "no hello before deadline"))
		} else if apperr.KindOf(err) == apperr.KindProtocol {
			s.writeDirect(protocol.ErrorFrame(apperr.CodeOf(err), ""))
		}
		return false
	}
	if f.Type != protocol.TypeHello {
		s.writeDirect(protocol.ErrorFrame("handshake_expected", "first frame must be hello"))
		return false
	}

	var hello protocol.HelloPayload
	if err := unmarshalPayload(f.Payload, &hello); err != nil {
		s.writeDirect(protocol.ErrorFrame("malformed_payload", "bad hello payload"))
		return false
	}

	identity, err := s.hub.verifier.Verify(hello.Token)
	if err != nil {
		logging.Warn(context.Background(), "handshake token rejected",
			zap.String("remote", s.conn.RemoteAddr().String()), zap.Error(err))
		s.writeDirect(protocol.ErrorFrame("unauthenticated", "token verification failed"))
		return false
	}

	s.identity = identity
	s.state.Store(int32(StateAuthenticated))
	s.hub.register(s)

	s.sendControl(protocol.TypeHelloOK, map[string]any{
		"user_id": identity.UserID,
		"name":    identity.Name,
	})

	logging.Info(context.Background(), "session authenticated",
		zap.String("user_id", identity.UserID),
		zap.String("remote", s.conn.RemoteAddr().String()))
	return true
}

// readPump decodes frames and hands them to the dispatcher. It pauses while
// the outbound queue sits above its high-water mark and stops on the Closing
// transition, idle timeout, or a fatal protocol error.
func (s *Session) readPump() {
	for {
		if s.closeFlag.Load() {
			return
		}

		s.q.waitBelowHighWater()

		s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.IdleTimeout))
		f, err := s.dec.Decode()
		if err != nil {
			switch {
			case isTimeout(err):
				s.closeWithReason(ReasonIdleTimeout)
			case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
				s.closeWithReason(ReasonClientDisconnect)
			case apperr.KindOf(err) == apperr.KindProtocol:
				s.sendControl(protocol.TypeError, protocol.ErrorPayload{Code: apperr.CodeOf(err)})
				s.closeWithReason(apperr.CodeOf(err))
			default:
				s.closeWithReason(ReasonClientDisconnect)
			}
			return
		}

		if !protocol.IsInbound(f.Type) {
			s.sendControl(protocol.TypeError, protocol.ErrorPayload{Code: "unknown_type", Detail: f.Type})
			s.closeWithReason("unknown_type")
			return
		}

		if !s.admitFrame() {
			continue
		}

		s.hub.dispatch(s, f)
	}
}

// admitFrame applies the per-identity rate limit. A denial discards the frame
// with a rate_limited notification; repeated consecutive denials within the
// abuse window close the connection.
func (s *Session) admitFrame() bool {
	if s.hub.limiter == nil {
		return true
	}

	ctx := context.Background()
	if err := s.hub.limiter.CheckStreamIdentity(ctx, s.identity.UserID); err == nil {
		s.denials = 0
		return true
	}

	now := time.Now()
	if s.denials == 0 || now.Sub(s.denialWindow) > abusiveWindow {
		s.denials = 0
		s.denialWindow = now
	}
	s.denials++

	if s.denials >= abusiveDenials {
		logging.Warn(ctx, "closing abusive client", zap.String("user_id", s.identity.UserID))
		s.sendControl(protocol.TypeError, protocol.ErrorPayload{Code: ReasonAbusiveClient})
		s.closeWithReason(ReasonAbusiveClient)
		return false
	}

	s.sendControl(protocol.TypeRateLimited, protocol.RateLimitedPayload{RetryAfter: 1})
	return false
}

// writePump drains the outbound queue, injecting a server heartbeat when
// nothing has been sent for the heartbeat interval. On the Closing
// transition it flushes the remaining queue subject to the drain deadline,
// writes the final reason frame, and closes the transport, which also
// unblocks a reader parked in Decode.
func (s *Session) writePump() {
	defer close(s.writerDone)
	defer s.conn.Close()

	heartbeat := time.NewTimer(s.hub.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		for {
			it, ok := s.q.pop()
			if !ok {
				break
			}
			if !s.writeItem(it.data) {
				return
			}
			resetTimer(heartbeat, s.hub.cfg.HeartbeatInterval)
		}

		select {
		case <-s.q.notify:
		case <-heartbeat.C:
			data, err := protocol.Marshal(protocol.NewFrame(protocol.TypeHeartbeat, protocol.HeartbeatPayload{TS: time.Now().UnixMilli()}))
			if err == nil && !s.writeItem(data) {
				return
			}
			resetTimer(heartbeat, s.hub.cfg.HeartbeatInterval)
		case <-s.done:
			s.drain()
			return
		}
	}
}

// drain flushes queued messages until the shutdown drain deadline, then
// emits the final reason frame.
func (s *Session) drain() {
	deadline := time.Now().Add(s.hub.cfg.ShutdownDrain)
	for time.Now().Before(deadline) {
		it, ok := s.q.pop()
		if !ok {
			break
		}
		s.conn.SetWriteDeadline(deadline)
		if err := s.enc.EncodeRaw(it.data); err != nil {
			return
		}
	}

	reason, _ := s.reason.Load().(string)
	switch reason {
	case "", ReasonClientDisconnect:
	case ReasonServerShutdown:
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.enc.Encode(protocol.NewFrame(protocol.TypeServerShutdown, struct{}{}))
	default:
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.enc.Encode(protocol.ErrorFrame(reason, ""))
	}
}

func (s *Session) writeItem(data []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.enc.EncodeRaw(data); err != nil {
		s.closeWithReason(ReasonClientDisconnect)
		return false
	}
	return true
}

// sendControl enqueues a control-class frame. Control messages are never
// dropped: overflow is fatal to the connection.
func (s *Session) sendControl(frameType string, payload any) {
	s.sendFrame(classControl, "", 0, frameType, payload)
}

// sendFrame marshals and enqueues a frame under the given class policy.
func (s *Session) sendFrame(class msgClass, sender string, seq uint64, frameType string, payload any) {
	f := protocol.NewFrame(frameType, payload)
	f.Seq = seq
	data, err := protocol.Marshal(f)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	s.pushRaw(outItem{class: class, sender: sender, data: data}, frameType)
}

// pushRaw enqueues an already-marshaled frame, applying the overflow policy.
func (s *Session) pushRaw(it outItem, frameType string) {
	switch err := s.q.push(it); err {
	case nil:
	case errQueueFull:
		metrics.BroadcastDrops.WithLabelValues(frameType, "control").Inc()
		s.closeWithReason(ReasonSlowConsumer)
	case errQueueClosed:
		// Session is Closing: drop without propagating, per §4.7.
	}
}

// closeWithReason performs the Closing transition exactly once: it records
// the reason, closes the queue, and signals both pumps. The writer owns the
// final flush and transport close.
func (s *Session) closeWithReason(reason string) {
	if !s.closeFlag.CompareAndSwap(false, true) {
		return
	}
	s.reason.Store(reason)
	s.state.Store(int32(StateClosing))
	s.q.close()
	close(s.done)
}

// release returns registry resources held by the session: its room
// membership, its fan-out subscription, and its hub registration.
func (s *Session) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if roomID := s.roomID.Swap(0); roomID != 0 {
		s.hub.unsubscribe(roomID, s)
		if _, err := s.hub.registry.LeaveRoom(ctx, s.identity.UserID, roomID); err != nil &&
			apperr.KindOf(err) != apperr.KindLogical {
			logging.Warn(ctx, "failed to release room membership on disconnect",
				zap.String("user_id", s.identity.UserID), zap.Int64("room_id", roomID), zap.Error(err))
		}
	}

	s.hub.unregister(s)
}

// writeDirect writes a frame bypassing the queue; only used before the
// writer task exists.
func (s *Session) writeDirect(f protocol.Frame) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.enc.Encode(f)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
