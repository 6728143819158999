package stream

import (
	"context"
	"time"

	"github.com/wqdsca/police-thief-core/internal/v1/apperr"
	"github.com/wqdsca/police-thief-core/internal/v1/eventbus"
	"github.com/wqdsca/police-thief-core/internal/v1/metrics"
	"github.com/wqdsca/police-thief-core/internal/v1/protocol"
	"github.com/wqdsca/police-thief-core/internal/v1/registry"
)

// Version reported by the version query handler.
const serverVersion = "1.0.0"

// buildHandlerTable is the static dispatch table: discriminator -> handler,
// resolved once at hub construction.
func (h *Hub) buildHandlerTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.TypePing:       h.handlePing,
		protocol.TypeVersion:    h.handleVersion,
		protocol.TypeHeartbeat:  h.handleHeartbeat,
		protocol.TypeHello:      h.handleDuplicateHello,
		protocol.TypeCreateRoom: h.handleCreateRoom,
		protocol.TypeJoinRoom:   h.handleJoinRoom,
		protocol.TypeLeaveRoom:  h.handleLeaveRoom,
		protocol.TypeReady:      h.handleReady,
		protocol.TypeStartGame:  h.handleStartGame,
		protocol.TypeKick:       h.handleKick,
		protocol.TypeVoteKick:   h.handleVoteKick,
		protocol.TypeMove:       h.handleMove,
		protocol.TypeChat:       h.handleChat,
	}
}

// opCtx bounds a registry call made on behalf of one frame.
func (h *Hub) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.cfg.StoreOpTimeout+2*time.Second)
}

// sendOpError converts a registry/store error into the client-visible
// *_error response. Logical errors are final answers; transient ones tell
// the client the service is degraded.
func sendOpError(s *Session, respType string, err error) {
	metrics.DispatchedEvents.WithLabelValues(respType, "error").Inc()
	s.sendControl(respType, protocol.ErrorPayload{Code: apperr.CodeOf(err)})
}

// --- Stateless handlers ---

func (h *Hub) handlePing(s *Session, f protocol.Frame) {
	s.sendControl(protocol.TypePong, protocol.HeartbeatPayload{TS: time.Now().UnixMilli()})
}

func (h *Hub) handleVersion(s *Session, f protocol.Frame) {
	s.sendControl(protocol.TypeVersionOK, map[string]string{"version": serverVersion})
}

// handleDuplicateHello rejects a second handshake on an already
// authenticated connection as an out-of-order protocol error.
func (h *Hub) handleDuplicateHello(s *Session, f protocol.Frame) {
	s.sendControl(protocol.TypeError, protocol.ErrorPayload{Code: "handshake_repeated"})
	s.closeWithReason("handshake_repeated")
}

// handleHeartbeat acknowledges the keep-alive and refreshes room membership
// when the session is in a room.
func (h *Hub) handleHeartbeat(s *Session, f protocol.Frame) {
	if roomID := s.RoomID(); roomID != 0 {
		ctx, cancel := h.opCtx()
		defer cancel()
		if err := h.registry.Heartbeat(ctx, s.identity.UserID, roomID); err != nil &&
			apperr.KindOf(err) != apperr.KindLogical {
			sendOpError(s, "heartbeat_error", err)
			return
		}
	}
	s.sendControl(protocol.TypeHeartbeatAck, protocol.HeartbeatPayload{TS: time.Now().UnixMilli()})
}

// --- Room-scoped mutating handlers ---

func (h *Hub) handleCreateRoom(s *Session, f protocol.Frame) {
	var p protocol.CreateRoomPayload
	if err := unmarshalPayload(f.Payload, &p); err != nil {
		sendOpError(s, "room_error", err)
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	rec, err := h.registry.CreateRoom(ctx, s.identity.UserID, s.identity.Name, registry.RoomSpec{
		Name:     p.Name,
		Capacity: p.Capacity,
		Private:  p.Private,
		Password: p.Password,
		GameMode: p.GameMode,
	})
	if err != nil {
		sendOpError(s, "room_error", err)
		return
	}

	s.roomID.Store(rec.ID)
	s.state.Store(int32(StateInRoom))
	h.subscribe(rec.ID, s)

	s.sendControl(protocol.TypeRoomOK, map[string]any{
		"room_id":  rec.ID,
		"name":     rec.Name,
		"capacity": rec.Capacity,
	})
}

func (h *Hub) handleJoinRoom(s *Session, f protocol.Frame) {
	var p protocol.JoinRoomPayload
	if err := unmarshalPayload(f.Payload, &p); err != nil {
		sendOpError(s, "join_error", err)
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	// Subscribe before the mutation so the joiner observes every event from
	// its own join onward. fanout does not check membership: if the join
	// fails the subscription is rolled back, and events published before the
	// rollback may already be queued to this connection.
	h.subscribe(p.RoomID, s)

	member, err := h.registry.JoinRoom(ctx, s.identity.UserID, s.identity.Name, p.RoomID, p.Password)
	if err != nil {
		h.unsubscribe(p.RoomID, s)
		sendOpError(s, "join_error", err)
		return
	}

	s.roomID.Store(p.RoomID)
	s.state.Store(int32(StateInRoom))

	s.sendControl(protocol.TypeJoinOK, map[string]any{
		"room_id": p.RoomID,
		"join_at": member.JoinAt,
	})
}

func (h *Hub) handleLeaveRoom(s *Session, f protocol.Frame) {
	var p protocol.LeaveRoomPayload
	if err := unmarshalPayload(f.Payload, &p); err != nil {
		sendOpError(s, "leave_error", err)
		return
	}
	if s.RoomID() != p.RoomID {
		sendOpError(s, "leave_error", apperr.ErrUserNotInRoom)
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	outcome, err := h.registry.LeaveRoom(ctx, s.identity.UserID, p.RoomID)
	if err != nil {
		sendOpError(s, "leave_error", err)
		return
	}

	s.roomID.CompareAndSwap(p.RoomID, 0)
	s.state.CompareAndSwap(int32(StateInRoom), int32(StateAuthenticated))
	h.unsubscribe(p.RoomID, s)

	s.sendControl(protocol.TypeLeaveOK, map[string]any{
		"room_id":     p.RoomID,
		"room_closed": outcome.RoomClosed,
	})
}

func (h *Hub) handleReady(s *Session, f protocol.Frame) {
	var p protocol.ReadyPayload
	if err := unmarshalPayload(f.Payload, &p); err != nil {
		sendOpError(s, "ready_error", err)
		return
	}
	if s.RoomID() != p.RoomID {
		sendOpError(s, "ready_error", apperr.ErrUserNotInRoom)
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	if err := h.registry.SetReady(ctx, s.identity.UserID, p.RoomID, p.IsReady); err != nil {
		sendOpError(s, "ready_error", err)
		return
	}
	s.sendControl(protocol.TypeReadyOK, map[string]any{"room_id": p.RoomID, "is_ready": p.IsReady})
}

func (h *Hub) handleStartGame(s *Session, f protocol.Frame) {
	var p protocol.StartGamePayload
	if err := unmarshalPayload(f.Payload, &p); err != nil {
		sendOpError(s, "start_error", err)
		return
	}
	if s.RoomID() != p.RoomID {
		sendOpError(s, "start_error", apperr.ErrUserNotInRoom)
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	if err := h.registry.StartGame(ctx, s.identity.UserID, p.RoomID); err != nil {
		sendOpError(s, "start_error", err)
		return
	}
	s.sendControl(protocol.TypeStartOK, map[string]any{"room_id": p.RoomID})
}

func (h *Hub) handleKick(s *Session, f protocol.Frame) {
	var p protocol.KickPayload
	if err := unmarshalPayload(f.Payload, &p); err != nil {
		sendOpError(s, "kick_error", err)
		return
	}
	if s.RoomID() != p.RoomID {
		sendOpError(s, "kick_error", apperr.ErrUserNotInRoom)
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	if _, err := h.registry.Kick(ctx, s.identity.UserID, p.RoomID, p.TargetUserID, p.Reason); err != nil {
		sendOpError(s, "kick_error", err)
		return
	}
	s.sendControl(protocol.TypeKickOK, map[string]any{"room_id": p.RoomID, "target_user_id": p.TargetUserID})
}

func (h *Hub) handleVoteKick(s *Session, f protocol.Frame) {
	var p protocol.VoteKickPayload
	if err := unmarshalPayload(f.Payload, &p); err != nil {
		sendOpError(s, "vote_kick_error", err)
		return
	}
	if s.RoomID() != p.RoomID {
		sendOpError(s, "vote_kick_error", apperr.ErrUserNotInRoom)
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	votes, quorum, kicked, err := h.registry.VoteKick(ctx, s.identity.UserID, p.RoomID, p.TargetUserID)
	if err != nil {
		sendOpError(s, "vote_kick_error", err)
		return
	}
	s.sendControl(protocol.TypeVoteKickOK, map[string]any{
		"room_id": p.RoomID,
		"votes":   votes,
		"quorum":  quorum,
		"kicked":  kicked,
	})
}

// --- Room-scoped broadcast handlers ---
// Validated cheaply (sender is in the claimed room), then published under
// the room's publication sequence; no registry mutation.

func (h *Hub) handleMove(s *Session, f protocol.Frame) {
	var p protocol.MovePayload
	if err := unmarshalPayload(f.Payload, &p); err != nil {
		sendOpError(s, "move_error", err)
		return
	}
	if s.RoomID() != p.RoomID {
		sendOpError(s, "move_error", apperr.ErrUserNotInRoom)
		return
	}

	h.registry.PublishBroadcast(p.RoomID, eventbus.Event{
		Type:         eventbus.EventMemberMoved,
		ActorID:      s.identity.UserID,
		ExcludeActor: !h.echoToOriginator,
		Payload: eventbus.MovePayload{
			RoomID:   p.RoomID,
			UserID:   s.identity.UserID,
			Position: p.Position,
			Rotation: p.Rotation,
		},
	})
}

func (h *Hub) handleChat(s *Session, f protocol.Frame) {
	var p protocol.ChatPayload
	if err := unmarshalPayload(f.Payload, &p); err != nil {
		sendOpError(s, "chat_error", err)
		return
	}
	if s.RoomID() != p.RoomID {
		sendOpError(s, "chat_error", apperr.ErrUserNotInRoom)
		return
	}
	if p.Text == "" || len(p.Text) > protocol.MaxChatLength {
		sendOpError(s, "chat_error", apperr.New(apperr.KindLogical, "bad_chat", "chat text empty or too long"))
		return
	}

	h.registry.PublishBroadcast(p.RoomID, eventbus.Event{
		Type:         eventbus.EventChat,
		ActorID:      s.identity.UserID,
		ExcludeActor: !h.echoToOriginator,
		Payload: eventbus.ChatPayload{
			RoomID: p.RoomID,
			UserID: s.identity.UserID,
			Name:   s.identity.Name,
			Text:   p.Text,
			TS:     time.Now().UnixMilli(),
		},
	})
}
