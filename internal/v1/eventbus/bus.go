// Package eventbus is the in-process, room-keyed broadcast that makes
// RPC-originated room mutations visible to the framed-stream fan-out. It
// provides no durability and no cross-process delivery.
package eventbus

import (
	"sync"

	"github.com/wqdsca/police-thief-core/internal/v1/protocol"
)

// EventType tags a room state change.
type EventType string

const (
	EventUserJoined   EventType = "user_joined"
	EventUserLeft     EventType = "user_left"
	EventUserKicked   EventType = "user_kicked"
	EventMemberMoved  EventType = "member_moved"
	EventChat         EventType = "chat"
	EventReadyChanged EventType = "ready_changed"
	EventRoomStatus   EventType = "room_status"
	EventHostChanged  EventType = "host_changed"
	EventRoomClosed   EventType = "room_closed"
)

// FrameType maps an event to the outbound discriminator subscribers forward
// to their clients.
func (t EventType) FrameType() string {
	switch t {
	case EventUserJoined:
		return protocol.TypeUserJoined
	case EventUserLeft:
		return protocol.TypeUserLeft
	case EventUserKicked:
		return protocol.TypeUserKicked
	case EventMemberMoved:
		return protocol.TypeMemberMoved
	case EventChat:
		return protocol.TypeChatEvent
	case EventReadyChanged:
		return protocol.TypeReadyChanged
	case EventRoomStatus:
		return protocol.TypeRoomStatus
	case EventHostChanged:
		return protocol.TypeHostChanged
	case EventRoomClosed:
		return protocol.TypeRoomClosed
	default:
		return string(t)
	}
}

// Event is one immutable room state change. Seq is assigned under the room's
// registry lock, so within a room the sequence defines the total order every
// subscriber observes.
type Event struct {
	Seq     uint64
	RoomID  int64
	Type    EventType
	ActorID string
	Payload any
	// ExcludeActor suppresses delivery to the originating connection; the
	// default for broadcast events per §4.7.
	ExcludeActor bool
}

// Handler receives events for a subscribed room. Handlers must not block:
// they hand the event to a connection's outbound queue and return.
type Handler func(Event)

// Bus delivers events to per-room subscriber handlers. Publish runs the
// handlers synchronously, so an RPC mutation is visible to stream subscribers
// before the RPC response returns.
type Bus struct {
	mu    sync.RWMutex
	rooms map[int64]map[string]Handler
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{rooms: make(map[int64]map[string]Handler)}
}

// Subscribe registers a handler for events on roomID under a caller-chosen
// subscriber id. Re-subscribing with the same id replaces the handler.
func (b *Bus) Subscribe(roomID int64, id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.rooms[roomID]
	if !ok {
		subs = make(map[string]Handler)
		b.rooms[roomID] = subs
	}
	subs[id] = h
}

// Unsubscribe removes a handler. Removing the last handler for a room drops
// the room's entry entirely.
func (b *Bus) Unsubscribe(roomID int64, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.rooms[roomID]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.rooms, roomID)
	}
}

// Publish delivers ev to every current subscriber of its room. Handlers run
// against a snapshot of the subscriber set so a handler that subscribes or
// unsubscribes never deadlocks the bus.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.rooms[ev.RoomID]
	snapshot := make([]Handler, 0, len(subs))
	for _, h := range subs {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(ev)
	}
}

// SubscriberCount reports the number of handlers registered for a room.
func (b *Bus) SubscriberCount(roomID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[roomID])
}
