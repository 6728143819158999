package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RoomStatus is the lifecycle state of a room. Finished is terminal.
type RoomStatus string

const (
	StatusWaiting    RoomStatus = "waiting"
	StatusInProgress RoomStatus = "in_progress"
	StatusFinished   RoomStatus = "finished"
)

// Role is a member's in-game assignment, given out at game start.
type Role string

const (
	RoleNone   Role = ""
	RolePolice Role = "police"
	RoleThief  Role = "thief"
)

// Store key schema (§6.3). Rooms are keyed by their decimal id.
const (
	keyRoomSeq       = "room:seq"
	keyRoomTimeIndex = "room:list:time"
)

func keyRoom(roomID int64) string       { return "room:list:" + strconv.FormatInt(roomID, 10) }
func keyRoomUsers(roomID int64) string  { return "room:user:" + strconv.FormatInt(roomID, 10) }
func keyRoomMember(roomID int64) string { return "room:member:" + strconv.FormatInt(roomID, 10) }
func keyRoomBans(roomID int64) string   { return "room:ban:" + strconv.FormatInt(roomID, 10) }
func keyUserRoom(userID string) string  { return "user:room:" + userID }

// RoomSpec carries the caller-supplied fields of a create request.
type RoomSpec struct {
	Name     string
	Capacity int
	Private  bool
	Password string
	GameMode string
}

// RoomRecord is the authoritative room state held in the keyed store under
// room:list:{id}.
type RoomRecord struct {
	ID           int64
	Name         string
	HostID       string
	CreatedAt    int64 // unix seconds
	Capacity     int
	Private      bool
	PasswordHash string
	GameMode     string
	Status       RoomStatus
	Quarantined  bool
}

// fields renders the record as store hash fields.
func (r RoomRecord) fields() map[string]interface{} {
	return map[string]interface{}{
		"id":            strconv.FormatInt(r.ID, 10),
		"name":          r.Name,
		"host_id":       r.HostID,
		"created_at":    strconv.FormatInt(r.CreatedAt, 10),
		"capacity":      strconv.Itoa(r.Capacity),
		"private":       strconv.FormatBool(r.Private),
		"password_hash": r.PasswordHash,
		"game_mode":     r.GameMode,
		"status":        string(r.Status),
		"quarantined":   strconv.FormatBool(r.Quarantined),
	}
}

// parseRoom rebuilds a RoomRecord from store hash fields. An empty map means
// the room does not exist.
func parseRoom(fields map[string]string) (RoomRecord, error) {
	if len(fields) == 0 {
		return RoomRecord{}, fmt.Errorf("empty room record")
	}

	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return RoomRecord{}, fmt.Errorf("bad room id %q: %w", fields["id"], err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return RoomRecord{}, fmt.Errorf("bad created_at %q: %w", fields["created_at"], err)
	}
	capacity, err := strconv.Atoi(fields["capacity"])
	if err != nil {
		return RoomRecord{}, fmt.Errorf("bad capacity %q: %w", fields["capacity"], err)
	}

	return RoomRecord{
		ID:           id,
		Name:         fields["name"],
		HostID:       fields["host_id"],
		CreatedAt:    createdAt,
		Capacity:     capacity,
		Private:      fields["private"] == "true",
		PasswordHash: fields["password_hash"],
		GameMode:     fields["game_mode"],
		Status:       RoomStatus(fields["status"]),
		Quarantined:  fields["quarantined"] == "true",
	}, nil
}

// Membership is the per-(room, user) record, stored as a JSON value in the
// room:member:{id} hash keyed by user id.
type Membership struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	JoinAt        int64  `json:"join_at"` // unix milliseconds
	Ready         bool   `json:"ready"`
	Role          Role   `json:"role,omitempty"`
	LastHeartbeat int64  `json:"last_heartbeat"` // unix milliseconds
}

func (m Membership) marshal() string {
	data, err := json.Marshal(m)
	if err != nil {
		panic("registry: unmarshalable membership record")
	}
	return string(data)
}

func parseMembership(raw string) (Membership, error) {
	var m Membership
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Membership{}, fmt.Errorf("bad membership record: %w", err)
	}
	return m, nil
}

// LeaveOutcome reports what a leave did to the room.
type LeaveOutcome struct {
	RoomClosed bool
	NewHostID  string
}

// ListFilter narrows a room listing before pagination.
type ListFilter struct {
	Status         RoomStatus // zero value matches every status
	IncludePrivate bool
}

// RoomSummary is one listing entry.
type RoomSummary struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	HostID    string     `json:"host_id"`
	CreatedAt int64      `json:"created_at"`
	Capacity  int        `json:"capacity"`
	Members   int        `json:"members"`
	Private   bool       `json:"private"`
	GameMode  string     `json:"game_mode"`
	Status    RoomStatus `json:"status"`
}

// Cursor is the (creation-time, room-id) continuation tuple for listings.
type Cursor struct {
	CreatedAt int64
	RoomID    int64
}

// Encode renders the cursor as "createdAt:roomID"; the zero cursor encodes
// to "".
func (c Cursor) Encode() string {
	if c.CreatedAt == 0 && c.RoomID == 0 {
		return ""
	}
	return strconv.FormatInt(c.CreatedAt, 10) + ":" + strconv.FormatInt(c.RoomID, 10)
}

// DecodeCursor parses a cursor produced by Encode. "" yields the zero cursor
// (start from the beginning).
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	var c Cursor
	if _, err := fmt.Sscanf(s, "%d:%d", &c.CreatedAt, &c.RoomID); err != nil {
		return Cursor{}, fmt.Errorf("bad cursor %q: %w", s, err)
	}
	return c, nil
}

// Page is a point-in-time listing snapshot plus the continuation cursor
// ("" when exhausted).
type Page struct {
	Rooms      []RoomSummary `json:"rooms"`
	NextCursor string        `json:"next_cursor,omitempty"`
}
