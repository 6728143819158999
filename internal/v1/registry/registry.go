// Package registry implements C5: the authoritative room mutator. Every
// mutation of a given room is serialized under that room's lock for the
// duration of the store update and the emission of the resulting event, so
// event order always matches state order.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wqdsca/police-thief-core/internal/v1/apperr"
	"github.com/wqdsca/police-thief-core/internal/v1/eventbus"
	"github.com/wqdsca/police-thief-core/internal/v1/logging"
	"github.com/wqdsca/police-thief-core/internal/v1/metrics"
	"github.com/wqdsca/police-thief-core/internal/v1/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// finishGracePeriod delays room destruction after a game finishes so clients
// can observe the final room_status event before their subscription goes away.
const finishGracePeriod = 5 * time.Second

// roomLock serializes mutations of one room and owns that room's publication
// sequence. Seq is only advanced while mu is held.
type roomLock struct {
	mu  sync.Mutex
	seq uint64
}

// Registry mediates all room state changes against the keyed store.
type Registry struct {
	store       *store.Store
	bus         *eventbus.Bus
	maxCapacity int
	reapAfter   time.Duration

	mu       sync.Mutex
	locks    map[int64]*roomLock
	votes    map[int64]map[string]map[string]struct{} // room -> target -> voters
	cleanups map[int64]*time.Timer
}

// New builds a Registry over the given store and event bus. maxCapacity caps
// caller-requested room sizes; reapAfter is the membership heartbeat timeout.
func New(s *store.Store, bus *eventbus.Bus, maxCapacity int, reapAfter time.Duration) *Registry {
	return &Registry{
		store:       s,
		bus:         bus,
		maxCapacity: maxCapacity,
		reapAfter:   reapAfter,
		locks:       make(map[int64]*roomLock),
		votes:       make(map[int64]map[string]map[string]struct{}),
		cleanups:    make(map[int64]*time.Timer),
	}
}

// lockFor returns the lock serializing mutations of roomID, creating it on
// first use.
func (r *Registry) lockFor(roomID int64) *roomLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[roomID]
	if !ok {
		l = &roomLock{}
		r.locks[roomID] = l
	}
	return l
}

// dropRoomState discards in-memory state for a destroyed room.
func (r *Registry) dropRoomState(roomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.locks, roomID)
	delete(r.votes, roomID)
	if t, ok := r.cleanups[roomID]; ok {
		t.Stop()
		delete(r.cleanups, roomID)
	}
}

// publishLocked assigns the next sequence number and delivers the event. The
// caller must hold l.mu.
func (r *Registry) publishLocked(l *roomLock, ev eventbus.Event) {
	l.seq++
	ev.Seq = l.seq
	r.bus.Publish(ev)
}

// PublishBroadcast assigns a publication sequence number under the room's
// lock and delivers a broadcast-only event (move, chat). The dispatcher uses
// this so broadcast events share the room's total order with mutations.
func (r *Registry) PublishBroadcast(roomID int64, ev eventbus.Event) {
	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()
	ev.RoomID = roomID
	r.publishLocked(l, ev)
}

// loadRoom reads a room record, mapping a missing record to ErrRoomNotFound.
func (r *Registry) loadRoom(ctx context.Context, roomID int64) (RoomRecord, error) {
	fields, err := r.store.HGetAll(ctx, keyRoom(roomID))
	if err != nil {
		return RoomRecord{}, apperr.Wrap(apperr.KindTransient, "unavailable", "room read failed", err)
	}
	if len(fields) == 0 {
		return RoomRecord{}, apperr.ErrRoomNotFound
	}
	rec, err := parseRoom(fields)
	if err != nil {
		return RoomRecord{}, apperr.Wrap(apperr.KindTransient, "corrupt_record", "room record unreadable", err)
	}
	return rec, nil
}

// CurrentRoom resolves the reverse index for a user. 0 means the user is not
// in any room.
func (r *Registry) CurrentRoom(ctx context.Context, userID string) (int64, error) {
	val, err := r.store.Get(ctx, keyUserRoom(userID))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransient, "unavailable", "reverse index read failed", err)
	}
	if val == "" {
		return 0, nil
	}
	roomID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransient, "corrupt_record", "reverse index unreadable", err)
	}
	return roomID, nil
}

// CreateRoom assigns a fresh room id from the store's monotonic sequence,
// writes the room record with the host as first member, and indexes the room
// by creation time. Fails with ErrUserAlreadyInRoom when the reverse index is
// already set for the host.
func (r *Registry) CreateRoom(ctx context.Context, hostID, hostName string, spec RoomSpec) (RoomRecord, error) {
	if cur, err := r.CurrentRoom(ctx, hostID); err != nil {
		return RoomRecord{}, err
	} else if cur != 0 {
		return RoomRecord{}, apperr.ErrUserAlreadyInRoom
	}

	capacity := spec.Capacity
	if capacity <= 0 || capacity > r.maxCapacity {
		capacity = r.maxCapacity
	}

	var passwordHash string
	if spec.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(spec.Password), bcrypt.DefaultCost)
		if err != nil {
			return RoomRecord{}, fmt.Errorf("failed to hash room password: %w", err)
		}
		passwordHash = string(hash)
	}

	roomID, err := r.store.Incr(ctx, keyRoomSeq)
	if err != nil {
		return RoomRecord{}, apperr.Wrap(apperr.KindTransient, "unavailable", "room id allocation failed", err)
	}

	now := time.Now()
	rec := RoomRecord{
		ID:           roomID,
		Name:         spec.Name,
		HostID:       hostID,
		CreatedAt:    now.Unix(),
		Capacity:     capacity,
		Private:      spec.Private,
		PasswordHash: passwordHash,
		GameMode:     spec.GameMode,
		Status:       StatusWaiting,
	}
	member := Membership{
		UserID:        hostID,
		Name:          hostName,
		JoinAt:        now.UnixMilli(),
		LastHeartbeat: now.UnixMilli(),
	}

	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	err = r.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyRoom(roomID), rec.fields())
		pipe.SAdd(ctx, keyRoomUsers(roomID), hostID)
		pipe.HSet(ctx, keyRoomMember(roomID), map[string]interface{}{hostID: member.marshal()})
		pipe.Set(ctx, keyUserRoom(hostID), strconv.FormatInt(roomID, 10), 0)
		pipe.ZAdd(ctx, keyRoomTimeIndex, redis.Z{Score: float64(rec.CreatedAt), Member: strconv.FormatInt(roomID, 10)})
		return nil
	})
	if err != nil {
		return RoomRecord{}, apperr.Wrap(apperr.KindTransient, "unavailable", "room create failed", err)
	}

	metrics.ActiveRooms.Inc()
	metrics.RoomMembers.WithLabelValues(strconv.FormatInt(roomID, 10)).Set(1)
	logging.Info(ctx, "room created",
		zap.Int64("room_id", roomID), zap.String("host_id", hostID), zap.Int("capacity", capacity))

	r.publishLocked(l, eventbus.Event{
		RoomID:  roomID,
		Type:    eventbus.EventUserJoined,
		ActorID: hostID,
		Payload: eventbus.UserPayload{RoomID: roomID, UserID: hostID, Name: hostName},
	})

	return rec, nil
}

// JoinRoom admits a user into a waiting, non-full room, after privacy and
// ban checks, and updates the reverse index.
func (r *Registry) JoinRoom(ctx context.Context, userID, userName string, roomID int64, password string) (Membership, error) {
	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := r.loadRoom(ctx, roomID)
	if err != nil {
		return Membership{}, err
	}
	if rec.Status != StatusWaiting {
		return Membership{}, apperr.ErrRoomInProgress
	}

	banned, err := r.store.SMembers(ctx, keyRoomBans(roomID))
	if err != nil {
		return Membership{}, apperr.Wrap(apperr.KindTransient, "unavailable", "ban list read failed", err)
	}
	for _, b := range banned {
		if b == userID {
			return Membership{}, apperr.ErrBanned
		}
	}

	if rec.PasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
			return Membership{}, apperr.ErrWrongPassword
		}
	}

	members, err := r.store.SMembers(ctx, keyRoomUsers(roomID))
	if err != nil {
		return Membership{}, apperr.Wrap(apperr.KindTransient, "unavailable", "member set read failed", err)
	}
	if len(members) >= rec.Capacity {
		return Membership{}, apperr.ErrRoomFull
	}

	if cur, err := r.CurrentRoom(ctx, userID); err != nil {
		return Membership{}, err
	} else if cur != 0 {
		return Membership{}, apperr.ErrUserAlreadyInRoom
	}

	now := time.Now()
	member := Membership{
		UserID:        userID,
		Name:          userName,
		JoinAt:        now.UnixMilli(),
		LastHeartbeat: now.UnixMilli(),
	}

	err = r.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, keyRoomUsers(roomID), userID)
		pipe.HSet(ctx, keyRoomMember(roomID), map[string]interface{}{userID: member.marshal()})
		pipe.Set(ctx, keyUserRoom(userID), strconv.FormatInt(roomID, 10), 0)
		return nil
	})
	if err != nil {
		return Membership{}, apperr.Wrap(apperr.KindTransient, "unavailable", "room join failed", err)
	}

	metrics.RoomMembers.WithLabelValues(strconv.FormatInt(roomID, 10)).Set(float64(len(members) + 1))
	logging.Info(ctx, "user joined room", zap.Int64("room_id", roomID), zap.String("user_id", userID))

	r.publishLocked(l, eventbus.Event{
		RoomID:  roomID,
		Type:    eventbus.EventUserJoined,
		ActorID: userID,
		Payload: eventbus.UserPayload{RoomID: roomID, UserID: userID, Name: userName},
	})

	return member, nil
}

// LeaveRoom removes a member. The oldest remaining member (by join-at,
// tie-break by user id ascending) is promoted when the host leaves; an empty
// room is destroyed.
func (r *Registry) LeaveRoom(ctx context.Context, userID string, roomID int64) (LeaveOutcome, error) {
	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	return r.removeMemberLocked(ctx, l, userID, roomID, eventbus.EventUserLeft, "")
}

// removeMemberLocked is the shared tail of leave, kick, and reap: it deletes
// the membership, clears the reverse index, promotes a new host or destroys
// the room, and publishes the resulting events in order. Caller holds l.mu.
func (r *Registry) removeMemberLocked(ctx context.Context, l *roomLock, userID string, roomID int64, evType eventbus.EventType, reason string) (LeaveOutcome, error) {
	rec, err := r.loadRoom(ctx, roomID)
	if err != nil {
		return LeaveOutcome{}, err
	}

	members, err := r.store.SMembers(ctx, keyRoomUsers(roomID))
	if err != nil {
		return LeaveOutcome{}, apperr.Wrap(apperr.KindTransient, "unavailable", "member set read failed", err)
	}
	isMember := false
	for _, m := range members {
		if m == userID {
			isMember = true
			break
		}
	}
	if !isMember {
		return LeaveOutcome{}, apperr.ErrUserNotInRoom
	}

	err = r.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, keyRoomUsers(roomID), userID)
		pipe.HDel(ctx, keyRoomMember(roomID), userID)
		pipe.Del(ctx, keyUserRoom(userID))
		return nil
	})
	if err != nil {
		return LeaveOutcome{}, apperr.Wrap(apperr.KindTransient, "unavailable", "room leave failed", err)
	}

	r.clearVotesFor(roomID, userID)

	leftPayload := eventbus.UserPayload{RoomID: roomID, UserID: userID, Reason: reason}
	r.publishLocked(l, eventbus.Event{
		RoomID:  roomID,
		Type:    evType,
		ActorID: userID,
		Payload: leftPayload,
	})

	remaining := len(members) - 1
	metrics.RoomMembers.WithLabelValues(strconv.FormatInt(roomID, 10)).Set(float64(remaining))

	if remaining == 0 {
		if err := r.destroyRoomLocked(ctx, l, roomID, "empty"); err != nil {
			return LeaveOutcome{}, err
		}
		return LeaveOutcome{RoomClosed: true}, nil
	}

	if rec.HostID != userID {
		return LeaveOutcome{}, nil
	}

	newHost, err := r.oldestMemberLocked(ctx, roomID)
	if err != nil {
		return LeaveOutcome{}, err
	}
	if err := r.store.HSet(ctx, keyRoom(roomID), map[string]interface{}{"host_id": newHost}); err != nil {
		return LeaveOutcome{}, apperr.Wrap(apperr.KindTransient, "unavailable", "host promotion failed", err)
	}

	logging.Info(ctx, "host promoted", zap.Int64("room_id", roomID), zap.String("host_id", newHost))
	r.publishLocked(l, eventbus.Event{
		RoomID:  roomID,
		Type:    eventbus.EventHostChanged,
		Payload: eventbus.HostChangedPayload{RoomID: roomID, HostID: newHost},
	})

	return LeaveOutcome{NewHostID: newHost}, nil
}

// oldestMemberLocked picks the promotion candidate: minimum join-at, ties
// broken by user id ascending.
func (r *Registry) oldestMemberLocked(ctx context.Context, roomID int64) (string, error) {
	records, err := r.store.HGetAll(ctx, keyRoomMember(roomID))
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransient, "unavailable", "membership read failed", err)
	}

	var best Membership
	found := false
	for uid, raw := range records {
		m, err := parseMembership(raw)
		if err != nil {
			logging.Warn(ctx, "skipping unreadable membership record",
				zap.Int64("room_id", roomID), zap.String("user_id", uid), zap.Error(err))
			continue
		}
		if !found || m.JoinAt < best.JoinAt || (m.JoinAt == best.JoinAt && m.UserID < best.UserID) {
			best = m
			found = true
		}
	}
	if !found {
		return "", apperr.Wrap(apperr.KindTransient, "corrupt_record", "no readable membership records for promotion", nil)
	}
	return best.UserID, nil
}

// destroyRoomLocked deletes every store key for the room, removes it from
// the creation-time index, and publishes room_closed. Caller holds l.mu.
func (r *Registry) destroyRoomLocked(ctx context.Context, l *roomLock, roomID int64, reason string) error {
	err := r.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyRoom(roomID), keyRoomUsers(roomID), keyRoomMember(roomID), keyRoomBans(roomID))
		pipe.ZRem(ctx, keyRoomTimeIndex, strconv.FormatInt(roomID, 10))
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "unavailable", "room destroy failed", err)
	}

	metrics.ActiveRooms.Dec()
	metrics.RoomMembers.DeleteLabelValues(strconv.FormatInt(roomID, 10))
	logging.Info(ctx, "room destroyed", zap.Int64("room_id", roomID), zap.String("reason", reason))

	r.publishLocked(l, eventbus.Event{
		RoomID:  roomID,
		Type:    eventbus.EventRoomClosed,
		Payload: eventbus.RoomClosedPayload{RoomID: roomID, Reason: reason},
	})

	r.dropRoomState(roomID)
	return nil
}

// Kick removes target from the room, bans them from rejoining, and publishes
// user_kicked. Authorized when actor is the host or a vote-kick quorum has
// already been recorded for target.
func (r *Registry) Kick(ctx context.Context, actorID string, roomID int64, targetID, reason string) (LeaveOutcome, error) {
	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := r.loadRoom(ctx, roomID)
	if err != nil {
		return LeaveOutcome{}, err
	}
	if rec.HostID != actorID && !r.quorumReachedLocked(ctx, roomID, targetID) {
		return LeaveOutcome{}, apperr.ErrNotAuthorized
	}

	return r.kickLocked(ctx, l, roomID, targetID, reason)
}

func (r *Registry) kickLocked(ctx context.Context, l *roomLock, roomID int64, targetID, reason string) (LeaveOutcome, error) {
	if err := r.store.SAdd(ctx, keyRoomBans(roomID), targetID); err != nil {
		return LeaveOutcome{}, apperr.Wrap(apperr.KindTransient, "unavailable", "ban write failed", err)
	}
	return r.removeMemberLocked(ctx, l, targetID, roomID, eventbus.EventUserKicked, reason)
}

// VoteKick records voter's vote against target. When the quorum (strict
// majority of current members excluding the target, computed at decision
// time) is reached, the kick executes immediately.
func (r *Registry) VoteKick(ctx context.Context, voterID string, roomID int64, targetID string) (votes, quorum int, kicked bool, err error) {
	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err = r.loadRoom(ctx, roomID); err != nil {
		return 0, 0, false, err
	}

	members, err := r.store.SMembers(ctx, keyRoomUsers(roomID))
	if err != nil {
		return 0, 0, false, apperr.Wrap(apperr.KindTransient, "unavailable", "member set read failed", err)
	}
	voterIn, targetIn := false, false
	for _, m := range members {
		if m == voterID {
			voterIn = true
		}
		if m == targetID {
			targetIn = true
		}
	}
	if !voterIn {
		return 0, 0, false, apperr.ErrUserNotInRoom
	}
	if !targetIn {
		return 0, 0, false, apperr.ErrUserNotInRoom
	}
	if voterID == targetID {
		return 0, 0, false, apperr.ErrNotAuthorized
	}

	r.mu.Lock()
	roomVotes, ok := r.votes[roomID]
	if !ok {
		roomVotes = make(map[string]map[string]struct{})
		r.votes[roomID] = roomVotes
	}
	voters, ok := roomVotes[targetID]
	if !ok {
		voters = make(map[string]struct{})
		roomVotes[targetID] = voters
	}
	voters[voterID] = struct{}{}
	votes = len(voters)
	r.mu.Unlock()

	// Strict majority of current members, target excluded from the
	// denominator.
	quorum = (len(members)-1)/2 + 1

	if votes < quorum {
		return votes, quorum, false, nil
	}

	if _, err := r.kickLocked(ctx, l, roomID, targetID, "vote_kick"); err != nil {
		return votes, quorum, false, err
	}
	return votes, quorum, true, nil
}

// quorumReachedLocked checks the recorded votes against the current quorum.
func (r *Registry) quorumReachedLocked(ctx context.Context, roomID int64, targetID string) bool {
	members, err := r.store.SMembers(ctx, keyRoomUsers(roomID))
	if err != nil {
		return false
	}

	r.mu.Lock()
	votes := 0
	if roomVotes, ok := r.votes[roomID]; ok {
		votes = len(roomVotes[targetID])
	}
	r.mu.Unlock()

	return votes >= (len(members)-1)/2+1
}

// clearVotesFor drops votes cast by and against a departing user.
func (r *Registry) clearVotesFor(roomID int64, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomVotes, ok := r.votes[roomID]
	if !ok {
		return
	}
	delete(roomVotes, userID)
	for _, voters := range roomVotes {
		delete(voters, userID)
	}
}

// Heartbeat refreshes the member's last-heartbeat instant and reaps members
// whose last heartbeat is older than the configured timeout.
func (r *Registry) Heartbeat(ctx context.Context, userID string, roomID int64) error {
	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := r.store.HGet(ctx, keyRoomMember(roomID), userID)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "unavailable", "membership read failed", err)
	}
	if raw == "" {
		return apperr.ErrUserNotInRoom
	}
	m, err := parseMembership(raw)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "corrupt_record", "membership record unreadable", err)
	}

	m.LastHeartbeat = time.Now().UnixMilli()
	if err := r.store.HSet(ctx, keyRoomMember(roomID), map[string]interface{}{userID: m.marshal()}); err != nil {
		return apperr.Wrap(apperr.KindTransient, "unavailable", "membership write failed", err)
	}

	r.reapStaleLocked(ctx, l, roomID)
	return nil
}

// reapStaleLocked removes members whose heartbeat is older than the reap
// timeout. Reaped members leave through the same path as a voluntary leave so
// host promotion and room destruction apply. Caller holds l.mu.
func (r *Registry) reapStaleLocked(ctx context.Context, l *roomLock, roomID int64) {
	records, err := r.store.HGetAll(ctx, keyRoomMember(roomID))
	if err != nil {
		logging.Warn(ctx, "membership reap read failed", zap.Int64("room_id", roomID), zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-r.reapAfter).UnixMilli()
	for uid, raw := range records {
		m, err := parseMembership(raw)
		if err != nil || m.LastHeartbeat >= cutoff {
			continue
		}
		logging.Info(ctx, "reaping stale member",
			zap.Int64("room_id", roomID), zap.String("user_id", uid))
		if _, err := r.removeMemberLocked(ctx, l, uid, roomID, eventbus.EventUserLeft, "heartbeat_timeout"); err != nil {
			logging.Warn(ctx, "membership reap failed",
				zap.Int64("room_id", roomID), zap.String("user_id", uid), zap.Error(err))
			return
		}
	}
}

// SetReady toggles the member's ready flag and publishes ready_changed.
func (r *Registry) SetReady(ctx context.Context, userID string, roomID int64, ready bool) error {
	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := r.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if rec.Status != StatusWaiting {
		return apperr.ErrRoomInProgress
	}

	raw, err := r.store.HGet(ctx, keyRoomMember(roomID), userID)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "unavailable", "membership read failed", err)
	}
	if raw == "" {
		return apperr.ErrUserNotInRoom
	}
	m, err := parseMembership(raw)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "corrupt_record", "membership record unreadable", err)
	}

	m.Ready = ready
	if err := r.store.HSet(ctx, keyRoomMember(roomID), map[string]interface{}{userID: m.marshal()}); err != nil {
		return apperr.Wrap(apperr.KindTransient, "unavailable", "membership write failed", err)
	}

	r.publishLocked(l, eventbus.Event{
		RoomID:  roomID,
		Type:    eventbus.EventReadyChanged,
		ActorID: userID,
		Payload: eventbus.ReadyChangedPayload{RoomID: roomID, UserID: userID, IsReady: ready},
	})
	return nil
}

// StartGame transitions Waiting -> InProgress once every member is ready,
// assigning roles by join order, and publishes room_status.
func (r *Registry) StartGame(ctx context.Context, actorID string, roomID int64) error {
	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := r.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if rec.HostID != actorID {
		return apperr.ErrNotAuthorized
	}
	if rec.Status != StatusWaiting {
		return apperr.ErrRoomInProgress
	}

	records, err := r.store.HGetAll(ctx, keyRoomMember(roomID))
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "unavailable", "membership read failed", err)
	}

	members := make([]Membership, 0, len(records))
	for _, raw := range records {
		m, err := parseMembership(raw)
		if err != nil {
			return apperr.Wrap(apperr.KindTransient, "corrupt_record", "membership record unreadable", err)
		}
		if !m.Ready {
			return apperr.ErrNotAllReady
		}
		members = append(members, m)
	}

	// Role assignment alternates police/thief in join order, host first.
	sortMembersByJoin(members)
	updates := make(map[string]interface{}, len(members))
	for i := range members {
		if i%2 == 0 {
			members[i].Role = RolePolice
		} else {
			members[i].Role = RoleThief
		}
		updates[members[i].UserID] = members[i].marshal()
	}

	err = r.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyRoom(roomID), map[string]interface{}{"status": string(StatusInProgress)})
		pipe.HSet(ctx, keyRoomMember(roomID), updates)
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "unavailable", "game start failed", err)
	}

	logging.Info(ctx, "game started", zap.Int64("room_id", roomID), zap.Int("members", len(members)))
	r.publishLocked(l, eventbus.Event{
		RoomID:  roomID,
		Type:    eventbus.EventRoomStatus,
		ActorID: actorID,
		Payload: eventbus.RoomStatusPayload{RoomID: roomID, Status: string(StatusInProgress)},
	})
	return nil
}

// FinishGame transitions InProgress -> Finished (terminal) and schedules room
// destruction after a grace period so subscribers observe the final status.
func (r *Registry) FinishGame(ctx context.Context, roomID int64) error {
	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := r.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if rec.Status != StatusInProgress {
		return apperr.ErrRoomInProgress
	}

	if err := r.store.HSet(ctx, keyRoom(roomID), map[string]interface{}{"status": string(StatusFinished)}); err != nil {
		return apperr.Wrap(apperr.KindTransient, "unavailable", "game finish failed", err)
	}

	r.publishLocked(l, eventbus.Event{
		RoomID:  roomID,
		Type:    eventbus.EventRoomStatus,
		Payload: eventbus.RoomStatusPayload{RoomID: roomID, Status: string(StatusFinished)},
	})

	r.mu.Lock()
	if t, ok := r.cleanups[roomID]; ok {
		t.Stop()
	}
	r.cleanups[roomID] = time.AfterFunc(finishGracePeriod, func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.cleanupFinishedRoom(cleanupCtx, roomID); err != nil {
			logging.Warn(cleanupCtx, "finished room cleanup failed",
				zap.Int64("room_id", roomID), zap.Error(err))
		}
	})
	r.mu.Unlock()

	return nil
}

// cleanupFinishedRoom tears down a finished room after its grace period,
// clearing every remaining member's reverse index.
func (r *Registry) cleanupFinishedRoom(ctx context.Context, roomID int64) error {
	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := r.loadRoom(ctx, roomID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindLogical {
			return nil // already gone
		}
		return err
	}
	if rec.Status != StatusFinished {
		return nil
	}

	members, err := r.store.SMembers(ctx, keyRoomUsers(roomID))
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "unavailable", "member set read failed", err)
	}
	if len(members) > 0 {
		err = r.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
			for _, uid := range members {
				pipe.Del(ctx, keyUserRoom(uid))
			}
			return nil
		})
		if err != nil {
			return apperr.Wrap(apperr.KindTransient, "unavailable", "reverse index cleanup failed", err)
		}
	}

	return r.destroyRoomLocked(ctx, l, roomID, "finished")
}

// sortMembersByJoin orders members by join-at, ties by user id ascending.
func sortMembersByJoin(members []Membership) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinAt != members[j].JoinAt {
			return members[i].JoinAt < members[j].JoinAt
		}
		return members[i].UserID < members[j].UserID
	})
}
