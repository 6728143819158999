package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/wqdsca/police-thief-core/internal/v1/logging"
	"go.uber.org/zap"
)

// Reconcile repairs every room referenced by the creation-time index against
// the rest of the store. It runs once on startup; in-process structures are
// caches, so after a restart this is what rebuilds a consistent view. A room
// that cannot be repaired is quarantined (excluded from listings) rather
// than aborting the process.
func (r *Registry) Reconcile(ctx context.Context) error {
	ids, err := r.store.ZRange(ctx, keyRoomTimeIndex, 0, -1)
	if err != nil {
		return err
	}

	logging.Info(ctx, "reconciling rooms", zap.Int("count", len(ids)))
	for _, raw := range ids {
		roomID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			logging.Warn(ctx, "removing unreadable index entry", zap.String("member", raw))
			r.store.ZRem(ctx, keyRoomTimeIndex, raw)
			continue
		}

		if err := r.reconcileRoom(ctx, roomID); err != nil {
			logging.Error(ctx, "quarantining unrepairable room",
				zap.Int64("room_id", roomID), zap.Error(err))
			r.quarantine(ctx, roomID)
		}
	}
	return nil
}

// reconcileRoom repairs one room under its lock:
//   - a dangling index entry with no record is dropped;
//   - members without a reverse index entry get one; members whose reverse
//     index points at a different room are removed from this one;
//   - membership records without a member-set entry are deleted, and
//     member-set entries without a record get a fresh one;
//   - a host that is no longer a member is replaced by the oldest remaining
//     member, and an empty room is destroyed.
func (r *Registry) reconcileRoom(ctx context.Context, roomID int64) error {
	l := r.lockFor(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	fields, err := r.store.HGetAll(ctx, keyRoom(roomID))
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		logging.Warn(ctx, "dropping dangling room index entry", zap.Int64("room_id", roomID))
		return r.store.ZRem(ctx, keyRoomTimeIndex, strconv.FormatInt(roomID, 10))
	}
	rec, err := parseRoom(fields)
	if err != nil {
		return err
	}

	members, err := r.store.SMembers(ctx, keyRoomUsers(roomID))
	if err != nil {
		return err
	}
	records, err := r.store.HGetAll(ctx, keyRoomMember(roomID))
	if err != nil {
		return err
	}

	inSet := make(map[string]bool, len(members))
	for _, uid := range members {
		inSet[uid] = true
	}

	// Reverse index: each member points here, or leaves this room.
	kept := members[:0]
	for _, uid := range members {
		current, err := r.store.Get(ctx, keyUserRoom(uid))
		if err != nil {
			return err
		}
		switch current {
		case strconv.FormatInt(roomID, 10):
			kept = append(kept, uid)
		case "":
			if err := r.store.Set(ctx, keyUserRoom(uid), strconv.FormatInt(roomID, 10), 0); err != nil {
				return err
			}
			kept = append(kept, uid)
		default:
			// The reverse index is the single-room invariant's anchor:
			// a user it places elsewhere is removed from this room.
			logging.Warn(ctx, "removing member whose reverse index points elsewhere",
				zap.Int64("room_id", roomID), zap.String("user_id", uid), zap.String("points_at", current))
			if err := r.store.SRem(ctx, keyRoomUsers(roomID), uid); err != nil {
				return err
			}
			if err := r.store.HDel(ctx, keyRoomMember(roomID), uid); err != nil {
				return err
			}
			inSet[uid] = false
		}
	}
	members = kept

	// Membership records must pair 1:1 with the member set.
	for uid := range records {
		if !inSet[uid] {
			if err := r.store.HDel(ctx, keyRoomMember(roomID), uid); err != nil {
				return err
			}
		}
	}
	now := time.Now().UnixMilli()
	for _, uid := range members {
		if _, ok := records[uid]; ok {
			continue
		}
		m := Membership{UserID: uid, JoinAt: now, LastHeartbeat: now}
		if err := r.store.HSet(ctx, keyRoomMember(roomID), map[string]interface{}{uid: m.marshal()}); err != nil {
			return err
		}
	}

	if len(members) == 0 {
		logging.Info(ctx, "destroying empty room during reconciliation", zap.Int64("room_id", roomID))
		return r.destroyRoomLocked(ctx, l, roomID, "reconcile_empty")
	}

	hostPresent := false
	for _, uid := range members {
		if uid == rec.HostID {
			hostPresent = true
			break
		}
	}
	if !hostPresent {
		newHost, err := r.oldestMemberLocked(ctx, roomID)
		if err != nil {
			return err
		}
		logging.Info(ctx, "repairing absent host",
			zap.Int64("room_id", roomID), zap.String("host_id", newHost))
		if err := r.store.HSet(ctx, keyRoom(roomID), map[string]interface{}{"host_id": newHost}); err != nil {
			return err
		}
	}

	return nil
}

// quarantine marks a room excluded from listings. Best effort: a store
// failure here leaves the room visible but logged.
func (r *Registry) quarantine(ctx context.Context, roomID int64) {
	if err := r.store.HSet(ctx, keyRoom(roomID), map[string]interface{}{"quarantined": "true"}); err != nil {
		logging.Error(ctx, "failed to quarantine room", zap.Int64("room_id", roomID), zap.Error(err))
	}
}
