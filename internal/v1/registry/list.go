package registry

import (
	"context"
	"strconv"

	"github.com/wqdsca/police-thief-core/internal/v1/apperr"
	"github.com/wqdsca/police-thief-core/internal/v1/logging"
	"go.uber.org/zap"
)

// listBatch is how many index entries a listing reads per store round trip.
const listBatch = 64

// ListRooms reads the creation-time secondary index without taking any
// per-room lock: it is a point-in-time snapshot over committed store state.
// Filters apply before pagination; continuation is by (creation-time,
// room-id) cursor. Quarantined rooms are excluded.
func (r *Registry) ListRooms(ctx context.Context, filter ListFilter, cursor Cursor, limit int) (Page, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var page Page
	min := "-inf"
	if cursor.CreatedAt != 0 {
		min = strconv.FormatInt(cursor.CreatedAt, 10)
	}

	for len(page.Rooms) < limit {
		entries, err := r.store.ZRangeByScoreWithScores(ctx, keyRoomTimeIndex, min, "+inf", listBatch)
		if err != nil {
			return Page{}, apperr.Wrap(apperr.KindTransient, "unavailable", "room index read failed", err)
		}
		if len(entries) == 0 {
			return page, nil
		}

		var last Cursor
		for _, e := range entries {
			member, _ := e.Member.(string)
			roomID, err := strconv.ParseInt(member, 10, 64)
			if err != nil {
				logging.Warn(ctx, "skipping unreadable index entry", zap.String("member", member))
				continue
			}
			entry := Cursor{CreatedAt: int64(e.Score), RoomID: roomID}
			last = entry

			// Skip entries at or before the cursor tuple; score collisions
			// make the inclusive score fetch re-read the cursor's own row.
			// Same-score members come back in the store's lexicographic
			// order, so the tie-break compares the member string the same
			// way to keep continuation consistent with iteration order.
			if cursor.CreatedAt != 0 &&
				(entry.CreatedAt < cursor.CreatedAt ||
					(entry.CreatedAt == cursor.CreatedAt && member <= strconv.FormatInt(cursor.RoomID, 10))) {
				continue
			}

			summary, ok, err := r.summarize(ctx, roomID, filter)
			if err != nil {
				return Page{}, err
			}
			cursor = entry
			if !ok {
				continue
			}

			page.Rooms = append(page.Rooms, summary)
			if len(page.Rooms) == limit {
				page.NextCursor = entry.Encode()
				return page, nil
			}
		}

		if len(entries) < listBatch {
			return page, nil
		}
		min = strconv.FormatInt(last.CreatedAt, 10)
		cursor = last
	}

	return page, nil
}

// summarize loads one room for listing. ok=false means the room is filtered
// out (quarantined, privacy, status) or vanished between index and record
// read, which a snapshot listing tolerates.
func (r *Registry) summarize(ctx context.Context, roomID int64, filter ListFilter) (RoomSummary, bool, error) {
	fields, err := r.store.HGetAll(ctx, keyRoom(roomID))
	if err != nil {
		return RoomSummary{}, false, apperr.Wrap(apperr.KindTransient, "unavailable", "room read failed", err)
	}
	if len(fields) == 0 {
		return RoomSummary{}, false, nil
	}
	rec, err := parseRoom(fields)
	if err != nil {
		logging.Warn(ctx, "skipping unreadable room record", zap.Int64("room_id", roomID), zap.Error(err))
		return RoomSummary{}, false, nil
	}

	if rec.Quarantined {
		return RoomSummary{}, false, nil
	}
	if rec.Private && !filter.IncludePrivate {
		return RoomSummary{}, false, nil
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return RoomSummary{}, false, nil
	}

	members, err := r.store.SMembers(ctx, keyRoomUsers(roomID))
	if err != nil {
		return RoomSummary{}, false, apperr.Wrap(apperr.KindTransient, "unavailable", "member set read failed", err)
	}

	return RoomSummary{
		ID:        rec.ID,
		Name:      rec.Name,
		HostID:    rec.HostID,
		CreatedAt: rec.CreatedAt,
		Capacity:  rec.Capacity,
		Members:   len(members),
		Private:   rec.Private,
		GameMode:  rec.GameMode,
		Status:    rec.Status,
	}, true, nil
}
