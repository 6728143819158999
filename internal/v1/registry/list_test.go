package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wqdsca/police-thief-core/internal/v1/apperr"
)

func TestListRooms_FiltersAndCounts(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := reg.CreateRoom(ctx, "u1", "Alice", RoomSpec{Name: "Open", Capacity: 4})
	require.NoError(t, err)
	_, err = reg.JoinRoom(ctx, "u2", "Bob", a.ID, "")
	require.NoError(t, err)

	_, err = reg.CreateRoom(ctx, "u3", "Carol", RoomSpec{Name: "Hidden", Private: true, Password: "sekret99"})
	require.NoError(t, err)

	page, err := reg.ListRooms(ctx, ListFilter{}, Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page.Rooms, 1)
	assert.Equal(t, "Open", page.Rooms[0].Name)
	assert.Equal(t, 2, page.Rooms[0].Members)
	assert.Equal(t, "u1", page.Rooms[0].HostID)
	assert.Empty(t, page.NextCursor)

	page, err = reg.ListRooms(ctx, ListFilter{IncludePrivate: true}, Cursor{}, 10)
	require.NoError(t, err)
	assert.Len(t, page.Rooms, 2)
}

func TestListRooms_StatusFilter(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.CreateRoom(ctx, "u1", "Alice", RoomSpec{Name: "A"})
	require.NoError(t, err)
	require.NoError(t, reg.SetReady(ctx, "u1", rec.ID, true))
	require.NoError(t, reg.StartGame(ctx, "u1", rec.ID))

	_, err = reg.CreateRoom(ctx, "u2", "Bob", RoomSpec{Name: "B"})
	require.NoError(t, err)

	page, err := reg.ListRooms(ctx, ListFilter{Status: StatusWaiting}, Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page.Rooms, 1)
	assert.Equal(t, "B", page.Rooms[0].Name)

	page, err = reg.ListRooms(ctx, ListFilter{Status: StatusInProgress}, Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page.Rooms, 1)
	assert.Equal(t, "A", page.Rooms[0].Name)
}

func TestListRooms_CursorPagination(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for i, u := range users {
		_, err := reg.CreateRoom(ctx, u, u, RoomSpec{Name: string(rune('A' + i))})
		require.NoError(t, err)
	}

	var seen []int64
	cursor := Cursor{}
	for {
		page, err := reg.ListRooms(ctx, ListFilter{}, cursor, 2)
		require.NoError(t, err)
		for _, r := range page.Rooms {
			seen = append(seen, r.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor, err = DecodeCursor(page.NextCursor)
		require.NoError(t, err)
	}

	// Every room exactly once across pages.
	require.Len(t, seen, len(users))
	unique := make(map[int64]bool)
	for _, id := range seen {
		assert.False(t, unique[id], "room %d listed twice", id)
		unique[id] = true
	}
}

func TestListRooms_ExcludesQuarantined(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.CreateRoom(ctx, "u1", "Alice", RoomSpec{Name: "A"})
	require.NoError(t, err)
	reg.quarantine(ctx, rec.ID)

	page, err := reg.ListRooms(ctx, ListFilter{}, Cursor{}, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Rooms)
}

func TestCursor_EncodeDecode(t *testing.T) {
	c := Cursor{CreatedAt: 1700000000, RoomID: 42}
	decoded, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, decoded)

	zero, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, Cursor{}, zero)

	_, err = DecodeCursor("garbage")
	assert.Error(t, err)
}

func TestListRooms_ToleratesVanishedRoom(t *testing.T) {
	// A vanished room between index and record read is tolerated, not an
	// error: listings are point-in-time snapshots.
	reg, _, st := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.CreateRoom(ctx, "u1", "Alice", RoomSpec{Name: "A"})
	require.NoError(t, err)

	// Simulate a crash that left the index entry behind.
	require.NoError(t, st.Del(ctx, keyRoom(rec.ID)))

	page, err := reg.ListRooms(ctx, ListFilter{}, Cursor{}, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Rooms)
	assert.NotEqual(t, apperr.KindLogical, apperr.KindOf(err))
}
