package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll(q *outQueue) []outItem {
	var out []outItem
	for {
		it, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, it)
	}
}

func TestQueue_FIFOWithinCapacity(t *testing.T) {
	q := newOutQueue(8)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.push(outItem{class: classControl, data: []byte{byte(i)}}))
	}

	items := drainAll(q)
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, byte(i), it.data[0])
	}
}

func TestQueue_ControlOverflowIsFatal(t *testing.T) {
	q := newOutQueue(2)
	require.NoError(t, q.push(outItem{class: classControl, data: []byte("a")}))
	require.NoError(t, q.push(outItem{class: classControl, data: []byte("b")}))

	err := q.push(outItem{class: classControl, data: []byte("c")})
	assert.ErrorIs(t, err, errQueueFull)
}

func TestQueue_ChatCoalescesToWindow(t *testing.T) {
	// S5: a flood of chat keeps only the most recent coalesceWindow
	// messages and never evicts control messages.
	q := newOutQueue(256)
	require.NoError(t, q.push(outItem{class: classControl, data: []byte("ctl")}))

	for i := 0; i < 1000; i++ {
		require.NoError(t, q.push(outItem{class: classChat, data: []byte(fmt.Sprintf("chat-%d", i))}))
	}

	items := drainAll(q)
	var chats []string
	controls := 0
	for _, it := range items {
		switch it.class {
		case classChat:
			chats = append(chats, string(it.data))
		case classControl:
			controls++
		}
	}

	assert.Equal(t, 1, controls)
	require.Len(t, chats, coalesceWindow)
	// The survivors are the most recent window, still in order.
	assert.Equal(t, fmt.Sprintf("chat-%d", 1000-coalesceWindow), chats[0])
	assert.Equal(t, "chat-999", chats[len(chats)-1])
}

func TestQueue_MoveIsLastWriterWinsPerSender(t *testing.T) {
	q := newOutQueue(16)
	require.NoError(t, q.push(outItem{class: classMove, sender: "u1", data: []byte("u1-pos1")}))
	require.NoError(t, q.push(outItem{class: classMove, sender: "u2", data: []byte("u2-pos1")}))
	require.NoError(t, q.push(outItem{class: classMove, sender: "u1", data: []byte("u1-pos2")}))

	items := drainAll(q)
	require.Len(t, items, 2)
	// u1's newer position replaced the old one and queues behind u2's,
	// keeping sequence order.
	assert.Equal(t, "u2-pos1", string(items[0].data))
	assert.Equal(t, "u1-pos2", string(items[1].data))
}

func TestQueue_ControlSurvivesSaturation(t *testing.T) {
	// S5 tail: after saturating with droppable classes, a control message
	// still gets through.
	q := newOutQueue(8)
	for i := 0; i < 100; i++ {
		require.NoError(t, q.push(outItem{class: classChat, data: []byte("c")}))
		require.NoError(t, q.push(outItem{class: classMove, sender: fmt.Sprintf("u%d", i), data: []byte("m")}))
	}

	require.NoError(t, q.push(outItem{class: classControl, data: []byte("user_left")}))

	items := drainAll(q)
	var sawControl bool
	for _, it := range items {
		if it.class == classControl {
			sawControl = true
		}
	}
	assert.True(t, sawControl)
}

func TestQueue_PushAfterCloseFails(t *testing.T) {
	q := newOutQueue(4)
	require.NoError(t, q.push(outItem{class: classControl, data: []byte("a")}))
	q.close()

	err := q.push(outItem{class: classControl, data: []byte("b")})
	assert.ErrorIs(t, err, errQueueClosed)

	// Pending items stay drainable for the writer's flush.
	items := drainAll(q)
	assert.Len(t, items, 1)
}

func TestQueue_WaitBelowHighWaterReturnsOnClose(t *testing.T) {
	q := newOutQueue(4) // highWater = 3
	for i := 0; i < 3; i++ {
		require.NoError(t, q.push(outItem{class: classControl, data: []byte("x")}))
	}

	released := make(chan struct{})
	go func() {
		q.waitBelowHighWater()
		close(released)
	}()

	q.close()
	<-released
}

func TestQueue_WaitBelowHighWaterReleasedByPop(t *testing.T) {
	q := newOutQueue(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.push(outItem{class: classControl, data: []byte("x")}))
	}

	released := make(chan struct{})
	go func() {
		q.waitBelowHighWater()
		close(released)
	}()

	for q.len() > 0 {
		q.pop()
	}
	<-released
}
