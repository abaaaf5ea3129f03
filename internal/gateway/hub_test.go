package gateway

import (
	"context"
	"testing"
	"time"

	"engagesync/internal/protocol"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameWait = time.Second

func register(t *testing.T, h *Hub, userID string) *Client {
	t.Helper()
	c, err := h.Register(userID, nil)
	require.NoError(t, err)
	return c
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case f, ok := <-c.Send:
		require.True(t, ok, "send channel closed")
		return f
	case <-time.After(frameWait):
		t.Fatalf("no frame for %s", c.UserID)
		return nil
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case f := <-c.Send:
		t.Fatalf("unexpected frame for %s: %s", c.UserID, f)
	default:
	}
}

func TestRoomKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "like:post-1", RoomKey(protocol.RoomLike, "post-1"))
	assert.Equal(t, "comment", roomKind(RoomKey(protocol.RoomComment, "x")))
}

func TestHub_RegisterLimits(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	for i := 0; i < maxConnsPerUser; i++ {
		register(t, h, "u1")
	}
	_, err := h.Register("u1", nil)
	assert.ErrorIs(t, err, errUserFull)

	c := register(t, h, "u2")
	h.UnregisterClient(c)
	h.UnregisterClient(c)

	_, ok := <-c.Send
	assert.False(t, ok)
}

func TestHub_JoinLeave(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	a := register(t, h, "u1")
	key := RoomKey(protocol.RoomLike, "post-1")

	assert.True(t, h.Join(a, key))
	assert.False(t, h.Join(a, key))
	assert.Equal(t, 1, h.Members(key))

	assert.True(t, h.Leave(a, key))
	assert.False(t, h.Leave(a, key))
	assert.Zero(t, h.Members(key))
}

func TestHub_UnregisterLeavesRooms(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	a := register(t, h, "u1")
	like := RoomKey(protocol.RoomLike, "post-1")
	share := RoomKey(protocol.RoomShare, "post-1")
	h.Join(a, like)
	h.Join(a, share)

	h.UnregisterClient(a)
	assert.Zero(t, h.Members(like))
	assert.Zero(t, h.Members(share))

	// Broadcasting to a departed client must not panic.
	h.BroadcastRoom(like, "", []byte(`{}`))
}

func TestHub_BroadcastSkipsOrigin(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	a := register(t, h, "u1")
	b := register(t, h, "u2")
	outsider := register(t, h, "u3")
	key := RoomKey(protocol.RoomComment, "post-1")
	h.Join(a, key)
	h.Join(b, key)

	h.Publish(context.Background(), key, a, []byte(`{"event":"comment-added"}`))

	assert.JSONEq(t, `{"event":"comment-added"}`, string(receive(t, b)))
	assertSilent(t, a)
	assertSilent(t, outsider)
}

func TestHub_PublishThroughRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return rdb
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Two instances sharing one Redis.
	h1 := NewHub(NewNotifier(newClient()))
	h2 := NewHub(NewNotifier(newClient()))
	require.NoError(t, h1.StartWiring(ctx))
	require.NoError(t, h2.StartWiring(ctx))

	key := RoomKey(protocol.RoomShare, "post-9")
	a := register(t, h1, "u1")
	b := register(t, h2, "u2")
	h1.Join(a, key)
	h2.Join(b, key)

	h1.Publish(ctx, key, a, []byte(`{"event":"share-count-update"}`))

	assert.JSONEq(t, `{"event":"share-count-update"}`, string(receive(t, b)))
	assertSilent(t, a)
}

func TestHub_Shutdown(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	a := register(t, h, "u1")
	b := register(t, h, "u2")
	h.Join(a, RoomKey(protocol.RoomLike, "post-1"))

	require.NoError(t, h.Shutdown(context.Background()))

	for _, c := range []*Client{a, b} {
		_, ok := <-c.Send
		assert.False(t, ok)
	}
	assert.Zero(t, h.Members(RoomKey(protocol.RoomLike, "post-1")))
}
