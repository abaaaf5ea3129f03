package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"engagesync/internal/engagement"
	"engagesync/internal/models"
	"engagesync/internal/protocol"
	"engagesync/internal/rest"
	"engagesync/internal/session"
	"engagesync/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	e2eTimeout = 5 * time.Second
	e2ePoll    = 10 * time.Millisecond
)

var e2eItem = models.ContentItem{ID: "post-42", Kind: models.ItemKindPost, CreatorID: "creator-1"}

// startGateway serves s on a loopback port and returns its address.
func startGateway(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Listener(ln) }()
	return ln.Addr().String()
}

// connectEngine builds a connected engine for userID against addr.
func connectEngine(t *testing.T, addr, userID string) *engagement.Engine {
	t.Helper()
	identity, err := session.NewTokenIdentity(tokenFor(t, userID))
	require.NoError(t, err)

	ch, err := transport.NewChannel(transport.Options{
		URL:          "ws://" + addr + "/ws",
		Tokens:       identity,
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	e, err := engagement.NewEngine(engagement.Options{
		Channel:  ch,
		Identity: identity,
		REST:     rest.NewClient("http://"+addr+"/api", identity, nil),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ch.Run(ctx) }()
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		e.Close()
		cancel()
	})

	require.Eventually(t, ch.Connected, e2eTimeout, e2ePoll)
	return e
}

func stateOf(e *engagement.Engine) models.EngagementState {
	st, _ := e.State(e2eItem.ID)
	return st
}

func TestEndToEnd_EngagementOverGateway(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	addr := startGateway(t, s)
	ctx := context.Background()

	alice := connectEngine(t, addr, "u1")
	require.NoError(t, alice.Focus(ctx, e2eItem))
	require.Eventually(t, func() bool {
		return alice.Joined(e2eItem.ID, protocol.RoomLike) &&
			alice.Joined(e2eItem.ID, protocol.RoomComment) &&
			alice.Joined(e2eItem.ID, protocol.RoomShare) &&
			stateOf(alice).Resolved
	}, e2eTimeout, e2ePoll)

	t.Run("optimistic like is confirmed", func(t *testing.T) {
		st, err := alice.ToggleLike(ctx, e2eItem.ID)
		require.NoError(t, err)
		assert.True(t, st.Liked)
		assert.Equal(t, 1, st.LikeCount)

		require.Eventually(t, func() bool {
			st := stateOf(alice)
			return st.Phase == models.PhaseResolved && st.Liked && st.LikeCount == 1
		}, e2eTimeout, e2ePoll)
	})

	t.Run("another viewer sees the count", func(t *testing.T) {
		bob := connectEngine(t, addr, "u2")
		require.NoError(t, bob.Focus(ctx, e2eItem))
		require.Eventually(t, func() bool {
			st := stateOf(bob)
			return st.Resolved && !st.Liked && st.LikeCount == 1
		}, e2eTimeout, e2ePoll)

		_, err := bob.ToggleLike(ctx, e2eItem.ID)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return stateOf(alice).LikeCount == 2 && stateOf(bob).Liked
		}, e2eTimeout, e2ePoll)
	})

	t.Run("comment round trip", func(t *testing.T) {
		comment, err := alice.SubmitComment(ctx, e2eItem.ID, "hello from the test")
		require.NoError(t, err)
		assert.NotEmpty(t, comment.ID)
		assert.Equal(t, "Ana", comment.AuthorName)

		require.Eventually(t, func() bool {
			return len(stateOf(alice).Comments) == 1
		}, e2eTimeout, e2ePoll)

		require.NoError(t, alice.DeleteComment(ctx, comment.ID))
		require.Eventually(t, func() bool {
			return len(stateOf(alice).Comments) == 0
		}, e2eTimeout, e2ePoll)
	})

	t.Run("share and recipients", func(t *testing.T) {
		recipients, err := alice.FetchRecipients(ctx)
		require.NoError(t, err)
		require.Len(t, recipients, 1)

		st, err := alice.Share(ctx, e2eItem.ID, recipients[0].ID)
		require.NoError(t, err)
		assert.Equal(t, 1, st.ShareCount)

		require.Eventually(t, func() bool {
			return stateOf(alice).ShareCount == 1
		}, e2eTimeout, e2ePoll)
	})

	t.Run("status check agrees with the server", func(t *testing.T) {
		liked, err := alice.CheckStatus(ctx, e2eItem.ID)
		require.NoError(t, err)
		assert.True(t, liked)
	})
}
