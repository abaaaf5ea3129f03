package engagement

import (
	"testing"
	"time"

	"engagesync/internal/cache"
	"engagesync/internal/models"
	"engagesync/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrackedStore(t *testing.T, liked bool, likeCount int) *Store {
	t.Helper()
	s := NewStore()
	s.Track(testItem)
	s.SetLiked(testItem.ID, liked)
	s.ApplyCounts(testItem.ID, &likeCount, nil)
	return s
}

func TestStore_PhaseMachine(t *testing.T) {
	t.Parallel()
	s := newTrackedStore(t, false, 10)

	token, err := s.BeginMutation(testItem.ID)
	require.NoError(t, err)
	st, _ := s.Get(testItem.ID)
	assert.Equal(t, models.PhaseChecking, st.Phase)
	assert.True(t, st.MutationInFlight)
	assert.Nil(t, st.Snapshot)

	_, err = s.BeginMutation(testItem.ID)
	assert.True(t, models.IsCode(err, models.CodeMutationInFlight))

	action, ok := s.ApplyOptimistic(testItem.ID, token, "req-1")
	require.True(t, ok)
	assert.Equal(t, protocol.EventLike, action)

	st, _ = s.Get(testItem.ID)
	assert.Equal(t, models.PhasePending, st.Phase)
	assert.True(t, st.Liked)
	assert.Equal(t, 11, st.LikeCount)
	require.NotNil(t, st.Snapshot)
	assert.Equal(t, models.LikeSnapshot{Liked: false, LikeCount: 10}, *st.Snapshot)

	_, ok = s.ConfirmLike(testItem.ID, likeMatch{requestID: "other"}, likeOutcome{})
	assert.False(t, ok, "ack for another request must not settle the mutation")

	count := 42
	_, ok = s.ConfirmLike(testItem.ID, likeMatch{requestID: "req-1"}, likeOutcome{likeCount: &count})
	require.True(t, ok)

	st, _ = s.Get(testItem.ID)
	assert.Equal(t, models.PhaseResolved, st.Phase)
	assert.False(t, st.MutationInFlight)
	assert.Nil(t, st.Snapshot)
	assert.Equal(t, 42, st.LikeCount)
	assert.True(t, st.Resolved)
}

func TestStore_StaleTokenIsNoop(t *testing.T) {
	t.Parallel()
	s := newTrackedStore(t, true, 1)

	first, err := s.BeginMutation(testItem.ID)
	require.NoError(t, err)
	_, ok := s.ApplyOptimistic(testItem.ID, first, "req-1")
	require.True(t, ok)
	_, _, ok = s.RollbackLike(testItem.ID, likeMatch{token: first})
	require.True(t, ok)

	st, _ := s.Get(testItem.ID)
	assert.Equal(t, models.PhaseRolledBack, st.Phase)
	assert.True(t, st.Liked)
	assert.Equal(t, 1, st.LikeCount)

	second, err := s.BeginMutation(testItem.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// A late outcome for the first mutation touches nothing.
	_, _, ok = s.RollbackLike(testItem.ID, likeMatch{token: first})
	assert.False(t, ok)
	_, ok = s.ApplyOptimistic(testItem.ID, first, "req-x")
	assert.False(t, ok)

	action, ok := s.ApplyOptimistic(testItem.ID, second, "req-2")
	require.True(t, ok)
	assert.Equal(t, protocol.EventUnlike, action)
	st, _ = s.Get(testItem.ID)
	assert.Zero(t, st.LikeCount)
}

func TestStore_UnlikeAtZeroClamps(t *testing.T) {
	t.Parallel()
	s := newTrackedStore(t, true, 0)

	token, err := s.BeginMutation(testItem.ID)
	require.NoError(t, err)
	_, ok := s.ApplyOptimistic(testItem.ID, token, "")
	require.True(t, ok)

	st, _ := s.Get(testItem.ID)
	assert.False(t, st.Liked)
	assert.Zero(t, st.LikeCount)

	neg := -3
	_, ok = s.ConfirmLike(testItem.ID, likeMatch{token: token}, likeOutcome{likeCount: &neg})
	require.True(t, ok)
	st, _ = s.Get(testItem.ID)
	assert.Zero(t, st.LikeCount)
}

func TestStore_DeadlineStoppedOnSettle(t *testing.T) {
	t.Parallel()
	s := newTrackedStore(t, false, 0)

	token, err := s.BeginMutation(testItem.ID)
	require.NoError(t, err)
	_, ok := s.ApplyOptimistic(testItem.ID, token, "req-1")
	require.True(t, ok)

	fired := make(chan struct{}, 1)
	timer := time.AfterFunc(50*time.Millisecond, func() { fired <- struct{}{} })
	s.AttachDeadline(testItem.ID, token, timer)

	_, ok = s.ConfirmLike(testItem.ID, likeMatch{token: token}, likeOutcome{})
	require.True(t, ok)

	select {
	case <-fired:
		t.Fatal("deadline fired after the mutation settled")
	case <-time.After(100 * time.Millisecond):
	}

	// Attaching to a settled mutation stops the timer right away.
	late := time.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	s.AttachDeadline(testItem.ID, token, late)
	select {
	case <-fired:
		t.Fatal("late deadline fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestStore_Stale(t *testing.T) {
	t.Parallel()
	s := newTrackedStore(t, false, 0)

	token, err := s.BeginMutation(testItem.ID)
	require.NoError(t, err)

	assert.Empty(t, s.Stale(time.Second, time.Now()))
	stale := s.Stale(time.Second, time.Now().Add(2*time.Second))
	require.Len(t, stale, 1)
	assert.Equal(t, token, stale[0].token)
	assert.Equal(t, testItem.ID, stale[0].itemID)
}

func TestStore_StaleAgeRestartsWhenPending(t *testing.T) {
	t.Parallel()
	s := newTrackedStore(t, false, 0)

	token, err := s.BeginMutation(testItem.ID)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, ok := s.ApplyOptimistic(testItem.ID, token, "req-1")
	require.True(t, ok)

	// Time spent checking status does not count against the pending bound.
	assert.Empty(t, s.Stale(25*time.Millisecond, time.Now()))
	assert.Len(t, s.Stale(25*time.Millisecond, time.Now().Add(50*time.Millisecond)), 1)
}

func TestStore_SetLikedIgnoredWhilePending(t *testing.T) {
	t.Parallel()
	s := newTrackedStore(t, false, 0)

	token, err := s.BeginMutation(testItem.ID)
	require.NoError(t, err)

	// Checking still accepts the authoritative answer.
	assert.True(t, s.SetLiked(testItem.ID, true))
	_, ok := s.ApplyOptimistic(testItem.ID, token, "")
	require.True(t, ok)

	assert.False(t, s.SetLiked(testItem.ID, true))
	st, _ := s.Get(testItem.ID)
	assert.False(t, st.Liked)
}

func TestStore_SeedOnlyBeforeResolution(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Track(testItem)

	s.Seed(testItem.ID, cache.Entry{Liked: true, LikeCount: 7, ShareCount: -2})
	st, _ := s.Get(testItem.ID)
	assert.True(t, st.Liked)
	assert.Equal(t, 7, st.LikeCount)
	assert.Zero(t, st.ShareCount)
	assert.False(t, st.Resolved)

	s.SetLiked(testItem.ID, false)
	s.Seed(testItem.ID, cache.Entry{Liked: true, LikeCount: 99})
	st, _ = s.Get(testItem.ID)
	assert.False(t, st.Liked)
	assert.Equal(t, 7, st.LikeCount)
}

func TestStore_Rooms(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Track(testItem)
	s.Track(otherItem)

	assert.True(t, s.MarkJoined(otherItem.ID, protocol.RoomShare))
	assert.True(t, s.MarkJoined(testItem.ID, protocol.RoomLike))
	assert.False(t, s.MarkJoined(testItem.ID, protocol.RoomLike))
	assert.False(t, s.MarkJoined("missing", protocol.RoomLike))

	assert.Equal(t, []roomRef{
		{itemID: testItem.ID, room: protocol.RoomLike},
		{itemID: otherItem.ID, room: protocol.RoomShare},
	}, s.JoinedRooms())

	assert.False(t, s.Untrack(testItem.ID), "joined items stay tracked")
	assert.True(t, s.MarkLeft(testItem.ID, protocol.RoomLike))
	assert.False(t, s.MarkLeft(testItem.ID, protocol.RoomLike))
	assert.True(t, s.Untrack(testItem.ID))
	assert.Equal(t, []string{otherItem.ID}, s.ItemIDs())
}

func TestStore_Comments(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Track(testItem)

	require.NoError(t, s.BeginComment(testItem.ID, "r1"))
	assert.True(t, models.IsCode(s.BeginComment(testItem.ID, "r2"), models.CodeSubmitPending))
	assert.True(t, models.IsCode(s.BeginComment("missing", "r3"), models.CodeInvalidReference))

	s.EndComment(testItem.ID, "r2")
	st, _ := s.Get(testItem.ID)
	assert.True(t, st.CommentPending)
	s.EndComment(testItem.ID, "r1")
	st, _ = s.Get(testItem.ID)
	assert.False(t, st.CommentPending)

	assert.True(t, s.PrependComment(testItem.ID, models.Comment{ID: "a"}))
	assert.True(t, s.PrependComment(testItem.ID, models.Comment{ID: "b"}))
	assert.False(t, s.PrependComment(testItem.ID, models.Comment{ID: "a"}))

	itemID, c, ok := s.FindComment("a")
	require.True(t, ok)
	assert.Equal(t, testItem.ID, itemID)
	assert.Equal(t, "a", c.ID)

	assert.True(t, s.RemoveComment(testItem.ID, "b"))
	assert.False(t, s.RemoveComment(testItem.ID, "b"))
	st, _ = s.Get(testItem.ID)
	require.Len(t, st.Comments, 1)
	assert.Equal(t, "a", st.Comments[0].ID)
}

func TestStore_ViewIsACopy(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Track(testItem)
	s.PrependComment(testItem.ID, models.Comment{ID: "a", Text: "orig"})

	st, _ := s.Get(testItem.ID)
	st.Comments[0].Text = "mutated"

	again, _ := s.Get(testItem.ID)
	assert.Equal(t, "orig", again.Comments[0].Text)
}
