package protocol

import (
	"testing"

	"engagesync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RoundTripsLikeAck(t *testing.T) {
	t.Parallel()

	liked := true
	frame, err := Encode(EventLikeAck, LikeAckPayload{
		ItemRef: ItemRef{ItemID: "p1", ItemKind: models.ItemKindPost, RequestID: "r1"},
		Liked:   &liked,
	})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"event":"like-ack"`)
	assert.Contains(t, string(frame), `"itemId":"p1"`)

	env, err := Parse(frame)
	require.NoError(t, err)

	var p LikeAckPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "p1", p.ItemID)
	assert.Equal(t, "r1", p.RequestID)
	require.NotNil(t, p.Liked)
	assert.True(t, *p.Liked)
	assert.Nil(t, p.LikeCount)
}

func TestParse_RejectsUnknownAndMissingEvents(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"event":"teleport","payload":{}}`))
	assert.ErrorContains(t, err, "unknown event")

	_, err = Parse([]byte(`{"payload":{}}`))
	assert.ErrorContains(t, err, "missing field: event")

	_, err = Parse([]byte(`not json`))
	assert.ErrorContains(t, err, "decode envelope")
}

func TestEnvelope_DecodeMissingPayload(t *testing.T) {
	t.Parallel()

	err := Envelope{Event: EventCountUpdate}.Decode(&CountUpdatePayload{})
	assert.ErrorContains(t, err, "missing payload")
}

func TestRefFor(t *testing.T) {
	t.Parallel()

	ref := RefFor(models.ContentItem{ID: "v9", Kind: models.ItemKindShorts, CreatorID: "c1"}, "u1")
	assert.Equal(t, ItemRef{ItemID: "v9", ItemKind: models.ItemKindShorts, CreatorID: "c1", UserID: "u1"}, ref)
	assert.True(t, RoomComment.Valid())
	assert.False(t, Room("gift").Valid())
}
