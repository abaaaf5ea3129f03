package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"engagesync/internal/models"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Event) == "" {
		return errors.New("missing field: event")
	}
	if _, ok := knownEvents[e.Event]; !ok {
		return fmt.Errorf("unknown event: %q", e.Event)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Event, err)
	}
	return nil
}

// NewEnvelope marshals payload under event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// Encode marshals payload under event into a wire frame.
func Encode(event string, payload any) ([]byte, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Parse decodes and validates a wire frame.
func Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ---- Payloads ----

// ItemRef is embedded in every payload. RequestID correlates a request with
// its response; servers that do not echo it are matched on ItemID alone.
type ItemRef struct {
	ItemID    string          `json:"itemId"`
	ItemKind  models.ItemKind `json:"itemKind,omitempty"`
	CreatorID string          `json:"creatorId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// RefFor builds an ItemRef for item on behalf of userID.
func RefFor(item models.ContentItem, userID string) ItemRef {
	return ItemRef{
		ItemID:    item.ID,
		ItemKind:  item.Kind,
		CreatorID: item.CreatorID,
		UserID:    userID,
	}
}

// RoomPayload is used by join-room, leave-room, room-joined and room-left.
type RoomPayload struct {
	ItemRef
	Room Room `json:"room"`
}

// LikePayload is sent with like and unlike.
type LikePayload struct {
	ItemRef
}

// LikeAckPayload acknowledges like/unlike with the resulting state.
type LikeAckPayload struct {
	ItemRef
	Liked     *bool `json:"liked,omitempty"`
	LikeCount *int  `json:"likeCount,omitempty"`
}

// CountRequestPayload asks for a count-update.
type CountRequestPayload struct {
	ItemRef
}

// CountUpdatePayload carries authoritative counters.
type CountUpdatePayload struct {
	ItemRef
	LikeCount    *int `json:"likeCount,omitempty"`
	ShareCount   *int `json:"shareCount,omitempty"`
	CommentCount *int `json:"commentCount,omitempty"`
}

// StatusCheckPayload asks whether UserID likes the item.
type StatusCheckPayload struct {
	ItemRef
}

// StatusResponsePayload answers check-status.
type StatusResponsePayload struct {
	ItemRef
	Liked bool `json:"liked"`
}

// MutationErrorPayload reports a rejected action.
type MutationErrorPayload struct {
	ItemRef
	Action  string `json:"action"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// CommentSubmitPayload submits a new comment.
type CommentSubmitPayload struct {
	ItemRef
	Text string `json:"text"`
}

// CommentAddedPayload announces a confirmed comment.
type CommentAddedPayload struct {
	ItemRef
	Comment models.Comment `json:"comment"`
}

// CommentListPayload requests the comment list.
type CommentListPayload struct {
	ItemRef
}

// CommentListResponsePayload returns the comment list in server order.
type CommentListResponsePayload struct {
	ItemRef
	Comments []models.Comment `json:"comments"`
}

// CommentDeletePayload requests deletion of a comment.
type CommentDeletePayload struct {
	ItemRef
	CommentID string `json:"commentId"`
}

// CommentDeletedPayload confirms a deletion.
type CommentDeletedPayload struct {
	ItemRef
	CommentID string `json:"commentId"`
}

// SharePayload shares the item with RecipientID.
type SharePayload struct {
	ItemRef
	RecipientID string `json:"recipientId"`
}

// ShareCountUpdatePayload carries the authoritative share count.
type ShareCountUpdatePayload struct {
	ItemRef
	ShareCount int `json:"shareCount"`
}

// ShareErrorPayload reports a failed share.
type ShareErrorPayload struct {
	ItemRef
	Message string `json:"message,omitempty"`
}
