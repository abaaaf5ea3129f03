package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"engagesync/internal/models"
	"engagesync/internal/observability"
	"engagesync/internal/protocol"
	"engagesync/internal/repository"

	"go.opentelemetry.io/otel/codes"
)

const (
	defaultEventTimeout = 5 * time.Second
	maxCommentLength    = 2000
)

// Dispatcher answers client events for one hub. Direct answers go to the
// requesting client with its requestId; room fan-out goes to everyone else in
// the room without it.
type Dispatcher struct {
	hub     *Hub
	repo    repository.EngagementRepository
	log     *observability.ChannelLogger
	timeout time.Duration
}

// NewDispatcher creates a Dispatcher over hub and repo.
func NewDispatcher(hub *Hub, repo repository.EngagementRepository) *Dispatcher {
	return &Dispatcher{
		hub:     hub,
		repo:    repo,
		log:     observability.NewChannelLogger("gateway"),
		timeout: defaultEventTimeout,
	}
}

// Handle processes one inbound frame from c.
func (d *Dispatcher) Handle(c *Client, frame []byte) {
	env, err := protocol.Parse(frame)
	if err != nil {
		d.log.LogError(context.Background(), c.UserID, err, "parse")
		return
	}
	observability.WebSocketEventsTotal.WithLabelValues("gateway", env.Event).Inc()

	ctx, span := observability.TraceWebSocket(context.Background(), env.Event)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	d.log.LogMessage(ctx, c.UserID, "inbound", env.Event)

	var ref protocol.ItemRef
	if err := env.Decode(&ref); err != nil {
		d.reject(ctx, c, ref, env.Event, models.NewValidationError(err.Error()))
		return
	}
	// The authenticated user always wins over a claimed one.
	ref.UserID = c.UserID

	if err := d.dispatch(ctx, c, env, ref); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.reject(ctx, c, ref, env.Event, err)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, c *Client, env protocol.Envelope, ref protocol.ItemRef) error {
	if models.IsPlaceholderID(ref.ItemID) {
		return models.NewInvalidReferenceError(ref.ItemID)
	}
	if ref.ItemKind != "" && !ref.ItemKind.Valid() {
		return models.NewValidationError(fmt.Sprintf("unknown item kind %q", ref.ItemKind))
	}

	switch env.Event {
	case protocol.EventJoinRoom, protocol.EventLeaveRoom:
		return d.room(c, env, ref)
	case protocol.EventLike:
		return d.like(ctx, c, ref, true)
	case protocol.EventUnlike:
		return d.like(ctx, c, ref, false)
	case protocol.EventCheckStatus:
		return d.status(ctx, c, ref)
	case protocol.EventRequestCount:
		return d.counts(ctx, c, ref)
	case protocol.EventCommentSubmit:
		return d.commentSubmit(ctx, c, env, ref)
	case protocol.EventCommentList:
		return d.commentList(ctx, c, ref)
	case protocol.EventCommentDelete:
		return d.commentDelete(ctx, c, env, ref)
	case protocol.EventShare:
		return d.share(ctx, c, env, ref)
	default:
		return models.NewValidationError(fmt.Sprintf("event %q is not accepted from clients", env.Event))
	}
}

func (d *Dispatcher) room(c *Client, env protocol.Envelope, ref protocol.ItemRef) error {
	var p protocol.RoomPayload
	if err := env.Decode(&p); err != nil {
		return models.NewValidationError(err.Error())
	}
	if !p.Room.Valid() {
		return models.NewValidationError(fmt.Sprintf("unknown room %q", p.Room))
	}
	key := RoomKey(p.Room, ref.ItemID)

	if env.Event == protocol.EventJoinRoom {
		d.hub.Join(c, key)
		d.send(c, protocol.EventRoomJoined, protocol.RoomPayload{ItemRef: ref, Room: p.Room})
		return nil
	}
	d.hub.Leave(c, key)
	d.send(c, protocol.EventRoomLeft, protocol.RoomPayload{ItemRef: ref, Room: p.Room})
	return nil
}

func (d *Dispatcher) like(ctx context.Context, c *Client, ref protocol.ItemRef, liked bool) error {
	item := models.ContentItem{ID: ref.ItemID, Kind: ref.ItemKind, CreatorID: ref.CreatorID}
	if _, err := d.repo.SetLiked(ctx, c.UserID, item, liked); err != nil {
		return models.NewInternalError(err)
	}
	count, err := d.repo.LikeCount(ctx, ref.ItemID)
	if err != nil {
		return models.NewInternalError(err)
	}

	ack := protocol.EventLikeAck
	if !liked {
		ack = protocol.EventUnlikeAck
	}
	d.send(c, ack, protocol.LikeAckPayload{ItemRef: ref, Liked: &liked, LikeCount: &count})
	d.publish(ctx, c, RoomKey(protocol.RoomLike, ref.ItemID), protocol.EventCountUpdate, protocol.CountUpdatePayload{
		ItemRef:   broadcastRef(ref),
		LikeCount: &count,
	})
	return nil
}

func (d *Dispatcher) status(ctx context.Context, c *Client, ref protocol.ItemRef) error {
	liked, err := d.repo.IsLiked(ctx, c.UserID, ref.ItemID)
	if err != nil {
		return models.NewInternalError(err)
	}
	d.send(c, protocol.EventStatusResponse, protocol.StatusResponsePayload{ItemRef: ref, Liked: liked})
	return nil
}

func (d *Dispatcher) counts(ctx context.Context, c *Client, ref protocol.ItemRef) error {
	likes, err := d.repo.LikeCount(ctx, ref.ItemID)
	if err != nil {
		return models.NewInternalError(err)
	}
	shares, err := d.repo.ShareCount(ctx, ref.ItemID)
	if err != nil {
		return models.NewInternalError(err)
	}
	comments, err := d.repo.CommentCount(ctx, ref.ItemID)
	if err != nil {
		return models.NewInternalError(err)
	}
	d.send(c, protocol.EventCountUpdate, protocol.CountUpdatePayload{
		ItemRef:      ref,
		LikeCount:    &likes,
		ShareCount:   &shares,
		CommentCount: &comments,
	})
	return nil
}

func (d *Dispatcher) commentSubmit(ctx context.Context, c *Client, env protocol.Envelope, ref protocol.ItemRef) error {
	var p protocol.CommentSubmitPayload
	if err := env.Decode(&p); err != nil {
		return models.NewValidationError(err.Error())
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return models.NewValidationError("comment text cannot be empty")
	}
	if len(text) > maxCommentLength {
		return models.NewValidationError(fmt.Sprintf("comment is longer than %d characters", maxCommentLength))
	}

	row, err := d.repo.CreateComment(ctx, ref.ItemID, c.UserID, d.repo.DisplayName(ctx, c.UserID), text)
	if err != nil {
		return models.NewInternalError(err)
	}
	comment := row.ToModel()
	d.send(c, protocol.EventCommentAdded, protocol.CommentAddedPayload{ItemRef: ref, Comment: comment})
	d.publish(ctx, c, RoomKey(protocol.RoomComment, ref.ItemID), protocol.EventCommentAdded, protocol.CommentAddedPayload{
		ItemRef: broadcastRef(ref),
		Comment: comment,
	})
	return nil
}

func (d *Dispatcher) commentList(ctx context.Context, c *Client, ref protocol.ItemRef) error {
	rows, err := d.repo.ListComments(ctx, ref.ItemID)
	if err != nil {
		return models.NewInternalError(err)
	}
	comments := make([]models.Comment, 0, len(rows))
	for _, row := range rows {
		comments = append(comments, row.ToModel())
	}
	d.send(c, protocol.EventCommentListResponse, protocol.CommentListResponsePayload{ItemRef: ref, Comments: comments})
	return nil
}

func (d *Dispatcher) commentDelete(ctx context.Context, c *Client, env protocol.Envelope, ref protocol.ItemRef) error {
	var p protocol.CommentDeletePayload
	if err := env.Decode(&p); err != nil {
		return models.NewValidationError(err.Error())
	}
	if strings.TrimSpace(p.CommentID) == "" {
		return models.NewInvalidReferenceError(p.CommentID)
	}

	row, err := d.repo.GetComment(ctx, p.CommentID)
	if err != nil {
		return err
	}
	if row.ItemID != ref.ItemID {
		return models.NewNotFoundError("comment", p.CommentID)
	}
	if row.AuthorID != c.UserID {
		return models.NewForbiddenError("only the author can delete this comment")
	}
	if err := d.repo.DeleteComment(ctx, p.CommentID); err != nil {
		return err
	}

	d.send(c, protocol.EventCommentDeleted, protocol.CommentDeletedPayload{ItemRef: ref, CommentID: p.CommentID})
	d.publish(ctx, c, RoomKey(protocol.RoomComment, ref.ItemID), protocol.EventCommentDeleted, protocol.CommentDeletedPayload{
		ItemRef:   broadcastRef(ref),
		CommentID: p.CommentID,
	})
	return nil
}

func (d *Dispatcher) share(ctx context.Context, c *Client, env protocol.Envelope, ref protocol.ItemRef) error {
	var p protocol.SharePayload
	if err := env.Decode(&p); err != nil {
		return models.NewValidationError(err.Error())
	}
	recipient := strings.TrimSpace(p.RecipientID)
	if recipient == "" {
		return models.NewValidationError("recipient is required")
	}
	if recipient == c.UserID {
		return models.NewValidationError("cannot share with yourself")
	}
	ok, err := d.repo.RecipientExists(ctx, recipient)
	if err != nil {
		return models.NewInternalError(err)
	}
	if !ok {
		return models.NewNotFoundError("recipient", recipient)
	}

	count, err := d.repo.AddShare(ctx, c.UserID, ref.ItemID, recipient)
	if err != nil {
		return models.NewInternalError(err)
	}
	d.send(c, protocol.EventShareCountUpdate, protocol.ShareCountUpdatePayload{ItemRef: ref, ShareCount: count})
	d.publish(ctx, c, RoomKey(protocol.RoomShare, ref.ItemID), protocol.EventShareCountUpdate, protocol.ShareCountUpdatePayload{
		ItemRef:    broadcastRef(ref),
		ShareCount: count,
	})
	return nil
}

// reject reports err to c: share failures as share-error, everything else as
// mutation-error tagged with the failed action.
func (d *Dispatcher) reject(ctx context.Context, c *Client, ref protocol.ItemRef, action string, err error) {
	code := models.CodeOf(err)
	message := err.Error()
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if code == models.CodeInternal {
		d.log.LogError(ctx, c.UserID, err, action)
		message = "internal error"
	} else {
		observability.GlobalLogger.DebugContext(ctx, "event rejected",
			slog.String("user_id", c.UserID),
			slog.String("event", action),
			slog.String("code", code),
			slog.String("reason", message))
	}

	if action == protocol.EventShare {
		d.send(c, protocol.EventShareError, protocol.ShareErrorPayload{ItemRef: ref, Message: message})
		return
	}
	d.send(c, protocol.EventMutationError, protocol.MutationErrorPayload{
		ItemRef: ref,
		Action:  action,
		Code:    code,
		Message: message,
	})
}

func (d *Dispatcher) send(c *Client, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		d.log.LogError(context.Background(), c.UserID, err, event)
		return
	}
	if c.TrySend(frame) {
		d.log.LogMessage(context.Background(), c.UserID, "outbound", event)
	}
}

// publish fans a frame out to room key. origin may be nil for REST mutations.
func (d *Dispatcher) publish(ctx context.Context, origin *Client, key, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		d.log.LogError(ctx, "", err, event)
		return
	}
	d.hub.Publish(ctx, key, origin, frame)
}

// broadcastRef drops the requester-specific fields before room fan-out.
func broadcastRef(ref protocol.ItemRef) protocol.ItemRef {
	ref.UserID = ""
	ref.RequestID = ""
	return ref
}
