package engagement

import (
	"context"
	"log/slog"
	"time"

	"engagesync/internal/models"
	"engagesync/internal/observability"
	"engagesync/internal/protocol"
	"engagesync/internal/rest"

	"github.com/google/uuid"
)

// ToggleLike flips the like state of itemID optimistically and sends the
// matching like or unlike. Over the channel the outcome arrives later as an
// ack, a mutation-error or a deadline expiry; over REST it is settled before
// returning. The returned state is the view right after the call.
func (e *Engine) ToggleLike(ctx context.Context, itemID string) (models.EngagementState, error) {
	item, err := e.lookup(ctx, itemID)
	if err != nil {
		return models.EngagementState{}, err
	}
	userID, ok := e.userID(ctx)
	if !ok {
		st, _ := e.store.Get(itemID)
		return st, e.surface(ctx, itemID, models.NewUnauthenticatedError())
	}

	token, err := e.store.BeginMutation(itemID)
	if err != nil {
		st, _ := e.store.Get(itemID)
		return st, err
	}

	span, ctx := observability.NewSpan(ctx, "engagement.toggle_like", itemID)
	defer span.End()

	// The authoritative liked value decides between like and unlike.
	e.checkStatus(ctx, item)

	requestID := uuid.NewString()
	action, ok := e.store.ApplyOptimistic(itemID, token, requestID)
	if !ok {
		// The sweep already terminated and reported this mutation.
		st, _ := e.store.Get(itemID)
		return st, models.NewTimeoutError("like")
	}
	observability.LogAsyncOperationStart(ctx, action, map[string]any{
		"item_id":    itemID,
		"request_id": requestID,
	})

	if e.channel.Connected() {
		timer := time.AfterFunc(e.timeouts.LikeAck, func() { e.expireLike(itemID, token) })
		e.store.AttachDeadline(itemID, token, timer)

		ref := e.ref(item, userID)
		ref.RequestID = requestID
		emitErr := e.channel.Emit(action, protocol.LikePayload{ItemRef: ref})
		if emitErr == nil {
			st, _ := e.store.Get(itemID)
			return st, nil
		}
		observability.GlobalLogger.InfoContext(ctx, "like emit failed, using REST fallback",
			slog.String("item_id", itemID), slog.String("error", emitErr.Error()))
		e.store.DisarmDeadline(itemID, token)
	}

	err = e.likeViaREST(ctx, item, userID, token, action)
	if err != nil {
		span.SetError(err)
	}
	st, _ := e.store.Get(itemID)
	return st, err
}

func (e *Engine) likeViaREST(ctx context.Context, item models.ContentItem, userID string, token uint64, action string) error {
	if !e.restEnabled(userID) {
		return e.rollback(ctx, item.ID, likeMatch{token: token}, models.NewTransportUnavailableError(action))
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeouts.RESTCall)
	defer cancel()

	var res rest.LikeResult
	var err error
	if action == protocol.EventLike {
		res, err = e.rest.Like(callCtx, item)
	} else {
		res, err = e.rest.Unlike(callCtx, item)
	}
	if err != nil {
		if models.CodeOf(err) == models.CodeInternal || callCtx.Err() != nil {
			err = models.NewTimeoutError(action)
		}
		return e.rollback(ctx, item.ID, likeMatch{token: token}, err)
	}

	out := likeOutcome{liked: res.Liked, likeCount: res.LikeCount}
	started, ok := e.store.ConfirmLike(item.ID, likeMatch{token: token}, out)
	if !ok {
		e.adoptLateOutcome(ctx, item.ID, action, out)
		return nil
	}
	observability.RecordMutation(action, "confirmed", started)
	observability.LogAsyncOperationEnd(ctx, action, map[string]any{"item_id": item.ID, "via": "rest"})
	e.persist(item.ID)
	return nil
}

// adoptLateOutcome applies a server success whose mutation was already
// terminated locally. The server holds the change, so its values win; when it
// reported no liked value the item is re-checked instead. Outcomes arriving
// while a newer mutation is in flight are left to that mutation.
func (e *Engine) adoptLateOutcome(ctx context.Context, itemID, action string, out likeOutcome) {
	if st, ok := e.store.Get(itemID); !ok || st.MutationInFlight {
		return
	}
	observability.GlobalLogger.InfoContext(ctx, "adopting late like outcome",
		slog.String("item_id", itemID), slog.String("action", action))
	if out.likeCount != nil {
		e.store.ApplyCounts(itemID, out.likeCount, nil)
	}
	if out.liked == nil || !e.store.SetLiked(itemID, *out.liked) {
		e.store.Invalidate(itemID)
		e.ScheduleCheck(itemID)
		return
	}
	e.persist(itemID)
}

// rollback settles the matching mutation as RolledBack and surfaces cause.
// It returns cause, or nil when nothing matched.
func (e *Engine) rollback(ctx context.Context, itemID string, m likeMatch, cause error) error {
	action, started, ok := e.store.RollbackLike(itemID, m)
	if !ok {
		return nil
	}
	if action == "" {
		action = "like"
	}
	observability.RecordMutation(action, models.CodeOf(cause), started)
	observability.LogAsyncOperationError(ctx, action, cause, map[string]any{"item_id": itemID})
	return e.surface(ctx, itemID, cause)
}

func (e *Engine) expireLike(itemID string, token uint64) {
	st, ok := e.store.Get(itemID)
	action := protocol.EventLike
	if ok && st.Snapshot != nil && st.Snapshot.Liked {
		action = protocol.EventUnlike
	}
	_ = e.rollback(e.ctx, itemID, likeMatch{token: token}, models.NewTimeoutError(action))
}

func (e *Engine) onLikeAck(env protocol.Envelope) {
	var p protocol.LikeAckPayload
	if err := env.Decode(&p); err != nil {
		observability.GlobalLogger.Warn("bad like ack payload", slog.String("error", err.Error()))
		return
	}
	action := protocol.EventLike
	if env.Event == protocol.EventUnlikeAck {
		action = protocol.EventUnlike
	}

	m := likeMatch{requestID: p.RequestID, action: action}
	out := likeOutcome{liked: p.Liked, likeCount: p.LikeCount}
	started, ok := e.store.ConfirmLike(p.ItemID, m, out)
	if !ok {
		e.adoptLateOutcome(e.ctx, p.ItemID, action, out)
		return
	}
	observability.RecordMutation(action, "confirmed", started)
	observability.LogAsyncOperationEnd(e.ctx, action, map[string]any{"item_id": p.ItemID, "via": "channel"})
	e.requestCount(p.ItemID)
	e.persist(p.ItemID)
}

func (e *Engine) onMutationError(env protocol.Envelope) {
	var p protocol.MutationErrorPayload
	if err := env.Decode(&p); err != nil {
		observability.GlobalLogger.Warn("bad mutation-error payload", slog.String("error", err.Error()))
		return
	}

	switch p.Action {
	case protocol.EventLike, protocol.EventUnlike:
		m := likeMatch{requestID: p.RequestID, action: p.Action}
		_ = e.rollback(e.ctx, p.ItemID, m, models.NewMutationRejectedError(p.Action, p.Message))
	case protocol.EventCommentSubmit:
		e.comments.fail(p.ItemID, p.RequestID, models.NewMutationRejectedError("comment", p.Message))
	case protocol.EventCommentDelete:
		_ = e.surface(e.ctx, p.ItemID, models.NewMutationRejectedError("delete comment", p.Message))
	case protocol.EventShare:
		e.shareFailed(p.ItemID, p.Message)
	default:
		observability.GlobalLogger.Warn("mutation-error for unknown action",
			slog.String("item_id", p.ItemID), slog.String("action", p.Action))
	}
}
