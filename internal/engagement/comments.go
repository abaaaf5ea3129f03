package engagement

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"engagesync/internal/models"
	"engagesync/internal/observability"
	"engagesync/internal/protocol"

	"github.com/google/uuid"
)

type commentOutcome struct {
	comment models.Comment
	err     error
}

type commentWaiter struct {
	itemID string
	userID string
	text   string
	ch     chan commentOutcome
}

// commentWaiters correlates comment-added acks and comment errors with the
// submit waiting for them. Once the server has echoed a requestId, events
// without one are treated as room broadcasts and never resolve a submit.
type commentWaiters struct {
	mu     sync.Mutex
	byReq  map[string]*commentWaiter
	echoes bool
}

func newCommentWaiters() *commentWaiters {
	return &commentWaiters{byReq: make(map[string]*commentWaiter)}
}

func (w *commentWaiters) register(requestID, itemID, userID, text string) <-chan commentOutcome {
	cw := &commentWaiter{itemID: itemID, userID: userID, text: text, ch: make(chan commentOutcome, 1)}
	w.mu.Lock()
	w.byReq[requestID] = cw
	w.mu.Unlock()
	return cw.ch
}

func (w *commentWaiters) cancel(requestID string) {
	w.mu.Lock()
	delete(w.byReq, requestID)
	w.mu.Unlock()
}

// take removes and returns the waiter an event belongs to. Without a
// requestId, and only while the server has never echoed one, the waiter is
// matched on item and, for an added comment, on author and text.
func (w *commentWaiters) take(itemID, requestID string, added *models.Comment) *commentWaiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	if requestID != "" {
		w.echoes = true
		cw, ok := w.byReq[requestID]
		if !ok || cw.itemID != itemID {
			return nil
		}
		delete(w.byReq, requestID)
		return cw
	}
	if w.echoes {
		return nil
	}
	for id, cw := range w.byReq {
		if cw.itemID != itemID {
			continue
		}
		if added != nil && (cw.userID != added.AuthorID || cw.text != added.Text) {
			continue
		}
		delete(w.byReq, id)
		return cw
	}
	return nil
}

func (w *commentWaiters) fail(itemID, requestID string, err error) {
	if cw := w.take(itemID, requestID, nil); cw != nil {
		cw.ch <- commentOutcome{err: err}
	}
}

// JoinComments tracks item and joins its comment room.
func (e *Engine) JoinComments(ctx context.Context, item models.ContentItem) error {
	if _, err := e.Track(ctx, item); err != nil {
		return err
	}
	return e.Join(ctx, item.ID, protocol.RoomComment)
}

// ListComments requests the full comment list; the reply replaces the local list.
func (e *Engine) ListComments(ctx context.Context, itemID string) error {
	item, err := e.lookup(ctx, itemID)
	if err != nil {
		return err
	}
	userID, _ := e.userID(ctx)
	if err := e.channel.Emit(protocol.EventCommentList, protocol.CommentListPayload{ItemRef: e.ref(item, userID)}); err != nil {
		return e.surface(ctx, itemID, models.NewTransportUnavailableError("loading comments"))
	}
	return nil
}

// SubmitComment sends text and waits for the server's acknowledgement. The
// comment is only added locally once confirmed. One submit per item may be
// pending at a time.
func (e *Engine) SubmitComment(ctx context.Context, itemID, text string) (models.Comment, error) {
	item, err := e.lookup(ctx, itemID)
	if err != nil {
		return models.Comment{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Comment{}, models.NewValidationError("comment text cannot be empty")
	}
	userID, ok := e.userID(ctx)
	if !ok {
		return models.Comment{}, e.surface(ctx, itemID, models.NewUnauthenticatedError())
	}
	if !e.channel.Connected() {
		return models.Comment{}, e.surface(ctx, itemID, models.NewTransportUnavailableError("commenting"))
	}

	requestID := uuid.NewString()
	if err := e.store.BeginComment(itemID, requestID); err != nil {
		return models.Comment{}, err
	}
	defer e.store.EndComment(itemID, requestID)

	span, ctx := observability.NewSpan(ctx, "engagement.submit_comment", itemID)
	defer span.End()

	ch := e.comments.register(requestID, itemID, userID, text)
	defer e.comments.cancel(requestID)

	ref := e.ref(item, userID)
	ref.RequestID = requestID
	started := time.Now()
	if err := e.channel.Emit(protocol.EventCommentSubmit, protocol.CommentSubmitPayload{ItemRef: ref, Text: text}); err != nil {
		span.SetError(err)
		return models.Comment{}, e.surface(ctx, itemID, models.NewTransportUnavailableError("commenting"))
	}

	timer := time.NewTimer(e.timeouts.CommentSubmit)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			span.SetError(out.err)
			observability.RecordMutation(protocol.EventCommentSubmit, models.CodeOf(out.err), started)
			return models.Comment{}, e.surface(ctx, itemID, out.err)
		}
		observability.RecordMutation(protocol.EventCommentSubmit, "confirmed", started)
		return out.comment, nil
	case <-timer.C:
		err := models.NewTimeoutError("comment")
		span.SetError(err)
		observability.RecordMutation(protocol.EventCommentSubmit, models.CodeTimeout, started)
		return models.Comment{}, e.surface(ctx, itemID, err)
	case <-ctx.Done():
		return models.Comment{}, models.NewTimeoutError("comment")
	}
}

// DeleteComment asks the server to delete one of the current user's comments.
// The local list is updated when the deletion is confirmed.
func (e *Engine) DeleteComment(ctx context.Context, commentID string) error {
	if strings.TrimSpace(commentID) == "" {
		return e.invalidReference(ctx, commentID)
	}
	itemID, comment, ok := e.store.FindComment(commentID)
	if !ok {
		return models.NewNotFoundError("comment", commentID)
	}
	userID, ok := e.userID(ctx)
	if !ok {
		return e.surface(ctx, itemID, models.NewUnauthenticatedError())
	}
	if comment.AuthorID != userID {
		return models.NewForbiddenError("only the author can delete this comment")
	}
	item, _ := e.store.Item(itemID)
	if err := e.channel.Emit(protocol.EventCommentDelete, protocol.CommentDeletePayload{
		ItemRef:   e.ref(item, userID),
		CommentID: commentID,
	}); err != nil {
		return e.surface(ctx, itemID, models.NewTransportUnavailableError("deleting comments"))
	}
	return nil
}

func (e *Engine) onCommentAdded(env protocol.Envelope) {
	var p protocol.CommentAddedPayload
	if err := env.Decode(&p); err != nil {
		observability.GlobalLogger.Warn("bad comment-added payload", slog.String("error", err.Error()))
		return
	}
	e.store.PrependComment(p.ItemID, p.Comment)
	if cw := e.comments.take(p.ItemID, p.RequestID, &p.Comment); cw != nil {
		cw.ch <- commentOutcome{comment: p.Comment}
	}
}

func (e *Engine) onCommentList(env protocol.Envelope) {
	var p protocol.CommentListResponsePayload
	if err := env.Decode(&p); err != nil {
		observability.GlobalLogger.Warn("bad comment-list-response payload", slog.String("error", err.Error()))
		return
	}
	e.store.ReplaceComments(p.ItemID, p.Comments)
}

func (e *Engine) onCommentDeleted(env protocol.Envelope) {
	var p protocol.CommentDeletedPayload
	if err := env.Decode(&p); err != nil {
		observability.GlobalLogger.Warn("bad comment-deleted payload", slog.String("error", err.Error()))
		return
	}
	if !e.store.RemoveComment(p.ItemID, p.CommentID) {
		return
	}
	item, ok := e.store.Item(p.ItemID)
	if !ok {
		return
	}
	userID, _ := e.userID(e.ctx)
	e.emit(e.ctx, protocol.EventCommentList, protocol.CommentListPayload{ItemRef: e.ref(item, userID)})
}
