package engagement

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"engagesync/internal/models"
	"engagesync/internal/observability"
	"engagesync/internal/protocol"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

var errCheckNotReady = errors.New("status check preconditions not met")

type statusWaiter struct {
	itemID string
	ch     chan bool
}

// statusWaiters correlates status-response events with outstanding checks.
// Responses that echo a requestId resolve only that check; responses without
// one resolve every check for the item.
type statusWaiters struct {
	mu    sync.Mutex
	byReq map[string]*statusWaiter
}

func newStatusWaiters() *statusWaiters {
	return &statusWaiters{byReq: make(map[string]*statusWaiter)}
}

func (w *statusWaiters) register(itemID string) (string, <-chan bool) {
	id := uuid.NewString()
	sw := &statusWaiter{itemID: itemID, ch: make(chan bool, 1)}
	w.mu.Lock()
	w.byReq[id] = sw
	w.mu.Unlock()
	return id, sw.ch
}

func (w *statusWaiters) cancel(requestID string) {
	w.mu.Lock()
	delete(w.byReq, requestID)
	w.mu.Unlock()
}

func (w *statusWaiters) resolve(itemID, requestID string, liked bool) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	deliver := func(id string, sw *statusWaiter) {
		select {
		case sw.ch <- liked:
		default:
		}
		delete(w.byReq, id)
	}

	if requestID != "" {
		if sw, ok := w.byReq[requestID]; ok && sw.itemID == itemID {
			deliver(requestID, sw)
			return 1
		}
		return 0
	}
	n := 0
	for id, sw := range w.byReq {
		if sw.itemID == itemID {
			deliver(id, sw)
			n++
		}
	}
	return n
}

// CheckStatus resolves whether the current user likes itemID. Over the channel
// it waits at most the status bound for the matching response; while
// disconnected it tries the REST fallback within the same bound. On timeout or
// missing preconditions it returns the last local value and leaves resolved
// untouched.
func (e *Engine) CheckStatus(ctx context.Context, itemID string) (bool, error) {
	item, err := e.lookup(ctx, itemID)
	if err != nil {
		return false, err
	}
	liked, _ := e.checkStatus(ctx, item)
	return liked, nil
}

// checkStatus reports the liked value and whether it came from an
// authoritative source.
func (e *Engine) checkStatus(ctx context.Context, item models.ContentItem) (bool, bool) {
	span, ctx := observability.NewSpan(ctx, "engagement.check_status", item.ID)
	defer span.End()

	local := func() bool {
		st, _ := e.store.Get(item.ID)
		return st.Liked
	}

	userID, ok := e.userID(ctx)
	if !ok {
		observability.StatusChecksTotal.WithLabelValues("none", "unauthenticated").Inc()
		return local(), false
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeouts.StatusCheck)
	defer cancel()

	if e.channel.Connected() {
		requestID, ch := e.statuses.register(item.ID)
		defer e.statuses.cancel(requestID)

		ref := e.ref(item, userID)
		ref.RequestID = requestID
		if err := e.channel.Emit(protocol.EventCheckStatus, protocol.StatusCheckPayload{ItemRef: ref}); err == nil {
			select {
			case liked := <-ch:
				observability.StatusChecksTotal.WithLabelValues("channel", "ok").Inc()
				return liked, true
			case <-ctx.Done():
				observability.StatusChecksTotal.WithLabelValues("channel", "timeout").Inc()
				return local(), false
			}
		}
	}

	if !e.restEnabled(userID) {
		observability.StatusChecksTotal.WithLabelValues("none", "unavailable").Inc()
		return local(), false
	}
	liked, err := e.rest.LikeStatus(ctx, item)
	if err != nil {
		span.SetError(err)
		observability.StatusChecksTotal.WithLabelValues("rest", "error").Inc()
		return local(), false
	}
	observability.StatusChecksTotal.WithLabelValues("rest", "ok").Inc()
	if e.store.SetLiked(item.ID, liked) {
		e.persist(item.ID)
	}
	return liked, true
}

// ScheduleCheck runs a best-effort status check in the background, retrying
// with a constant backoff while the user or the transport is not yet
// available. At most one scheduled check per item runs at a time; it reports
// whether a new one was started.
func (e *Engine) ScheduleCheck(itemID string) bool {
	if !e.store.TryBeginCheck(itemID) {
		return false
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.store.EndCheck(itemID)
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.store.EndCheck(itemID)

		_, err := backoff.Retry(e.ctx, func() (bool, error) {
			item, ok := e.store.Item(itemID)
			if !ok {
				return false, backoff.Permanent(models.NewInvalidReferenceError(itemID))
			}
			userID, ok := e.userID(e.ctx)
			if !ok || (!e.channel.Connected() && !e.restEnabled(userID)) {
				return false, errCheckNotReady
			}
			liked, resolved := e.checkStatus(e.ctx, item)
			if !resolved {
				return false, errCheckNotReady
			}
			return liked, nil
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(e.timeouts.CheckInterval)),
			backoff.WithMaxTries(uint(e.timeouts.CheckAttempts)),
			backoff.WithMaxElapsedTime(0),
		)
		if err != nil && e.ctx.Err() == nil {
			observability.GlobalLogger.Debug("scheduled status check gave up",
				slog.String("item_id", itemID), slog.String("error", err.Error()))
		}
	}()
	return true
}

func (e *Engine) onStatusResponse(env protocol.Envelope) {
	var p protocol.StatusResponsePayload
	if err := env.Decode(&p); err != nil {
		observability.GlobalLogger.Warn("bad status-response payload", slog.String("error", err.Error()))
		return
	}
	if e.store.SetLiked(p.ItemID, p.Liked) {
		e.persist(p.ItemID)
	}
	e.statuses.resolve(p.ItemID, p.RequestID, p.Liked)
}

func (e *Engine) onCountUpdate(env protocol.Envelope) {
	var p protocol.CountUpdatePayload
	if err := env.Decode(&p); err != nil {
		observability.GlobalLogger.Warn("bad count-update payload", slog.String("error", err.Error()))
		return
	}
	e.store.ApplyCounts(p.ItemID, p.LikeCount, p.ShareCount)
	e.persist(p.ItemID)
}
