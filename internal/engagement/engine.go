// Package engagement keeps per-item like, comment and share state consistent
// between optimistic local feedback, authoritative pushes over the realtime
// channel and the REST fallback.
//
// All per-item state lives in one Store. Inbound events arrive on the channel's
// read goroutine, deadlines fire on timer goroutines and operations may be
// called from any goroutine; every transition goes through a Store method
// guarded by the mutation token, so late acks and timers are no-ops.
package engagement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"engagesync/internal/cache"
	"engagesync/internal/featureflags"
	"engagesync/internal/models"
	"engagesync/internal/observability"
	"engagesync/internal/protocol"
	"engagesync/internal/rest"
	"engagesync/internal/transport"
)

// Channel is the realtime connection the engine rides on.
type Channel interface {
	Connected() bool
	Emit(event string, payload any) error
	Subscribe(event string, h transport.Handler) func()
	OnConnectionChange(fn func(connected bool)) func()
}

// IdentityProvider resolves the signed-in user.
type IdentityProvider interface {
	CurrentUserID(ctx context.Context) (string, bool)
}

// RESTFallback is used for likes and status checks while the channel is down,
// and for recipient lookup.
type RESTFallback interface {
	Like(ctx context.Context, item models.ContentItem) (rest.LikeResult, error)
	Unlike(ctx context.Context, item models.ContentItem) (rest.LikeResult, error)
	LikeStatus(ctx context.Context, item models.ContentItem) (bool, error)
	Recipients(ctx context.Context) ([]models.Recipient, error)
}

// SnapshotCache persists last-known counters between runs.
type SnapshotCache interface {
	Load(ctx context.Context, itemID string) (cache.Entry, bool, error)
	Save(ctx context.Context, itemID string, e cache.Entry) error
}

// FlagEvaluator answers feature flag lookups.
type FlagEvaluator interface {
	EnabledOr(name, userID string, fallback bool) bool
}

// Timeouts bounds every wait the engine performs.
type Timeouts struct {
	StatusCheck   time.Duration
	LikeAck       time.Duration
	RESTCall      time.Duration
	CommentSubmit time.Duration
	SweepInterval time.Duration
	SweepMaxAge   time.Duration
	CheckAttempts int
	CheckInterval time.Duration
}

// DefaultTimeouts returns the production bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		StatusCheck:   700 * time.Millisecond,
		LikeAck:       1500 * time.Millisecond,
		RESTCall:      3 * time.Second,
		CommentSubmit: 5 * time.Second,
		SweepInterval: time.Second,
		SweepMaxAge:   4 * time.Second,
		CheckAttempts: 5,
		CheckInterval: 400 * time.Millisecond,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.StatusCheck <= 0 {
		t.StatusCheck = d.StatusCheck
	}
	if t.LikeAck <= 0 {
		t.LikeAck = d.LikeAck
	}
	if t.RESTCall <= 0 {
		t.RESTCall = d.RESTCall
	}
	if t.CommentSubmit <= 0 {
		t.CommentSubmit = d.CommentSubmit
	}
	if t.SweepInterval <= 0 {
		t.SweepInterval = d.SweepInterval
	}
	if t.SweepMaxAge <= 0 {
		t.SweepMaxAge = d.SweepMaxAge
	}
	if t.CheckAttempts <= 0 {
		t.CheckAttempts = d.CheckAttempts
	}
	if t.CheckInterval <= 0 {
		t.CheckInterval = d.CheckInterval
	}
	// The sweep only backs up lost timers; it must never undercut a bound.
	if floor := max(t.StatusCheck, t.LikeAck, t.RESTCall); t.SweepMaxAge < floor {
		t.SweepMaxAge = floor
	}
	return t
}

// Options wires an Engine. Channel and Identity are required.
type Options struct {
	Channel  Channel
	Identity IdentityProvider
	REST     RESTFallback
	Cache    SnapshotCache
	Flags    FlagEvaluator
	Notifier Notifier
	Timeouts Timeouts
}

// Engine is the engagement facade used by the UI layer.
type Engine struct {
	channel  Channel
	identity IdentityProvider
	rest     RESTFallback
	cache    SnapshotCache
	flags    FlagEvaluator
	notifier Notifier
	timeouts Timeouts

	store    *Store
	statuses *statusWaiters
	comments *commentWaiters

	mu      sync.Mutex
	focused string
	unsubs  []func()
	closed  bool

	cacheWrites chan cacheWrite

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type cacheWrite struct {
	itemID string
	entry  cache.Entry
}

// NewEngine subscribes to the channel and returns a ready Engine. Call Run to
// start the safety sweep and Close to tear everything down.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Channel == nil {
		return nil, errors.New("engagement: channel is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("engagement: identity provider is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = logNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		channel:     opts.Channel,
		identity:    opts.Identity,
		rest:        opts.REST,
		cache:       opts.Cache,
		flags:       opts.Flags,
		notifier:    opts.Notifier,
		timeouts:    opts.Timeouts.withDefaults(),
		store:       NewStore(),
		statuses:    newStatusWaiters(),
		comments:    newCommentWaiters(),
		cacheWrites: make(chan cacheWrite, 64),
		ctx:         ctx,
		cancel:      cancel,
	}

	handlers := map[string]transport.Handler{
		protocol.EventRoomJoined:          e.onRoomJoined,
		protocol.EventRoomLeft:            e.onRoomLeft,
		protocol.EventCountUpdate:         e.onCountUpdate,
		protocol.EventLikeAck:             e.onLikeAck,
		protocol.EventUnlikeAck:           e.onLikeAck,
		protocol.EventStatusResponse:      e.onStatusResponse,
		protocol.EventMutationError:       e.onMutationError,
		protocol.EventCommentAdded:        e.onCommentAdded,
		protocol.EventCommentListResponse: e.onCommentList,
		protocol.EventCommentDeleted:      e.onCommentDeleted,
		protocol.EventShareCountUpdate:    e.onShareCountUpdate,
		protocol.EventShareError:          e.onShareError,
	}
	for event, h := range handlers {
		e.unsubs = append(e.unsubs, e.channel.Subscribe(event, h))
	}
	e.unsubs = append(e.unsubs, e.channel.OnConnectionChange(e.onConnectionChange))

	return e, nil
}

// Run drives the safety sweep and the cache writer until ctx is cancelled or
// the engine is closed.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.timeouts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.ctx.Done():
			return nil
		case <-ticker.C:
			e.sweep(time.Now())
		case w := <-e.cacheWrites:
			e.writeCache(ctx, w)
		}
	}
}

// Close leaves every joined room, detaches from the channel and stops all
// timers and background checks.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.focused = ""
	e.mu.Unlock()

	for _, ref := range e.store.JoinedRooms() {
		e.leave(ref.itemID, ref.room)
	}
	for _, u := range unsubs {
		u()
	}
	e.cancel()
	e.store.StopTimers()
	e.wg.Wait()
}

// Observe registers fn to receive a state copy after every change.
func (e *Engine) Observe(fn func(models.EngagementState)) func() {
	return e.store.Observe(fn)
}

// State returns the current view of itemID.
func (e *Engine) State(itemID string) (models.EngagementState, bool) {
	return e.store.Get(itemID)
}

// Track registers item, seeds it from the snapshot cache and schedules an
// authoritative status check.
func (e *Engine) Track(ctx context.Context, item models.ContentItem) (models.EngagementState, error) {
	if models.IsPlaceholderID(item.ID) {
		return models.EngagementState{}, e.invalidReference(ctx, item.ID)
	}
	st := e.store.Track(item)
	if e.cache != nil && !st.Resolved && st.Phase == models.PhaseIdle {
		loadCtx, cancel := context.WithTimeout(ctx, e.timeouts.StatusCheck)
		entry, found, err := e.cache.Load(loadCtx, item.ID)
		cancel()
		if err != nil {
			observability.GlobalLogger.WarnContext(ctx, "snapshot cache load failed",
				slog.String("item_id", item.ID), slog.String("error", err.Error()))
		} else if found {
			e.store.Seed(item.ID, entry)
		}
	}
	e.ScheduleCheck(item.ID)
	st, _ = e.store.Get(item.ID)
	return st, nil
}

// Untrack forgets an item that has no joined rooms and nothing in flight.
func (e *Engine) Untrack(itemID string) bool {
	return e.store.Untrack(itemID)
}

// lookup resolves a tracked item or reports InvalidReference.
func (e *Engine) lookup(ctx context.Context, itemID string) (models.ContentItem, error) {
	if models.IsPlaceholderID(itemID) {
		return models.ContentItem{}, e.invalidReference(ctx, itemID)
	}
	item, ok := e.store.Item(itemID)
	if !ok {
		return models.ContentItem{}, e.invalidReference(ctx, itemID)
	}
	return item, nil
}

func (e *Engine) invalidReference(ctx context.Context, itemID string) error {
	observability.GlobalLogger.WarnContext(ctx, "ignoring operation on invalid item reference",
		slog.String("item_id", itemID))
	return models.NewInvalidReferenceError(itemID)
}

func (e *Engine) userID(ctx context.Context) (string, bool) {
	return e.identity.CurrentUserID(ctx)
}

func (e *Engine) restEnabled(userID string) bool {
	if e.rest == nil {
		return false
	}
	if e.flags == nil {
		return true
	}
	return e.flags.EnabledOr(featureflags.RESTFallback, userID, true)
}

func (e *Engine) flagEnabled(name, userID string) bool {
	if e.flags == nil {
		return false
	}
	return e.flags.EnabledOr(name, userID, false)
}

func (e *Engine) ref(item models.ContentItem, userID string) protocol.ItemRef {
	return protocol.RefFor(item, userID)
}

// emit sends best-effort traffic, logging failures.
func (e *Engine) emit(ctx context.Context, event string, payload any) bool {
	if err := e.channel.Emit(event, payload); err != nil {
		observability.GlobalLogger.DebugContext(ctx, "engagement emit failed",
			slog.String("event", event), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (e *Engine) requestCount(itemID string) {
	item, ok := e.store.Item(itemID)
	if !ok {
		return
	}
	userID, _ := e.userID(e.ctx)
	e.emit(e.ctx, protocol.EventRequestCount, protocol.CountRequestPayload{ItemRef: e.ref(item, userID)})
}

// persist queues the current counters of itemID for the snapshot cache.
func (e *Engine) persist(itemID string) {
	if e.cache == nil {
		return
	}
	st, ok := e.store.Get(itemID)
	if !ok || st.MutationInFlight {
		return
	}
	w := cacheWrite{itemID: itemID, entry: cache.Entry{
		Liked:      st.Liked,
		LikeCount:  st.LikeCount,
		ShareCount: st.ShareCount,
	}}
	select {
	case e.cacheWrites <- w:
	default:
	}
}

func (e *Engine) writeCache(ctx context.Context, w cacheWrite) {
	saveCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := e.cache.Save(saveCtx, w.itemID, w.entry); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "snapshot cache save failed",
			slog.String("item_id", w.itemID), slog.String("error", err.Error()))
	}
}
