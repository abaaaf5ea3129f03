package engagement

import (
	"context"
	"sync"
	"testing"
	"time"

	"engagesync/internal/models"
	"engagesync/internal/protocol"
	"engagesync/internal/rest"
	"engagesync/internal/session"
	"engagesync/internal/transport"

	"github.com/stretchr/testify/require"
)

const (
	testEventuallyTimeout = time.Second
	testPollInterval      = 5 * time.Millisecond
)

var testItem = models.ContentItem{ID: "post-1", Kind: models.ItemKindPost, CreatorID: "creator-1"}

type emitted struct {
	event   string
	payload any
}

// fakeChannel records emits and lets tests push inbound events. respond, when
// set, runs synchronously after every successful Emit.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	emits     []emitted
	handlers  map[string]map[int]transport.Handler
	watchers  map[int]func(bool)
	nextID    int
	emitErr   error
	respond   func(f *fakeChannel, event string, payload any)
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{
		connected: connected,
		handlers:  make(map[string]map[int]transport.Handler),
		watchers:  make(map[int]func(bool)),
	}
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Emit(event string, payload any) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	if f.emitErr != nil {
		err := f.emitErr
		f.mu.Unlock()
		return err
	}
	f.emits = append(f.emits, emitted{event: event, payload: payload})
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		respond(f, event, payload)
	}
	return nil
}

func (f *fakeChannel) Subscribe(event string, h transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]transport.Handler)
	}
	f.handlers[event][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakeChannel) OnConnectionChange(fn func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.watchers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
	}
}

func (f *fakeChannel) setRespond(fn func(f *fakeChannel, event string, payload any)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeChannel) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	ws := make([]func(bool), 0, len(f.watchers))
	for _, w := range f.watchers {
		ws = append(ws, w)
	}
	f.mu.Unlock()
	for _, w := range ws {
		w(connected)
	}
}

// deliver pushes an inbound event through the subscribed handlers.
func (f *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)

	f.mu.Lock()
	hs := make([]transport.Handler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (f *fakeChannel) emitted(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeChannel) count(event string) int {
	return len(f.emitted(event))
}

func (f *fakeChannel) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.watchers)
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

// fakeServer is a scripted authoritative side for fakeChannel.respond.
type fakeServer struct {
	mu         sync.Mutex
	liked      map[string]bool
	ackLikes   bool
	rejectWith string
	echoIDs    bool
	silent     bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{liked: make(map[string]bool), ackLikes: true, echoIDs: true}
}

// configure mutates the scripted behaviour under the server lock.
func (s *fakeServer) configure(fn func(s *fakeServer)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *fakeServer) setLiked(itemID string, liked bool) {
	s.mu.Lock()
	s.liked[itemID] = liked
	s.mu.Unlock()
}

func (s *fakeServer) respond(t *testing.T) func(f *fakeChannel, event string, payload any) {
	return func(f *fakeChannel, event string, payload any) {
		s.mu.Lock()
		silent, ack, reject, echo := s.silent, s.ackLikes, s.rejectWith, s.echoIDs
		s.mu.Unlock()
		if silent {
			return
		}

		switch p := payload.(type) {
		case protocol.StatusCheckPayload:
			ref := p.ItemRef
			if !echo {
				ref.RequestID = ""
			}
			s.mu.Lock()
			liked := s.liked[p.ItemID]
			s.mu.Unlock()
			f.deliver(t, protocol.EventStatusResponse, protocol.StatusResponsePayload{ItemRef: ref, Liked: liked})
		case protocol.LikePayload:
			ref := p.ItemRef
			if !echo {
				ref.RequestID = ""
			}
			if reject != "" {
				f.deliver(t, protocol.EventMutationError, protocol.MutationErrorPayload{
					ItemRef: ref, Action: event, Message: reject,
				})
				return
			}
			if !ack {
				return
			}
			liked := event == protocol.EventLike
			s.setLiked(p.ItemID, liked)
			ackEvent := protocol.EventLikeAck
			if !liked {
				ackEvent = protocol.EventUnlikeAck
			}
			f.deliver(t, ackEvent, protocol.LikeAckPayload{ItemRef: ref, Liked: &liked})
		}
	}
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *noticeRecorder) codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Code)
	}
	return out
}

// stubREST implements RESTFallback with function fields.
type stubREST struct {
	LikeFn       func(ctx context.Context, item models.ContentItem) (rest.LikeResult, error)
	UnlikeFn     func(ctx context.Context, item models.ContentItem) (rest.LikeResult, error)
	LikeStatusFn func(ctx context.Context, item models.ContentItem) (bool, error)
	RecipientsFn func(ctx context.Context) ([]models.Recipient, error)
}

func (s *stubREST) Like(ctx context.Context, item models.ContentItem) (rest.LikeResult, error) {
	if s.LikeFn != nil {
		return s.LikeFn(ctx, item)
	}
	return rest.LikeResult{}, nil
}

func (s *stubREST) Unlike(ctx context.Context, item models.ContentItem) (rest.LikeResult, error) {
	if s.UnlikeFn != nil {
		return s.UnlikeFn(ctx, item)
	}
	return rest.LikeResult{}, nil
}

func (s *stubREST) LikeStatus(ctx context.Context, item models.ContentItem) (bool, error) {
	if s.LikeStatusFn != nil {
		return s.LikeStatusFn(ctx, item)
	}
	return false, models.NewTransportUnavailableError("like status")
}

func (s *stubREST) Recipients(ctx context.Context) ([]models.Recipient, error) {
	if s.RecipientsFn != nil {
		return s.RecipientsFn(ctx)
	}
	return nil, nil
}

type staticFlags map[string]bool

func (f staticFlags) EnabledOr(name, _ string, fallback bool) bool {
	if v, ok := f[name]; ok {
		return v
	}
	return fallback
}

func testTimeouts() Timeouts {
	return Timeouts{
		StatusCheck:   50 * time.Millisecond,
		LikeAck:       100 * time.Millisecond,
		RESTCall:      200 * time.Millisecond,
		CommentSubmit: 100 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
		SweepMaxAge:   2 * time.Second,
		CheckAttempts: 3,
		CheckInterval: 10 * time.Millisecond,
	}
}

type harness struct {
	engine  *Engine
	channel *fakeChannel
	server  *fakeServer
	notices *noticeRecorder
}

// newHarness builds an engine over a connected fake channel answered by a
// fakeServer. mutate may adjust Options before construction.
func newHarness(t *testing.T, mutate func(o *Options)) *harness {
	t.Helper()
	ch := newFakeChannel(true)
	srv := newFakeServer()
	ch.setRespond(srv.respond(t))
	notices := &noticeRecorder{}

	opts := Options{
		Channel:  ch,
		Identity: session.StaticIdentity{UserID: "user-1", Token: "tok"},
		Notifier: notices,
		Timeouts: testTimeouts(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	return &harness{engine: e, channel: ch, server: srv, notices: notices}
}

// seed tracks testItem and installs authoritative counters.
func (h *harness) seed(t *testing.T, liked bool, likeCount, shareCount int) {
	t.Helper()
	h.server.setLiked(testItem.ID, liked)
	_, err := h.engine.Track(context.Background(), testItem)
	require.NoError(t, err)
	h.settle(t, testItem.ID)
	h.channel.deliver(t, protocol.EventCountUpdate, protocol.CountUpdatePayload{
		ItemRef:    protocol.ItemRef{ItemID: testItem.ID},
		LikeCount:  &likeCount,
		ShareCount: &shareCount,
	})
	h.channel.deliver(t, protocol.EventStatusResponse, protocol.StatusResponsePayload{
		ItemRef: protocol.ItemRef{ItemID: testItem.ID},
		Liked:   liked,
	})
}

// settle waits until no scheduled status check is running for itemID.
func (h *harness) settle(t *testing.T, itemID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		if !h.engine.store.TryBeginCheck(itemID) {
			return false
		}
		h.engine.store.EndCheck(itemID)
		return true
	}, testEventuallyTimeout, testPollInterval)
}

// loseDeadline disarms the ack deadline of itemID, leaving the sweep as the
// only way out of Pending.
func (h *harness) loseDeadline(itemID string) {
	h.engine.store.mu.Lock()
	defer h.engine.store.mu.Unlock()
	if r, ok := h.engine.store.items[itemID]; ok {
		r.stopDeadline()
	}
}

func (h *harness) state(t *testing.T) models.EngagementState {
	t.Helper()
	st, ok := h.engine.State(testItem.ID)
	require.True(t, ok)
	return st
}
