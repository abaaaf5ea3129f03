package engagement

import (
	"sort"
	"strings"
	"sync"
	"time"

	"engagesync/internal/cache"
	"engagesync/internal/models"
	"engagesync/internal/observability"
	"engagesync/internal/protocol"
)

// record is the single per-item arena entry. Only Store methods touch it.
type record struct {
	item       models.ContentItem
	liked      bool
	likeCount  int
	shareCount int
	comments   []models.Comment
	resolved   bool

	phase     models.Phase
	token     uint64
	snapshot  *models.LikeSnapshot
	action    string
	requestID string
	startedAt time.Time
	phaseAt   time.Time
	deadline  *time.Timer

	commentRequest string

	joined   map[protocol.Room]bool
	checking bool
}

func (r *record) view() models.EngagementState {
	st := models.EngagementState{
		Item:             r.item,
		Liked:            r.liked,
		LikeCount:        r.likeCount,
		ShareCount:       r.shareCount,
		Comments:         append([]models.Comment(nil), r.comments...),
		Phase:            r.phase,
		MutationInFlight: r.phase.InFlight(),
		Resolved:         r.resolved,
		CommentPending:   r.commentRequest != "",
	}
	if r.snapshot != nil {
		snap := *r.snapshot
		st.Snapshot = &snap
	}
	return st
}

func (r *record) stopDeadline() {
	if r.deadline != nil {
		r.deadline.Stop()
		r.deadline = nil
	}
}

// likeMatch selects which in-flight mutation an outcome applies to.
// A zero token matches any; an empty requestID or action matches any.
type likeMatch struct {
	token     uint64
	requestID string
	action    string
}

func (m likeMatch) matches(r *record) bool {
	if !r.phase.InFlight() {
		return false
	}
	if m.token != 0 && m.token != r.token {
		return false
	}
	if m.requestID != "" && m.requestID != r.requestID {
		return false
	}
	if m.action != "" && m.action != r.action {
		return false
	}
	return true
}

// staleMutation identifies a mutation the sweep should terminate.
type staleMutation struct {
	itemID string
	token  uint64
	action string
}

// Store maps item id to its engagement record behind one mutex. Every method
// publishes the resulting view to observers after releasing the lock.
type Store struct {
	mu        sync.Mutex
	items     map[string]*record
	nextToken uint64

	obsMu     sync.RWMutex
	observers map[uint64]func(models.EngagementState)
	nextObs   uint64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		items:     make(map[string]*record),
		observers: make(map[uint64]func(models.EngagementState)),
	}
}

// Observe registers fn for every state change and returns its remover.
func (s *Store) Observe(fn func(models.EngagementState)) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextObs++
	id := s.nextObs
	s.observers[id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store) publish(st models.EngagementState) {
	s.obsMu.RLock()
	fns := make([]func(models.EngagementState), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.RUnlock()
	for _, fn := range fns {
		fn(st)
	}
}

// update runs fn on the record for itemID under the lock and publishes the
// result when fn reports a change.
func (s *Store) update(itemID string, fn func(r *record) bool) (models.EngagementState, bool) {
	s.mu.Lock()
	r, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return models.EngagementState{}, false
	}
	changed := fn(r)
	st := r.view()
	s.mu.Unlock()

	if changed {
		s.publish(st)
	}
	return st, changed
}

// Track adds item or fills in missing metadata on an existing record.
func (s *Store) Track(item models.ContentItem) models.EngagementState {
	s.mu.Lock()
	r, ok := s.items[item.ID]
	if !ok {
		r = &record{item: item, joined: make(map[protocol.Room]bool)}
		s.items[item.ID] = r
		observability.TrackedItems.Set(float64(len(s.items)))
	} else {
		if r.item.Kind == "" {
			r.item.Kind = item.Kind
		}
		if r.item.CreatorID == "" {
			r.item.CreatorID = item.CreatorID
		}
	}
	st := r.view()
	s.mu.Unlock()

	if !ok {
		s.publish(st)
	}
	return st
}

// Untrack drops an item with no joined rooms and nothing in flight.
func (s *Store) Untrack(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[itemID]
	if !ok || r.phase.InFlight() || r.commentRequest != "" {
		return false
	}
	for _, joined := range r.joined {
		if joined {
			return false
		}
	}
	delete(s.items, itemID)
	observability.TrackedItems.Set(float64(len(s.items)))
	return true
}

// Get returns a copy of the state for itemID.
func (s *Store) Get(itemID string) (models.EngagementState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[itemID]
	if !ok {
		return models.EngagementState{}, false
	}
	return r.view(), true
}

// Item returns the content item for itemID.
func (s *Store) Item(itemID string) (models.ContentItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[itemID]
	if !ok {
		return models.ContentItem{}, false
	}
	return r.item, true
}

// ItemIDs lists tracked items in a stable order.
func (s *Store) ItemIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Seed applies cached counters to a record that has no authoritative data yet.
func (s *Store) Seed(itemID string, e cache.Entry) {
	s.update(itemID, func(r *record) bool {
		if r.resolved || r.phase != models.PhaseIdle {
			return false
		}
		r.liked = e.Liked
		r.likeCount = models.ClampCount(e.LikeCount)
		r.shareCount = models.ClampCount(e.ShareCount)
		return true
	})
}

// ---- like mutation phase machine ----

// BeginMutation claims the single-flight slot and moves the item to Checking.
func (s *Store) BeginMutation(itemID string) (uint64, error) {
	var token uint64
	var err error
	s.update(itemID, func(r *record) bool {
		if r.phase.InFlight() {
			err = models.NewMutationInFlightError(itemID)
			return false
		}
		s.nextToken++
		token = s.nextToken
		r.token = token
		r.phase = models.PhaseChecking
		r.startedAt = time.Now()
		r.phaseAt = r.startedAt
		r.snapshot = nil
		r.requestID = ""
		r.action = ""
		return true
	})
	return token, err
}

// ApplyOptimistic captures the snapshot and flips liked for the mutation
// holding token. It returns the action to send and false if the mutation was
// terminated in the meantime.
func (s *Store) ApplyOptimistic(itemID string, token uint64, requestID string) (string, bool) {
	var action string
	_, ok := s.update(itemID, func(r *record) bool {
		if r.phase != models.PhaseChecking || r.token != token {
			return false
		}
		r.snapshot = &models.LikeSnapshot{Liked: r.liked, LikeCount: r.likeCount}
		r.liked = !r.liked
		if r.liked {
			r.likeCount++
			action = protocol.EventLike
		} else {
			r.likeCount = models.ClampCount(r.likeCount - 1)
			action = protocol.EventUnlike
		}
		r.action = action
		r.requestID = requestID
		r.phase = models.PhasePending
		r.phaseAt = time.Now()
		return true
	})
	return action, ok
}

// AttachDeadline stores the completion timer, or stops it if the mutation has
// already settled.
func (s *Store) AttachDeadline(itemID string, token uint64, t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[itemID]
	if !ok || r.phase != models.PhasePending || r.token != token {
		t.Stop()
		return
	}
	r.stopDeadline()
	r.deadline = t
}

// DisarmDeadline stops the completion timer of the mutation holding token.
func (s *Store) DisarmDeadline(itemID string, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.items[itemID]; ok && r.token == token {
		r.stopDeadline()
	}
}

// likeOutcome carries what an authoritative success reported.
type likeOutcome struct {
	liked     *bool
	likeCount *int
}

// ConfirmLike settles a pending mutation as Resolved. It returns the
// mutation start time and whether a mutation matched.
func (s *Store) ConfirmLike(itemID string, m likeMatch, out likeOutcome) (time.Time, bool) {
	var started time.Time
	_, ok := s.update(itemID, func(r *record) bool {
		if r.phase != models.PhasePending || !m.matches(r) {
			return false
		}
		started = r.startedAt
		r.stopDeadline()
		if out.liked != nil && *out.liked != r.liked {
			r.liked = *out.liked
		}
		if out.likeCount != nil {
			r.likeCount = models.ClampCount(*out.likeCount)
		}
		r.snapshot = nil
		r.resolved = true
		r.phase = models.PhaseResolved
		return true
	})
	return started, ok
}

// RollbackLike restores the snapshot of a matching in-flight mutation and
// moves it to RolledBack. It returns the settled action and start time.
func (s *Store) RollbackLike(itemID string, m likeMatch) (string, time.Time, bool) {
	var action string
	var started time.Time
	_, ok := s.update(itemID, func(r *record) bool {
		if !m.matches(r) {
			return false
		}
		action = r.action
		started = r.startedAt
		r.stopDeadline()
		if r.snapshot != nil {
			r.liked = r.snapshot.Liked
			r.likeCount = models.ClampCount(r.snapshot.LikeCount)
		}
		r.snapshot = nil
		r.phase = models.PhaseRolledBack
		return true
	})
	return action, started, ok
}

// Stale lists in-flight mutations that have stayed in their current phase
// longer than maxAge. Each phase has its own bound (status check, then ack or
// REST call), so age restarts at every transition.
func (s *Store) Stale(maxAge time.Duration, now time.Time) []staleMutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []staleMutation
	for id, r := range s.items {
		if r.phase.InFlight() && now.Sub(r.phaseAt) > maxAge {
			out = append(out, staleMutation{itemID: id, token: r.token, action: r.action})
		}
	}
	return out
}

// StopTimers stops every armed deadline.
func (s *Store) StopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.items {
		r.stopDeadline()
	}
}

// ---- authoritative pushes ----

// SetLiked applies an authoritative liked value. It is ignored while an
// optimistic flip is pending so the flip is not clobbered mid-flight.
func (s *Store) SetLiked(itemID string, liked bool) bool {
	_, changed := s.update(itemID, func(r *record) bool {
		if r.phase == models.PhasePending {
			return false
		}
		r.liked = liked
		r.resolved = true
		return true
	})
	return changed
}

// ApplyCounts adopts authoritative counters; nil fields are left alone.
func (s *Store) ApplyCounts(itemID string, likeCount, shareCount *int) {
	s.update(itemID, func(r *record) bool {
		changed := false
		if likeCount != nil {
			r.likeCount = models.ClampCount(*likeCount)
			changed = true
		}
		if shareCount != nil {
			r.shareCount = models.ClampCount(*shareCount)
			changed = true
		}
		return changed
	})
}

// AddShares adjusts the share count by delta, clamped.
func (s *Store) AddShares(itemID string, delta int) (models.EngagementState, bool) {
	return s.update(itemID, func(r *record) bool {
		r.shareCount = models.ClampCount(r.shareCount + delta)
		return true
	})
}

// InvalidateAll clears resolved on every record.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	var views []models.EngagementState
	for _, r := range s.items {
		if r.resolved {
			r.resolved = false
			views = append(views, r.view())
		}
	}
	s.mu.Unlock()
	for _, st := range views {
		s.publish(st)
	}
}

// Invalidate clears resolved for one record.
func (s *Store) Invalidate(itemID string) {
	s.update(itemID, func(r *record) bool {
		if !r.resolved {
			return false
		}
		r.resolved = false
		return true
	})
}

// ---- comments ----

// BeginComment claims the per-item comment submit slot.
func (s *Store) BeginComment(itemID, requestID string) error {
	var err error
	_, ok := s.update(itemID, func(r *record) bool {
		if r.commentRequest != "" {
			err = models.NewSubmitPendingError(itemID)
			return false
		}
		r.commentRequest = requestID
		return true
	})
	if !ok && err == nil {
		return models.NewInvalidReferenceError(itemID)
	}
	return err
}

// EndComment releases the submit slot if requestID still holds it.
func (s *Store) EndComment(itemID, requestID string) {
	s.update(itemID, func(r *record) bool {
		if r.commentRequest != requestID {
			return false
		}
		r.commentRequest = ""
		return true
	})
}

// PrependComment adds c at the head unless a comment with its id exists.
func (s *Store) PrependComment(itemID string, c models.Comment) bool {
	_, changed := s.update(itemID, func(r *record) bool {
		for _, existing := range r.comments {
			if existing.ID == c.ID {
				return false
			}
		}
		r.comments = append([]models.Comment{c}, r.comments...)
		return true
	})
	return changed
}

// ReplaceComments installs a bulk-loaded list in server order.
func (s *Store) ReplaceComments(itemID string, comments []models.Comment) {
	s.update(itemID, func(r *record) bool {
		r.comments = append([]models.Comment(nil), comments...)
		return true
	})
}

// RemoveComment deletes commentID from itemID's list.
func (s *Store) RemoveComment(itemID, commentID string) bool {
	_, changed := s.update(itemID, func(r *record) bool {
		for i, c := range r.comments {
			if c.ID == commentID {
				r.comments = append(r.comments[:i:i], r.comments[i+1:]...)
				return true
			}
		}
		return false
	})
	return changed
}

// FindComment locates a comment across all items.
func (s *Store) FindComment(commentID string) (string, models.Comment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.items {
		for _, c := range r.comments {
			if c.ID == commentID {
				return id, c, true
			}
		}
	}
	return "", models.Comment{}, false
}

// ---- rooms ----

// MarkJoined records a join; it reports false when already joined.
func (s *Store) MarkJoined(itemID string, room protocol.Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[itemID]
	if !ok || r.joined[room] {
		return false
	}
	r.joined[room] = true
	return true
}

// MarkLeft records a leave; it reports false when not joined.
func (s *Store) MarkLeft(itemID string, room protocol.Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[itemID]
	if !ok || !r.joined[room] {
		return false
	}
	delete(r.joined, room)
	return true
}

// IsJoined reports the subscription state for (itemID, room).
func (s *Store) IsJoined(itemID string, room protocol.Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[itemID]
	return ok && r.joined[room]
}

// roomRef names one joined subscription.
type roomRef struct {
	itemID string
	room   protocol.Room
}

// JoinedRooms lists every joined subscription in a stable order.
func (s *Store) JoinedRooms() []roomRef {
	s.mu.Lock()
	var out []roomRef
	for id, r := range s.items {
		for _, room := range protocol.Rooms {
			if r.joined[room] {
				out = append(out, roomRef{itemID: id, room: room})
			}
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].itemID != out[j].itemID {
			return out[i].itemID < out[j].itemID
		}
		return strings.Compare(string(out[i].room), string(out[j].room)) < 0
	})
	return out
}

// ---- check scheduling ----

// TryBeginCheck claims the scheduled-check slot for itemID.
func (s *Store) TryBeginCheck(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[itemID]
	if !ok || r.checking {
		return false
	}
	r.checking = true
	return true
}

// EndCheck releases the scheduled-check slot.
func (s *Store) EndCheck(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.items[itemID]; ok {
		r.checking = false
	}
}
