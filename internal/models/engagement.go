package models

// Phase is the lifecycle position of an item's like/unlike mutation.
type Phase int

const (
	// PhaseIdle means no mutation has run since the item was tracked.
	PhaseIdle Phase = iota
	// PhaseChecking holds the single-flight slot while the authoritative
	// liked value is being resolved; nothing has been applied locally yet.
	PhaseChecking
	// PhasePending means the optimistic flip is applied and an outcome is awaited.
	PhasePending
	// PhaseResolved is the terminal state after an authoritative success.
	PhaseResolved
	// PhaseRolledBack is the terminal state after an error or timeout.
	PhaseRolledBack
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseChecking:
		return "checking"
	case PhasePending:
		return "pending"
	case PhaseResolved:
		return "resolved"
	case PhaseRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// InFlight reports whether p occupies the single-flight slot.
func (p Phase) InFlight() bool {
	return p == PhaseChecking || p == PhasePending
}

// LikeSnapshot is the last known-good like state captured before an
// optimistic flip.
type LikeSnapshot struct {
	Liked     bool `json:"liked"`
	LikeCount int  `json:"like_count"`
}

// EngagementState is a read-only copy of one item's engagement view.
type EngagementState struct {
	Item             ContentItem   `json:"item"`
	Liked            bool          `json:"liked"`
	LikeCount        int           `json:"like_count"`
	ShareCount       int           `json:"share_count"`
	Comments         []Comment     `json:"comments"`
	Phase            Phase         `json:"phase"`
	MutationInFlight bool          `json:"mutation_in_flight"`
	Snapshot         *LikeSnapshot `json:"snapshot,omitempty"`
	Resolved         bool          `json:"resolved"`
	CommentPending   bool          `json:"comment_pending"`
}

// ClampCount keeps counters non-negative.
func ClampCount(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
