package engagement

import (
	"time"

	"engagesync/internal/models"
	"engagesync/internal/observability"
)

// sweep force-terminates mutations that outlived the max age, so a lost
// timer or ack can never leave an item unresponsive.
func (e *Engine) sweep(now time.Time) {
	for _, m := range e.store.Stale(e.timeouts.SweepMaxAge, now) {
		action := m.action
		if action == "" {
			action = "like"
		}
		if err := e.rollback(e.ctx, m.itemID, likeMatch{token: m.token}, models.NewTimeoutError(action)); err != nil {
			observability.SweepRollbacks.Inc()
		}
	}
}
