package engagement

import (
	"context"
	"log/slog"
	"time"

	"engagesync/internal/models"
	"engagesync/internal/observability"
)

// Notice is a transient user-visible message about a failed action.
type Notice struct {
	ItemID  string
	Code    string
	Message string
	At      time.Time
}

// Notifier delivers notices to whatever surface shows them.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f.
func (f NotifierFunc) Notify(n Notice) { f(n) }

type logNotifier struct{}

func (logNotifier) Notify(n Notice) {
	observability.GlobalLogger.Warn("engagement notice",
		slog.String("item_id", n.ItemID),
		slog.String("code", n.Code),
		slog.String("message", n.Message),
	)
}

// surface converts err into a notice and returns it unchanged.
func (e *Engine) surface(ctx context.Context, itemID string, err error) error {
	if err == nil {
		return nil
	}
	e.notifier.Notify(Notice{
		ItemID:  itemID,
		Code:    models.CodeOf(err),
		Message: err.Error(),
		At:      time.Now(),
	})
	observability.GlobalLogger.InfoContext(ctx, "engagement action failed",
		slog.String("item_id", itemID),
		slog.String("code", models.CodeOf(err)),
		slog.String("error", err.Error()),
	)
	return err
}
