package engagement

import (
	"context"
	"log/slog"
	"strings"

	"engagesync/internal/featureflags"
	"engagesync/internal/models"
	"engagesync/internal/observability"
	"engagesync/internal/protocol"
)

// Share sends itemID to recipientID. The share count is incremented
// immediately and the send is fire-and-forget: a later share-error is surfaced
// but only decrements the count when the share_rollback flag is on.
func (e *Engine) Share(ctx context.Context, itemID, recipientID string) (models.EngagementState, error) {
	item, err := e.lookup(ctx, itemID)
	if err != nil {
		return models.EngagementState{}, err
	}
	userID, ok := e.userID(ctx)
	if !ok {
		st, _ := e.store.Get(itemID)
		return st, e.surface(ctx, itemID, models.NewUnauthenticatedError())
	}
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		st, _ := e.store.Get(itemID)
		return st, models.NewValidationError("recipient is required")
	}
	if !e.channel.Connected() {
		st, _ := e.store.Get(itemID)
		return st, e.surface(ctx, itemID, models.NewTransportUnavailableError("sharing"))
	}

	st, _ := e.store.AddShares(itemID, 1)
	if err := e.channel.Emit(protocol.EventShare, protocol.SharePayload{
		ItemRef:     e.ref(item, userID),
		RecipientID: recipientID,
	}); err != nil {
		st, _ = e.store.AddShares(itemID, -1)
		return st, e.surface(ctx, itemID, models.NewTransportUnavailableError("sharing"))
	}
	observability.MutationsTotal.WithLabelValues(protocol.EventShare, "sent").Inc()
	return st, nil
}

// FetchRecipients lists share targets over REST, independent of the channel.
func (e *Engine) FetchRecipients(ctx context.Context) ([]models.Recipient, error) {
	if _, ok := e.userID(ctx); !ok {
		return nil, e.surface(ctx, "", models.NewUnauthenticatedError())
	}
	if e.rest == nil {
		return nil, e.surface(ctx, "", models.NewTransportUnavailableError("recipient lookup"))
	}
	callCtx, cancel := context.WithTimeout(ctx, e.timeouts.RESTCall)
	defer cancel()
	recipients, err := e.rest.Recipients(callCtx)
	if err != nil {
		return nil, e.surface(ctx, "", err)
	}
	return recipients, nil
}

func (e *Engine) onShareCountUpdate(env protocol.Envelope) {
	var p protocol.ShareCountUpdatePayload
	if err := env.Decode(&p); err != nil {
		observability.GlobalLogger.Warn("bad share-count-update payload", slog.String("error", err.Error()))
		return
	}
	n := p.ShareCount
	e.store.ApplyCounts(p.ItemID, nil, &n)
	e.persist(p.ItemID)
}

func (e *Engine) onShareError(env protocol.Envelope) {
	var p protocol.ShareErrorPayload
	if err := env.Decode(&p); err != nil {
		observability.GlobalLogger.Warn("bad share-error payload", slog.String("error", err.Error()))
		return
	}
	e.shareFailed(p.ItemID, p.Message)
}

func (e *Engine) shareFailed(itemID, message string) {
	if _, ok := e.store.Item(itemID); !ok {
		return
	}
	userID, _ := e.userID(e.ctx)
	outcome := "rejected"
	if e.flagEnabled(featureflags.ShareRollback, userID) {
		e.store.AddShares(itemID, -1)
		outcome = "rolled_back"
	}
	observability.MutationsTotal.WithLabelValues(protocol.EventShare, outcome).Inc()
	_ = e.surface(e.ctx, itemID, models.NewMutationRejectedError("share", message))
}
