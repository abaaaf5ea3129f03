package engagement

import (
	"context"
	"log/slog"

	"engagesync/internal/models"
	"engagesync/internal/observability"
	"engagesync/internal/protocol"
)

// Join subscribes to one room of a tracked item. Joining an already joined
// room is a no-op; the announcement is best effort and re-sent on reconnect.
func (e *Engine) Join(ctx context.Context, itemID string, room protocol.Room) error {
	item, err := e.lookup(ctx, itemID)
	if err != nil {
		return err
	}
	if !room.Valid() {
		return models.NewValidationError("unknown room " + string(room))
	}
	if !e.store.MarkJoined(itemID, room) {
		return nil
	}
	userID, _ := e.userID(ctx)
	e.emit(ctx, protocol.EventJoinRoom, protocol.RoomPayload{ItemRef: e.ref(item, userID), Room: room})
	return nil
}

// Leave unsubscribes from one room. Leaving a room that is not joined is a no-op.
func (e *Engine) Leave(ctx context.Context, itemID string, room protocol.Room) error {
	if models.IsPlaceholderID(itemID) {
		return e.invalidReference(ctx, itemID)
	}
	e.leave(itemID, room)
	return nil
}

func (e *Engine) leave(itemID string, room protocol.Room) {
	if !e.store.MarkLeft(itemID, room) {
		return
	}
	item, _ := e.store.Item(itemID)
	userID, _ := e.userID(e.ctx)
	e.emit(e.ctx, protocol.EventLeaveRoom, protocol.RoomPayload{ItemRef: e.ref(item, userID), Room: room})
}

// Joined reports whether the (item, room) subscription is active.
func (e *Engine) Joined(itemID string, room protocol.Room) bool {
	return e.store.IsJoined(itemID, room)
}

// Focus makes item the single focused item: rooms of the previously focused
// item are left and all rooms of item are joined.
func (e *Engine) Focus(ctx context.Context, item models.ContentItem) error {
	if _, err := e.Track(ctx, item); err != nil {
		return err
	}

	e.mu.Lock()
	prev := e.focused
	e.focused = item.ID
	e.mu.Unlock()

	if prev != "" && prev != item.ID {
		for _, room := range protocol.Rooms {
			e.leave(prev, room)
		}
	}
	for _, room := range protocol.Rooms {
		if err := e.Join(ctx, item.ID, room); err != nil {
			return err
		}
	}
	return nil
}

// Blur leaves every room of the focused item.
func (e *Engine) Blur() {
	e.mu.Lock()
	prev := e.focused
	e.focused = ""
	e.mu.Unlock()

	if prev == "" {
		return
	}
	for _, room := range protocol.Rooms {
		e.leave(prev, room)
	}
}

// Focused returns the id of the focused item, if any.
func (e *Engine) Focused() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focused
}

// Refocus is called when a screen showing itemID regains focus: the liked flag
// is treated as stale and re-checked.
func (e *Engine) Refocus(ctx context.Context, itemID string) error {
	if _, err := e.lookup(ctx, itemID); err != nil {
		return err
	}
	e.store.Invalidate(itemID)
	e.ScheduleCheck(itemID)
	return nil
}

func (e *Engine) onRoomJoined(env protocol.Envelope) {
	var p protocol.RoomPayload
	if err := env.Decode(&p); err != nil {
		observability.GlobalLogger.Warn("bad room-joined payload", slog.String("error", err.Error()))
		return
	}
	if !e.store.IsJoined(p.ItemID, p.Room) {
		return
	}
	item, _ := e.store.Item(p.ItemID)
	userID, _ := e.userID(e.ctx)

	switch p.Room {
	case protocol.RoomLike:
		e.requestCount(p.ItemID)
		e.ScheduleCheck(p.ItemID)
	case protocol.RoomComment:
		e.emit(e.ctx, protocol.EventCommentList, protocol.CommentListPayload{ItemRef: e.ref(item, userID)})
	case protocol.RoomShare:
		e.requestCount(p.ItemID)
	}
}

func (e *Engine) onRoomLeft(env protocol.Envelope) {
	var p protocol.RoomPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	observability.GlobalLogger.Debug("room left",
		slog.String("item_id", p.ItemID), slog.String("room", string(p.Room)))
}

// onConnectionChange re-announces joined rooms and invalidates liked flags
// after every (re)connect.
func (e *Engine) onConnectionChange(connected bool) {
	if !connected {
		observability.GlobalLogger.Info("engagement channel disconnected")
		return
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	e.store.InvalidateAll()
	userID, _ := e.userID(e.ctx)
	for _, ref := range e.store.JoinedRooms() {
		item, ok := e.store.Item(ref.itemID)
		if !ok {
			continue
		}
		e.emit(e.ctx, protocol.EventJoinRoom, protocol.RoomPayload{ItemRef: e.ref(item, userID), Room: ref.room})
	}
	for _, id := range e.store.ItemIDs() {
		e.ScheduleCheck(id)
	}
}
