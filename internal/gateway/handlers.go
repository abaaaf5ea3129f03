package gateway

import (
	"strings"

	"engagesync/internal/models"
	"engagesync/internal/protocol"
	"engagesync/internal/rest"

	"github.com/gofiber/fiber/v2"
)

// apiResponse is the envelope the REST fallback client expects.
type apiResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(apiResponse{Success: true, Data: data})
}

// HealthCheck reports that the process is up.
func (s *Server) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// LivenessCheck is the liveness probe.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

// ReadinessCheck verifies the database (and Redis when configured) respond.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	checks := fiber.Map{"database": "ok"}
	healthy := true

	if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
		checks["database"] = "unavailable"
		healthy = false
	}
	if s.redis != nil {
		checks["redis"] = "ok"
		if err := s.redis.Ping(c.UserContext()).Err(); err != nil {
			checks["redis"] = "unavailable"
			healthy = false
		}
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "checks": checks})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": checks})
}

// Like records a like over REST.
func (s *Server) Like(c *fiber.Ctx) error {
	return s.setLiked(c, true)
}

// Unlike removes a like over REST.
func (s *Server) Unlike(c *fiber.Ctx) error {
	return s.setLiked(c, false)
}

func (s *Server) setLiked(c *fiber.Ctx, liked bool) error {
	var ref protocol.ItemRef
	if err := c.BodyParser(&ref); err != nil {
		return models.NewValidationError("invalid request body")
	}
	item, err := itemFromRef(ref)
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	userID := userIDFrom(c)

	if _, err := s.repo.SetLiked(ctx, userID, item, liked); err != nil {
		return models.NewInternalError(err)
	}
	count, err := s.repo.LikeCount(ctx, item.ID)
	if err != nil {
		return models.NewInternalError(err)
	}

	// Channel subscribers see REST mutations too.
	s.dispatcher.publish(ctx, nil, RoomKey(protocol.RoomLike, item.ID), protocol.EventCountUpdate,
		protocol.CountUpdatePayload{ItemRef: protocol.ItemRef{ItemID: item.ID, ItemKind: item.Kind}, LikeCount: &count})

	return ok(c, rest.LikeResult{Liked: &liked, LikeCount: &count})
}

// LikeStatus answers whether the caller likes itemId.
func (s *Server) LikeStatus(c *fiber.Ctx) error {
	item, err := itemFromRef(protocol.ItemRef{
		ItemID:    c.Query("itemId"),
		ItemKind:  models.ItemKind(c.Query("itemKind")),
		CreatorID: c.Query("creatorId"),
	})
	if err != nil {
		return err
	}
	ctx := c.UserContext()

	liked, err := s.repo.IsLiked(ctx, userIDFrom(c), item.ID)
	if err != nil {
		return models.NewInternalError(err)
	}
	count, err := s.repo.LikeCount(ctx, item.ID)
	if err != nil {
		return models.NewInternalError(err)
	}
	return ok(c, rest.LikeResult{Liked: &liked, LikeCount: &count})
}

// ShareRecipients lists who the caller can share with.
func (s *Server) ShareRecipients(c *fiber.Ctx) error {
	rows, err := s.repo.Recipients(c.UserContext(), userIDFrom(c))
	if err != nil {
		return models.NewInternalError(err)
	}
	out := make([]models.Recipient, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Recipient{ID: r.ID, Name: r.Name})
	}
	return ok(c, out)
}

func itemFromRef(ref protocol.ItemRef) (models.ContentItem, error) {
	id := strings.TrimSpace(ref.ItemID)
	if models.IsPlaceholderID(id) {
		return models.ContentItem{}, models.NewInvalidReferenceError(ref.ItemID)
	}
	if ref.ItemKind != "" && !ref.ItemKind.Valid() {
		return models.ContentItem{}, models.NewValidationError("unknown item kind")
	}
	return models.ContentItem{ID: id, Kind: ref.ItemKind, CreatorID: ref.CreatorID}, nil
}
