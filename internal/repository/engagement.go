// Package repository provides data access layer implementations for the gateway.
package repository

import (
	"context"
	"errors"
	"time"

	"engagesync/internal/database"
	"engagesync/internal/models"
	"engagesync/internal/observability"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EngagementRepository defines the gateway's persistence for likes, shares,
// comments and share recipients.
type EngagementRepository interface {
	SetLiked(ctx context.Context, userID string, item models.ContentItem, liked bool) (bool, error)
	IsLiked(ctx context.Context, userID, itemID string) (bool, error)
	LikeCount(ctx context.Context, itemID string) (int, error)

	AddShare(ctx context.Context, userID, itemID, recipientID string) (int, error)
	ShareCount(ctx context.Context, itemID string) (int, error)

	CreateComment(ctx context.Context, itemID, authorID, authorName, text string) (*database.Comment, error)
	GetComment(ctx context.Context, id string) (*database.Comment, error)
	ListComments(ctx context.Context, itemID string) ([]database.Comment, error)
	DeleteComment(ctx context.Context, id string) error
	CommentCount(ctx context.Context, itemID string) (int, error)

	Recipients(ctx context.Context, excludeUserID string) ([]database.Recipient, error)
	RecipientExists(ctx context.Context, id string) (bool, error)
	DisplayName(ctx context.Context, userID string) string
}

type engagementRepository struct {
	db *gorm.DB
}

// NewEngagementRepository creates a new EngagementRepository
func NewEngagementRepository(db *gorm.DB) EngagementRepository {
	return &engagementRepository{db: db}
}

// SetLiked records or removes the like and reports whether anything changed.
func (r *engagementRepository) SetLiked(ctx context.Context, userID string, item models.ContentItem, liked bool) (bool, error) {
	if !liked {
		defer observability.TrackQuery("delete", "likes")()
		res := r.db.WithContext(ctx).
			Where("user_id = ? AND item_id = ?", userID, item.ID).
			Delete(&database.Like{})
		return res.RowsAffected > 0, res.Error
	}

	defer observability.TrackQuery("insert", "likes")()
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&database.Like{UserID: userID, ItemID: item.ID, ItemKind: item.Kind})
	return res.RowsAffected > 0, res.Error
}

func (r *engagementRepository) IsLiked(ctx context.Context, userID, itemID string) (bool, error) {
	defer observability.TrackQuery("select", "likes")()
	var n int64
	err := r.db.WithContext(ctx).Model(&database.Like{}).
		Where("user_id = ? AND item_id = ?", userID, itemID).
		Count(&n).Error
	return n > 0, err
}

func (r *engagementRepository) LikeCount(ctx context.Context, itemID string) (int, error) {
	return r.count(ctx, &database.Like{}, "likes", itemID)
}

// AddShare stores the share and returns the new share count.
func (r *engagementRepository) AddShare(ctx context.Context, userID, itemID, recipientID string) (int, error) {
	done := observability.TrackQuery("insert", "shares")
	err := r.db.WithContext(ctx).Create(&database.Share{
		UserID:      userID,
		ItemID:      itemID,
		RecipientID: recipientID,
	}).Error
	done()
	if err != nil {
		return 0, err
	}
	return r.ShareCount(ctx, itemID)
}

func (r *engagementRepository) ShareCount(ctx context.Context, itemID string) (int, error) {
	return r.count(ctx, &database.Share{}, "shares", itemID)
}

func (r *engagementRepository) CreateComment(ctx context.Context, itemID, authorID, authorName, text string) (*database.Comment, error) {
	defer observability.TrackQuery("insert", "comments")()
	c := &database.Comment{
		ID:         ulid.Make().String(),
		ItemID:     itemID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Text:       text,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (r *engagementRepository) GetComment(ctx context.Context, id string) (*database.Comment, error) {
	defer observability.TrackQuery("select", "comments")()
	var c database.Comment
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("comment", id)
		}
		return nil, err
	}
	return &c, nil
}

// ListComments returns the item's comments newest first.
func (r *engagementRepository) ListComments(ctx context.Context, itemID string) ([]database.Comment, error) {
	defer observability.TrackQuery("select", "comments")()
	var comments []database.Comment
	err := r.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("id desc").
		Find(&comments).Error
	return comments, err
}

func (r *engagementRepository) DeleteComment(ctx context.Context, id string) error {
	defer observability.TrackQuery("delete", "comments")()
	res := r.db.WithContext(ctx).Delete(&database.Comment{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("comment", id)
	}
	return nil
}

func (r *engagementRepository) CommentCount(ctx context.Context, itemID string) (int, error) {
	return r.count(ctx, &database.Comment{}, "comments", itemID)
}

// Recipients lists share targets by name, leaving out the requester.
func (r *engagementRepository) Recipients(ctx context.Context, excludeUserID string) ([]database.Recipient, error) {
	defer observability.TrackQuery("select", "recipients")()
	var out []database.Recipient
	err := r.db.WithContext(ctx).
		Where("id <> ?", excludeUserID).
		Order("name asc").
		Find(&out).Error
	return out, err
}

func (r *engagementRepository) RecipientExists(ctx context.Context, id string) (bool, error) {
	defer observability.TrackQuery("select", "recipients")()
	var n int64
	err := r.db.WithContext(ctx).Model(&database.Recipient{}).Where("id = ?", id).Count(&n).Error
	return n > 0, err
}

func (r *engagementRepository) count(ctx context.Context, model interface{}, table, itemID string) (int, error) {
	defer observability.TrackQuery("count", table)()
	var n int64
	err := r.db.WithContext(ctx).Model(model).Where("item_id = ?", itemID).Count(&n).Error
	return int(n), err
}

// DisplayName returns the recipient name registered for userID, or userID.
func (r *engagementRepository) DisplayName(ctx context.Context, userID string) string {
	defer observability.TrackQuery("select", "recipients")()
	var rec database.Recipient
	if err := r.db.WithContext(ctx).Select("name").First(&rec, "id = ?", userID).Error; err != nil || rec.Name == "" {
		return userID
	}
	return rec.Name
}
