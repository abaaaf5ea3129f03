package database

import (
	"time"

	"engagesync/internal/models"
)

// Like is one user's like on one item. A row exists only while the item is liked.
type Like struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	UserID    string          `gorm:"size:64;not null;uniqueIndex:idx_like_user_item" json:"user_id"`
	ItemID    string          `gorm:"size:128;not null;uniqueIndex:idx_like_user_item;index" json:"item_id"`
	ItemKind  models.ItemKind `gorm:"size:16" json:"item_kind"`
	CreatedAt time.Time       `json:"created_at"`
}

// Share records one item sent to one recipient.
type Share struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      string    `gorm:"size:64;not null" json:"user_id"`
	ItemID      string    `gorm:"size:128;not null;index" json:"item_id"`
	RecipientID string    `gorm:"size:64;not null" json:"recipient_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Comment is stored with a ULID so ids sort by creation time.
type Comment struct {
	ID         string    `gorm:"primaryKey;size:26" json:"id"`
	ItemID     string    `gorm:"size:128;not null;index" json:"item_id"`
	AuthorID   string    `gorm:"size:64;not null" json:"author_id"`
	AuthorName string    `gorm:"size:128" json:"author_name"`
	Text       string    `gorm:"not null" json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToModel converts the row to the wire representation.
func (c Comment) ToModel() models.Comment {
	return models.Comment{
		ID:         c.ID,
		AuthorID:   c.AuthorID,
		AuthorName: c.AuthorName,
		Text:       c.Text,
		CreatedAt:  c.CreatedAt,
	}
}

// Recipient is a user that items can be shared with.
type Recipient struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&Like{},
		&Share{},
		&Comment{},
		&Recipient{},
	}
}
