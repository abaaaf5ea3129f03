// Package models contains the domain types shared by the engagement engine,
// its transports and the reference gateway.
package models

import (
	"strings"
	"time"
)

// ItemKind tags the kind of content an engagement view belongs to.
type ItemKind string

const (
	ItemKindPost   ItemKind = "post"
	ItemKindShorts ItemKind = "shorts"
)

// Valid reports whether k is one of the known kinds.
func (k ItemKind) Valid() bool {
	return k == ItemKindPost || k == ItemKindShorts
}

// ContentItem is a post or short video owned by the remote content service.
// The engine only reads its id, kind and creator.
type ContentItem struct {
	ID        string   `json:"id"`
	Kind      ItemKind `json:"kind"`
	CreatorID string   `json:"creator_id,omitempty"`
}

// Comment is a confirmed comment on a content item.
type Comment struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// Recipient is a candidate target for the share workflow.
type Recipient struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// placeholderIDs are values UI layers emit before an item has loaded.
var placeholderIDs = map[string]struct{}{
	"undefined": {},
	"null":      {},
	"nil":       {},
	"0":         {},
}

// IsPlaceholderID reports whether id is missing or a known placeholder.
func IsPlaceholderID(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return true
	}
	_, ok := placeholderIDs[strings.ToLower(id)]
	return ok
}
