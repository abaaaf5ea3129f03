// Package rest is the HTTP fallback for engagement mutations and lookups that
// do not need the realtime channel.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"engagesync/internal/models"
	"engagesync/internal/protocol"
)

const defaultTimeout = 5 * time.Second

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	BearerToken(ctx context.Context) (string, bool)
}

// LikeResult is the server's view after a like or unlike. Either field may be absent.
type LikeResult struct {
	Liked     *bool `json:"liked,omitempty"`
	LikeCount *int  `json:"likeCount,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client calls the engagement REST endpoints under a base URL such as
// http://localhost:8375/api.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

// NewClient returns a Client. A nil httpClient gets a 5s timeout client.
func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
	}
}

// Like records a like for item.
func (c *Client) Like(ctx context.Context, item models.ContentItem) (LikeResult, error) {
	var out LikeResult
	err := c.do(ctx, http.MethodPost, "/like", nil, protocol.ItemRef{
		ItemID: item.ID, ItemKind: item.Kind, CreatorID: item.CreatorID,
	}, "like", &out)
	return out, err
}

// Unlike removes the like for item.
func (c *Client) Unlike(ctx context.Context, item models.ContentItem) (LikeResult, error) {
	var out LikeResult
	err := c.do(ctx, http.MethodDelete, "/unlike", nil, protocol.ItemRef{
		ItemID: item.ID, ItemKind: item.Kind, CreatorID: item.CreatorID,
	}, "unlike", &out)
	return out, err
}

// LikeStatus asks whether the current user likes item.
func (c *Client) LikeStatus(ctx context.Context, item models.ContentItem) (bool, error) {
	q := url.Values{}
	q.Set("itemId", item.ID)
	if item.Kind != "" {
		q.Set("itemKind", string(item.Kind))
	}
	if item.CreatorID != "" {
		q.Set("creatorId", item.CreatorID)
	}
	var out LikeResult
	if err := c.do(ctx, http.MethodGet, "/like-status", q, nil, "like status", &out); err != nil {
		return false, err
	}
	if out.Liked == nil {
		return false, models.NewMutationRejectedError("like status", "response carried no liked flag")
	}
	return *out.Liked, nil
}

// Recipients lists who the current user can share with.
func (c *Client) Recipients(ctx context.Context) ([]models.Recipient, error) {
	var out []models.Recipient
	if err := c.do(ctx, http.MethodGet, "/share/recipients", nil, nil, "recipients", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, action string, out any) error {
	token, ok := "", false
	if c.tokens != nil {
		token, ok = c.tokens.BearerToken(ctx)
	}
	if !ok {
		return models.NewUnauthenticatedError()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return models.NewInternalError(err)
		}
		reader = bytes.NewReader(raw)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return models.NewInternalError(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		appErr := models.NewTransportUnavailableError(action)
		appErr.Err = err
		return appErr
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return models.NewUnauthenticatedError()
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return models.NewMutationRejectedError(action, fmt.Sprintf("unreadable response (status %d)", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		reason := env.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return models.NewMutationRejectedError(action, reason)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return models.NewMutationRejectedError(action, "unexpected response data")
		}
	}
	return nil
}
