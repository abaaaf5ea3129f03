// Package session resolves the current user and bearer credential for the
// engagement client.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSubject is returned when a token carries no usable sub claim.
var ErrNoSubject = errors.New("token has no subject")

// TokenIdentity derives the user id from the sub claim of a bearer token.
// The token is not verified here; the server does that on every request.
type TokenIdentity struct {
	mu     sync.RWMutex
	token  string
	userID string
}

// NewTokenIdentity returns an identity for token. An empty token means signed out.
func NewTokenIdentity(token string) (*TokenIdentity, error) {
	id := &TokenIdentity{}
	if err := id.SetToken(token); err != nil {
		return nil, err
	}
	return id, nil
}

// SetToken replaces the credential, e.g. after a refresh or sign-out.
func (i *TokenIdentity) SetToken(token string) error {
	token = strings.TrimSpace(token)
	userID := ""
	if token != "" {
		sub, err := SubjectOf(token)
		if err != nil {
			return err
		}
		userID = sub
	}

	i.mu.Lock()
	i.token = token
	i.userID = userID
	i.mu.Unlock()
	return nil
}

// CurrentUserID returns the signed-in user id.
func (i *TokenIdentity) CurrentUserID(_ context.Context) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.userID, i.userID != ""
}

// BearerToken returns the raw credential.
func (i *TokenIdentity) BearerToken(_ context.Context) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.token, i.token != ""
}

// SubjectOf extracts the sub claim without verifying the signature.
func SubjectOf(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", ErrNoSubject
	}
	return sub, nil
}

// IssueToken signs an HS256 token for userID. Used by the gateway tests and by
// engagectl against a development gateway.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// StaticIdentity is a fixed identity, mostly for tests and tools.
type StaticIdentity struct {
	UserID string
	Token  string
}

// CurrentUserID returns the configured user id.
func (s StaticIdentity) CurrentUserID(context.Context) (string, bool) {
	return s.UserID, s.UserID != ""
}

// BearerToken returns the configured token.
func (s StaticIdentity) BearerToken(context.Context) (string, bool) {
	return s.Token, s.Token != ""
}
