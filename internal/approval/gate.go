// Package approval issues and consumes dry-run tokens for destructive operations.
//
// A token is bound to a SHA-256 hash of the action name and the JSON encoding of
// its payload, expires after a TTL, and can be consumed once.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rimborsi/internal/core"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrAlreadyConsumed = errors.New("approval already consumed")
)

// DefaultTTL applies when the gate is built with a non-positive TTL.
const DefaultTTL = 10 * time.Minute

type Approval struct {
	Token       string
	Action      string
	PayloadHash string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	ConsumedAt  *time.Time
}

// Store persists approvals. ConsumeApproval must load the token, run check and
// mark it consumed atomically; it returns ErrNotFound for unknown tokens and
// ErrAlreadyConsumed when another caller consumed it first.
type Store interface {
	SaveApproval(ctx context.Context, a Approval) error
	ConsumeApproval(ctx context.Context, token string, consumedAt time.Time, check func(Approval) error) error
}

type Gate struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func NewGate(store Store, ttl time.Duration, opts ...Option) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Gate{store: store, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HashPayload binds an action to the canonical JSON of its payload.
func HashPayload(action string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal approval payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (g *Gate) CreateApproval(ctx context.Context, action string, payload any) (Approval, error) {
	hash, err := HashPayload(action, payload)
	if err != nil {
		return Approval{}, err
	}
	now := g.now().UTC()
	a := Approval{
		Token:       uuid.NewString(),
		Action:      action,
		PayloadHash: hash,
		ExpiresAt:   now.Add(g.ttl),
		CreatedAt:   now,
	}
	if err := g.store.SaveApproval(ctx, a); err != nil {
		return Approval{}, fmt.Errorf("save approval: %w", err)
	}
	return a, nil
}

// ConsumeApproval validates operationID (the token) against action and payload
// and marks it used. Failures are 403 application errors.
func (g *Gate) ConsumeApproval(ctx context.Context, action, operationID string, payload any) error {
	token := strings.TrimSpace(operationID)
	if token == "" {
		return core.NewForbiddenError(core.CodeApprovalRequired, "approval token required for "+action).
			WithDetail("action", action)
	}
	hash, err := HashPayload(action, payload)
	if err != nil {
		return err
	}
	now := g.now().UTC()

	err = g.store.ConsumeApproval(ctx, token, now, func(a Approval) error {
		if a.Action != action || a.PayloadHash != hash {
			return core.NewForbiddenError(core.CodeApprovalMismatch, "approval token does not match this operation").
				WithDetail("action", action)
		}
		if a.ConsumedAt != nil {
			return core.NewForbiddenError(core.CodeApprovalAlreadyUsed, "approval token already used")
		}
		if !now.Before(a.ExpiresAt) {
			return core.NewForbiddenError(core.CodeApprovalExpired, "approval token expired").
				WithDetail("expiresAt", a.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return core.NewForbiddenError(core.CodeApprovalInvalid, "approval token is not valid")
	case errors.Is(err, ErrAlreadyConsumed):
		return core.NewForbiddenError(core.CodeApprovalAlreadyUsed, "approval token already used")
	default:
		if _, ok := core.AsAppError(err); ok {
			return err
		}
		return fmt.Errorf("consume approval: %w", err)
	}
}
