// Package audit records one entry per successful reconciliation mutation.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rimborsi/internal/log"
)

// MessageTypeAudit is the event type published for every entry.
const MessageTypeAudit = "reimbursement.audit"

const (
	ActorAPI    = "api"
	ActorWorker = "worker"
	ActorSystem = "system"
)

type Entry struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	Actor       string    `json:"actor"`
	PayloadJSON string    `json:"payload"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Store interface {
	AppendAudit(ctx context.Context, e Entry) error
	ListAudit(ctx context.Context, limit int) ([]Entry, error)
}

// Publisher sends typed events. *amqp.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, messageType string, payload any) error
}

type actorKey struct{}

func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, strings.TrimSpace(actor))
}

// ActorFromContext returns the actor set by WithActor, or ActorSystem.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return ActorSystem
}

type Service struct {
	store     Store
	publisher Publisher
	logger    *log.Logger
	now       func() time.Time
}

// NewService builds the audit writer. publisher may be nil.
func NewService(store Store, publisher Publisher, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger.WithComponent(log.ComponentAudit),
		now:       time.Now,
	}
}

func (s *Service) WriteAudit(ctx context.Context, action string, payload any, actor string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	if actor == "" {
		actor = ActorFromContext(ctx)
	}
	entry := Entry{
		ID:          uuid.NewString(),
		Action:      action,
		Actor:       actor,
		PayloadJSON: string(body),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, MessageTypeAudit, entry); err != nil {
			s.logger.WarnContext(ctx, "Failed to publish audit event",
				log.FieldAction, action,
				log.FieldError, err)
		}
	}
	return nil
}

func (s *Service) List(ctx context.Context, limit int) ([]Entry, error) {
	return s.store.ListAudit(ctx, limit)
}

// MemoryStore keeps entries in insertion order.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendAudit(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// ListAudit returns the newest entries first.
func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for i := len(m.entries) - 1; i >= 0; i-- {
		out = append(out, m.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
