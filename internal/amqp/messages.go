package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types carried in the envelope.
const (
	TypeExpenseRecorded    = "expense.recorded"
	TypeAutoMatchRequested = "automatch.requested"
	TypeAudit              = "reimbursement.audit"
)

// Message is the envelope for every event on the exchange. Payload is decoded
// lazily by the handler registered for Type.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ExpenseRecorded is published after a ledger row is stored.
type ExpenseRecorded struct {
	ExpenseID  string    `json:"expenseId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// AutoMatchRequested asks the worker to run one auto-match pass. Nil bounds are open.
type AutoMatchRequested struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

func NewMessage(messageType string, payload any) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", messageType, err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Payload:   body,
	}, nil
}

func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	return json.Unmarshal(m.Payload, v)
}

func MessageFromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message without type")
	}
	return &msg, nil
}
