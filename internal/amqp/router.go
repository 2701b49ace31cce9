package amqp

import (
	"context"
	"errors"
	"fmt"

	"rimborsi/internal/log"
)

// ErrUnknownType is returned by Dispatch when no handler is registered.
var ErrUnknownType = errors.New("unknown message type")

type Handler func(ctx context.Context, msg *Message) error

// Router dispatches envelopes by Type.
type Router struct {
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

func (r *Router) Handle(messageType string, h Handler) {
	r.handlers[messageType] = h
}

func (r *Router) Dispatch(ctx context.Context, msg *Message) error {
	h, ok := r.handlers[msg.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}
	return h(ctx, msg)
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeDrop
	outcomeRequeue
)

// handleDelivery decides how a raw delivery is acknowledged: undecodable
// bodies are dropped, handler failures requeued, unknown types acked.
func (r *Router) handleDelivery(ctx context.Context, body []byte, logger *log.Logger) outcome {
	msg, err := MessageFromJSON(body)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to decode message", log.FieldError, err)
		return outcomeDrop
	}

	err = r.Dispatch(ctx, msg)
	switch {
	case err == nil:
		logger.InfoContext(ctx, "Processed message",
			log.FieldMessageID, msg.ID,
			log.FieldMessageType, msg.Type)
		return outcomeAck
	case errors.Is(err, ErrUnknownType):
		logger.WarnContext(ctx, "Ignoring message of unknown type",
			log.FieldMessageID, msg.ID,
			log.FieldMessageType, msg.Type)
		return outcomeAck
	default:
		logger.ErrorContext(ctx, "Failed to handle message",
			log.FieldMessageID, msg.ID,
			log.FieldMessageType, msg.Type,
			log.FieldError, err)
		return outcomeRequeue
	}
}
