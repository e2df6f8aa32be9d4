package queue

import (
	"context"
	"strings"

	"github.com/kursadbilgin/bulk-dispatcher/internal/domain"
)

// Publisher publishes per-recipient dispatch outcomes.
type Publisher interface {
	Publish(ctx context.Context, event DispatchEvent) error
	Close() error
}

const (
	// ExchangeName is the durable topic exchange outcome events are published to.
	ExchangeName = "dispatch.events"
	// OutcomeQueueName is bound to every outcome routing key.
	OutcomeQueueName = "dispatch.outcomes"
	// DLQName receives outcome events rejected by downstream consumers.
	DLQName = "dlq.dispatch.outcomes"

	outcomeBindingKey = "outcome.#"
)

// RoutingKey returns the routing key for an outcome, e.g. outcome.sent.
func RoutingKey(outcome domain.Outcome) string {
	return "outcome." + strings.ToLower(string(outcome))
}

// NopPublisher drops events. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, DispatchEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
