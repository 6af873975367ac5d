// Package bus defines the abstract messaging interfaces the engine consumes
// and the two bindings built in: an in-process memory bus (also the test
// double) and a Kafka binding over franz-go.
//
// The producer key must be used as the binding's partitioning key so that
// downstream consumers in the same group observe per-key order.
package bus

import (
	"context"
)

// Handler processes one delivered message. Returning nil acknowledges the
// message; returning a transient error leaves it unacknowledged so the bus
// redelivers it. Terminal errors are the handler's responsibility to route
// (DLQ) before returning nil.
type Handler func(ctx context.Context, key string, value []byte) error

// Producer publishes messages keyed for partitioning.
type Producer interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
}

// Consumer delivers subscribed topics to handlers. Subscribe must be called
// before Start; Stop drains in-flight handlers.
type Consumer interface {
	Subscribe(topic string, h Handler) error
	Start(ctx context.Context) error
	Stop() error
}

// Topics names the logical channels the engine uses. All configurable.
type Topics struct {
	TradeEvents string `yaml:"trade_events"`
	Backdated   string `yaml:"backdated_trades"`
	DLQ         string `yaml:"dlq"`
	Errors      string `yaml:"errors"`
	Corrections string `yaml:"corrections"`
}

// DefaultTopics returns the conventional topic names.
func DefaultTopics() Topics {
	return Topics{
		TradeEvents: "trade-events",
		Backdated:   "backdated-trades",
		DLQ:         "trade-events-dlq",
		Errors:      "trade-events-errors",
		Corrections: "historical-position-corrected-events",
	}
}
