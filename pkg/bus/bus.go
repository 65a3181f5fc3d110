// Package bus carries client events to interested subscribers. The default
// implementation is in-memory; NATS is used when a server URL is configured.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed bus.
var ErrClosed = errors.New("bus closed")

// MessageBus publishes events on dot-separated subjects.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends data to all subscribers of subject. It does not wait
	// for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for subject. "*" matches one token and
	// a trailing ">" matches one or more tokens.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes one delivered message.
type MessageHandler func(msg *Message)

// Message is a delivered event.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config selects and configures a bus.
type Config struct {
	// URL is the NATS server URL. Empty selects the in-memory bus.
	URL     string
	Name    string
	Timeout time.Duration
}

// DefaultConfig returns the in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Name:    "bindery",
		Timeout: 5 * time.Second,
	}
}

// Open returns a NATS bus when cfg.URL is set and a MemoryBus otherwise.
func Open(cfg Config) (MessageBus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(), nil
	}
	return NewNATSBus(cfg)
}
