// Package messaging defines the broker-neutral publishing surface used to forward
// security events to downstream consumers.
package messaging

import (
	"context"
	"time"
)

// Message is a payload bound for, or received from, a subject.
type Message struct {
	Subject string
	Data    []byte

	// Metadata is sent as message headers.
	Metadata map[string]string

	Timestamp time.Time
}

// Publisher sends fire-and-forget messages.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *Message) error
	Close() error
}

// Client is a Publisher with connection state.
type Client interface {
	Publisher
	Drain() error
	IsConnected() bool
}

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	headers map[string]string
}

// WithHeader adds a header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// NewMessage builds a Message for subject, applying opts.
func NewMessage(subject string, data []byte, opts ...PublishOption) *Message {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Message{
		Subject:   subject,
		Data:      data,
		Metadata:  o.headers,
		Timestamp: time.Now().UTC(),
	}
}
