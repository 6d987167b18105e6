package mq

import (
	"context"
	"errors"
	"time"
)

// Application headers shared by producers and consumers.
const (
	// HeaderTraceID carries the trace id of the request that produced a message.
	HeaderTraceID = "trace_id"
	// HeaderAction names the job command a message carries.
	HeaderAction = "action"
	// HeaderEvent names the progress event a message carries.
	HeaderEvent = "event"

	HeaderDeadLetterReason = "x-dead-letter-reason"
	HeaderDeadLetterSource = "x-dead-letter-topic"
)

// MessageQueue is the broker abstraction used for job commands and progress events.
type MessageQueue interface {
	Producer
	Consumer
	Ping(ctx context.Context) error
	Close() error
}

// Producer publishes messages to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer delivers messages of subscribed topics to handlers.
type Consumer interface {
	// Subscribe registers handler for topic. The handler returns nil on success;
	// failed messages are retried up to MaxRetries and then dead-lettered.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) error
	SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error
	Start() error
	// Stop waits for in-flight handlers.
	Stop() error
}

// Message is one job command or progress event on the wire.
type Message struct {
	ID         string            `json:"id"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers"`
	Timestamp  time.Time         `json:"timestamp"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	// Expiration drops the message unhandled once it is older than this.
	Expiration time.Duration `json:"expiration"`
}

// HandlerFunc processes one delivered message.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	ConsumerGroup string
	// Concurrency is the number of handler workers. Default: 1
	Concurrency int
	// MaxRetries is the number of redeliveries after the first failure. Default: 3
	MaxRetries int
	// RetryDelay separates redeliveries. Default: 1s
	RetryDelay      time.Duration
	DeadLetterTopic string
	// MessageTTL applies to messages that carry no expiration of their own.
	MessageTTL time.Duration
}

// SetDefaults fills zero values.
func (o *SubscribeOptions) SetDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage stamps body with the current time.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
