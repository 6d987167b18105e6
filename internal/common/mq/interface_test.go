package mq

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPermanent(t *testing.T) {
	t.Parallel()
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should be nil")
	}
	base := errors.New("bad payload")
	err := fmt.Errorf("handle: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Fatalf("wrapped permanent error not detected")
	}
	if !errors.Is(err, base) {
		t.Fatalf("permanent error should unwrap to its cause")
	}
	if IsPermanent(base) {
		t.Fatalf("plain error reported as permanent")
	}
}

func TestSubscribeOptionsDefaults(t *testing.T) {
	t.Parallel()
	opts := &SubscribeOptions{MaxRetries: 5}
	opts.SetDefaults()
	if opts.Concurrency != 1 || opts.MaxRetries != 5 || opts.RetryDelay != time.Second {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
}

func TestMessageHeaders(t *testing.T) {
	t.Parallel()
	msg := &Message{}
	msg.SetHeader("action", "cancel")
	if msg.Headers["action"] != "cancel" {
		t.Fatalf("header not set: %v", msg.Headers)
	}
	if NewMessage([]byte("x")).Timestamp.IsZero() {
		t.Fatalf("new message should carry a timestamp")
	}
}
