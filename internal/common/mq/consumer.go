package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloudeval/pkg/utils/contextkey"
	"cloudeval/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const fetchBackoff = 100 * time.Millisecond

type subscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	parent  context.Context

	reader *kafka.Reader
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Subscribe subscribes to a topic with default options.
func (k *KafkaQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	return k.SubscribeWithOptions(ctx, topic, handler, nil)
}

// SubscribeWithOptions registers handler for topic. Consumption begins on Start,
// or immediately when the queue is already started.
func (k *KafkaQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = fmt.Sprintf("cloudeval-%s", topic)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sub := &subscription{topic: topic, handler: handler, opts: options, parent: ctx}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	k.subscriptions = append(k.subscriptions, sub)
	if k.started {
		k.consume(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	if k.started {
		return nil
	}
	for _, sub := range k.subscriptions {
		k.consume(sub)
	}
	k.started = true
	return nil
}

// Stop cancels every consumer and waits for in-flight handlers to return.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, sub := range k.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range k.subscriptions {
		sub.wg.Wait()
		if sub.reader != nil {
			_ = sub.reader.Close()
			sub.reader = nil
		}
	}
	k.started = false
	return nil
}

// consume starts one fetch goroutine feeding opts.Concurrency workers.
func (k *KafkaQueue) consume(sub *subscription) {
	sub.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       sub.topic,
		GroupID:     sub.opts.ConsumerGroup,
		Dialer:      k.dialer,
		MinBytes:    k.config.MinBytes,
		MaxBytes:    k.config.MaxBytes,
		MaxWait:     k.config.MaxWait,
		StartOffset: kafka.LastOffset,
	})
	ctx, cancel := context.WithCancel(sub.parent)
	sub.cancel = cancel

	deliveries := make(chan kafka.Message)
	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for msg := range deliveries {
				k.deliver(ctx, sub, msg)
			}
		}()
	}

	sub.wg.Add(1)
	go func(reader *kafka.Reader) {
		defer sub.wg.Done()
		defer close(deliveries)
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn(ctx, "kafka fetch failed", zap.String("topic", sub.topic), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(fetchBackoff):
				}
				continue
			}
			select {
			case deliveries <- msg:
			case <-ctx.Done():
				return
			}
		}
	}(sub.reader)
}

// deliver runs the handler with retries. Expired messages are committed
// unhandled; exhausted or permanent failures go to the dead-letter topic.
func (k *KafkaQueue) deliver(ctx context.Context, sub *subscription, raw kafka.Message) {
	m := decode(raw)
	if m.MaxRetries == 0 {
		m.MaxRetries = sub.opts.MaxRetries
	}
	if m.Expiration == 0 {
		m.Expiration = sub.opts.MessageTTL
	}
	hctx := ctx
	if traceID := m.Headers[HeaderTraceID]; traceID != "" {
		hctx = context.WithValue(ctx, contextkey.TraceID, traceID)
	}
	commit := func() {
		if err := sub.reader.CommitMessages(ctx, raw); err != nil && ctx.Err() == nil {
			logger.Warn(hctx, "kafka commit failed", zap.String("topic", sub.topic), zap.Error(err))
		}
	}

	if m.expired(time.Now()) {
		logger.Info(hctx, "dropping expired message", zap.String("topic", sub.topic), zap.String("message_id", m.ID))
		commit()
		return
	}

	for {
		err := sub.handler(hctx, m)
		if err == nil {
			commit()
			return
		}
		m.RetryCount++
		if IsPermanent(err) || m.RetryCount > m.MaxRetries || ctx.Err() != nil {
			k.deadLetter(hctx, sub, m, err)
			commit()
			return
		}
		logger.Warn(hctx, "message handler failed, retrying",
			zap.String("topic", sub.topic),
			zap.String("message_id", m.ID),
			zap.Int("attempt", m.RetryCount),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
		case <-time.After(sub.opts.RetryDelay):
		}
	}
}

func (k *KafkaQueue) deadLetter(ctx context.Context, sub *subscription, m *Message, cause error) {
	if sub.opts.DeadLetterTopic == "" {
		logger.Error(ctx, "message dropped", zap.String("topic", sub.topic), zap.String("message_id", m.ID), zap.Error(cause))
		return
	}
	m.SetHeader(HeaderDeadLetterReason, cause.Error())
	m.SetHeader(HeaderDeadLetterSource, sub.topic)
	// The consumer ctx may already be cancelled on shutdown.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.config.DialTimeout)
	defer cancel()
	if err := k.Publish(pctx, sub.opts.DeadLetterTopic, m); err != nil {
		logger.Error(ctx, "dead-letter publish failed",
			zap.String("topic", sub.opts.DeadLetterTopic),
			zap.String("message_id", m.ID),
			zap.Error(err),
		)
		return
	}
	logger.Warn(ctx, "message dead-lettered",
		zap.String("topic", sub.topic),
		zap.String("message_id", m.ID),
		zap.Int("attempts", m.RetryCount),
		zap.Error(cause),
	)
}
