// Package bus carries messages between channels and the dispatcher.
package bus

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/notify"
)

type OutboundHandler func(OutboundMessage)

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]OutboundHandler
	logger      *zap.Logger
}

func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = 1
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, size),
		Outbound:    make(chan OutboundMessage, size),
		subscribers: make(map[string][]OutboundHandler),
		logger:      zap.NewNop(),
	}
}

func (b *MessageBus) SetLogger(logger *zap.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// SubscribeOutbound registers fn for outbound messages addressed to channel.
func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

func (b *MessageBus) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subscribers))
	for name := range b.subscribers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PublishOutbound queues msg. It gives up when ctx ends first.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOutbound delivers queued outbound messages until ctx ends.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.deliver(msg)
		case <-ctx.Done():
			return
		}
	}
}

// Drain delivers whatever is still queued without waiting for more.
func (b *MessageBus) Drain() {
	for {
		select {
		case msg := <-b.Outbound:
			b.deliver(msg)
		default:
			return
		}
	}
}

func (b *MessageBus) deliver(msg OutboundMessage) {
	b.mu.RLock()
	var handlers []OutboundHandler
	if msg.Channel == "" {
		for _, hs := range b.subscribers {
			handlers = append(handlers, hs...)
		}
	} else {
		handlers = append(handlers, b.subscribers[msg.Channel]...)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no subscriber for outbound message", zap.String("channel", msg.Channel))
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

// Notifier publishes notifications as outbound messages, routed back to the
// channel and chat recorded on them.
type Notifier struct {
	Bus *MessageBus
}

func (n Notifier) Notify(ctx context.Context, note notify.Notification) error {
	return n.Bus.PublishOutbound(ctx, OutboundMessage{
		Channel: note.Channel,
		ChatID:  note.ChatID,
		Content: note.Message,
	})
}
