// Package channel connects chat front ends to the message bus.
package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries what every channel shares: its name, the bus and the
// sender allow list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
	logger    *zap.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string, logger *zap.Logger) BaseChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = struct{}{}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed, logger: logger.Named(name)}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may talk to the assistant. An empty
// allow list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	_, ok := c.allowFrom[senderID]
	return ok
}

// publish hands an inbound message to the bus unless ctx ends first.
func (c *BaseChannel) publish(ctx context.Context, msg bus.InboundMessage) bool {
	select {
	case c.bus.Inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
