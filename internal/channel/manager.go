package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/bus"
	"github.com/stellarlinkco/orion/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   *zap.Logger
}

// NewChannelManager builds every enabled channel and subscribes it to its
// outbound messages.
func NewChannelManager(cfg config.ChannelsConfig, gwCfg config.GatewayConfig, b *bus.MessageBus, logger *zap.Logger) (*ChannelManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   logger.Named("channels"),
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b, logger)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Add(ch)
	}

	if cfg.WebUI.Enabled {
		ch, err := NewWebUIChannel(cfg.WebUI, gwCfg, b, logger)
		if err != nil {
			return nil, fmt.Errorf("init webui channel: %w", err)
		}
		m.Add(ch)
	}

	return m, nil
}

// Add registers ch and routes its outbound messages to it.
func (m *ChannelManager) Add(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			m.logger.Warn("send failed", zap.String("channel", ch.Name()), zap.Error(err))
		}
	})
}

func (m *ChannelManager) Get(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts every channel and joins their start errors.
func (m *ChannelManager) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.EnabledChannels() {
		m.logger.Info("starting channel", zap.String("channel", name))
		if err := m.channels[name].Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *ChannelManager) StopAll() {
	for _, name := range m.EnabledChannels() {
		m.logger.Info("stopping channel", zap.String("channel", name))
		if err := m.channels[name].Stop(); err != nil {
			m.logger.Warn("stop failed", zap.String("channel", name), zap.Error(err))
		}
	}
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
