package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kioku-ai/kioku/pkg/bus"
	"github.com/kioku-ai/kioku/pkg/config"
	"github.com/kioku-ai/kioku/pkg/logger"
)

// Manager owns the channel adapters and drains the outbound side of the bus
// into them.
type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	dispatchStop context.CancelFunc
	log          zerolog.Logger
	mu           sync.RWMutex
}

func NewManager(cfg *config.Config, messageBus *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
		log:      logger.Component("channels"),
	}

	if strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		return nil, fmt.Errorf("channels.discord.token is required")
	}
	discord, err := NewDiscordChannel(cfg.Channels.Discord, messageBus)
	if err != nil {
		return nil, fmt.Errorf("initialize discord channel: %w", err)
	}
	m.channels["discord"] = discord

	return m, nil
}

// StartAll starts every channel and the outbound dispatcher. A failure rolls
// back the channels already started.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channelsCopy[name] = channel
	}
	m.mu.RUnlock()

	var started []string
	for name, channel := range channelsCopy {
		if err := channel.Start(ctx); err != nil {
			for _, s := range started {
				if stopErr := channelsCopy[s].Stop(ctx); stopErr != nil {
					m.log.Warn().Err(stopErr).Str("channel", s).Msg("rollback stop failed")
				}
			}
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		started = append(started, name)
		m.log.Info().Str("channel", name).Msg("channel started")
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.dispatchStop != nil {
		m.dispatchStop()
	}
	m.dispatchStop = cancel
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dispatchStop != nil {
		m.dispatchStop()
		m.dispatchStop = nil
	}
	for name, channel := range m.channels {
		if err := channel.Stop(ctx); err != nil {
			m.log.Error().Err(err).Str("channel", name).Msg("error stopping channel")
		}
	}
	return nil
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !exists {
			m.log.Warn().Str("channel", msg.Channel).Msg("unknown channel for outbound message")
			continue
		}

		if err := channel.Send(ctx, msg); err != nil {
			m.log.Error().Err(err).Str("channel", msg.Channel).Msg("error sending message")
		}
	}
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// RegisterChannel adds or replaces an adapter, for tests and future
// surfaces.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// Status reports per-channel running state.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, channel := range m.channels {
		out[name] = channel.IsRunning()
	}
	return out
}
