package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/security"
)

// Manager owns the enabled channels and routes outbound bus traffic to them.
type Manager struct {
	bus      *bus.MessageBus
	mu       sync.RWMutex
	channels map[string]Channel
	redactor *security.Redactor
}

// NewManager builds the channels enabled in cfg.
func NewManager(cfg config.ChannelsConfig, msgBus *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		bus:      msgBus,
		channels: make(map[string]Channel),
	}

	if cfg.Telegram.Enabled {
		tg, err := NewTelegramChannel(cfg.Telegram, msgBus)
		if err != nil {
			return nil, err
		}
		m.Register(tg)
	}
	if cfg.Discord.Enabled {
		dc, err := NewDiscordChannel(cfg.Discord, msgBus)
		if err != nil {
			return nil, err
		}
		m.Register(dc)
	}
	if cfg.Feishu.Enabled {
		fs, err := NewFeishuChannel(cfg.Feishu, msgBus)
		if err != nil {
			return nil, err
		}
		m.Register(fs)
	}
	if cfg.DingTalk.Enabled {
		dt, err := NewDingTalkChannel(cfg.DingTalk, msgBus)
		if err != nil {
			return nil, err
		}
		m.Register(dt)
	}
	if cfg.QQ.Enabled {
		qq, err := NewQQChannel(cfg.QQ, msgBus)
		if err != nil {
			return nil, err
		}
		m.Register(qq)
	}
	return m, nil
}

// SetRedactor masks credentials in outbound content before delivery. nil
// disables redaction.
func (m *Manager) SetRedactor(r *security.Redactor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redactor = r
}

func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// GetEnabledChannels returns the registered channel names in sorted order.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every channel. A channel that fails to start does not stop
// the others; the failures are joined into the returned error.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.GetEnabledChannels() {
		ch, _ := m.GetChannel(name)
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.InfoCF("channels", "Channel started", map[string]interface{}{"channel": name})
	}
	return errors.Join(errs...)
}

func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.GetEnabledChannels() {
		ch, _ := m.GetChannel(name)
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// DispatchOutbound delivers outbound messages until ctx is cancelled or the
// bus is closed. Messages for unknown or stopped channels are logged and
// dropped.
func (m *Manager) DispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}

		ch, exists := m.GetChannel(msg.Channel)
		if !exists {
			logger.WarnCF("channels", "No channel for outbound message", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}
		if !ch.IsRunning() {
			logger.WarnCF("channels", "Channel not running, dropping message", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}
		msg.Content = m.redact(msg)
		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Failed to send message", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}

func (m *Manager) redact(msg bus.OutboundMessage) string {
	m.mu.RLock()
	r := m.redactor
	m.mu.RUnlock()
	if r == nil {
		return msg.Content
	}
	res := r.Scan(msg.Content)
	if !res.Clean {
		logger.WarnCF("channels", "Redacted credentials from outbound message", map[string]interface{}{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
			"kinds":   res.Kinds,
		})
	}
	return res.Redacted
}

// Status reports whether each channel is running.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}
