// Package heartbeat periodically asks the agent to review its notes and
// forwards anything worth reporting to a chat.
package heartbeat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
)

const (
	DefaultInterval = 30 * time.Minute
	SessionID       = "heartbeat"
	okToken         = "HEARTBEAT_OK"
)

// Handler runs prompt through the agent and returns its reply.
type Handler func(ctx context.Context, sessionID, prompt string) (string, error)

type Options struct {
	Workspace string
	Interval  time.Duration
	Handler   Handler
	Bus       *bus.MessageBus
	Channel   string
	ChatID    string
}

type Status struct {
	Running  bool      `json:"running"`
	Beats    int       `json:"beats"`
	LastBeat time.Time `json:"last_beat,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

type Service struct {
	workspace string
	interval  time.Duration
	handler   Handler
	bus       *bus.MessageBus
	channel   string
	chatID    string
	now       func() time.Time

	mu     sync.RWMutex
	status Status
}

func NewService(opts Options) *Service {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		workspace: opts.Workspace,
		interval:  interval,
		handler:   opts.Handler,
		bus:       opts.Bus,
		channel:   opts.Channel,
		chatID:    opts.ChatID,
		now:       time.Now,
	}
}

// Run beats every interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.handler == nil {
		return fmt.Errorf("heartbeat handler not configured")
	}

	s.setRunning(true)
	defer s.setRunning(false)

	logger.InfoCF("heartbeat", "Heartbeat started", map[string]interface{}{
		"interval": s.interval.String(),
	})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Beat(ctx)
		}
	}
}

// Beat runs a single heartbeat check.
func (s *Service) Beat(ctx context.Context) {
	if s.handler == nil {
		return
	}

	response, err := s.handler(ctx, SessionID, s.buildPrompt())

	s.mu.Lock()
	s.status.Beats++
	s.status.LastBeat = s.now()
	s.status.LastErr = ""
	if err != nil {
		s.status.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		logger.ErrorCF("heartbeat", "Heartbeat handler error", map[string]interface{}{
			"error": err.Error(),
		})
		s.appendLog(fmt.Sprintf("Heartbeat error: %v", err))
		return
	}

	if strings.Contains(response, okToken) {
		logger.DebugC("heartbeat", "Heartbeat OK, nothing to report")
		return
	}

	if s.bus == nil || s.channel == "" || s.chatID == "" {
		s.appendLog(response)
		return
	}
	s.bus.PublishOutboundCtx(ctx, bus.OutboundMessage{
		Channel: s.channel,
		ChatID:  s.chatID,
		Content: response,
	})
	logger.InfoCF("heartbeat", "Heartbeat response delivered", map[string]interface{}{
		"channel": s.channel,
		"chat_id": s.chatID,
	})
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) setRunning(running bool) {
	s.mu.Lock()
	s.status.Running = running
	s.mu.Unlock()
}

func (s *Service) buildPrompt() string {
	var notes string
	if data, err := os.ReadFile(filepath.Join(s.workspace, "memory", "HEARTBEAT.md")); err == nil {
		notes = string(data)
	}

	return fmt.Sprintf(`# Heartbeat Check

Current time: %s

Check if there are any tasks I should be aware of or actions I should take.
Review the notes below for anything due or changed.

If there is nothing to report, respond with exactly: %s

%s
`, s.now().Format("2006-01-02 15:04"), okToken, notes)
}

// appendLog records undeliverable output in memory/heartbeat.log.
func (s *Service) appendLog(message string) {
	dir := filepath.Join(s.workspace, "memory")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "heartbeat.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "[%s] %s\n", s.now().Format("2006-01-02 15:04:05"), message)
}
