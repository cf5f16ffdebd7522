// Package channels connects chat platforms to the message bus.
package channels

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel holds what every adapter shares: its name, the bus, the allow
// list and the running flag.
type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       msgBus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

// IsAllowed reports whether senderID may talk to the agent. An empty allow
// list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	return c.matchAllowEntry(senderID)
}

// matchAllowEntry compares senderID against the allow list. Either side may
// use the compound "id|username" form, and entries may carry a leading "@".
func (c *BaseChannel) matchAllowEntry(senderID string) bool {
	idPart, userPart := splitSender(senderID)

	for _, allowed := range c.allowList {
		bare := strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if bare == "" {
			continue
		}
		allowedID, allowedUser := splitSender(bare)

		if senderID == bare || idPart == bare || idPart == allowedID ||
			(allowedUser != "" && (senderID == allowedUser || userPart == allowedUser)) ||
			(userPart != "" && (userPart == bare || userPart == allowedID)) {
			return true
		}
	}
	return false
}

func splitSender(s string) (id, username string) {
	if idx := strings.Index(s, "|"); idx > 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// HandleMessage publishes an inbound message keyed by "<channel>:<chatID>".
// Senders outside the allow list are dropped.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, metadata map[string]string) bool {
	if !c.IsAllowed(senderID) {
		logger.WarnCF("channels", "Message from unauthorized sender", map[string]interface{}{
			"channel":   c.name,
			"sender_id": senderID,
		})
		return false
	}
	if c.bus == nil {
		return false
	}

	return c.bus.PublishInbound(bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		SessionKey: fmt.Sprintf("%s:%s", c.name, chatID),
		Metadata:   metadata,
	})
}
