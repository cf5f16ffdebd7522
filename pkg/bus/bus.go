// Package bus carries messages between chat channels and the agent.
package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageBus is a pair of buffered queues. Publishers block while a queue is
// full; once the bus is closed publishes are dropped and consumers drain
// nothing further.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	once     sync.Once
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBufferSize)
}

func NewMessageBusSize(size int) *MessageBus {
	if size < 0 {
		size = 0
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		done:     make(chan struct{}),
	}
}

// PublishInbound reports whether msg was queued.
func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	select {
	case <-mb.done:
		return false
	default:
	}
	select {
	case mb.inbound <- msg:
		return true
	case <-mb.done:
		return false
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-mb.inbound:
		return msg, true
	case <-mb.done:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	select {
	case <-mb.done:
		return false
	default:
	}
	select {
	case mb.outbound <- msg:
		return true
	case <-mb.done:
		return false
	}
}

// PublishOutboundCtx is PublishOutbound that also gives up when ctx is
// done, so a producer shutting down never waits on a full queue.
func (mb *MessageBus) PublishOutboundCtx(ctx context.Context, msg OutboundMessage) bool {
	select {
	case <-mb.done:
		return false
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case mb.outbound <- msg:
		return true
	case <-mb.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-mb.outbound:
		return msg, true
	case <-mb.done:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Close is idempotent.
func (mb *MessageBus) Close() {
	mb.once.Do(func() { close(mb.done) })
}

func (mb *MessageBus) Closed() bool {
	select {
	case <-mb.done:
		return true
	default:
		return false
	}
}
