package channels

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
)

func consumeInbound(t *testing.T, mb *bus.MessageBus) (bus.InboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	return mb.ConsumeInbound(ctx)
}

func TestIsAllowed_EmptyList(t *testing.T) {
	bc := NewBaseChannel("test", nil, nil)
	assert.True(t, bc.IsAllowed("anyone"))
}

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		sender    string
		want      bool
	}{
		{"plain id", []string{"alice", "bob"}, "alice", true},
		{"not listed", []string{"alice", "bob"}, "eve", false},
		{"compound entry matches compound sender", []string{"12345|bob"}, "12345|bob", true},
		{"compound entry matches id", []string{"12345|bob"}, "12345", true},
		{"compound entry matches username", []string{"12345|bob"}, "bob", true},
		{"id entry matches compound sender", []string{"12345"}, "12345|bob", true},
		{"at username", []string{"@bob"}, "12345|bob", true},
		{"at username bare sender", []string{"@bob"}, "bob", true},
		{"username entry against other id", []string{"12345"}, "999|eve", false},
		{"blank entries ignored", []string{" ", "@"}, "bob", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := NewBaseChannel("test", nil, tt.allowList)
			assert.Equal(t, tt.want, bc.IsAllowed(tt.sender))
		})
	}
}

func TestHandleMessage_PublishesWithSessionKey(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	bc := NewBaseChannel("telegram", mb, nil)

	require.True(t, bc.HandleMessage("42|alice", "777", "hello", map[string]string{"message_id": "9"}))

	msg, ok := consumeInbound(t, mb)
	require.True(t, ok)
	assert.Equal(t, "telegram", msg.Channel)
	assert.Equal(t, "42|alice", msg.SenderID)
	assert.Equal(t, "777", msg.ChatID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "telegram:777", msg.SessionKey)
	assert.Equal(t, "9", msg.Metadata["message_id"])
}

func TestHandleMessage_DropsUnauthorized(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	bc := NewBaseChannel("discord", mb, []string{"alice"})

	assert.False(t, bc.HandleMessage("eve", "1", "let me in", nil))
	_, ok := consumeInbound(t, mb)
	assert.False(t, ok)
}

func TestRunningFlag(t *testing.T) {
	bc := NewBaseChannel("test", nil, nil)
	assert.False(t, bc.IsRunning())
	bc.setRunning(true)
	assert.True(t, bc.IsRunning())
	assert.Equal(t, "test", bc.Name())
}
