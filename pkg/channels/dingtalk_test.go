package channels

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
)

type fakeDingTalkReplier struct {
	webhooks []string
	texts    []string
	err      error
}

func (f *fakeDingTalkReplier) SimpleReplyText(_ context.Context, webhook string, content []byte) error {
	if f.err != nil {
		return f.err
	}
	f.webhooks = append(f.webhooks, webhook)
	f.texts = append(f.texts, string(content))
	return nil
}

func newTestDingTalk(t *testing.T, mb *bus.MessageBus) *DingTalkChannel {
	t.Helper()
	c, err := NewDingTalkChannel(config.DingTalkConfig{Enabled: true, ClientID: "ding", ClientSecret: "s"}, mb)
	require.NoError(t, err)
	return c
}

func TestNewDingTalkChannel_RequiresCredentials(t *testing.T) {
	_, err := NewDingTalkChannel(config.DingTalkConfig{Enabled: true, ClientID: "ding"}, nil)
	require.Error(t, err)
}

func TestDingTalk_CallbackPublishesAndReplies(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	c := newTestDingTalk(t, mb)

	var data chatbot.BotCallbackDataModel
	require.NoError(t, json.Unmarshal([]byte(`{
		"conversationId": "cid1",
		"conversationType": "1",
		"senderStaffId": "staff7",
		"senderNick": "Li",
		"sessionWebhook": "https://oapi.dingtalk.com/robot/sendBySession?session=abc",
		"msgId": "m1",
		"text": {"content": "  summarize today  "}
	}`), &data))

	_, err := c.onChatBotMessage(context.Background(), &data)
	require.NoError(t, err)

	msg, ok := consumeInbound(t, mb)
	require.True(t, ok)
	assert.Equal(t, "dingtalk", msg.Channel)
	assert.Equal(t, "staff7|Li", msg.SenderID)
	assert.Equal(t, "dingtalk:cid1", msg.SessionKey)
	assert.Equal(t, "summarize today", msg.Content)

	fake := &fakeDingTalkReplier{}
	c.replier = fake
	c.setRunning(true)
	require.NoError(t, c.Send(context.Background(), bus.OutboundMessage{ChatID: "cid1", Content: "done"}))
	assert.Equal(t, []string{"https://oapi.dingtalk.com/robot/sendBySession?session=abc"}, fake.webhooks)
	assert.Equal(t, []string{"done"}, fake.texts)
}

func TestDingTalk_SendErrors(t *testing.T) {
	c := newTestDingTalk(t, nil)
	require.Error(t, c.Send(context.Background(), bus.OutboundMessage{ChatID: "cid1", Content: "x"}))

	c.setRunning(true)
	c.replier = &fakeDingTalkReplier{}
	err := c.Send(context.Background(), bus.OutboundMessage{ChatID: "unknown", Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session webhook")

	c.handleCallback(dingtalkMessage{senderID: "u", conversationID: "cid2", sessionWebhook: "https://hook", text: "hi"})
	c.replier = &fakeDingTalkReplier{err: errors.New("expired")}
	err = c.Send(context.Background(), bus.OutboundMessage{ChatID: "cid2", Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestDingTalk_IgnoresEmpty(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	c := newTestDingTalk(t, mb)

	c.handleCallback(dingtalkMessage{senderID: "u", conversationID: "cid", text: "   "})
	c.handleCallback(dingtalkMessage{conversationID: "cid", text: "hi"})
	_, err := c.onChatBotMessage(context.Background(), nil)
	require.NoError(t, err)

	_, ok := consumeInbound(t, mb)
	assert.False(t, ok)
}
