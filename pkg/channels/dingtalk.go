package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

const dingtalkMessageLimit = 5000

// dingtalkReplier is the part of *chatbot.ChatbotReplier used for replies.
type dingtalkReplier interface {
	SimpleReplyText(ctx context.Context, sessionWebhook string, content []byte) error
}

// DingTalkChannel receives robot callbacks over a Stream connection. Replies
// go to the session webhook of the last message seen in each conversation.
type DingTalkChannel struct {
	*BaseChannel
	clientID     string
	clientSecret string

	mu       sync.Mutex
	stream   *client.StreamClient
	replier  dingtalkReplier
	webhooks map[string]string // conversation ID -> session webhook
}

func NewDingTalkChannel(cfg config.DingTalkConfig, msgBus *bus.MessageBus) (*DingTalkChannel, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("dingtalk client_id and client_secret are required")
	}
	return &DingTalkChannel{
		BaseChannel:  NewBaseChannel("dingtalk", msgBus, cfg.AllowFrom),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		webhooks:     make(map[string]string),
	}, nil
}

func (c *DingTalkChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsRunning() {
		return nil
	}

	cred := client.NewAppCredentialConfig(c.clientID, c.clientSecret)
	stream := client.NewStreamClient(client.WithAppCredential(cred), client.WithAutoReconnect(true))
	stream.RegisterChatBotCallbackRouter(c.onChatBotMessage)

	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dingtalk stream: %w", err)
	}

	c.stream = stream
	c.replier = chatbot.NewChatbotReplier()
	c.setRunning(true)

	logger.InfoCF("dingtalk", "DingTalk stream connected", map[string]interface{}{
		"client_id": c.clientID,
	})
	return nil
}

func (c *DingTalkChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.setRunning(false)
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	stream.Close()
	logger.InfoC("dingtalk", "DingTalk stream stopped")
	return nil
}

func (c *DingTalkChannel) onChatBotMessage(_ context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	senderID := data.SenderStaffId
	if senderID == "" {
		senderID = data.SenderId
	}
	c.handleCallback(dingtalkMessage{
		senderID:       senderID,
		senderNick:     data.SenderNick,
		conversationID: data.ConversationId,
		conversationTy: data.ConversationType,
		sessionWebhook: data.SessionWebhook,
		messageID:      data.MsgId,
		text:           data.Text.Content,
	})
	return []byte(""), nil
}

type dingtalkMessage struct {
	senderID       string
	senderNick     string
	conversationID string
	conversationTy string
	sessionWebhook string
	messageID      string
	text           string
}

func (c *DingTalkChannel) handleCallback(m dingtalkMessage) {
	content := strings.TrimSpace(m.text)
	if content == "" || m.senderID == "" || m.conversationID == "" {
		return
	}

	if m.sessionWebhook != "" {
		c.mu.Lock()
		c.webhooks[m.conversationID] = m.sessionWebhook
		c.mu.Unlock()
	}

	senderID := m.senderID
	if m.senderNick != "" {
		senderID = m.senderID + "|" + m.senderNick
	}

	c.HandleMessage(senderID, m.conversationID, content, map[string]string{
		"message_id":        m.messageID,
		"username":          m.senderNick,
		"conversation_type": m.conversationTy,
	})
}

func (c *DingTalkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("dingtalk stream not running")
	}
	if msg.Content == "" {
		return nil
	}

	c.mu.Lock()
	replier := c.replier
	webhook, ok := c.webhooks[msg.ChatID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session webhook for conversation %q", msg.ChatID)
	}

	for _, chunk := range utils.SplitRunes(msg.Content, dingtalkMessageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := replier.SimpleReplyText(ctx, webhook, []byte(chunk)); err != nil {
			return fmt.Errorf("failed to send dingtalk message: %w", err)
		}
	}
	return nil
}
