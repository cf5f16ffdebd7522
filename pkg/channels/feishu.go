package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

const feishuMessageLimit = 4000

// feishuSender delivers one text message to a chat.
type feishuSender interface {
	SendText(ctx context.Context, chatID, text string) error
}

type larkSender struct {
	client *lark.Client
}

func (s larkSender) SendText(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal text content: %w", err)
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType("text").
			Content(string(payload)).
			Build()).
		Build()

	resp, err := s.client.Im.Message.Create(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// FeishuChannel receives events over the Lark long connection and replies
// through the IM REST API.
type FeishuChannel struct {
	*BaseChannel
	appID      string
	appSecret  string
	baseDomain string

	mu     sync.Mutex
	sender feishuSender
	cancel context.CancelFunc
	done   chan struct{}
}

func NewFeishuChannel(cfg config.FeishuConfig, msgBus *bus.MessageBus) (*FeishuChannel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu app_id and app_secret are required")
	}
	return &FeishuChannel{
		BaseChannel: NewBaseChannel("feishu", msgBus, cfg.AllowFrom),
		appID:       cfg.AppID,
		appSecret:   cfg.AppSecret,
		baseDomain:  strings.TrimSpace(cfg.BaseDomain),
	}, nil
}

func (c *FeishuChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsRunning() {
		return nil
	}

	var clientOpts []lark.ClientOptionFunc
	if c.baseDomain != "" {
		clientOpts = append(clientOpts, lark.WithOpenBaseUrl(c.baseDomain))
	}
	client := lark.NewClient(c.appID, c.appSecret, clientOpts...)

	handler := dispatcher.NewEventDispatcher("", "")
	handler.OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
		c.handleEvent(event)
		return nil
	})

	wsOpts := []larkws.ClientOption{
		larkws.WithEventHandler(handler),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	}
	if c.baseDomain != "" {
		wsOpts = append(wsOpts, larkws.WithDomain(c.baseDomain))
	}
	ws := larkws.NewClient(c.appID, c.appSecret, wsOpts...)

	// the ws client has no Stop; it exits when its context is cancelled
	runCtx, cancel := context.WithCancel(context.Background())
	c.sender = larkSender{client: client}
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setRunning(true)

	go func(done chan struct{}) {
		defer close(done)
		if err := ws.Start(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("feishu", "Long connection ended", map[string]interface{}{
				"error": err.Error(),
			})
			c.setRunning(false)
		}
	}(c.done)

	logger.InfoCF("feishu", "Feishu bot connecting", map[string]interface{}{
		"app_id": c.appID,
	})
	return nil
}

func (c *FeishuChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.done = nil
	c.setRunning(false)
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.InfoC("feishu", "Feishu bot stopped")
	return nil
}

func (c *FeishuChannel) handleEvent(event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return
	}
	if event.Event.Sender != nil && deref(event.Event.Sender.SenderType) == "app" {
		return
	}
	msg := event.Event.Message

	var content string
	switch deref(msg.MessageType) {
	case "text":
		content = feishuText(deref(msg.Content))
	case "post":
		content = feishuPostText(deref(msg.Content))
	default:
		return
	}

	// group chats only deliver events that mention the bot; the placeholder
	// keys like "@_user_1" are removed from the text
	for _, m := range msg.Mentions {
		if m != nil && m.Key != nil {
			content = strings.ReplaceAll(content, *m.Key, "")
		}
	}
	content = strings.TrimSpace(content)
	if deref(msg.ChatType) == "group" && len(msg.Mentions) == 0 {
		return
	}
	if content == "" {
		return
	}

	senderID := feishuSenderID(event)
	if senderID == "" {
		return
	}

	c.HandleMessage(senderID, deref(msg.ChatId), content, map[string]string{
		"message_id": deref(msg.MessageId),
		"chat_type":  deref(msg.ChatType),
	})
}

func feishuSenderID(event *larkim.P2MessageReceiveV1) string {
	if event.Event.Sender == nil || event.Event.Sender.SenderId == nil {
		return ""
	}
	id := event.Event.Sender.SenderId
	for _, v := range []*string{id.OpenId, id.UserId, id.UnionId} {
		if s := strings.TrimSpace(deref(v)); s != "" {
			return s
		}
	}
	return ""
}

// feishuText reads {"text": "..."} content.
func feishuText(raw string) string {
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return strings.TrimSpace(raw)
	}
	return parsed.Text
}

// feishuPostText flattens rich-text post content into lines of plain text.
func feishuPostText(raw string) string {
	var parsed struct {
		Title   string `json:"title"`
		Content [][]struct {
			Tag      string `json:"tag"`
			Text     string `json:"text"`
			UserName string `json:"user_name"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return ""
	}

	var lines []string
	if t := strings.TrimSpace(parsed.Title); t != "" {
		lines = append(lines, t)
	}
	for _, para := range parsed.Content {
		var sb strings.Builder
		for _, el := range para {
			switch el.Tag {
			case "text", "a":
				sb.WriteString(el.Text)
			case "at":
				if el.UserName != "" {
					sb.WriteString("@" + el.UserName)
				}
			}
		}
		if line := strings.TrimSpace(sb.String()); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func (c *FeishuChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("feishu bot not running")
	}
	if msg.Content == "" {
		return nil
	}
	if msg.ChatID == "" {
		return fmt.Errorf("invalid chat ID: empty")
	}

	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()

	for _, chunk := range utils.SplitRunes(msg.Content, feishuMessageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sender.SendText(ctx, msg.ChatID, chunk); err != nil {
			return fmt.Errorf("failed to send feishu message: %w", err)
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
