package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"golang.org/x/oauth2"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

const qqMessageLimit = 2000

// qqPoster delivers a message to a user (C2C) or a group.
type qqPoster interface {
	PostC2C(ctx context.Context, userID string, msg *dto.MessageToCreate) error
	PostGroup(ctx context.Context, groupID string, msg *dto.MessageToCreate) error
}

type qqAPI struct {
	api openapi.OpenAPI
}

func (q qqAPI) PostC2C(ctx context.Context, userID string, msg *dto.MessageToCreate) error {
	_, err := q.api.PostC2CMessage(ctx, userID, msg)
	return err
}

func (q qqAPI) PostGroup(ctx context.Context, groupID string, msg *dto.MessageToCreate) error {
	_, err := q.api.PostGroupMessage(ctx, groupID, msg)
	return err
}

// qqChat remembers how to answer a chat: groups and users use different
// endpoints, and a reply must reference the message it answers.
type qqChat struct {
	group     bool
	messageID string
}

// QQChannel speaks the QQ bot open platform: C2C messages and group
// messages that @ the bot.
type QQChannel struct {
	*BaseChannel
	appID     string
	appSecret string

	mu          sync.Mutex
	tokenSource oauth2.TokenSource
	poster      qqPoster
	cancel      context.CancelFunc
	chats       map[string]qqChat
}

func NewQQChannel(cfg config.QQConfig, msgBus *bus.MessageBus) (*QQChannel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("qq app_id and app_secret are required")
	}
	return &QQChannel{
		BaseChannel: NewBaseChannel("qq", msgBus, cfg.AllowFrom),
		appID:       cfg.AppID,
		appSecret:   cfg.AppSecret,
		chats:       make(map[string]qqChat),
	}, nil
}

func (c *QQChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsRunning() {
		return nil
	}

	ts := token.NewQQBotTokenSource(&token.QQBotCredentials{
		AppID:     c.appID,
		AppSecret: c.appSecret,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	if err := token.StartRefreshAccessToken(runCtx, ts); err != nil {
		cancel()
		return fmt.Errorf("failed to start qq token refresh: %w", err)
	}

	api := botgo.NewOpenAPI(c.appID, ts).WithTimeout(10 * time.Second)
	intent := event.RegisterHandlers(c.c2cHandler(), c.groupATHandler())

	wsInfo, err := api.WS(ctx, nil, "")
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get qq gateway: %w", err)
	}

	c.tokenSource = ts
	c.poster = qqAPI{api: api}
	c.cancel = cancel
	c.setRunning(true)

	// the session manager has no shutdown hook; events arriving after Stop
	// are dropped by the running check
	go func() {
		if err := botgo.NewSessionManager().Start(wsInfo, ts, &intent); err != nil {
			logger.ErrorCF("qq", "Session manager exited", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	logger.InfoCF("qq", "QQ bot connected", map[string]interface{}{
		"app_id": c.appID,
	})
	return nil
}

func (c *QQChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.tokenSource = nil
	c.setRunning(false)
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	logger.InfoC("qq", "QQ bot stopped")
	return nil
}

func (c *QQChannel) c2cHandler() event.C2CMessageEventHandler {
	return func(_ *dto.WSPayload, data *dto.WSC2CMessageData) error {
		if data == nil || data.Author == nil {
			return nil
		}
		c.handleQQMessage(data.Author.ID, data.Author.ID, data.ID, data.Content, false)
		return nil
	}
}

func (c *QQChannel) groupATHandler() event.GroupATMessageEventHandler {
	return func(_ *dto.WSPayload, data *dto.WSGroupATMessageData) error {
		if data == nil || data.Author == nil {
			return nil
		}
		c.handleQQMessage(data.Author.ID, data.GroupID, data.ID, data.Content, true)
		return nil
	}
}

func (c *QQChannel) handleQQMessage(senderID, chatID, messageID, content string, group bool) {
	if !c.IsRunning() {
		return
	}
	content = strings.TrimSpace(content)
	if content == "" || senderID == "" || chatID == "" {
		return
	}

	c.mu.Lock()
	c.chats[chatID] = qqChat{group: group, messageID: messageID}
	c.mu.Unlock()

	chatType := "c2c"
	if group {
		chatType = "group"
	}
	c.HandleMessage(senderID, chatID, content, map[string]string{
		"message_id": messageID,
		"chat_type":  chatType,
	})
}

func (c *QQChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("qq bot not running")
	}
	if msg.Content == "" {
		return nil
	}

	c.mu.Lock()
	poster := c.poster
	chat, ok := c.chats[msg.ChatID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown qq chat %q", msg.ChatID)
	}

	for _, chunk := range utils.SplitRunes(msg.Content, qqMessageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := &dto.MessageToCreate{Content: chunk, MsgID: chat.messageID}
		var err error
		if chat.group {
			err = poster.PostGroup(ctx, msg.ChatID, out)
		} else {
			err = poster.PostC2C(ctx, msg.ChatID, out)
		}
		if err != nil {
			return fmt.Errorf("failed to send qq message: %w", err)
		}
	}
	return nil
}
