package channels

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

const (
	telegramMessageLimit = 4096
	telegramMaxRetries   = 3
)

// telegramSender is the part of *telego.Bot used to deliver replies.
type telegramSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type TelegramChannel struct {
	*BaseChannel
	token string

	mu            sync.Mutex
	bot           *telego.Bot
	sender        telegramSender
	botUsername   string
	botID         int64
	cancelPolling context.CancelFunc
	done          chan struct{}
}

func NewTelegramChannel(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		token:       cfg.Token,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsRunning() {
		return nil
	}

	bot, err := telego.NewBot(c.token)
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bot info: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	c.bot = bot
	c.sender = bot
	c.botUsername = me.Username
	c.botID = me.ID
	c.cancelPolling = cancel
	c.done = make(chan struct{})
	c.setRunning(true)

	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{
		"username": me.Username,
	})

	go func(done chan struct{}) {
		defer close(done)
		for update := range updates {
			c.handleUpdate(update)
		}
	}(c.done)

	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancelPolling, c.done
	c.cancelPolling = nil
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
	logger.InfoC("telegram", "Telegram bot stopped")
	return nil
}

func (c *TelegramChannel) handleUpdate(update telego.Update) {
	message := update.Message
	if message == nil || message.From == nil || message.From.IsBot {
		return
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	if isGroupChat(message.Chat.Type) {
		var addressed bool
		text, addressed = c.addressedText(message, text)
		if !addressed {
			return
		}
	}

	user := message.From
	senderID := strconv.FormatInt(user.ID, 10)
	if user.Username != "" {
		senderID = fmt.Sprintf("%d|%s", user.ID, user.Username)
	}

	c.HandleMessage(senderID, strconv.FormatInt(message.Chat.ID, 10), text, map[string]string{
		"message_id": strconv.Itoa(message.MessageID),
		"username":   user.Username,
		"first_name": user.FirstName,
		"chat_type":  message.Chat.Type,
	})
}

// addressedText reports whether a group message targets the bot, either by
// @mention or by replying to one of its messages, and strips the mention.
func (c *TelegramChannel) addressedText(message *telego.Message, text string) (string, bool) {
	if reply := message.ReplyToMessage; reply != nil && reply.From != nil && reply.From.ID == c.botID {
		return text, true
	}
	if c.botUsername == "" {
		return text, false
	}
	mention := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(c.botUsername) + `\b`)
	if !mention.MatchString(text) {
		return text, false
	}
	stripped := strings.TrimSpace(mention.ReplaceAllString(text, ""))
	return stripped, stripped != ""
}

func isGroupChat(chatType string) bool {
	return chatType == telego.ChatTypeGroup || chatType == telego.ChatTypeSupergroup
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	if msg.Content == "" {
		return nil
	}

	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()

	for _, chunk := range utils.SplitRunes(msg.Content, telegramMessageLimit) {
		if err := c.sendChunk(ctx, sender, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk sends one message as HTML and falls back to plain text if
// Telegram rejects the markup.
func (c *TelegramChannel) sendChunk(ctx context.Context, sender telegramSender, chatID int64, text string) error {
	params := tu.Message(tu.ID(chatID), markdownToTelegramHTML(text)).WithParseMode(telego.ModeHTML)
	err := sendWithRetry(ctx, func() error {
		_, e := sender.SendMessage(ctx, params)
		return e
	})
	if err == nil {
		return nil
	}

	logger.WarnCF("telegram", "HTML send failed, retrying as plain text", map[string]interface{}{
		"error": err.Error(),
	})
	plain := tu.Message(tu.ID(chatID), text)
	return sendWithRetry(ctx, func() error {
		_, e := sender.SendMessage(ctx, plain)
		return e
	})
}

// sendWithRetry retries fn while Telegram answers with a retry_after hint.
func sendWithRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= telegramMaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var tgErr *telegoapi.Error
		if !errors.As(err, &tgErr) || tgErr.Parameters == nil || tgErr.Parameters.RetryAfter <= 0 {
			return err
		}
		if attempt == telegramMaxRetries {
			break
		}

		wait := time.Duration(tgErr.Parameters.RetryAfter) * time.Second
		logger.WarnCF("telegram", "Rate limited", map[string]interface{}{
			"retry_after": wait.String(),
			"attempt":     attempt + 1,
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("telegram rate limit: max retries exceeded")
}

func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(chatIDStr), 10, 64)
}
