package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

const discordMessageLimit = 2000

type discordSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type DiscordChannel struct {
	*BaseChannel
	token string

	mu      sync.Mutex
	session *discordgo.Session
	sender  discordSender
	botID   string
}

func NewDiscordChannel(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		token:       cfg.Token,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsRunning() {
		return nil
	}

	session, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(m.Message)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	if session.State != nil && session.State.User != nil {
		c.botID = session.State.User.ID
	}

	c.session = session
	c.sender = session
	c.setRunning(true)

	logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
		"bot_id": c.botID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.setRunning(false)
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	logger.InfoC("discord", "Discord bot stopped")
	return nil
}

func (c *DiscordChannel) handleMessage(m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}

	content := m.Content
	if m.GuildID != "" {
		var addressed bool
		content, addressed = c.stripMention(m)
		if !addressed {
			return
		}
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = m.Author.ID + "|" + m.Author.Username
	}

	c.HandleMessage(senderID, m.ChannelID, content, map[string]string{
		"message_id": m.ID,
		"username":   m.Author.Username,
		"guild_id":   m.GuildID,
	})
}

// stripMention reports whether a guild message mentions the bot and removes
// the mention tokens from its content.
func (c *DiscordChannel) stripMention(m *discordgo.Message) (string, bool) {
	if c.botID == "" {
		return m.Content, false
	}
	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == c.botID {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return m.Content, false
	}
	content := strings.ReplaceAll(m.Content, "<@"+c.botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+c.botID+">", "")
	return strings.TrimSpace(content), true
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
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

	for _, chunk := range utils.SplitRunes(msg.Content, discordMessageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := sender.ChannelMessageSend(msg.ChatID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
	}
	return nil
}
