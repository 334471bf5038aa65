package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/kioku-ai/kioku/pkg/bus"
	"github.com/kioku-ai/kioku/pkg/config"
	"github.com/kioku-ai/kioku/pkg/logger"
)

const (
	sendTimeout = 10 * time.Second
	// Discord caps messages at 2000 characters; leave headroom for clean
	// splits.
	discordChunkLimit = 1500
)

// DiscordChannel maps a guild channel to a memory group and each author to a
// user id.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	log     zerolog.Logger
}

func NewDiscordChannel(cfg config.DiscordConfig, mb *bus.MessageBus) (*DiscordChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", mb, cfg.AllowFrom),
		session:     session,
		log:         logger.Component("channels.discord"),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)
	c.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	c.log.Info().Str("username", botUser.Username).Str("user_id", botUser.ID).Msg("discord bot connected")
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.GroupID == "" {
		return fmt.Errorf("outbound message has no group id")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	for _, chunk := range splitMessage(msg.Content, discordChunkLimit) {
		if err := c.sendChunk(ctx, msg.GroupID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(channelID, content)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	if m.Author.ID == s.State.User.ID {
		return
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	mentioned := m.GuildID == "" // DMs always address the bot
	for _, u := range m.Mentions {
		if u.ID == s.State.User.ID {
			mentioned = true
			break
		}
	}

	c.log.Debug().
		Str("user", m.Author.Username).
		Str("channel_id", m.ChannelID).
		Bool("mentioned", mentioned).
		Msg("received message")

	c.HandleMessage(m.ChannelID, m.Author.ID, m.Author.Username, content, mentioned)
}

// splitMessage breaks long content into chunks at natural boundaries,
// preferring the last newline, then the last space, inside each window.
func splitMessage(content string, limit int) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= limit {
			chunks = append(chunks, content)
			break
		}
		end := lastBoundary(content[:limit], '\n', 200)
		if end <= 0 {
			end = lastBoundary(content[:limit], ' ', 100)
		}
		if end <= 0 {
			end = limit
		}
		chunks = append(chunks, content[:end])
		content = strings.TrimSpace(content[end:])
	}
	return chunks
}

// lastBoundary finds the last occurrence of sep within the trailing window
// of s, or -1.
func lastBoundary(s string, sep byte, window int) int {
	start := len(s) - window
	if start < 0 {
		start = 0
	}
	for i := len(s) - 1; i >= start; i-- {
		if s[i] == sep {
			return i
		}
	}
	return -1
}
