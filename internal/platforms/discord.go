package platforms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/queue"
	"skimmerwatch/internal/types"
)

// MessageLimit is the longest message Discord accepts.
const MessageLimit = 2000

const discordEpoch = 1420070400000

// discordAPI is the slice of discordgo.Session the platform calls.
type discordAPI interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	Close() error
}

// DiscordPlatform talks to the Discord REST API. It backs the chat queue and
// the chat output.
type DiscordPlatform struct {
	botToken string
	sleep    time.Duration
	api      discordAPI
	logger   *slog.Logger
}

func NewDiscordPlatform(cfg config.PlatformConfig, logger *slog.Logger) (*DiscordPlatform, error) {
	token := config.GetString(cfg.Settings, "bot_token", "")
	if token == "" {
		return nil, types.Configurationf("discord platform: bot_token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DiscordPlatform{
		botToken: token,
		sleep:    config.Duration(cfg.Sleep, time.Second),
		logger:   logger.With("platform", "discord"),
	}, nil
}

func (p *DiscordPlatform) Initialize(ctx context.Context) error {
	session, err := discordgo.New("Bot " + p.botToken)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	// Throttling is surfaced as types.ErrThrottled and retried by the caller.
	session.ShouldRetryOnRateLimit = false
	p.api = session

	me, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to authenticate with discord: %w", err)
	}

	p.logger.Info("Connected to Discord", "user", me.Username)
	return nil
}

func (p *DiscordPlatform) Close(ctx context.Context) error {
	if p.api != nil {
		return p.api.Close()
	}
	return nil
}

func (p *DiscordPlatform) SleepDuration() time.Duration {
	return p.sleep
}

// ResolveChannel finds a guild text channel by name. A leading # is ignored.
func (p *DiscordPlatform) ResolveChannel(ctx context.Context, guildID, name string) (string, error) {
	channels, err := p.api.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to list channels of guild %s: %w", guildID, mapDiscordError(err))
	}

	name = strings.TrimPrefix(name, "#")
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == name {
			return ch.ID, nil
		}
	}
	return "", types.Configurationf("channel %q not found in guild %s", name, guildID)
}

func (p *DiscordPlatform) History(ctx context.Context, channelID string, oldest, latest time.Time, cursor queue.Cursor, limit int) (queue.HistoryPage, error) {
	before := string(cursor)
	if before == "" {
		before = SnowflakeAt(latest)
	}

	msgs, err := p.api.ChannelMessages(channelID, limit, before, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return queue.HistoryPage{}, mapDiscordError(err)
	}

	page := queue.HistoryPage{Messages: make([]queue.Message, 0, len(msgs))}
	for _, m := range msgs {
		if !oldest.IsZero() && m.Timestamp.Before(oldest) {
			return page, nil
		}
		page.Messages = append(page.Messages, toMessage(m))
	}

	if len(msgs) == limit && len(msgs) > 0 {
		page.NextCursor = queue.Cursor(msgs[len(msgs)-1].ID)
	}
	return page, nil
}

func (p *DiscordPlatform) Post(ctx context.Context, channelID, text string) (queue.Message, error) {
	m, err := p.api.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return queue.Message{}, mapDiscordError(err)
	}
	return toMessage(m), nil
}

func (p *DiscordPlatform) React(ctx context.Context, channelID, messageID, marker string) error {
	if err := p.api.MessageReactionAdd(channelID, messageID, marker, discordgo.WithContext(ctx)); err != nil {
		return mapDiscordError(err)
	}
	return nil
}

// Send posts text as one or more messages, splitting on line boundaries to
// stay under MessageLimit.
func (p *DiscordPlatform) Send(ctx context.Context, channelID, text string) error {
	for _, chunk := range SplitMessage(text, MessageLimit) {
		if _, err := p.Post(ctx, channelID, chunk); err != nil {
			return err
		}
		if p.sleep > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.sleep):
			}
		}
	}
	return nil
}

// SplitMessage cuts text into pieces of at most limit bytes, preferring line
// breaks. Lines longer than limit are cut hard.
func SplitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var b strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			if b.Len() > 0 {
				chunks = append(chunks, b.String())
				b.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if b.Len()+len(line) > limit {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

// SnowflakeAt returns the smallest message id Discord could assign at t.
func SnowflakeAt(t time.Time) string {
	ms := t.UnixMilli() - discordEpoch
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<22, 10)
}

func toMessage(m *discordgo.Message) queue.Message {
	msg := queue.Message{
		ID:        m.ID,
		Timestamp: m.Timestamp,
		Text:      m.Content,
	}
	for _, r := range m.Reactions {
		if r != nil && r.Emoji != nil && r.Count > 0 {
			msg.Reactions = append(msg.Reactions, r.Emoji.Name)
		}
	}
	return msg
}

func mapDiscordError(err error) error {
	var rateLimited *discordgo.RateLimitError
	if errors.As(err, &rateLimited) {
		return fmt.Errorf("%w: %v", types.ErrThrottled, err)
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", types.ErrThrottled, err)
	}
	return err
}
