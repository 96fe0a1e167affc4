package components

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/queue"
	"skimmerwatch/internal/types"
)

// QueueComponent opens the configured work queue backend.
type QueueComponent struct {
	config    config.QueueConfig
	platforms *PlatformComponent
	adapter   queue.Adapter
	logger    *slog.Logger
}

func NewQueueComponent(cfg config.QueueConfig, platforms *PlatformComponent, logger *slog.Logger) *QueueComponent {
	return &QueueComponent{
		config:    cfg,
		platforms: platforms,
		logger:    logger,
	}
}

func (c *QueueComponent) Name() string {
	return QueueComponentName
}

func (c *QueueComponent) Dependencies() []string {
	if c.config.Type == config.QueueChat {
		return []string{PlatformComponentName}
	}
	return []string{}
}

func (c *QueueComponent) Validate() error {
	switch c.config.Type {
	case config.QueueChat:
		if c.platforms == nil {
			return types.Configurationf("chat queue requires the platform component")
		}
	case config.QueueRedis, config.QueueSQS:
	default:
		return types.Configurationf("unknown queue type %q", c.config.Type)
	}
	return nil
}

func (c *QueueComponent) Initialize(ctx context.Context) error {
	idle := config.Duration(c.config.IdleInterval, 0)

	switch c.config.Type {
	case config.QueueChat:
		adapter, err := c.openChat(ctx, idle)
		if err != nil {
			return err
		}
		c.adapter = adapter

	case config.QueueRedis:
		cfg := c.config.Redis
		rq, err := queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			Stream:       cfg.Stream,
			IdleInterval: idle,
			Logger:       c.logger,
		})
		if err != nil {
			return err
		}
		if err := rq.Ping(ctx); err != nil {
			rq.Close()
			return err
		}
		c.adapter = rq

	case config.QueueSQS:
		cfg := c.config.SQS
		sq, err := queue.NewSQSQueue(ctx, queue.SQSQueueConfig{
			QueueURL:     cfg.QueueURL,
			GroupID:      cfg.GroupID,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			AccessKey:    cfg.AccessKey,
			SecretKey:    cfg.SecretKey,
			WaitTime:     config.Duration(cfg.WaitTime, 0),
			Cooldown:     config.Duration(cfg.Cooldown, 5*time.Second),
			IdleInterval: idle,
			Logger:       c.logger,
		})
		if err != nil {
			return err
		}
		c.adapter = sq
	}

	c.logger.Info("Work queue opened", "queue", c.adapter.Name())
	return nil
}

func (c *QueueComponent) openChat(ctx context.Context, idle time.Duration) (*queue.ChatQueue, error) {
	discord := c.platforms.Discord()
	if discord == nil {
		return nil, types.Configurationf("chat queue: platform %q is not enabled", c.config.Chat.Platform)
	}

	cfg := c.config.Chat
	channelID := cfg.ChannelID
	if channelID == "" {
		resolved, err := discord.ResolveChannel(ctx, cfg.GuildID, cfg.Channel)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve queue channel: %w", err)
		}
		channelID = resolved
	}

	return queue.NewChatQueue(discord, queue.ChatQueueConfig{
		ChannelID:    channelID,
		AckMarker:    cfg.AckMarker,
		BannerMarker: cfg.BannerMarker,
		PageSize:     cfg.PageSize,
		TailPolicy:   cfg.TailPolicy,
		Cooldown:     config.Duration(cfg.Cooldown, time.Minute),
		IdleInterval: idle,
		Logger:       c.logger,
	})
}

func (c *QueueComponent) Close(ctx context.Context) error {
	if c.adapter == nil {
		return nil
	}
	return c.adapter.Close()
}

func (c *QueueComponent) Adapter() queue.Adapter {
	return c.adapter
}

// ChannelID is the resolved chat channel, or empty for durable queues.
func (c *QueueComponent) ChannelID() string {
	if chat, ok := c.adapter.(*queue.ChatQueue); ok {
		return chat.ChannelID()
	}
	return ""
}
