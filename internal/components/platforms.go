package components

import (
	"context"
	"fmt"
	"log/slog"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/platforms"
)

type PlatformComponent struct {
	config          map[string]config.PlatformConfig
	discordPlatform *platforms.DiscordPlatform
	logger          *slog.Logger
}

func NewPlatformComponent(cfg map[string]config.PlatformConfig, logger *slog.Logger) *PlatformComponent {
	return &PlatformComponent{
		config: cfg,
		logger: logger,
	}
}

func (c *PlatformComponent) Name() string {
	return PlatformComponentName
}

func (c *PlatformComponent) Dependencies() []string {
	return []string{}
}

func (c *PlatformComponent) Validate() error {
	for name, cfg := range c.config {
		if !cfg.Enabled {
			continue
		}
		if platformType(name, cfg) != "discord" {
			return fmt.Errorf("platform %s: unsupported type %q", name, cfg.Type)
		}
	}
	return nil
}

func (c *PlatformComponent) Initialize(ctx context.Context) error {
	for name, cfg := range c.config {
		if !cfg.Enabled || platformType(name, cfg) != "discord" {
			continue
		}

		discord, err := platforms.NewDiscordPlatform(cfg, c.logger)
		if err != nil {
			return fmt.Errorf("failed to create discord platform: %w", err)
		}
		if err := discord.Initialize(ctx); err != nil {
			return fmt.Errorf("discord platform initialization failed: %w", err)
		}
		c.discordPlatform = discord
	}
	return nil
}

func (c *PlatformComponent) Close(ctx context.Context) error {
	if c.discordPlatform != nil {
		return c.discordPlatform.Close(ctx)
	}
	return nil
}

func (c *PlatformComponent) Discord() *platforms.DiscordPlatform {
	return c.discordPlatform
}

func platformType(name string, cfg config.PlatformConfig) string {
	if cfg.Type != "" {
		return cfg.Type
	}
	return name
}
