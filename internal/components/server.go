package components

import (
	"context"
	"log/slog"
	"time"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/outputs"
	"skimmerwatch/internal/server"
)

// ServerComponent builds the HTTP server. It does not listen; the server is
// run as a supervised service. Without plugins no feed routes are mounted.
type ServerComponent struct {
	config  config.ServerConfig
	name    string
	timeout time.Duration
	plugins *PluginComponent
	server  *server.Server
	logger  *slog.Logger
}

func NewServerComponent(cfg *config.Config, plugins *PluginComponent, logger *slog.Logger) *ServerComponent {
	return &ServerComponent{
		config:  cfg.Server,
		name:    cfg.App.Name,
		timeout: config.Duration(cfg.Supervisor.ShutdownTimeout, 10*time.Second),
		plugins: plugins,
		logger:  logger,
	}
}

func (c *ServerComponent) Name() string {
	return ServerComponentName
}

func (c *ServerComponent) Dependencies() []string {
	if c.plugins == nil {
		return []string{}
	}
	return []string{PluginComponentName}
}

func (c *ServerComponent) Validate() error {
	return nil
}

func (c *ServerComponent) Initialize(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	var feed *outputs.FeedOutput
	if c.plugins != nil {
		feed = c.plugins.Feed()
	}
	c.server = server.New(server.Config{
		Name:            c.name,
		Addr:            c.config.Addr,
		ShutdownTimeout: c.timeout,
		Logger:          c.logger,
	}, feed)
	return nil
}

func (c *ServerComponent) Close(ctx context.Context) error {
	return nil
}

// Server is nil when the server is disabled.
func (c *ServerComponent) Server() *server.Server {
	return c.server
}
