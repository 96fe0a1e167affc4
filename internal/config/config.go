package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"skimmerwatch/internal/types"
)

const (
	ModeConsumer = "consumer"
	ModeProducer = "producer"
	ModeAll      = "all"

	QueueChat  = "chat"
	QueueRedis = "redis"
	QueueSQS   = "sqs"

	InputURLScan = "urlscan"
	InputFeed    = "feed"
)

type Config struct {
	App        AppConfig                         `toml:"app"`
	Logging    LoggingConfig                     `toml:"logging"`
	Queue      QueueConfig                       `toml:"queue"`
	Platforms  map[string]PlatformConfig         `toml:"platforms" validate:"dive"`
	Plugins    PluginsConfig                     `toml:"plugins"`
	Processors map[string]map[string]interface{} `toml:"processors"`
	Outputs    []OutputConfig                    `toml:"outputs" validate:"dive"`
	Inputs     map[string]InputConfig            `toml:"inputs" validate:"dive"`
	Server     ServerConfig                      `toml:"server"`
	Supervisor SupervisorConfig                  `toml:"supervisor"`
}

type AppConfig struct {
	Name string `toml:"name"`
	Mode string `toml:"mode" validate:"oneof=consumer producer all"`
}

type LoggingConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `toml:"format" validate:"omitempty,oneof=json console"`
}

type QueueConfig struct {
	Type         string           `toml:"type" validate:"oneof=chat redis sqs"`
	IdleInterval string           `toml:"idle_interval"`
	RateLimit    string           `toml:"rate_limit"`
	Backoff      string           `toml:"backoff"`
	MaxBackoff   string           `toml:"max_backoff"`
	Chat         ChatQueueConfig  `toml:"chat"`
	Redis        RedisQueueConfig `toml:"redis"`
	SQS          SQSQueueConfig   `toml:"sqs"`
}

type ChatQueueConfig struct {
	Platform     string `toml:"platform"`
	ChannelID    string `toml:"channel_id"`
	GuildID      string `toml:"guild_id"`
	Channel      string `toml:"channel"`
	AckMarker    string `toml:"ack_marker"`
	BannerMarker string `toml:"banner_marker"`
	PageSize     int    `toml:"page_size" validate:"gte=0,lte=100"`
	TailPolicy   string `toml:"tail_policy" validate:"omitempty,oneof=oldest wait"`
	Cooldown     string `toml:"cooldown"`
}

type RedisQueueConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Stream   string `toml:"stream"`
}

type SQSQueueConfig struct {
	QueueURL  string `toml:"queue_url"`
	GroupID   string `toml:"group_id"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	WaitTime  string `toml:"wait_time"`
	Cooldown  string `toml:"cooldown"`
}

type PlatformConfig struct {
	Type     string                 `toml:"type"`
	Enabled  bool                   `toml:"enabled"`
	Sleep    string                 `toml:"sleep"`
	Settings map[string]interface{} `toml:"settings"`
}

type PluginsConfig struct {
	RuleDir      string `toml:"rule_dir"`
	ProcessorDir string `toml:"processor_dir"`
	OutputDir    string `toml:"output_dir"`
	RuleCacheTTL string `toml:"rule_cache_ttl"`
	Unsafe       bool   `toml:"unsafe"`
}

type OutputConfig struct {
	Name     string                 `toml:"name" validate:"required"`
	Enabled  *bool                  `toml:"enabled"`
	Settings map[string]interface{} `toml:"settings"`
}

func (o OutputConfig) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

type InputConfig struct {
	Type       string                 `toml:"type" validate:"oneof=urlscan feed"`
	Enabled    bool                   `toml:"enabled"`
	Schedule   string                 `toml:"schedule"`
	NumWorkers int                    `toml:"num_workers" validate:"gte=0"`
	Processor  string                 `toml:"processor"`
	Settings   map[string]interface{} `toml:"settings"`
}

type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type SupervisorConfig struct {
	FailureThreshold float64 `toml:"failure_threshold" validate:"gte=0"`
	FailureDecay     float64 `toml:"failure_decay" validate:"gte=0"`
	FailureBackoff   string  `toml:"failure_backoff"`
	ShutdownTimeout  string  `toml:"shutdown_timeout"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate applies defaults and checks the configuration again, for callers
// that change it after Load.
func (c *Config) Validate() error {
	if err := validateConfig(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(config *Config) error {
	applyDefaults(config)

	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}

	durations := map[string]string{
		"queue.idle_interval":         config.Queue.IdleInterval,
		"queue.rate_limit":            config.Queue.RateLimit,
		"queue.backoff":               config.Queue.Backoff,
		"queue.max_backoff":           config.Queue.MaxBackoff,
		"queue.chat.cooldown":         config.Queue.Chat.Cooldown,
		"queue.sqs.wait_time":         config.Queue.SQS.WaitTime,
		"queue.sqs.cooldown":          config.Queue.SQS.Cooldown,
		"plugins.rule_cache_ttl":      config.Plugins.RuleCacheTTL,
		"supervisor.failure_backoff":  config.Supervisor.FailureBackoff,
		"supervisor.shutdown_timeout": config.Supervisor.ShutdownTimeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return types.Configurationf("invalid duration for %s: %v", key, err)
		}
	}

	switch config.Queue.Type {
	case QueueChat:
		chat := config.Queue.Chat
		if chat.ChannelID == "" && (chat.GuildID == "" || chat.Channel == "") {
			return types.Configurationf("queue.chat needs channel_id or guild_id and channel")
		}
		platform, ok := config.Platforms[chat.Platform]
		if !ok || !platform.Enabled {
			return types.Configurationf("queue.chat platform %q is not configured", chat.Platform)
		}
	case QueueRedis:
		if config.Queue.Redis.Addr == "" {
			return types.Configurationf("queue.redis.addr is required")
		}
	case QueueSQS:
		if config.Queue.SQS.QueueURL == "" {
			return types.Configurationf("queue.sqs.queue_url is required")
		}
	}

	if config.App.Mode != ModeConsumer {
		enabledInputs := 0
		for _, input := range config.Inputs {
			if input.Enabled {
				enabledInputs++
			}
		}
		if enabledInputs == 0 {
			return types.Configurationf("at least one input must be enabled in %s mode", config.App.Mode)
		}
	}

	return nil
}

func applyDefaults(config *Config) {
	if config.App.Name == "" {
		config.App.Name = "skimmerwatch"
	}
	if config.App.Mode == "" {
		config.App.Mode = ModeAll
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}

	q := &config.Queue
	if q.Type == "" {
		q.Type = QueueChat
	}
	if q.IdleInterval == "" {
		if q.Type == QueueChat {
			q.IdleInterval = "15s"
		} else {
			q.IdleInterval = "0s"
		}
	}
	if q.RateLimit == "" {
		q.RateLimit = "60s"
	}
	if q.Backoff == "" {
		q.Backoff = "1s"
	}
	if q.MaxBackoff == "" {
		q.MaxBackoff = "2m"
	}
	if q.Chat.Platform == "" {
		q.Chat.Platform = "discord"
	}
	if q.Chat.AckMarker == "" {
		q.Chat.AckMarker = "👍"
	}
	if q.Chat.BannerMarker == "" {
		q.Chat.BannerMarker = "🔫"
	}
	if q.Chat.PageSize == 0 {
		q.Chat.PageSize = 100
	}
	if q.Chat.TailPolicy == "" {
		q.Chat.TailPolicy = "oldest"
	}
	if q.Chat.Cooldown == "" {
		q.Chat.Cooldown = "60s"
	}
	if q.Redis.Stream == "" {
		q.Redis.Stream = "skimmerwatch:work"
	}
	if q.SQS.GroupID == "" {
		q.SQS.GroupID = "skimmerwatch"
	}
	if q.SQS.WaitTime == "" {
		q.SQS.WaitTime = "0s"
	}
	if q.SQS.Cooldown == "" {
		q.SQS.Cooldown = "5s"
	}

	if config.Plugins.RuleDir == "" {
		config.Plugins.RuleDir = "rules"
	}

	for name, input := range config.Inputs {
		if input.Schedule == "" {
			input.Schedule = "@every 5m"
		}
		if input.NumWorkers == 0 {
			input.NumWorkers = 1
		}
		config.Inputs[name] = input
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":9090"
	}

	if config.Supervisor.FailureThreshold == 0 {
		config.Supervisor.FailureThreshold = 5
	}
	if config.Supervisor.FailureDecay == 0 {
		config.Supervisor.FailureDecay = 30
	}
	if config.Supervisor.FailureBackoff == "" {
		config.Supervisor.FailureBackoff = "15s"
	}
	if config.Supervisor.ShutdownTimeout == "" {
		config.Supervisor.ShutdownTimeout = "10s"
	}
}

// Duration parses a duration already checked by validateConfig, falling back
// to defaultValue when unset.
func Duration(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func GetString(settings map[string]interface{}, key string, defaultValue string) string {
	if val, ok := settings[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultValue
}

func GetInt(settings map[string]interface{}, key string, defaultValue int) int {
	if val, ok := settings[key]; ok {
		switch i := val.(type) {
		case int64:
			return int(i)
		case int:
			return i
		case float64:
			return int(i)
		}
	}
	return defaultValue
}

func GetBool(settings map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := settings[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultValue
}

func GetStringSlice(settings map[string]interface{}, key string) []string {
	if val, ok := settings[key]; ok {
		switch arr := val.(type) {
		case []string:
			return arr
		case []interface{}:
			result := make([]string, 0, len(arr))
			for _, item := range arr {
				if str, ok := item.(string); ok {
					result = append(result, str)
				}
			}
			return result
		}
	}
	return []string{}
}

func GetStringMap(settings map[string]interface{}, key string) map[string]string {
	if val, ok := settings[key]; ok {
		switch m := val.(type) {
		case map[string]string:
			return m
		case map[string]interface{}:
			result := make(map[string]string)
			for k, v := range m {
				if str, ok := v.(string); ok {
					result[k] = str
				}
			}
			return result
		}
	}
	return map[string]string{}
}

func GetDuration(settings map[string]interface{}, key string, defaultValue time.Duration) time.Duration {
	if val, ok := settings[key]; ok {
		if str, ok := val.(string); ok {
			if d, err := time.ParseDuration(str); err == nil {
				return d
			}
		}
	}
	return defaultValue
}
