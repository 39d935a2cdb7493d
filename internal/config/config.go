// Package config loads the mirror configuration from a YAML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"telemirror/internal/filter"
	"telemirror/internal/model"
)

// Config is the root application configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Health   HealthConfig   `yaml:"health"`

	// ChatMapping uses the compact string syntax, see ParseChatMapping.
	ChatMapping string          `yaml:"chat_mapping" env:"CHAT_MAPPING"`
	Mappings    []MappingConfig `yaml:"mappings"`

	Filters        []filter.Spec `yaml:"filters"`
	CommentFilters []filter.Spec `yaml:"comment_filters"`

	// Shorthands that add filters to the default chain.
	SkipKeywords  []string   `yaml:"skip_keywords"    env:"KEYWORD_DO_NOT_FORWARD_MAP"`
	ReplaceMap    KeywordMap `yaml:"replace_keywords" env:"KEYWORD_REPLACE_MAP"`
	ForwardFormat string     `yaml:"forward_format"   env:"FORWARD_FORMAT"`
	SkipURLs      bool       `yaml:"skip_urls"        env:"SKIP_URLS"`
}

// TelegramConfig holds Bot API settings. APIID and APIHash enable the
// MTProto deletion feed.
type TelegramConfig struct {
	BotToken    string `yaml:"bot_token"    env:"TELEGRAM_BOT_TOKEN" env-required:"true"`
	APIID       int    `yaml:"api_id"       env:"TELEGRAM_API_ID"`
	APIHash     string `yaml:"api_hash"     env:"TELEGRAM_API_HASH"`
	SessionPath string `yaml:"session_path" env:"TELEGRAM_SESSION_PATH" env-default:"./data/session.json"`
}

// Deletions reports whether MTProto credentials are configured.
func (t TelegramConfig) Deletions() bool {
	return t.APIID != 0 && t.APIHash != ""
}

// StorageConfig selects and configures the correlation store.
type StorageConfig struct {
	Backend        string `yaml:"backend"         env:"STORAGE_BACKEND" env-default:"sqlite"`
	Path           string `yaml:"path"            env:"DATABASE_PATH"   env-default:"./data/mirror.db"`
	URL            string `yaml:"url"             env:"DATABASE_URL"`
	MemoryCapacity int    `yaml:"memory_capacity" env:"MEMORY_CAPACITY" env-default:"10000"`
}

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// MirrorConfig holds engine defaults and tuning.
type MirrorConfig struct {
	Mode                string        `yaml:"mode"                  env:"MODE"                  env-default:"copy"`
	DisableEdit         bool          `yaml:"disable_edit"          env:"DISABLE_EDIT"`
	DisableDelete       bool          `yaml:"disable_delete"        env:"DISABLE_DELETE"`
	DisableCommentClone bool          `yaml:"disable_comment_clone" env:"DISABLE_COMMENT_CLONE"`
	ThrottleInterval    time.Duration `yaml:"throttle_interval"     env:"THROTTLE_INTERVAL"     env-default:"50ms"`
	Workers             int           `yaml:"workers"               env:"WORKERS"               env-default:"8"`
	QueueSize           int           `yaml:"queue_size"            env:"QUEUE_SIZE"            env-default:"64"`
	AlbumWindow         time.Duration `yaml:"album_window"          env:"ALBUM_WINDOW"          env-default:"1.5s"`
}

// HealthConfig enables the HTTP health endpoint when Addr is set.
type HealthConfig struct {
	Addr string `yaml:"addr" env:"HEALTH_ADDR"`
}

// MappingConfig is one routing rule in the YAML file. Unset fields inherit
// the global defaults; an explicit empty filter list disables filtering.
type MappingConfig struct {
	Sources       []SourceConfig  `yaml:"sources"`
	Targets       []TargetConfig  `yaml:"targets"`
	Filters       *[]filter.Spec  `yaml:"filters"`
	DisableEdit   *bool           `yaml:"disable_edit"`
	DisableDelete *bool           `yaml:"disable_delete"`
	Mode          *model.SendMode `yaml:"mode"`
}

// SourceConfig is a mirrored chat.
type SourceConfig struct {
	Chat       ChatRef `yaml:"chat"`
	Title      string  `yaml:"title"`
	Discussion ChatRef `yaml:"discussion"`
}

// TargetConfig is a destination chat.
type TargetConfig struct {
	Chat       ChatRef `yaml:"chat"`
	Discussion ChatRef `yaml:"discussion"`
}

// Load reads configuration from a YAML file and environment variables.
// Priority: ENV > YAML > defaults (via env-default tags).
// The YAML file path is CONFIG_PATH (fallback "./config.yaml"). A missing
// file is only an error when CONFIG_PATH was set explicitly.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	explicitPath := path != ""
	if !explicitPath {
		path = "./config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicitPath {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks settings that do not depend on the routing rules.
func (c *Config) Validate() error {
	if (c.Telegram.APIID != 0) != (c.Telegram.APIHash != "") {
		return fmt.Errorf("TELEGRAM_API_ID and TELEGRAM_API_HASH must be set together")
	}
	if c.Telegram.Deletions() && c.Telegram.SessionPath == "" {
		return fmt.Errorf("telegram.session_path is required with MTProto credentials")
	}

	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case BackendMemory:
		if c.Storage.MemoryCapacity < 0 {
			return fmt.Errorf("memory_capacity must be >= 0 (got %d)", c.Storage.MemoryCapacity)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if !model.SendMode(c.Mirror.Mode).Valid() {
		return fmt.Errorf("unknown mode %q", c.Mirror.Mode)
	}
	if c.Mirror.Workers < 1 {
		return fmt.Errorf("workers must be > 0 (got %d)", c.Mirror.Workers)
	}
	if c.Mirror.QueueSize < 0 {
		return fmt.Errorf("queue_size must be >= 0 (got %d)", c.Mirror.QueueSize)
	}
	if c.Mirror.ThrottleInterval < 0 {
		return fmt.Errorf("throttle_interval must be >= 0 (got %s)", c.Mirror.ThrottleInterval)
	}
	if c.Mirror.AlbumWindow <= 0 {
		return fmt.Errorf("album_window must be > 0 (got %s)", c.Mirror.AlbumWindow)
	}
	if c.ChatMapping == "" && len(c.Mappings) == 0 {
		return fmt.Errorf("no chat mappings configured: set CHAT_MAPPING or mappings")
	}
	return nil
}
