// Package config loads the broker configuration from YAML, expands
// environment references, resolves keyring secrets and watches the file
// for reloadable changes.
package config

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter/whatsapp"
	"github.com/jholhewres/wabroker/pkg/wabroker/chatcache"
	"github.com/jholhewres/wabroker/pkg/wabroker/gateway"
	"github.com/jholhewres/wabroker/pkg/wabroker/outbound"
	"github.com/jholhewres/wabroker/pkg/wabroker/probe"
	"github.com/jholhewres/wabroker/pkg/wabroker/reconnect"
	"github.com/jholhewres/wabroker/pkg/wabroker/scheduler"
	"github.com/jholhewres/wabroker/pkg/wabroker/session"
	"github.com/jholhewres/wabroker/pkg/wabroker/store"
)

// Config is the complete broker configuration.
type Config struct {
	// Name identifies this broker instance in logs.
	Name string `yaml:"name"`

	Logging   LoggingConfig          `yaml:"logging"`
	WhatsApp  WhatsAppConfig         `yaml:"whatsapp"`
	Probe     probe.Config           `yaml:"probe"`
	Reconnect reconnect.Config       `yaml:"reconnect"`
	Outbound  outbound.Config        `yaml:"outbound"`
	Cache     chatcache.Config       `yaml:"cache"`
	Chats     session.ChatsConfig    `yaml:"chats"`
	Messages  session.MessagesConfig `yaml:"messages"`
	Store     store.Config           `yaml:"store"`
	Gateway   gateway.Config         `yaml:"gateway"`
	Scheduler scheduler.Config       `yaml:"scheduler"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level"`

	// Format is text or json. Default: text
	Format string `yaml:"format"`
}

// WhatsAppConfig holds the adapter settings plus the session lifecycle
// bounds that apply to it.
type WhatsAppConfig struct {
	whatsapp.Config `yaml:",inline"`

	// InitTimeout bounds client initialization. Default: 30s
	InitTimeout time.Duration `yaml:"init_timeout"`

	// DestroyTimeout bounds client teardown. Default: 10s
	DestroyTimeout time.Duration `yaml:"destroy_timeout"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	sess := session.DefaultConfig()
	return &Config{
		Name:    "wabroker",
		Logging: LoggingConfig{Level: "info", Format: "text"},
		WhatsApp: WhatsAppConfig{
			Config:         whatsapp.DefaultConfig(),
			InitTimeout:    sess.InitTimeout,
			DestroyTimeout: sess.DestroyTimeout,
		},
		Probe:     sess.Probe,
		Reconnect: sess.Reconnect,
		Outbound:  sess.Outbound,
		Cache:     sess.Cache,
		Chats:     sess.Chats,
		Messages:  sess.Messages,
		Store:     store.DefaultConfig(),
		Gateway:   gateway.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
	}
}

// Session extracts the session core settings.
func (c *Config) Session() session.Config {
	sess := session.DefaultConfig()
	sess.InitTimeout = c.WhatsApp.InitTimeout
	sess.DestroyTimeout = c.WhatsApp.DestroyTimeout
	sess.Probe = c.Probe
	sess.Reconnect = c.Reconnect
	sess.Outbound = c.Outbound
	sess.Cache = c.Cache
	sess.Chats = c.Chats
	sess.Messages = c.Messages
	return sess
}

// LogLevel parses Logging.Level, falling back to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// RestartRequired lists the settings that differ between old and next but
// only take effect after a restart.
func RestartRequired(old, next *Config) []string {
	var keys []string
	if old.WhatsApp.Config != next.WhatsApp.Config {
		keys = append(keys, "whatsapp")
	}
	if old.Store.Driver != next.Store.Driver || old.Store.SQLite != next.Store.SQLite ||
		old.Store.Postgres != next.Store.Postgres || old.Store.Buffer != next.Store.Buffer {
		keys = append(keys, "store")
	}
	if old.Gateway.Address != next.Gateway.Address || old.Gateway.AuthToken != next.Gateway.AuthToken ||
		!slices.Equal(old.Gateway.CORSOrigins, next.Gateway.CORSOrigins) ||
		old.Gateway.MaxMediaBytes != next.Gateway.MaxMediaBytes || old.Gateway.KeepAlive != next.Gateway.KeepAlive {
		keys = append(keys, "gateway")
	}
	if old.Scheduler != next.Scheduler || old.Store.Retention != next.Store.Retention {
		keys = append(keys, "scheduler")
	}
	if old.Logging.Format != next.Logging.Format {
		keys = append(keys, "logging.format")
	}
	return keys
}
