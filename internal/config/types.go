package config

import "fmt"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Data     DataConfig     `json:"data"`
	Audit    AuditConfig    `json:"audit,omitempty"`
	Channels ChannelsConfig `json:"channels"`
	Rotation RotationConfig `json:"rotation"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DataConfig locates the JSON table files.
type DataConfig struct {
	Directory string `json:"directory"`
}

// AuditConfig controls the append-only action log.
//
// Example:
//
//	"audit": { "driver": "file", "path": "./data/audit.jsonl" }
type AuditConfig struct {
	Driver string `json:"driver,omitempty"` // "file" (default) or "sqlite"
	Path   string `json:"path,omitempty"`
}

// ChannelRef names a chat (and optional forum topic) in config files.
type ChannelRef struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int64 `json:"thread_id,omitempty"`
}

type ChannelsConfig struct {
	// Schedule holds the rotation schedule post and announcements.
	Schedule ChannelRef `json:"schedule"`
	// Operator receives operational notices (persistence failures).
	Operator ChannelRef `json:"operator,omitempty"`
	// Home is the chat where per-stream signup topics are created.
	Home ChannelRef `json:"home"`
}

type RotationConfig struct {
	// Hosts are the members allowed to own streams.
	Hosts []int64 `json:"hosts"`
	// SessionsPerStream defaults to 2.
	SessionsPerStream int `json:"sessions_per_stream,omitempty"`
	// Mention is prepended verbatim to signup announcements.
	Mention string `json:"mention,omitempty"`
}

type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
}

// Validate applies defaults and rejects configs the bot cannot start with.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Channels.Schedule.ChatID == 0 {
		return fmt.Errorf("channels.schedule.chat_id is required")
	}
	if c.Channels.Home.ChatID == 0 {
		return fmt.Errorf("channels.home.chat_id is required")
	}
	if c.Data.Directory == "" {
		c.Data.Directory = "./data"
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = "file"
	}
	if c.Audit.Driver != "file" && c.Audit.Driver != "sqlite" {
		return fmt.Errorf("audit.driver: unknown driver %q", c.Audit.Driver)
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "./data/audit.jsonl"
		if c.Audit.Driver == "sqlite" {
			c.Audit.Path = "./data/audit.db"
		}
	}
	if c.Rotation.SessionsPerStream < 0 {
		return fmt.Errorf("rotation.sessions_per_stream must not be negative")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8080"
	}
	return nil
}
