package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Canvas   CanvasConfig   `json:"canvas"`
	Poller   PollerConfig   `json:"poller"`
	Logging  LoggingConfig  `json:"logging"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs may run privileged commands (/reload, /stop).
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives forwarded warn/error logs.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// CanvasConfig configures the Canvas LMS API client.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type CanvasConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
	// RequestTimeout bounds a single API request.
	RequestTimeout string `json:"request_timeout,omitempty"`
	// RatePerSec throttles outgoing API calls (Canvas enforces its own
	// request quota; stay well under it).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// IncludeItems tracks module items in addition to modules themselves.
	IncludeItems bool `json:"include_items"`
	// MaxPageSize caps per_page on list requests (Canvas max is 100).
	MaxPageSize int `json:"max_page_size,omitempty"`
}

// PollerConfig controls the periodic course check.
type PollerConfig struct {
	Enabled bool `json:"enabled"`
	// Interval between polls, a Go duration string. Default "1h".
	Interval string `json:"interval,omitempty"`
	// FetchTimeout bounds the module fetch for a single course within a poll.
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

// NotifierConfig controls the async notification pipeline. If the whole
// section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
	PersistDedup  bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig selects the persistence backend for tracking state.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/coursebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
