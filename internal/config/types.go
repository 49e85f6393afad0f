package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Broadcast BroadcastConfig `json:"broadcast"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OperatorChatID receives progress snapshots, final reports and accepts
	// campaign commands. 0 disables the operator channel (progress is still
	// logged).
	OperatorChatID int64 `json:"operator_chat_id,omitempty"`
	// PollTimeout is the getUpdates long-poll timeout (Go duration string).
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

// StorageConfig configures the SQLite database holding the campaign ledger
// and the audience directory.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// BroadcastConfig controls campaign delivery pacing.
//
// All durations are Go duration strings (e.g. "500ms", "1s").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 16
//   - batch_size: 20
//   - batch_delay: "1s"
//   - rate_per_sec: 20 (keep comfortably under Telegram's ~30 msg/s cap)
//   - retry_max: 3
type BroadcastConfig struct {
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
	BatchDelay string `json:"batch_delay,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`

	// ProgressPerMin caps operator progress edits. 0 means 6/min.
	ProgressPerMin int `json:"progress_per_min,omitempty"`

	Retention *RetentionConfig `json:"retention,omitempty"`
}

// RetentionConfig prunes error logs of old terminal campaigns.
//
// Schedule is a standard cron expression (also accepts @daily etc.).
// KeepFor is a Go duration string; terminal campaigns older than this have
// their per-recipient error rows deleted. Counters are never touched.
type RetentionConfig struct {
	Schedule string `json:"schedule,omitempty"` // default "@daily"
	KeepFor  string `json:"keep_for,omitempty"` // default "720h" (30 days)
}
