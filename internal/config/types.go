package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "30s", "5m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Projects  ProjectsConfig  `json:"projects"`
	Forwarder ForwarderConfig `json:"forwarder"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Monitors  MonitorsConfig  `json:"monitors"`
	Ops       OpsConfig       `json:"ops,omitempty"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout for channel post updates.
	PollTimeout string `json:"poll_timeout,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
	// OperatorChat receives operator alerts (auth failures, persistence failures).
	OperatorChat int64 `json:"operator_chat,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator forwards log lines at or above MinLevel to telegram.operator_chat.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"` // default WARN
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects where dedup and route state lives.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pewfeed.db" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
}

// ProjectsConfig points at the project document (subscribers, projects, sources).
type ProjectsConfig struct {
	Path string `json:"path"`
	// Staleness bounds how long resolved subscriptions may be served from cache. Default 5m.
	Staleness string `json:"staleness,omitempty"`
	// Watch reloads the document when the file changes. Default true.
	Watch *bool `json:"watch,omitempty"`
	// DenyExtra adds reserved account ids per platform to the built-in deny-list.
	DenyExtra map[string][]string `json:"deny_extra,omitempty"`
}

// ForwarderConfig sizes the forwarding pipeline.
//
// Defaults: workers 2, queue_size 256, subscription_parallelism 4,
// event_timeout "2m", ledger_capacity 100.
type ForwarderConfig struct {
	Workers                 int    `json:"workers,omitempty"`
	QueueSize               int    `json:"queue_size,omitempty"`
	SubscriptionParallelism int    `json:"subscription_parallelism,omitempty"`
	EventTimeout            string `json:"event_timeout,omitempty"`
	LedgerCapacity          int    `json:"ledger_capacity,omitempty"`
}

// DeliveryConfig controls outbound sends.
//
// Defaults: default_retry_after "5s", max_retry_after "60s", send_timeout "30s",
// rate_per_sec 20.
type DeliveryConfig struct {
	DefaultRetryAfter string  `json:"default_retry_after,omitempty"`
	MaxRetryAfter     string  `json:"max_retry_after,omitempty"`
	SendTimeout       string  `json:"send_timeout,omitempty"`
	RatePerSec        float64 `json:"rate_per_sec,omitempty"`
	Burst             int     `json:"burst,omitempty"`
	EnablePreview     bool    `json:"enable_preview,omitempty"`
}

type MonitorsConfig struct {
	Twitter          *TwitterMonitorConfig   `json:"twitter,omitempty"`
	TelegramChannels *TelegramChannelsConfig `json:"telegram_channels,omitempty"`
}

// TwitterMonitorConfig configures the X/Twitter API v2 poller.
type TwitterMonitorConfig struct {
	Enabled     bool    `json:"enabled"`
	Schedule    string  `json:"schedule,omitempty"` // default "60s"
	PollTimeout string  `json:"poll_timeout,omitempty"`
	BearerToken string  `json:"bearer_token"`
	BaseURL     string  `json:"base_url,omitempty"`
	MaxResults  int     `json:"max_results,omitempty"` // default 5
	UseCursor   bool    `json:"use_cursor,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
}

// TelegramChannelsConfig configures the channel post monitor.
type TelegramChannelsConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default "10s"
	Buffer   int    `json:"buffer,omitempty"`
}

// OpsConfig controls the operational HTTP server (/healthz, /readyz, /metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - A non-loopback address requires a token or explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING/WATCHDOG to systemd when NOTIFY_SOCKET is set.
	Notify bool `json:"notify,omitempty"`
}
