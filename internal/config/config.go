// Package config provides configuration types and loading for crewlink.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Logging, Gateway, Storage, Router, QuietHours,
// Timers, Watchdog, Mirrors.
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Logging    LoggingConfig    `json:"logging"`
	Gateway    GatewayConfig    `json:"gateway"`
	Storage    StorageConfig    `json:"storage"`
	Router     RouterConfig     `json:"router"`
	QuietHours QuietHoursConfig `json:"quietHours"`
	Timers     TimersConfig     `json:"timers"`
	Watchdog   WatchdogConfig   `json:"watchdog"`
	Mirrors    MirrorsConfig    `json:"mirrors"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	StateDir string `json:"stateDir" envconfig:"STATE_DIR"`
}

// LoggingConfig selects the slog level ("debug", "info", "warn", "error").
type LoggingConfig struct {
	Level string `json:"level" envconfig:"LEVEL"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP server networking
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// Storage – durable backend for tasks, comments, messages and job runs
// ---------------------------------------------------------------------------

// StorageConfig selects the persistence backend.
// Driver is "sqlite" (pure Go), "sqlite3" (cgo) or "memory" (no persistence).
type StorageConfig struct {
	Driver string `json:"driver" envconfig:"DRIVER"`
	DBPath string `json:"dbPath" envconfig:"DB_PATH"`
}

// ---------------------------------------------------------------------------
// Router – message routing
// ---------------------------------------------------------------------------

// RouterConfig bounds the best-effort task comment step and names the
// fallback channel.
type RouterConfig struct {
	CommentTimeout time.Duration `json:"commentTimeout" envconfig:"COMMENT_TIMEOUT"`
	SendTimeout    time.Duration `json:"sendTimeout" envconfig:"SEND_TIMEOUT"`
	DefaultChannel string        `json:"defaultChannel" envconfig:"DEFAULT_CHANNEL"`
}

// ---------------------------------------------------------------------------
// Quiet hours – proactive notification suppression
// ---------------------------------------------------------------------------

// QuietHoursConfig is the window during which watchdogs stay silent.
// TimezoneOffset is in hours from UTC and may be fractional (5.5) or negative.
type QuietHoursConfig struct {
	Enabled        bool    `json:"enabled" envconfig:"ENABLED"`
	StartHour      int     `json:"startHour" envconfig:"START_HOUR"`
	EndHour        int     `json:"endHour" envconfig:"END_HOUR"`
	TimezoneOffset float64 `json:"timezoneOffset" envconfig:"TIMEZONE_OFFSET"`
}

// ---------------------------------------------------------------------------
// Timers – supervisor intervals
// ---------------------------------------------------------------------------

// TimersConfig holds the interval of every supervised job. A zero interval
// keeps the default; a negative one disables the job.
type TimersConfig struct {
	IdleNudge          time.Duration `json:"idleNudge" envconfig:"IDLE_NUDGE"`
	CadenceWatchdog    time.Duration `json:"cadenceWatchdog" envconfig:"CADENCE_WATCHDOG"`
	MentionRescue      time.Duration `json:"mentionRescue" envconfig:"MENTION_RESCUE"`
	ReflectionPipeline time.Duration `json:"reflectionPipeline" envconfig:"REFLECTION_PIPELINE"`
	BoardHealthWorker  time.Duration `json:"boardHealthWorker" envconfig:"BOARD_HEALTH_WORKER"`
	Sweeper            time.Duration `json:"sweeper" envconfig:"SWEEPER"`
	MaxConcurrent      int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	TickTimeout        time.Duration `json:"tickTimeout" envconfig:"TICK_TIMEOUT"`
	LockPath           string        `json:"lockPath" envconfig:"LOCK_PATH"`
}

// ---------------------------------------------------------------------------
// Watchdog – thresholds used by the supervised jobs
// ---------------------------------------------------------------------------

// WatchdogConfig holds the thresholds the watchdog jobs act on.
type WatchdogConfig struct {
	Agent          string        `json:"agent" envconfig:"AGENT"`
	IdleAfter      time.Duration `json:"idleAfter" envconfig:"IDLE_AFTER"`
	CadenceWindow  time.Duration `json:"cadenceWindow" envconfig:"CADENCE_WINDOW"`
	RescueAfter    time.Duration `json:"rescueAfter" envconfig:"RESCUE_AFTER"`
	RetainMessages int           `json:"retainMessages" envconfig:"RETAIN_MESSAGES"`
}

// ---------------------------------------------------------------------------
// Mirrors – outbound copies of chat traffic
// ---------------------------------------------------------------------------

// MirrorsConfig contains all outbound mirror configurations.
type MirrorsConfig struct {
	Slack SlackMirrorConfig `json:"slack"`
	Kafka KafkaMirrorConfig `json:"kafka"`
}

// SlackMirrorConfig posts selected crewlink channels into Slack.
// Channels maps a crewlink channel id to a Slack channel id.
type SlackMirrorConfig struct {
	Enabled  bool              `json:"enabled" envconfig:"ENABLED"`
	BotToken string            `json:"botToken" envconfig:"BOT_TOKEN"`
	APIBase  string            `json:"apiBase,omitempty" envconfig:"API_BASE"`
	Channels map[string]string `json:"channels" envconfig:"CHANNELS"`
}

// KafkaMirrorConfig publishes every persisted message to a Kafka topic.
type KafkaMirrorConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir: "~/.crewlink",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18800,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Router: RouterConfig{
			CommentTimeout: 2 * time.Second,
			SendTimeout:    5 * time.Second,
			DefaultChannel: "general",
		},
		QuietHours: QuietHoursConfig{
			Enabled:   false,
			StartHour: 22,
			EndHour:   7,
		},
		Timers: TimersConfig{
			IdleNudge:          5 * time.Minute,
			CadenceWatchdog:    15 * time.Minute,
			MentionRescue:      2 * time.Minute,
			ReflectionPipeline: 10 * time.Minute,
			BoardHealthWorker:  10 * time.Minute,
			Sweeper:            time.Hour,
			MaxConcurrent:      4,
			TickTimeout:        time.Minute,
		},
		Watchdog: WatchdogConfig{
			Agent:          "crewlink",
			IdleAfter:      45 * time.Minute,
			CadenceWindow:  2 * time.Hour,
			RescueAfter:    10 * time.Minute,
			RetainMessages: 5000,
		},
		Mirrors: MirrorsConfig{
			Slack: SlackMirrorConfig{
				APIBase: "https://slack.com/api/",
			},
			Kafka: KafkaMirrorConfig{
				Topic: "crewlink.chat",
			},
		},
	}
}
