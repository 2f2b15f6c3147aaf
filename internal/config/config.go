// Package config loads DispatchPipe settings.
//
// Values come from a .env file and the process environment, decoded into
// Config by go-envconfig. Command-line flags registered with RegisterFlags
// default to the environment values, so an explicit flag always wins. Per
// platform enablement, rate limits, retry policy and constraint overrides
// live in an optional YAML file (see LoadPlatforms).
package config

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/BTreeMap/DispatchPipe/internal/store"
)

const (
	// DefaultStateDir is the default directory for DispatchPipe state data.
	DefaultStateDir = "/var/lib/dispatchpipe"
	// DefaultDBFileName is the SQLite database created in the state directory
	// when no DSN is configured.
	DefaultDBFileName = "dispatchpipe.db"
	// MemoryDSN selects the in-memory store.
	MemoryDSN = "memory"
)

// TelegramConfig holds Telegram Bot API credentials.
type TelegramConfig struct {
	Token   string `env:"TOKEN"`
	ChatID  string `env:"CHAT_ID"`
	APIBase string `env:"API_BASE"`
}

// WebhookConfig holds the generic webhook endpoint.
type WebhookConfig struct {
	URL    string `env:"URL"`
	Secret string `env:"SECRET"`
	HTML   bool   `env:"HTML"`
}

// TwilioConfig holds Twilio REST credentials.
type TwilioConfig struct {
	AccountSID string `env:"ACCOUNT_SID"`
	AuthToken  string `env:"AUTH_TOKEN"`
	From       string `env:"FROM"`
	To         string `env:"TO"`
}

// WhatsAppConfig holds whatsmeow linked-device settings.
type WhatsAppConfig struct {
	Enabled     bool   `env:"ENABLED"`
	DBDSN       string `env:"DB_DSN"`
	To          string `env:"TO"`
	QROutput    string `env:"QR_OUTPUT"`
	NumericCode bool   `env:"NUMERIC_CODE"`
}

// Config is the resolved process configuration.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	StateDir    string `env:"DISPATCHPIPE_STATE_DIR,default=/var/lib/dispatchpipe"`
	StoreDSN    string `env:"STORE_DSN"`
	DatabaseURL string `env:"DATABASE_URL"`

	APIAddr     string   `env:"API_ADDR,default=:8080"`
	MaxBulkSize int      `env:"MAX_BULK_SIZE,default=100"`
	MaxBodySize ByteSize `env:"MAX_BODY_SIZE,default=32MiB"`

	SweepSchedule string        `env:"SCHEDULE_SWEEP,default=@every 30s"`
	PurgeSchedule string        `env:"SCHEDULE_PURGE,default=@hourly"`
	Retention     time.Duration `env:"REQUEST_RETENTION,default=168h"`
	PlatformsFile string        `env:"PLATFORMS_FILE"`

	Telegram TelegramConfig `env:",prefix=TELEGRAM_"`
	Webhook  WebhookConfig  `env:",prefix=WEBHOOK_"`
	Twilio   TwilioConfig   `env:",prefix=TWILIO_"`
	WhatsApp WhatsAppConfig `env:",prefix=WHATSAPP_"`
}

// LoadDotEnv loads .env files into the process environment. A missing
// file is not an error.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		slog.Debug("config.LoadDotEnv: no .env file loaded", "error", err)
		return
	}
	slog.Debug("config.LoadDotEnv: .env file loaded")
}

// FromEnv decodes Config from the process environment.
func FromEnv(ctx context.Context) (Config, error) {
	return FromLookuper(ctx, envconfig.OsLookuper())
}

// FromLookuper decodes Config from l.
func FromLookuper(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, l); err != nil {
		return Config{}, fmt.Errorf("parsing env vars: %w", err)
	}
	slog.Debug("config.FromLookuper: environment loaded",
		"state_dir", cfg.StateDir,
		"store_dsn_set", cfg.StoreDSN != "",
		"database_url_set", cfg.DatabaseURL != "",
		"api_addr", cfg.APIAddr,
		"platforms_file", cfg.PlatformsFile,
		"telegram_set", cfg.Telegram.Token != "",
		"webhook_set", cfg.Webhook.URL != "",
		"twilio_set", cfg.Twilio.AccountSID != "",
		"whatsapp_enabled", cfg.WhatsApp.Enabled)
	return cfg, nil
}

// RegisterFlags binds command-line flags to cfg. Each flag defaults to the
// value already in cfg, so flags override the environment.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "state directory for DispatchPipe data (overrides $DISPATCHPIPE_STATE_DIR)")
	fs.StringVar(&c.StoreDSN, "store-dsn", c.StoreDSN, `message store DSN: postgres URL, "pebble:<dir>", SQLite path or "memory" (overrides $STORE_DSN)`)
	fs.StringVar(&c.APIAddr, "api-addr", c.APIAddr, "API server address (overrides $API_ADDR)")
	fs.IntVar(&c.MaxBulkSize, "max-bulk-size", c.MaxBulkSize, "maximum messages per bulk request (overrides $MAX_BULK_SIZE)")
	fs.Var(&c.MaxBodySize, "max-body-size", "maximum request body size, e.g. 32MiB (overrides $MAX_BODY_SIZE)")
	fs.StringVar(&c.SweepSchedule, "sweep-schedule", c.SweepSchedule, "cron schedule for the scheduled-message sweep (overrides $SCHEDULE_SWEEP)")
	fs.StringVar(&c.PurgeSchedule, "purge-schedule", c.PurgeSchedule, "cron schedule for the request retention purge (overrides $SCHEDULE_PURGE)")
	fs.DurationVar(&c.Retention, "retention", c.Retention, "how long original requests are kept for retry (overrides $REQUEST_RETENTION)")
	fs.StringVar(&c.PlatformsFile, "platforms", c.PlatformsFile, "path to the YAML platform settings file (overrides $PLATFORMS_FILE)")
	fs.StringVar(&c.WhatsApp.QROutput, "qr-output", c.WhatsApp.QROutput, "path to write the WhatsApp login QR code (overrides $WHATSAPP_QR_OUTPUT)")
	fs.BoolVar(&c.WhatsApp.NumericCode, "numeric-code", c.WhatsApp.NumericCode, "print the WhatsApp login code instead of a QR code")
}

// ParseFlags parses args into cfg and reports which flags were set
// explicitly.
func (c *Config) ParseFlags(fs *flag.FlagSet, args []string) (map[string]bool, error) {
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	slog.Debug("config.ParseFlags: flags parsed", "explicit", len(set))
	return set, nil
}

// DSN returns the message store DSN: STORE_DSN, then DATABASE_URL, then a
// SQLite file in the state directory. MemoryDSN maps to "" which
// store.Open treats as in-memory.
func (c Config) DSN() string {
	dsn := strings.TrimSpace(c.StoreDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(c.DatabaseURL)
	}
	switch {
	case strings.EqualFold(dsn, MemoryDSN):
		return ""
	case dsn == "":
		return filepath.Join(c.StateDir, DefaultDBFileName)
	}
	return dsn
}

// UsesStateDir reports whether the store keeps its files on local disk.
func (c Config) UsesStateDir() bool {
	switch store.DetectDSNType(c.DSN()) {
	case store.DSNTypeSQLite, store.DSNTypePebble:
		return true
	}
	return false
}

// WhatsAppDSN returns the whatsmeow device-store DSN, falling back to
// DATABASE_URL and then a SQLite file in the state directory.
func (c Config) WhatsAppDSN() string {
	if c.WhatsApp.DBDSN != "" {
		return c.WhatsApp.DBDSN
	}
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return "file:" + filepath.Join(c.StateDir, "whatsmeow.db") + "?_foreign_keys=on"
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Validate checks values that have no usable zero.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxBulkSize <= 0 {
		errs = append(errs, fmt.Errorf("max bulk size must be positive, got %d", c.MaxBulkSize))
	}
	if c.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("max body size must be positive, got %s", c.MaxBodySize))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("retention must be positive, got %s", c.Retention))
	}
	if c.APIAddr == "" {
		errs = append(errs, errors.New("API address must be set"))
	}
	return errors.Join(errs...)
}
