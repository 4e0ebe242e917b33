// Package config defines the command-line flags of the sheriff binaries and
// turns them into validated component configurations.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"

	"github.com/sheriffbot/sheriff/internal/classifier"
	"github.com/sheriffbot/sheriff/internal/engine"
	"github.com/sheriffbot/sheriff/internal/moderation"
	"github.com/sheriffbot/sheriff/internal/persona"
	"github.com/sheriffbot/sheriff/internal/policy"
	"github.com/sheriffbot/sheriff/internal/ratelimit"
)

// Config is the validated configuration of cmd/sheriff.
type Config struct {
	LogLevel      slog.Level
	NATSURL       string
	RedisURL      string
	DatabaseURL   string
	MetricsListen string

	StrikeWindow time.Duration
	Classifier   classifier.Config
	Engine       engine.Config
	Consumer     engine.ConsumerConfig
	Persona      persona.Config
}

// Flags returns the flags of cmd/sheriff.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "debug, info, warn or error",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "inference-base-url",
			Usage:   "base URL of the Ollama-compatible inference backend",
			Value:   "http://localhost:11434",
			EnvVars: []string{"OLLAMA_BASE_URL"},
		},
		&cli.StringFlag{
			Name:    "text-model",
			Value:   "llama3.2-vision:latest",
			EnvVars: []string{"TEXT_MODEL"},
		},
		&cli.StringFlag{
			Name:    "vision-model",
			Value:   "llama3.2-vision:latest",
			EnvVars: []string{"VISION_MODEL"},
		},
		&cli.StringFlag{
			Name:    "content-prompt",
			Usage:   "instructions for message classification (built-in when empty)",
			EnvVars: []string{"CONTENT_MODERATION_PROMPT"},
		},
		&cli.StringFlag{
			Name:    "username-prompt",
			Usage:   "instructions for display-name classification (built-in when empty)",
			EnvVars: []string{"USERNAME_MODERATION_PROMPT"},
		},
		&cli.StringFlag{
			Name:    "image-prompt",
			Usage:   "instructions for direct image classification (built-in when empty)",
			EnvVars: []string{"IMAGE_MODERATION_PROMPT"},
		},
		&cli.StringFlag{
			Name:    "image-description-prompt",
			Usage:   "prompt used to describe images in describe mode (built-in when empty)",
			EnvVars: []string{"IMAGE_DESCRIPTION_PROMPT"},
		},
		&cli.StringFlag{
			Name:    "image-mode",
			Usage:   "direct: classify images with the vision model; describe: describe, prescreen, then classify the description",
			Value:   string(classifier.ImageModeDirect),
			EnvVars: []string{"IMAGE_MODE"},
		},
		&cli.StringFlag{
			Name:    "persona",
			Usage:   "notification voice: sheriff or neutral",
			Value:   string(persona.Sheriff),
			EnvVars: []string{"PERSONA"},
		},
		&cli.DurationFlag{
			Name:    "strike-window",
			Usage:   "strikes older than this are forgotten",
			Value:   7 * 24 * time.Hour,
			EnvVars: []string{"STRIKE_WINDOW"},
		},
		&cli.StringFlag{
			Name:    "strike-thresholds",
			Usage:   "escalation table, count:action[:duration] comma separated",
			Value:   policy.DefaultThresholds,
			EnvVars: []string{"STRIKE_THRESHOLDS"},
		},
		&cli.StringFlag{
			Name:    "fail-mode",
			Usage:   "what to do when content cannot be classified: open (no action) or closed (enforce)",
			Value:   string(policy.FailOpen),
			EnvVars: []string{"FAIL_MODE"},
		},
		&cli.DurationFlag{
			Name:    "classify-timeout",
			Value:   30 * time.Second,
			EnvVars: []string{"CLASSIFY_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "classify-retries",
			Usage:   "extra attempts on inference transport errors",
			Value:   0,
			EnvVars: []string{"CLASSIFY_RETRIES"},
		},
		&cli.DurationFlag{
			Name:    "notify-timeout",
			Value:   15 * time.Second,
			EnvVars: []string{"NOTIFY_TIMEOUT"},
		},
		&cli.BoolFlag{
			Name:    "generate-notifications",
			Usage:   "write notifications with the text model, falling back to templates",
			Value:   true,
			EnvVars: []string{"GENERATE_NOTIFICATIONS"},
		},
		&cli.BoolFlag{
			Name:    "screen-sender-names",
			Usage:   "classify the sender's display name when a message is safe",
			Value:   true,
			EnvVars: []string{"SCREEN_SENDER_NAMES"},
		},
		&cli.BoolFlag{
			Name:    "reset-after-ban",
			Usage:   "clear a user's strikes after a successful ban",
			EnvVars: []string{"RESET_AFTER_BAN"},
		},
		&cli.BoolFlag{
			Name:    "keyword-blocklist",
			Usage:   "treat text containing a built-in or listed blocked term as unsafe without asking the model",
			EnvVars: []string{"KEYWORD_BLOCKLIST"},
		},
		&cli.StringSliceFlag{
			Name:    "blocked-terms",
			Usage:   "extra blocked words or phrases for keyword-blocklist",
			EnvVars: []string{"BLOCKED_TERMS"},
		},
		&cli.DurationFlag{
			Name:    "pin-warn-for",
			Value:   30 * time.Second,
			EnvVars: []string{"PIN_WARN_FOR"},
		},
		&cli.DurationFlag{
			Name:    "pin-ban-for",
			Value:   60 * time.Second,
			EnvVars: []string{"PIN_BAN_FOR"},
		},
		&cli.DurationFlag{
			Name:    "username-cache-ttl",
			Value:   time.Hour,
			EnvVars: []string{"USERNAME_CACHE_TTL"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "events handled concurrently",
			Value:   64,
			EnvVars: []string{"WORKERS"},
		},
		&cli.DurationFlag{
			Name:    "event-timeout",
			Value:   2 * time.Minute,
			EnvVars: []string{"EVENT_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Value:   nats.DefaultURL,
			EnvVars: []string{"NATS_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis://host:port/db for shared strikes and rate limits; in-memory when empty",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "postgres URL for the enforcement log; disabled when empty",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "notify-rate-limit",
			Usage:   "notifications per chat per minute, 0 for unlimited (needs redis)",
			Value:   10,
			EnvVars: []string{"NOTIFY_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics",
			Value:   ":9090",
			EnvVars: []string{"METRICS_LISTEN"},
		},
	}
}

// Load validates the flags in cctx.
func Load(cctx *cli.Context) (*Config, error) {
	var errs []error
	fail := func(err error) { errs = append(errs, err) }

	level, err := ParseLevel(cctx.String("log-level"))
	if err != nil {
		fail(err)
	}

	baseURL := strings.TrimSpace(cctx.String("inference-base-url"))
	if baseURL == "" {
		fail(errors.New("inference-base-url is required"))
	}

	mode := classifier.ImageMode(cctx.String("image-mode"))
	if mode != classifier.ImageModeDirect && mode != classifier.ImageModeDescribe {
		fail(fmt.Errorf("unknown image-mode %q", mode))
	}

	personaID, err := persona.ParseID(cctx.String("persona"))
	if err != nil {
		fail(err)
	}

	table, err := policy.ParseTable(cctx.String("strike-thresholds"))
	if err != nil {
		fail(err)
	}

	failMode, err := policy.ParseFailMode(cctx.String("fail-mode"))
	if err != nil {
		fail(err)
	}

	if cctx.Int("workers") <= 0 {
		fail(errors.New("workers must be positive"))
	}
	if cctx.Int("classify-retries") < 0 {
		fail(errors.New("classify-retries must not be negative"))
	}
	if cctx.Int("notify-rate-limit") < 0 {
		fail(errors.New("notify-rate-limit must not be negative"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	prompts := moderation.PromptSet{
		Content:          cctx.String("content-prompt"),
		Username:         cctx.String("username-prompt"),
		Image:            cctx.String("image-prompt"),
		ImageDescription: cctx.String("image-description-prompt"),
	}.WithDefaults()

	cfg := &Config{
		LogLevel:      level,
		NATSURL:       cctx.String("nats-url"),
		RedisURL:      cctx.String("redis-url"),
		DatabaseURL:   cctx.String("database-url"),
		MetricsListen: cctx.String("metrics-listen"),
		StrikeWindow:  cctx.Duration("strike-window"),
		Classifier: classifier.Config{
			BaseURL:          baseURL,
			TextModel:        cctx.String("text-model"),
			VisionModel:      cctx.String("vision-model"),
			Timeout:          cctx.Duration("classify-timeout"),
			Retries:          cctx.Int("classify-retries"),
			ImageMode:        mode,
			Prompts:          prompts,
			UsernameCacheTTL: cctx.Duration("username-cache-ttl"),
		},
		Consumer: engine.ConsumerConfig{
			Workers:      cctx.Int("workers"),
			EventTimeout: cctx.Duration("event-timeout"),
		},
		Persona: persona.Config{
			Default:  personaID,
			Generate: cctx.Bool("generate-notifications"),
			Timeout:  cctx.Duration("notify-timeout"),
		},
	}

	ec := engine.DefaultConfig()
	ec.Prompts = prompts
	ec.Policy = policy.Config{Table: table, FailMode: failMode}
	ec.Persona = personaID
	ec.ScreenSenderNames = cctx.Bool("screen-sender-names")
	ec.ResetAfterBan = cctx.Bool("reset-after-ban")
	if cctx.Bool("keyword-blocklist") {
		ec.Blocklist = moderation.NewFilter(cctx.StringSlice("blocked-terms")...)
	}
	ec.PinWarnFor = cctx.Duration("pin-warn-for")
	ec.PinBanFor = cctx.Duration("pin-ban-for")
	ec.NotifyRule = ratelimit.Rule{}
	if n := cctx.Int("notify-rate-limit"); n > 0 {
		ec.NotifyRule = ratelimit.NotificationRule(n, time.Minute)
	}
	cfg.Engine = ec

	return cfg, nil
}

// FeedConfig is the validated configuration of cmd/opsfeed.
type FeedConfig struct {
	LogLevel       slog.Level
	NATSURL        string
	ListenAddr     string
	Token          string
	MaxConnections int
}

// FeedFlags returns the flags of cmd/opsfeed.
func FeedFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Value:   nats.DefaultURL,
			EnvVars: []string{"NATS_URL"},
		},
		&cli.StringFlag{
			Name:    "listen",
			Usage:   "IP or address, and port, for the console WebSocket",
			Value:   ":8081",
			EnvVars: []string{"OPSFEED_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "shared secret consoles must present; open when empty",
			EnvVars: []string{"OPSFEED_TOKEN"},
		},
		&cli.IntFlag{
			Name:    "max-connections",
			Value:   1000,
			EnvVars: []string{"OPSFEED_MAX_CONNECTIONS"},
		},
	}
}

// LoadFeed validates the opsfeed flags in cctx.
func LoadFeed(cctx *cli.Context) (*FeedConfig, error) {
	level, err := ParseLevel(cctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cctx.Int("max-connections") <= 0 {
		return nil, errors.New("config: max-connections must be positive")
	}
	return &FeedConfig{
		LogLevel:       level,
		NATSURL:        cctx.String("nats-url"),
		ListenAddr:     cctx.String("listen"),
		Token:          cctx.String("token"),
		MaxConnections: cctx.Int("max-connections"),
	}, nil
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log-level %q", s)
	}
	return level, nil
}
