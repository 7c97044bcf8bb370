package receiver

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Settings holds every configuration input the event loop needs (§6's
// ReceiverSettings) plus the ambient fields (brokers, group, topics,
// logging) a runnable receiver requires. Tags follow the teacher's
// convention: env names the environment variable, envDefault its default.
type Settings struct {
	// Domain connection
	Brokers       string `env:"KREACTOR_BROKERS" envDefault:"localhost:9092"`
	ConsumerGroup string `env:"KREACTOR_CONSUMER_GROUP,required"`
	Topics        string `env:"KREACTOR_TOPICS,required"`

	// Poll / commit tuning
	PollTimeout         time.Duration `env:"KREACTOR_POLL_TIMEOUT" envDefault:"250ms"`
	CommitStrategyKind  string        `env:"KREACTOR_COMMIT_STRATEGY" envDefault:"size_or_time"` // size | time | size_or_time
	CommitBatchSize     int           `env:"KREACTOR_COMMIT_BATCH_SIZE" envDefault:"1000"`
	CommitInterval      time.Duration `env:"KREACTOR_COMMIT_INTERVAL" envDefault:"5s"`
	CommitRetryInterval time.Duration `env:"KREACTOR_COMMIT_RETRY_INTERVAL" envDefault:"500ms"`
	MaxCommitAttempts   int           `env:"KREACTOR_MAX_COMMIT_ATTEMPTS" envDefault:"5"`
	MaxDeferredCommits  int           `env:"KREACTOR_MAX_DEFERRED_COMMITS" envDefault:"0"`
	CloseTimeout        time.Duration `env:"KREACTOR_CLOSE_TIMEOUT" envDefault:"10s"`
	AckModeName         string        `env:"KREACTOR_ACK_MODE" envDefault:"manual"` // manual | auto | at_most_once | exactly_once

	// Consumer-thread debug assertions
	AssertConsumerThread bool `env:"KREACTOR_ASSERT_CONSUMER_THREAD" envDefault:"false"`

	// Logging
	LogLevel  string `env:"KREACTOR_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"KREACTOR_LOG_FORMAT" envDefault:"json"`
}

// LoadSettings reads configuration from a .env file (if present) and
// environment variables. Priority: env vars > .env file > defaults,
// mirroring the teacher's LoadConfig.
func LoadSettings(logger *zerolog.Logger) (*Settings, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	s := &Settings{}
	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}
	return s, nil
}

// Validate checks the settings for internal consistency.
func (s *Settings) Validate() error {
	if s.PollTimeout <= 0 {
		return fmt.Errorf("KREACTOR_POLL_TIMEOUT must be > 0, got %s", s.PollTimeout)
	}
	if s.MaxCommitAttempts < 1 {
		return fmt.Errorf("KREACTOR_MAX_COMMIT_ATTEMPTS must be > 0, got %d", s.MaxCommitAttempts)
	}
	if s.MaxDeferredCommits < 0 {
		return fmt.Errorf("KREACTOR_MAX_DEFERRED_COMMITS must be >= 0, got %d", s.MaxDeferredCommits)
	}
	switch s.CommitStrategyKind {
	case "size", "time", "size_or_time":
	default:
		return fmt.Errorf("KREACTOR_COMMIT_STRATEGY must be one of: size, time, size_or_time (got %s)", s.CommitStrategyKind)
	}
	switch s.AckModeName {
	case "manual", "auto", "at_most_once", "exactly_once":
	default:
		return fmt.Errorf("KREACTOR_ACK_MODE must be one of: manual, auto, at_most_once, exactly_once (got %s)", s.AckModeName)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[s.LogLevel] {
		return fmt.Errorf("KREACTOR_LOG_LEVEL must be one of: debug, info, warn, error (got %s)", s.LogLevel)
	}
	return nil
}

// BrokerList splits the comma-separated broker string.
func (s *Settings) BrokerList() []string {
	out := []string{}
	for _, b := range strings.Split(s.Brokers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// TopicList splits the comma-separated topics string.
func (s *Settings) TopicList() []string {
	out := []string{}
	for _, t := range strings.Split(s.Topics, ",") {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// AckMode resolves the configured AckModeName into its typed value.
func (s *Settings) AckMode() AckMode {
	switch s.AckModeName {
	case "auto":
		return AutoAck
	case "at_most_once":
		return AtMostOnce
	case "exactly_once":
		return ExactlyOnce
	default:
		return ManualAck
	}
}

// Strategy resolves the configured commit strategy into a CommitStrategy.
func (s *Settings) Strategy() CommitStrategy {
	switch s.CommitStrategyKind {
	case "size":
		return CommitStrategy{Kind: BySize}
	case "time":
		return CommitStrategy{Kind: ByTime, Interval: s.CommitInterval}
	default:
		return CommitStrategy{Kind: BySizeOrTime, Interval: s.CommitInterval}
	}
}

// LogConfig logs the settings using structured logging, mirroring the
// teacher's Config.LogConfig.
func (s *Settings) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("brokers", s.Brokers).
		Str("consumer_group", s.ConsumerGroup).
		Str("topics", s.Topics).
		Dur("poll_timeout", s.PollTimeout).
		Str("commit_strategy", s.CommitStrategyKind).
		Int("commit_batch_size", s.CommitBatchSize).
		Dur("commit_interval", s.CommitInterval).
		Dur("commit_retry_interval", s.CommitRetryInterval).
		Int("max_commit_attempts", s.MaxCommitAttempts).
		Int("max_deferred_commits", s.MaxDeferredCommits).
		Dur("close_timeout", s.CloseTimeout).
		Str("ack_mode", s.AckModeName).
		Str("log_level", s.LogLevel).
		Str("log_format", s.LogFormat).
		Msg("receiver settings loaded")
}
