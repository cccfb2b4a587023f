// Package common holds the run configuration, the persisted per-chat
// state, and small helpers shared across the archiver.
package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// FilterConfig narrows which messages an import run considers.
type FilterConfig struct {
	// StartDate excludes messages older than it when set (RFC3339 or
	// YYYY-MM-DD).
	StartDate string `mapstructure:"start_date"`
	// EndDate excludes messages newer than it when set.
	EndDate string `mapstructure:"end_date"`
	// SenderIDs restricts media downloads to these senders when non-empty.
	SenderIDs []int64 `mapstructure:"sender_ids"`
	// MinFileSize and MaxFileSize bound attachment sizes in bytes; zero
	// means unbounded.
	MinFileSize int64 `mapstructure:"min_file_size"`
	MaxFileSize int64 `mapstructure:"max_file_size"`
}

// ArchiverConfig is the full run configuration, loaded from the config
// file plus environment overrides.
type ArchiverConfig struct {
	APIID   int32  `mapstructure:"api_id"`
	APIHash string `mapstructure:"api_hash"`
	Phone   string `mapstructure:"phone"`

	BaseDir       string `mapstructure:"base_dir"`
	HistoryDir    string `mapstructure:"history_dir"`
	HistoryFormat string `mapstructure:"history_format"`
	SessionDir    string `mapstructure:"session_dir"`

	BatchSize      int  `mapstructure:"batch_size"`
	Concurrency    int  `mapstructure:"concurrency"`
	// MaxMessages caps downloads per conversation; 0 means unlimited.
	MaxMessages   int  `mapstructure:"max_messages"`
	ValidateFiles bool `mapstructure:"validate_downloads"`
	// ValidateArchives controls the resume-time probe of an archive file
	// before trusting its cursor.
	ValidateArchives bool `mapstructure:"validate_archives"`
	SkipDuplicates   bool `mapstructure:"skip_duplicates"`
	TDLibVerbosity   int  `mapstructure:"tdlib_verbosity"`

	// MediaTypes lists which attachment kinds are downloaded; empty means
	// all of them.
	MediaTypes []string `mapstructure:"media_types"`
	// AllowedFormats gates audio, document and video by file format.
	AllowedFormats map[string][]string `mapstructure:"allowed_formats"`

	Filters FilterConfig `mapstructure:"filters"`

	Chats []ChatState `mapstructure:"chats"`
}

// StartDateTime parses Filters.StartDate, returning the zero time when
// unset or unparsable.
func (c *ArchiverConfig) StartDateTime() time.Time { return parseFilterDate(c.Filters.StartDate) }

// EndDateTime parses Filters.EndDate likewise.
func (c *ArchiverConfig) EndDateTime() time.Time { return parseFilterDate(c.Filters.EndDate) }

func parseFilterDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	log.Warn().Str("date", s).Msg("Unparsable filter date, ignoring")
	return time.Time{}
}

// WantsMediaType reports whether the run downloads the given kind.
func (c *ArchiverConfig) WantsMediaType(t string) bool {
	if len(c.MediaTypes) == 0 {
		return true
	}
	for _, mt := range c.MediaTypes {
		if strings.EqualFold(mt, t) || strings.EqualFold(mt, "all") {
			return true
		}
	}
	return false
}

// LoadConfig reads the configuration file, applies defaults and
// environment overrides (ARCHIVER_ prefix), and validates the result. The
// returned viper instance is kept so chat state can be written back to the
// same file.
func LoadConfig(configFile string) (*ArchiverConfig, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetDefault("base_dir", "./archive")
	v.SetDefault("history_dir", "history")
	v.SetDefault("history_format", "json")
	v.SetDefault("session_dir", "./tdlib-session")
	v.SetDefault("batch_size", 100)
	v.SetDefault("concurrency", 4)
	v.SetDefault("validate_downloads", true)
	v.SetDefault("validate_archives", true)
	v.SetDefault("skip_duplicates", true)
	v.SetDefault("tdlib_verbosity", 1)

	v.SetEnvPrefix("ARCHIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ArchiverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	log.Debug().
		Str("config_file", configFile).
		Int("chats", len(cfg.Chats)).
		Str("base_dir", cfg.BaseDir).
		Msg("Configuration loaded")
	return &cfg, v, nil
}

// Validate checks the fields every run needs.
func (c *ArchiverConfig) Validate() error {
	if c.APIID == 0 || c.APIHash == "" {
		return fmt.Errorf("api_id and api_hash are required")
	}
	if len(c.Chats) == 0 {
		return fmt.Errorf("at least one chat must be configured")
	}
	if c.BatchSize <= 0 || c.BatchSize > 100 {
		return fmt.Errorf("batch_size must be between 1 and 100, got %d", c.BatchSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	seen := make(map[int64]bool)
	for _, chat := range c.Chats {
		if chat.ID == 0 {
			return fmt.Errorf("chat id must be non-zero")
		}
		if seen[chat.ID] {
			return fmt.Errorf("chat %d is configured twice", chat.ID)
		}
		seen[chat.ID] = true
	}
	return nil
}

// GenerateRunID returns a timestamp-based identifier for one import run,
// formatted as YYYYMMDDHHMMSS.
func GenerateRunID() string {
	return time.Now().Format("20060102150405")
}
