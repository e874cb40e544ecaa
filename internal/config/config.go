package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"KlineVault/internal/model"
)

// Source configures one quote provider.
type Source struct {
	Name     string        `yaml:"name"`     // "eastmoney" or "tencent"
	Priority int           `yaml:"priority"` // lower is asked first
	Requests int           `yaml:"requests"` // requests allowed per Per
	Per      time.Duration `yaml:"per"`
	PageSize int           `yaml:"page_size"`
	MaxSpan  int           `yaml:"max_span"` // trading days per request, 0 for no limit
	Enabled  *bool         `yaml:"enabled"`
}

// On reports whether the source is enabled; unset means enabled.
func (s Source) On() bool { return s.Enabled == nil || *s.Enabled }

// Config holds all application configuration.
type Config struct {
	CalendarPath string `yaml:"calendar_path"`
	Database     struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	History struct {
		Start string `yaml:"start"`
	} `yaml:"history"`
	Universe []string `yaml:"universe"` // empty means every tracked security
	Sources  []Source `yaml:"sources"`
	Retry    struct {
		MaxAttempts    int           `yaml:"max_attempts"`
		BaseDelay      time.Duration `yaml:"base_delay"`
		MaxDelay       time.Duration `yaml:"max_delay"`
		Multiplier     float64       `yaml:"multiplier"`
		Jitter         float64       `yaml:"jitter"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	} `yaml:"retry"`
	Concurrency struct {
		MaxInFlight   int           `yaml:"max_in_flight"`
		SymbolTimeout time.Duration `yaml:"symbol_timeout"`
		JobSpan       int           `yaml:"job_span"`
	} `yaml:"concurrency"`
	Adjust struct {
		Mode          string  `yaml:"mode"` // "infer" or "feed"
		DropThreshold float64 `yaml:"drop_threshold"`
	} `yaml:"adjust"`
	Schedule struct {
		DailyCron string `yaml:"daily_cron"`
	} `yaml:"schedule"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Proxy    string `yaml:"proxy"`
	LogLevel string `yaml:"log_level"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("KLINEVAULT_CALENDAR"); v != "" {
		cfg.CalendarPath = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("CRON_DAILY"); v != "" {
		cfg.Schedule.DailyCron = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency.MaxInFlight = n
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CalendarPath == "" {
		c.CalendarPath = "data/trade_calendar.txt"
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/klinevault.db"
	}
	if c.History.Start == "" {
		c.History.Start = "1990-12-19"
	}
	if len(c.Sources) == 0 {
		c.Sources = []Source{
			{Name: "eastmoney", Priority: 1},
			{Name: "tencent", Priority: 2},
		}
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Requests == 0 {
			s.Requests = 5
		}
		if s.Per == 0 {
			s.Per = time.Second
		}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 15 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.AttemptTimeout == 0 {
		c.Retry.AttemptTimeout = 20 * time.Second
	}
	if c.Concurrency.MaxInFlight == 0 {
		c.Concurrency.MaxInFlight = 8
	}
	if c.Concurrency.SymbolTimeout == 0 {
		c.Concurrency.SymbolTimeout = 10 * time.Minute
	}
	if c.Concurrency.JobSpan == 0 {
		c.Concurrency.JobSpan = 2000
	}
	if c.Adjust.Mode == "" {
		c.Adjust.Mode = "feed"
	}
	if c.Schedule.DailyCron == "" {
		c.Schedule.DailyCron = "0 30 16 * * 1-5"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := c.HistoryStart(); err != nil {
		return fmt.Errorf("history.start: %w", err)
	}
	for _, s := range c.Universe {
		if _, err := model.ParseSymbol(s); err != nil {
			return fmt.Errorf("universe: %w", err)
		}
	}

	enabled := 0
	priorities := make(map[int]string)
	for _, s := range c.Sources {
		if !s.On() {
			continue
		}
		enabled++
		switch s.Name {
		case "eastmoney", "tencent":
		default:
			return fmt.Errorf("sources: unknown source %q", s.Name)
		}
		if other, ok := priorities[s.Priority]; ok {
			return fmt.Errorf("sources: %s and %s share priority %d", other, s.Name, s.Priority)
		}
		priorities[s.Priority] = s.Name
		if s.Requests < 0 || s.Per < 0 || s.PageSize < 0 || s.MaxSpan < 0 {
			return fmt.Errorf("sources.%s: negative limit", s.Name)
		}
	}
	if enabled == 0 {
		return errors.New("sources: at least one source must be enabled")
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.New("retry.jitter must be within [0, 1]")
	}
	if c.Concurrency.MaxInFlight < 1 {
		return errors.New("concurrency.max_in_flight must be positive")
	}

	switch c.Adjust.Mode {
	case "infer":
		if c.Adjust.DropThreshold <= 0 || c.Adjust.DropThreshold >= 1 {
			return errors.New("adjust.drop_threshold must be within (0, 1) in infer mode")
		}
	case "feed":
		if c.Adjust.DropThreshold < 0 || c.Adjust.DropThreshold >= 1 {
			return errors.New("adjust.drop_threshold must be within [0, 1)")
		}
	default:
		return fmt.Errorf("adjust.mode: unknown mode %q", c.Adjust.Mode)
	}

	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return errors.New("telegram.bot_token and telegram.chat_id must be set together")
	}
	return nil
}

// HistoryStart parses history.start.
func (c *Config) HistoryStart() (time.Time, error) {
	return model.ParseDate(c.History.Start)
}

// Symbols parses the configured universe.
func (c *Config) Symbols() ([]model.Symbol, error) {
	out := make([]model.Symbol, 0, len(c.Universe))
	for _, s := range c.Universe {
		sym, err := model.ParseSymbol(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, nil
}

// TelegramEnabled reports whether run summaries are sent.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}
