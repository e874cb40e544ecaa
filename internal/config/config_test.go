package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KlineVault/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_YAMLAndDefaults(t *testing.T) {
	path := writeConfig(t, `
calendar_path: /srv/calendar.txt
history:
  start: "2015-01-05"
universe: ["sh600000", "000001.SZ"]
sources:
  - name: eastmoney
    priority: 1
    requests: 3
    per: 2s
    max_span: 1000
  - name: tencent
    priority: 2
    enabled: false
retry:
  base_delay: 250ms
adjust:
  mode: infer
  drop_threshold: 0.35
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/srv/calendar.txt", cfg.CalendarPath)
	assert.Equal(t, 2*time.Second, cfg.Sources[0].Per)
	assert.Equal(t, 3, cfg.Sources[0].Requests)
	assert.Equal(t, 1000, cfg.Sources[0].MaxSpan)
	assert.True(t, cfg.Sources[0].On())
	assert.False(t, cfg.Sources[1].On())
	assert.Equal(t, 5, cfg.Sources[1].Requests, "defaulted")
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 8, cfg.Concurrency.MaxInFlight)
	assert.Equal(t, "0 30 16 * * 1-5", cfg.Schedule.DailyCron)
	assert.Equal(t, 0.35, cfg.Adjust.DropThreshold)

	start, err := cfg.HistoryStart()
	require.NoError(t, err)
	assert.Equal(t, model.Date(2015, 1, 5), start)

	syms, err := cfg.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []model.Symbol{
		{Exchange: model.ExchangeSH, Code: "600000"},
		{Exchange: model.ExchangeSZ, Code: "000001"},
	}, syms)
	assert.False(t, cfg.TelegramEnabled())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Sources, 2)
	assert.Equal(t, "feed", cfg.Adjust.Mode)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KLINEVAULT_CALENDAR", "/env/cal.txt")
	t.Setenv("SQLITE_PATH", "/env/kv.db")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("CRON_DAILY", "0 0 17 * * 1-5")
	t.Setenv("MAX_IN_FLIGHT", "16")

	cfg, err := Load(writeConfig(t, "calendar_path: /file/cal.txt\n"))
	require.NoError(t, err)
	assert.Equal(t, "/env/cal.txt", cfg.CalendarPath)
	assert.Equal(t, "/env/kv.db", cfg.Database.SQLitePath)
	assert.Equal(t, "0 0 17 * * 1-5", cfg.Schedule.DailyCron)
	assert.Equal(t, 16, cfg.Concurrency.MaxInFlight)
	assert.True(t, cfg.TelegramEnabled())
}

func TestLoad_RejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "sources: [\n"))
	assert.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"bad history", func(c *Config) { c.History.Start = "yesterday" }, "history.start"},
		{"bad symbol", func(c *Config) { c.Universe = []string{"AAPL"} }, "universe"},
		{"unknown source", func(c *Config) { c.Sources[0].Name = "yahoo" }, "unknown source"},
		{"tied priority", func(c *Config) { c.Sources[1].Priority = 1 }, "share priority"},
		{"no source", func(c *Config) {
			off := false
			c.Sources[0].Enabled, c.Sources[1].Enabled = &off, &off
		}, "at least one source"},
		{"infer without threshold", func(c *Config) { c.Adjust.Mode = "infer" }, "drop_threshold"},
		{"unknown mode", func(c *Config) { c.Adjust.Mode = "guess" }, "adjust.mode"},
		{"half telegram", func(c *Config) { c.Telegram.BotToken = "tok" }, "set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
			require.NoError(t, err)
			tt.edit(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
