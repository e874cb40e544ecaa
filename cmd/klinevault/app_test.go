package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KlineVault/internal/model"
	"KlineVault/internal/provider"
	"KlineVault/internal/store"
)

func TestNewLogger(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, newLogger("debug").GetLevel())
	assert.Equal(t, logrus.InfoLevel, newLogger("chatty").GetLevel())
}

func TestParseDateFlag(t *testing.T) {
	fallback := model.Date(2024, 1, 2)
	d, err := parseDateFlag("start", "", fallback)
	require.NoError(t, err)
	assert.Equal(t, fallback, d)

	d, err = parseDateFlag("start", "20240205", fallback)
	require.NoError(t, err)
	assert.Equal(t, model.Date(2024, 2, 5), d)

	_, err = parseDateFlag("start", "02/05/2024", fallback)
	assert.ErrorContains(t, err, "-start")
}

func TestNewApp_WiresConfiguredComponents(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")
	t.Setenv("KLINEVAULT_CALENDAR", "")
	dir := t.TempDir()
	calPath := filepath.Join(dir, "calendar.txt")
	require.NoError(t, os.WriteFile(calPath, []byte("2024-01-02\n2024-01-03\n"), 0o644))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
calendar_path: `+calPath+`
history:
  start: "2024-01-01"
sources:
  - name: tencent
    priority: 1
adjust:
  mode: infer
  drop_threshold: 0.3
`), 0o644))

	a, err := newApp(cfgPath, appOptions{dryRun: true, symbols: "sh600000,0.000001"})
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &store.MemoryStore{}, a.store)
	assert.Nil(t, a.telegram)
	assert.Equal(t, model.Date(2024, 1, 1), a.sched.Config.HistoryStart)

	syms, err := a.universe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Symbol{model.MustParseSymbol("1.600000"), model.MustParseSymbol("0.000001")}, syms)
}

func writeConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")
	t.Setenv("KLINEVAULT_CALENDAR", "")
	dir := t.TempDir()
	calPath := filepath.Join(dir, "calendar.txt")
	require.NoError(t, os.WriteFile(calPath, []byte("2024-01-02\n2024-01-03\n"), 0o644))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
calendar_path: `+calPath+`
sources:
  - name: tencent
    priority: 1
adjust:
  mode: infer
  drop_threshold: 0.3
`), 0o644))
	return cfgPath
}

func TestUniverse_TracksStoredSecurities(t *testing.T) {
	a, err := newApp(writeConfig(t), appOptions{dryRun: true})
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	pingAn, pufa := model.MustParseSymbol("sz000001"), model.MustParseSymbol("sh600000")
	listing := provider.NewStatic("listing").
		Serve(pingAn, model.CanonicalBar{Date: model.Date(2024, 1, 2), Close: 9}).
		Serve(pufa, model.CanonicalBar{Date: model.Date(2024, 1, 2), Close: 7})
	a.lister = listing

	// An empty securities table is filled from the listing.
	syms, err := a.universe(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Symbol{pufa, pingAn}, syms)
	secs, err := a.store.Securities(ctx)
	require.NoError(t, err)
	require.Len(t, secs, 2)
	assert.Equal(t, "sh600000", secs[0].Name)

	// Later runs use the stored securities without listing again.
	vanke := model.MustParseSymbol("sz000002")
	listing.Serve(vanke, model.CanonicalBar{Date: model.Date(2024, 1, 2), Close: 8})
	syms, err = a.universe(ctx)
	require.NoError(t, err)
	assert.Len(t, syms, 2)

	var out bytes.Buffer
	require.NoError(t, a.printUniverse(ctx, &out, true))
	assert.Equal(t, "sh600000\tsh600000\nsz000001\tsz000001\nsz000002\tsz000002\n", out.String())
}

func TestUniverse_ConfiguredListWins(t *testing.T) {
	a, err := newApp(writeConfig(t), appOptions{dryRun: true, symbols: "sz000001"})
	require.NoError(t, err)
	defer a.Close()
	a.lister = provider.NewStatic("unused")

	var out bytes.Buffer
	require.NoError(t, a.printUniverse(context.Background(), &out, false))
	assert.Equal(t, "sz000001\n", out.String())
	secs, err := a.store.Securities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, secs)
}

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("adjust:\n  mode: guess\n"), 0o644))
	_, err := newApp(cfgPath, appOptions{})
	assert.ErrorContains(t, err, "config validation")
}
