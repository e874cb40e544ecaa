package notifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"KlineVault/internal/model"
)

type fakeAPI struct {
	mu      sync.Mutex
	sent    []string
	updates string
	status  int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		body, _ := io.ReadAll(r.Body)
		f.sent = append(f.sent, string(body))
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		io.WriteString(w, `{"ok":true}`)
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		io.WriteString(w, f.updates)
	default:
		http.NotFound(w, r)
	}
}

func newTelegram(t *testing.T, api *fakeAPI) *Telegram {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	logger, _ := test.NewNullLogger()
	tg := NewTelegram("TOKEN", "42", "", logger)
	tg.APIBase = srv.URL
	tg.Retries = 0
	return tg
}

func sampleReport() *model.RunReport {
	start := time.Date(2024, 2, 5, 16, 30, 0, 0, time.UTC)
	return &model.RunReport{
		ID:         "run-1",
		Mode:       model.ModeUpdate,
		StartedAt:  start,
		FinishedAt: start.Add(95 * time.Second),
		Outcomes: []model.SymbolOutcome{
			{Symbol: model.MustParseSymbol("1.600000"), State: model.StatePersisted, Bars: 3},
			{Symbol: model.MustParseSymbol("0.000001"), State: model.StateGapReported,
				Gaps: []model.DateRange{model.NewDateRange(model.Date(2024, 2, 1), model.Date(2024, 2, 2))}},
			{Symbol: model.MustParseSymbol("0.300750"), State: model.StateFailed, Err: errors.New("all providers failed: <eof>")},
			{Symbol: model.MustParseSymbol("1.688981"), State: model.StateSkipped},
		},
	}
}

func TestFormatRunReport(t *testing.T) {
	msg := FormatRunReport(sampleReport())

	assert.Contains(t, msg, "日线增量更新")
	assert.Contains(t, msg, "已入库: 1")
	assert.Contains(t, msg, "数据缺口: 1")
	assert.Contains(t, msg, "sz000001: 2024-02-01..2024-02-02")
	assert.Contains(t, msg, "sz300750: all providers failed: &lt;eof&gt;")
	assert.Contains(t, msg, "1m35s")
	assert.Contains(t, msg, "<code>run-1</code>")
}

func TestFormatRunReport_CapsLongLists(t *testing.T) {
	r := &model.RunReport{Mode: model.ModeInitial}
	for i := 0; i < maxListed+5; i++ {
		r.Outcomes = append(r.Outcomes, model.SymbolOutcome{
			Symbol: model.Symbol{Exchange: model.ExchangeSH, Code: "6000" + string(rune('0'+i/10)) + string(rune('0'+i%10))},
			State:  model.StateFailed,
		})
	}
	msg := FormatRunReport(r)
	assert.Contains(t, msg, "日线初始加载")
	assert.Contains(t, msg, "另有 5 只")
}

func TestFormatRunHistory(t *testing.T) {
	assert.Equal(t, "尚无运行记录", FormatRunHistory(nil))

	msg := FormatRunHistory([]model.RunSummary{
		{ID: "0f6c2a9e-1b7d-4c1e-9a55-3c1f2e9b8d70", Mode: model.ModeUpdate, StartedAt: time.Date(2024, 2, 5, 16, 30, 0, 0, time.UTC), Persisted: 5120, GapReported: 3, Failed: 1},
		{ID: "init", Mode: model.ModeInitial, StartedAt: time.Date(2024, 2, 2, 9, 0, 0, 0, time.UTC), Persisted: 5124},
	})
	lines := strings.Split(strings.TrimSpace(msg), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "02-05 16:30 增量")
	assert.Contains(t, lines[1], "✅5120 ⚠️3 ❌1 ⏭0")
	assert.Contains(t, lines[1], "<code>0f6c2a9e</code>")
	assert.Contains(t, lines[2], "初始")
	assert.Contains(t, lines[2], "<code>init</code>")
}

func TestNotifyRun_PostsSummary(t *testing.T) {
	api := &fakeAPI{}
	tg := newTelegram(t, api)

	require.NoError(t, tg.NotifyRun(context.Background(), sampleReport()))
	require.Len(t, api.sent, 1)
	assert.Equal(t, "42", gjson.Get(api.sent[0], "chat_id").String())
	assert.Equal(t, "HTML", gjson.Get(api.sent[0], "parse_mode").String())
	assert.Contains(t, gjson.Get(api.sent[0], "text").String(), "run-1")
}

func TestSend_ReportsAPIErrors(t *testing.T) {
	api := &fakeAPI{status: http.StatusBadRequest}
	tg := newTelegram(t, api)

	err := tg.SendWithRetry(context.Background(), "hello", 0)
	assert.ErrorContains(t, err, "status 400")
}

func TestPoll_HandlesCommandsFromConfiguredChat(t *testing.T) {
	api := &fakeAPI{updates: `{"ok":true,"result":[
		{"update_id":7,"message":{"chat":{"id":42},"text":" /status "}},
		{"update_id":8,"message":{"chat":{"id":99},"text":"/update"}},
		{"update_id":9,"edited_message":{"chat":{"id":42},"text":"/status"}}
	]}`}
	tg := newTelegram(t, api)

	var got []string
	next, err := tg.poll(context.Background(), tg.Client, 0, func(_ context.Context, cmd string) string {
		got = append(got, cmd)
		return "ok: " + cmd
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), next)
	assert.Equal(t, []string{"/status"}, got)
	require.Len(t, api.sent, 1)
	assert.Equal(t, "ok: /status", gjson.Get(api.sent[0], "text").String())
}

func TestPoll_RejectsAPIError(t *testing.T) {
	api := &fakeAPI{updates: `{"ok":false,"description":"Unauthorized"}`}
	tg := newTelegram(t, api)

	next, err := tg.poll(context.Background(), tg.Client, 3, func(context.Context, string) string { return "" })
	assert.ErrorContains(t, err, "Unauthorized")
	assert.Equal(t, int64(3), next)
}
