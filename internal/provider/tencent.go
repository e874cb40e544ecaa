package provider

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"KlineVault/internal/model"
)

const (
	TencentID = "tencent"

	tencentKlineURL = "https://web.ifzq.gtimg.cn/appstock/app/fqkline/get"

	// tencentMaxRows is the most rows one request returns.
	tencentMaxRows = 640
)

// Tencent fetches daily klines from the Tencent quote service.
// A request returns at most 640 rows, so the range is walked in calendar
// windows short enough never to hit that cap.
type Tencent struct {
	httpSource
	klineURL   string
	windowDays int
}

// NewTencent creates the Tencent provider. The page size is the window length in calendar days.
func NewTencent(opts ...Option) *Tencent {
	o := buildOptions(TencentID, options{
		baseURL:  tencentKlineURL,
		pageSize: tencentMaxRows,
	}, opts)
	if o.pageSize <= 0 || o.pageSize > tencentMaxRows {
		o.pageSize = tencentMaxRows
	}
	return &Tencent{
		httpSource: httpSource{id: TencentID, client: o.client, limiter: o.limiter},
		klineURL:   o.baseURL,
		windowDays: o.pageSize,
	}
}

func (t *Tencent) ID() string { return TencentID }

// FetchDaily returns unadjusted daily bars in [start, end]. Tencent reports
// no turnover, so Amount is zero.
func (t *Tencent) FetchDaily(ctx context.Context, sym model.Symbol, start, end time.Time) (*model.ProviderResult, error) {
	start, end = model.Day(start), model.Day(end)
	var bars []model.RawBar
	for from := start; !from.After(end); from = from.AddDate(0, 0, t.windowDays) {
		to := from.AddDate(0, 0, t.windowDays-1)
		if to.After(end) {
			to = end
		}
		page, err := t.window(ctx, sym, from, to)
		if err != nil {
			return result(TencentID, bars, err), err
		}
		bars = appendAscending(bars, page, start, end)
	}
	return result(TencentID, bars, nil), nil
}

func (t *Tencent) window(ctx context.Context, sym model.Symbol, from, to time.Time) ([]model.RawBar, error) {
	code := sym.Prefixed()
	params := url.Values{}
	params.Set("param", fmt.Sprintf("%s,day,%s,%s,%d,", code,
		from.Format(model.DateLayout), to.Format(model.DateLayout), tencentMaxRows))

	body, err := t.get(ctx, sym, t.klineURL, params)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, newError(TencentID, sym, ErrSchemaMismatch, "invalid json: %s", truncate(body, 120))
	}

	root := gjson.ParseBytes(body)
	status := root.Get("code")
	if !status.Exists() {
		return nil, newError(TencentID, sym, ErrSchemaMismatch, "missing code")
	}
	if status.Int() != 0 {
		return nil, newError(TencentID, sym, ErrSymbolNotFound, "code %d: %s", status.Int(), root.Get("msg").String())
	}
	node := root.Get("data." + code)
	if !node.Exists() || !node.IsObject() {
		return nil, newError(TencentID, sym, ErrSymbolNotFound, "")
	}
	rows := node.Get("day")
	if !rows.Exists() {
		return nil, nil
	}
	if !rows.IsArray() {
		return nil, newError(TencentID, sym, ErrSchemaMismatch, "day is %s", rows.Type)
	}

	items := rows.Array()
	bars := make([]model.RawBar, 0, len(items))
	for _, row := range items {
		b, err := parseTencentRow(sym, row)
		if err != nil {
			return nil, newError(TencentID, sym, ErrSchemaMismatch, "row %s: %v", row.Raw, err)
		}
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// parseTencentRow parses [date, open, close, high, low, volume]; volume is in lots of 100 shares.
func parseTencentRow(sym model.Symbol, row gjson.Result) (model.RawBar, error) {
	if !row.IsArray() {
		return model.RawBar{}, fmt.Errorf("not an array")
	}
	f := row.Array()
	if len(f) < 6 {
		return model.RawBar{}, fmt.Errorf("want 6 fields, got %d", len(f))
	}
	date, err := model.ParseDate(f[0].String())
	if err != nil {
		return model.RawBar{}, err
	}
	var nums [5]float64
	for i := range nums {
		if nums[i], err = parsePrice(f[i+1].String()); err != nil {
			return model.RawBar{}, err
		}
	}
	return model.RawBar{
		Symbol: sym,
		Date:   date,
		Open:   nums[0],
		Close:  nums[1],
		High:   nums[2],
		Low:    nums[3],
		Volume: nums[4] * 100,
		Source: TencentID,
	}, nil
}
