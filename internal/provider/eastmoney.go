package provider

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"KlineVault/internal/model"
)

const (
	EastmoneyID = "eastmoney"

	eastmoneyKlineURL = "https://push2his.eastmoney.com/api/qt/stock/kline/get"
	eastmoneyListURL  = "https://push2.eastmoney.com/api/qt/clist/get"

	// A-share boards: SZ main, SZ ChiNext, SH main, SH STAR, BJ.
	eastmoneyBoards = "m:0+t:6,m:0+t:80,m:1+t:2,m:1+t:23,m:0+t:81+s:2048"
)

// Eastmoney price restatement modes (fqt).
const (
	fqtRaw      = "0"
	fqtBackward = "2"
)

// Eastmoney fetches daily klines from Eastmoney.
// Bars are paged by advancing beg past the last returned date until a short page;
// the listing is paged by page index (pn) and size (pz).
type Eastmoney struct {
	httpSource
	klineURL string
	listURL  string
	pageSize int
}

// NewEastmoney creates the Eastmoney provider.
func NewEastmoney(opts ...Option) *Eastmoney {
	o := buildOptions(EastmoneyID, options{
		baseURL:  eastmoneyKlineURL,
		listURL:  eastmoneyListURL,
		pageSize: 1000,
	}, opts)
	if o.pageSize <= 0 {
		o.pageSize = 1000
	}
	return &Eastmoney{
		httpSource: httpSource{id: EastmoneyID, client: o.client, limiter: o.limiter},
		klineURL:   o.baseURL,
		listURL:    o.listURL,
		pageSize:   o.pageSize,
	}
}

func (e *Eastmoney) ID() string { return EastmoneyID }

// FetchDaily returns unadjusted daily bars in [start, end].
func (e *Eastmoney) FetchDaily(ctx context.Context, sym model.Symbol, start, end time.Time) (*model.ProviderResult, error) {
	bars, err := e.klines(ctx, sym, model.Day(start), model.Day(end), fqtRaw)
	return result(EastmoneyID, bars, err), err
}

// FetchFactors derives cumulative factors as the ratio of the backward-restated
// close to the raw close, date by date.
func (e *Eastmoney) FetchFactors(ctx context.Context, sym model.Symbol, start, end time.Time) ([]model.AdjustmentFactor, error) {
	start, end = model.Day(start), model.Day(end)
	raw, err := e.klines(ctx, sym, start, end, fqtRaw)
	if err != nil {
		return nil, err
	}
	restated, err := e.klines(ctx, sym, start, end, fqtBackward)
	if err != nil {
		return nil, err
	}

	closes := make(map[time.Time]float64, len(raw))
	for _, b := range raw {
		closes[b.Date] = b.Close
	}
	factors := make([]model.AdjustmentFactor, 0, len(restated))
	for _, b := range restated {
		c, ok := closes[b.Date]
		if !ok || c <= 0 || b.Close <= 0 {
			continue
		}
		factors = append(factors, model.AdjustmentFactor{Symbol: sym, Date: b.Date, Cumulative: b.Close / c})
	}
	return factors, nil
}

func (e *Eastmoney) klines(ctx context.Context, sym model.Symbol, start, end time.Time, fqt string) ([]model.RawBar, error) {
	var bars []model.RawBar
	cursor := start
	for !cursor.After(end) {
		page, err := e.klinePage(ctx, sym, cursor, end, fqt)
		if err != nil {
			return bars, err
		}
		bars = appendAscending(bars, page, start, end)
		if len(page) < e.pageSize {
			break
		}
		next := page[len(page)-1].Date.AddDate(0, 0, 1)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return bars, nil
}

func (e *Eastmoney) klinePage(ctx context.Context, sym model.Symbol, from, to time.Time, fqt string) ([]model.RawBar, error) {
	params := url.Values{}
	params.Set("secid", sym.Secid())
	params.Set("fields1", "f1,f2,f3,f4,f5,f6")
	params.Set("fields2", "f51,f52,f53,f54,f55,f56,f57")
	params.Set("klt", "101")
	params.Set("fqt", fqt)
	params.Set("beg", from.Format("20060102"))
	params.Set("end", to.Format("20060102"))
	params.Set("lmt", strconv.Itoa(e.pageSize))

	body, err := e.get(ctx, sym, e.klineURL, params)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, newError(EastmoneyID, sym, ErrSchemaMismatch, "invalid json: %s", truncate(body, 120))
	}

	root := gjson.ParseBytes(body)
	data := root.Get("data")
	if !data.Exists() {
		return nil, newError(EastmoneyID, sym, ErrSchemaMismatch, "missing data")
	}
	if data.Type == gjson.Null {
		return nil, newError(EastmoneyID, sym, ErrSymbolNotFound, "")
	}
	klines := data.Get("klines")
	if klines.Type == gjson.Null {
		return nil, nil
	}
	if !klines.IsArray() {
		return nil, newError(EastmoneyID, sym, ErrSchemaMismatch, "klines is %s", klines.Type)
	}

	rows := klines.Array()
	bars := make([]model.RawBar, 0, len(rows))
	for _, row := range rows {
		b, err := parseEastmoneyRow(sym, row.String())
		if err != nil {
			return nil, newError(EastmoneyID, sym, ErrSchemaMismatch, "kline %q: %v", row.String(), err)
		}
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// parseEastmoneyRow parses "date,open,close,high,low,volume,amount"; volume is in lots of 100 shares.
func parseEastmoneyRow(sym model.Symbol, row string) (model.RawBar, error) {
	f := strings.Split(row, ",")
	if len(f) < 7 {
		return model.RawBar{}, strconv.ErrSyntax
	}
	date, err := model.ParseDate(f[0])
	if err != nil {
		return model.RawBar{}, err
	}
	var nums [6]float64
	for i := range nums {
		if nums[i], err = parsePrice(f[i+1]); err != nil {
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
		Amount: nums[5],
		Source: EastmoneyID,
	}, nil
}

// ListSecurities walks the paginated board listing until an empty or short page.
func (e *Eastmoney) ListSecurities(ctx context.Context) ([]model.Security, error) {
	var (
		out  []model.Security
		seen = make(map[model.Symbol]bool)
	)
	for pn := 1; ; pn++ {
		params := url.Values{}
		params.Set("pn", strconv.Itoa(pn))
		params.Set("pz", strconv.Itoa(e.pageSize))
		params.Set("po", "1")
		params.Set("np", "1")
		params.Set("fltt", "2")
		params.Set("invt", "2")
		params.Set("fid", "f12")
		params.Set("fs", eastmoneyBoards)
		params.Set("fields", "f12,f13,f14,f26")

		body, err := e.get(ctx, model.Symbol{}, e.listURL, params)
		if err != nil {
			return out, err
		}
		if !gjson.ValidBytes(body) {
			return out, newError(EastmoneyID, model.Symbol{}, ErrSchemaMismatch, "listing page %d: invalid json", pn)
		}
		diff := gjson.GetBytes(body, "data.diff")
		if !diff.Exists() || diff.Type == gjson.Null {
			break
		}
		if !diff.IsArray() {
			return out, newError(EastmoneyID, model.Symbol{}, ErrSchemaMismatch, "listing page %d: diff is %s", pn, diff.Type)
		}

		items := diff.Array()
		for _, it := range items {
			code := it.Get("f12").String()
			market := it.Get("f13").Int()
			sym, err := model.ParseSymbol(strconv.FormatInt(market, 10) + "." + code)
			if err != nil || seen[sym] {
				continue
			}
			seen[sym] = true
			sec := model.Security{Symbol: sym, Name: strings.TrimSpace(it.Get("f14").String()), AssetType: model.AssetStock}
			// f26 is the listing date as yyyymmdd, "-" or 0 when unknown.
			if listed, err := model.ParseDate(it.Get("f26").String()); err == nil {
				sec.ListedAt = listed
			}
			out = append(out, sec)
		}
		if len(items) < e.pageSize {
			break
		}
	}
	return out, nil
}
