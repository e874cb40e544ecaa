package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"KlineVault/internal/model"
)

// SQLiteStore persists everything to a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger logrus.FieldLogger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string, logger logrus.FieldLogger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; symbol tasks queue on the connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.WithField("path", path).Info("sqlite store opened")
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT NOT NULL,
			date   TEXT NOT NULL,
			open   REAL NOT NULL,
			high   REAL NOT NULL,
			low    REAL NOT NULL,
			close  REAL NOT NULL,
			volume REAL NOT NULL,
			amount REAL NOT NULL,
			PRIMARY KEY (symbol, date)
		) WITHOUT ROWID`,

		`CREATE TABLE IF NOT EXISTS price_variants (
			symbol TEXT NOT NULL,
			date   TEXT NOT NULL,
			kind   TEXT NOT NULL CHECK (kind IN ('raw', 'forward_adjusted', 'backward_adjusted')),
			open   REAL NOT NULL,
			high   REAL NOT NULL,
			low    REAL NOT NULL,
			close  REAL NOT NULL,
			PRIMARY KEY (symbol, kind, date)
		) WITHOUT ROWID`,

		`CREATE TABLE IF NOT EXISTS adjust_factors (
			symbol     TEXT NOT NULL,
			date       TEXT NOT NULL,
			cumulative REAL NOT NULL,
			PRIMARY KEY (symbol, date)
		) WITHOUT ROWID`,

		`CREATE TABLE IF NOT EXISTS data_gaps (
			symbol     TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date   TEXT NOT NULL,
			PRIMARY KEY (symbol, start_date)
		) WITHOUT ROWID`,

		`CREATE TABLE IF NOT EXISTS adjust_pending (
			symbol TEXT PRIMARY KEY
		) WITHOUT ROWID`,

		`CREATE TABLE IF NOT EXISTS securities (
			symbol        TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			asset_type    TEXT NOT NULL,
			listed_date   TEXT,
			delisted_date TEXT
		) WITHOUT ROWID`,

		`CREATE TABLE IF NOT EXISTS run_reports (
			id           TEXT PRIMARY KEY,
			mode         TEXT NOT NULL,
			started_at   INTEGER NOT NULL,
			finished_at  INTEGER NOT NULL,
			persisted    INTEGER NOT NULL,
			gap_reported INTEGER NOT NULL,
			failed       INTEGER NOT NULL,
			skipped      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_reports_started ON run_reports(started_at)`,

		`CREATE TABLE IF NOT EXISTS run_outcomes (
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			state  TEXT NOT NULL,
			bars   INTEGER NOT NULL,
			gaps   TEXT,
			error  TEXT,
			PRIMARY KEY (run_id, symbol)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *SQLiteStore) LastDate(ctx context.Context, sym model.Symbol) (time.Time, bool, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(date) FROM bars WHERE symbol = ?`, key(sym)).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last date %s: %w", sym, err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	d, err := model.ParseDate(last.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last date %s: %w", sym, err)
	}
	return d, true, nil
}

func (s *SQLiteStore) UpsertBars(ctx context.Context, bars []model.CanonicalBar) error {
	if len(bars) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error { return writeBars(ctx, tx, bars) })
}

func writeBars(ctx context.Context, tx *sql.Tx, bars []model.CanonicalBar) error {
	if len(bars) == 0 {
		return nil
	}
	stmt, err := prepare(ctx, tx, `INSERT INTO bars (symbol, date, open, high, low, close, volume, amount)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (symbol, date) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close,
			volume = excluded.volume, amount = excluded.amount`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, key(b.Symbol), dateKey(b.Date),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount); err != nil {
			return fmt.Errorf("upsert bar %s %s: %w", b.Symbol, dateKey(b.Date), err)
		}
	}
	return nil
}

func (s *SQLiteStore) Bars(ctx context.Context, sym model.Symbol) ([]model.CanonicalBar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, open, high, low, close, volume, amount
		FROM bars WHERE symbol = ? ORDER BY date`, key(sym))
	if err != nil {
		return nil, fmt.Errorf("query bars %s: %w", sym, err)
	}
	defer rows.Close()

	var out []model.CanonicalBar
	for rows.Next() {
		var (
			date string
			b    = model.CanonicalBar{Symbol: sym}
		)
		if err := rows.Scan(&date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount); err != nil {
			return nil, fmt.Errorf("scan bar %s: %w", sym, err)
		}
		if b.Date, err = model.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertVariants(ctx context.Context, variants []model.PriceVariant) error {
	if len(variants) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error { return writeVariants(ctx, tx, variants) })
}

func writeVariants(ctx context.Context, tx *sql.Tx, variants []model.PriceVariant) error {
	if len(variants) == 0 {
		return nil
	}
	stmt, err := prepare(ctx, tx, `INSERT INTO price_variants (symbol, date, kind, open, high, low, close)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (symbol, kind, date) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, v := range variants {
		if _, err := stmt.ExecContext(ctx, key(v.Symbol), dateKey(v.Date), string(v.Kind),
			v.Open, v.High, v.Low, v.Close); err != nil {
			return fmt.Errorf("upsert %s %s %s: %w", v.Kind, v.Symbol, dateKey(v.Date), err)
		}
	}
	return nil
}

func (s *SQLiteStore) Variants(ctx context.Context, sym model.Symbol, kind model.PriceKind) ([]model.PriceVariant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, open, high, low, close
		FROM price_variants WHERE symbol = ? AND kind = ? ORDER BY date`, key(sym), string(kind))
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", kind, sym, err)
	}
	defer rows.Close()

	var out []model.PriceVariant
	for rows.Next() {
		var (
			date string
			v    = model.PriceVariant{Symbol: sym, Kind: kind}
		)
		if err := rows.Scan(&date, &v.Open, &v.High, &v.Low, &v.Close); err != nil {
			return nil, fmt.Errorf("scan %s %s: %w", kind, sym, err)
		}
		if v.Date, err = model.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Factors(ctx context.Context, sym model.Symbol) ([]model.AdjustmentFactor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, cumulative
		FROM adjust_factors WHERE symbol = ? ORDER BY date`, key(sym))
	if err != nil {
		return nil, fmt.Errorf("query factors %s: %w", sym, err)
	}
	defer rows.Close()

	var out []model.AdjustmentFactor
	for rows.Next() {
		var (
			date string
			f    = model.AdjustmentFactor{Symbol: sym}
		)
		if err := rows.Scan(&date, &f.Cumulative); err != nil {
			return nil, fmt.Errorf("scan factor %s: %w", sym, err)
		}
		if f.Date, err = model.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendFactors(ctx context.Context, steps []model.AdjustmentFactor) error {
	if len(steps) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error { return writeFactors(ctx, tx, steps) })
}

func writeFactors(ctx context.Context, tx *sql.Tx, steps []model.AdjustmentFactor) error {
	if len(steps) == 0 {
		return nil
	}
	stmt, err := prepare(ctx, tx, `INSERT INTO adjust_factors (symbol, date, cumulative) VALUES (?,?,?)
		ON CONFLICT (symbol, date) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, f := range steps {
		if _, err := stmt.ExecContext(ctx, key(f.Symbol), dateKey(f.Date), f.Cumulative); err != nil {
			return fmt.Errorf("append factor %s %s: %w", f.Symbol, dateKey(f.Date), err)
		}
	}
	return nil
}

func (s *SQLiteStore) Gaps(ctx context.Context, sym model.Symbol) ([]model.DateRange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT start_date, end_date
		FROM data_gaps WHERE symbol = ? ORDER BY start_date`, key(sym))
	if err != nil {
		return nil, fmt.Errorf("query gaps %s: %w", sym, err)
	}
	defer rows.Close()

	var out []model.DateRange
	for rows.Next() {
		var start, end string
		if err := rows.Scan(&start, &end); err != nil {
			return nil, fmt.Errorf("scan gap %s: %w", sym, err)
		}
		r, err := parseRange(start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReplaceGaps(ctx context.Context, sym model.Symbol, gaps []model.DateRange) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return writeGaps(ctx, tx, sym, gaps) })
}

func writeGaps(ctx context.Context, tx *sql.Tx, sym model.Symbol, gaps []model.DateRange) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM data_gaps WHERE symbol = ?`, key(sym)); err != nil {
		return fmt.Errorf("clear gaps %s: %w", sym, err)
	}
	for _, g := range gaps {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO data_gaps (symbol, start_date, end_date) VALUES (?,?,?)`,
			key(sym), dateKey(g.Start), dateKey(g.End)); err != nil {
			return fmt.Errorf("insert gap %s %s: %w", sym, g, err)
		}
	}
	return nil
}

// Commit writes the batch in one transaction; any failure rolls all of it back.
func (s *SQLiteStore) Commit(ctx context.Context, b Batch) error {
	if err := b.validate(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := writeBars(ctx, tx, b.Bars); err != nil {
			return err
		}
		if err := writeFactors(ctx, tx, b.Factors); err != nil {
			return err
		}
		if err := writeVariants(ctx, tx, b.Variants); err != nil {
			return err
		}
		if err := writeGaps(ctx, tx, b.Symbol, b.Gaps); err != nil {
			return err
		}
		q := `DELETE FROM adjust_pending WHERE symbol = ?`
		if b.AdjustPending {
			q = `INSERT OR IGNORE INTO adjust_pending (symbol) VALUES (?)`
		}
		if _, err := tx.ExecContext(ctx, q, key(b.Symbol)); err != nil {
			return fmt.Errorf("mark adjustment %s: %w", b.Symbol, err)
		}
		return nil
	})
}

func (s *SQLiteStore) AdjustPending(ctx context.Context, sym model.Symbol) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM adjust_pending WHERE symbol = ?`, key(sym)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("adjust pending %s: %w", sym, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpsertSecurities(ctx context.Context, secs []model.Security) error {
	if len(secs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := prepare(ctx, tx, `INSERT INTO securities (symbol, name, asset_type, listed_date, delisted_date)
			VALUES (?,?,?,?,?)
			ON CONFLICT (symbol) DO UPDATE SET
				name = excluded.name, asset_type = excluded.asset_type,
				listed_date = excluded.listed_date, delisted_date = excluded.delisted_date`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, sec := range secs {
			if _, err := stmt.ExecContext(ctx, key(sec.Symbol), sec.Name, sec.AssetType,
				nullDate(sec.ListedAt), nullDate(sec.DelistedAt)); err != nil {
				return fmt.Errorf("upsert security %s: %w", sec.Symbol, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Securities(ctx context.Context) ([]model.Security, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, name, asset_type, listed_date, delisted_date
		FROM securities ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query securities: %w", err)
	}
	defer rows.Close()

	var out []model.Security
	for rows.Next() {
		var (
			sec              model.Security
			k                string
			listed, delisted sql.NullString
		)
		if err := rows.Scan(&k, &sec.Name, &sec.AssetType, &listed, &delisted); err != nil {
			return nil, fmt.Errorf("scan security: %w", err)
		}
		if sec.Symbol, err = model.ParseSymbol(k); err != nil {
			return nil, err
		}
		if sec.ListedAt, err = parseNullDate(listed); err != nil {
			return nil, err
		}
		if sec.DelistedAt, err = parseNullDate(delisted); err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TrackedSymbols(ctx context.Context) ([]model.Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol FROM securities WHERE delisted_date IS NULL ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query securities: %w", err)
	}
	defer rows.Close()

	var out []model.Symbol
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan security: %w", err)
		}
		sym, err := model.ParseSymbol(k)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordRun(ctx context.Context, report *model.RunReport) error {
	sum := report.Summary()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO run_reports
			(id, mode, started_at, finished_at, persisted, gap_reported, failed, skipped)
			VALUES (?,?,?,?,?,?,?,?)`,
			sum.ID, string(sum.Mode), sum.StartedAt.Unix(), sum.FinishedAt.Unix(),
			sum.Persisted, sum.GapReported, sum.Failed, sum.Skipped,
		)
		if err != nil {
			return fmt.Errorf("insert run %s: %w", report.ID, err)
		}
		for _, o := range report.Outcomes {
			var errText sql.NullString
			if o.Err != nil {
				errText = sql.NullString{String: o.Err.Error(), Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO run_outcomes
				(run_id, symbol, state, bars, gaps, error) VALUES (?,?,?,?,?,?)`,
				report.ID, key(o.Symbol), string(o.State), o.Bars, formatRanges(o.Gaps), errText); err != nil {
				return fmt.Errorf("insert outcome %s: %w", o.Symbol, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, mode, started_at, finished_at, persisted, gap_reported, failed, skipped
		FROM run_reports ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []model.RunSummary
	for rows.Next() {
		var (
			r               model.RunSummary
			mode            string
			started, finish int64
		)
		if err := rows.Scan(&r.ID, &mode, &started, &finish, &r.Persisted, &r.GapReported, &r.Failed, &r.Skipped); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Mode = model.RunMode(mode)
		r.StartedAt, r.FinishedAt = time.Unix(started, 0).UTC(), time.Unix(finish, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.logger.Info("closing sqlite store")
	return s.db.Close()
}

// inTx runs fn inside one transaction. Writers are serialised.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func prepare(ctx context.Context, tx *sql.Tx, query string) (*sql.Stmt, error) {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare %q: %w", firstLine(query), err)
	}
	return stmt, nil
}

func key(sym model.Symbol) string { return sym.Prefixed() }

func dateKey(d time.Time) string { return d.Format(model.DateLayout) }

func nullDate(d time.Time) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: dateKey(d), Valid: true}
}

func parseNullDate(v sql.NullString) (time.Time, error) {
	if !v.Valid {
		return time.Time{}, nil
	}
	return model.ParseDate(v.String)
}

func parseRange(start, end string) (model.DateRange, error) {
	s, err := model.ParseDate(start)
	if err != nil {
		return model.DateRange{}, err
	}
	e, err := model.ParseDate(end)
	if err != nil {
		return model.DateRange{}, err
	}
	return model.DateRange{Start: s, End: e}, nil
}

func formatRanges(rs []model.DateRange) sql.NullString {
	if len(rs) == 0 {
		return sql.NullString{}
	}
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return sql.NullString{String: strings.Join(parts, ","), Valid: true}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
