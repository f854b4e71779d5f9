// Package sqlite is the durable candle store. Rows are deduplicated by
// (symbol, market, open_time); saves are idempotent so the live path and
// backfill can write concurrently.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"candlefeedv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	Path string // database file, e.g. "data/candles.db"
}

// Store reads and writes 15m candles.
type Store struct {
	db *sql.DB
}

var _ model.CandleStore = (*Store)(nil)

// DB returns the underlying sql.DB for liveness probes.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Live saver and backfill committer share this handle; sqlite allows a
	// single writer so serialize through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.Path)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles_15m (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol          TEXT    NOT NULL,
			market          TEXT    NOT NULL,
			open_time       INTEGER NOT NULL,
			close_time      INTEGER NOT NULL,
			open            INTEGER NOT NULL,
			high            INTEGER NOT NULL,
			low             INTEGER NOT NULL,
			close           INTEGER NOT NULL,
			volume          INTEGER NOT NULL,
			quote_volume    INTEGER NOT NULL,
			taker_buy_base  INTEGER NOT NULL,
			taker_buy_quote INTEGER NOT NULL,
			trades          INTEGER NOT NULL,
			UNIQUE (symbol, market, open_time)
		);

		CREATE INDEX IF NOT EXISTS idx_candles_15m_key_time
			ON candles_15m (symbol, market, open_time DESC);
	`)
	return err
}

const insertIgnoreSQL = `
	INSERT OR IGNORE INTO candles_15m
		(symbol, market, open_time, close_time, open, high, low, close,
		 volume, quote_volume, taker_buy_base, taker_buy_quote, trades)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const updateSQL = `
	UPDATE candles_15m
	SET close_time = ?, open = ?, high = ?, low = ?, close = ?,
	    volume = ?, quote_volume = ?, taker_buy_base = ?, taker_buy_quote = ?, trades = ?
	WHERE symbol = ? AND market = ? AND open_time = ?
`

// Save upserts one candle. Last write wins on conflict; live and backfill
// produce equivalent rows for the same open time.
func (s *Store) Save(ctx context.Context, c model.Candle) (bool, error) {
	res, err := s.db.ExecContext(ctx, insertIgnoreSQL, insertArgs(c)...)
	if err != nil {
		return false, fmt.Errorf("sqlite insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	_, err = s.db.ExecContext(ctx, updateSQL,
		c.CloseTime, c.Open, c.High, c.Low, c.Close,
		c.Volume, c.QuoteVolume, c.TakerBuyBase, c.TakerBuyQuote, c.Trades,
		c.Symbol, string(c.Market), c.OpenTime)
	if err != nil {
		return false, fmt.Errorf("sqlite update: %w", err)
	}
	return false, nil
}

// SaveBatch inserts candles in a single transaction, one statement per row,
// counting new vs. already-present rows. Existing rows are left untouched.
func (s *Store) SaveBatch(ctx context.Context, candles []model.Candle) (int, int, error) {
	if len(candles) == 0 {
		return 0, 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	stmt, err := tx.PrepareContext(ctx, insertIgnoreSQL)
	if err != nil {
		tx.Rollback()
		return 0, 0, err
	}
	defer stmt.Close()

	inserted, duplicate := 0, 0
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx, insertArgs(c)...)
		if err != nil {
			tx.Rollback()
			return 0, 0, fmt.Errorf("sqlite batch insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted++
		} else {
			duplicate++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return inserted, duplicate, nil
}

func insertArgs(c model.Candle) []any {
	return []any{
		c.Symbol, string(c.Market), c.OpenTime, c.CloseTime,
		c.Open, c.High, c.Low, c.Close,
		c.Volume, c.QuoteVolume, c.TakerBuyBase, c.TakerBuyQuote, c.Trades,
	}
}

const selectCols = `symbol, market, open_time, close_time, open, high, low, close,
	volume, quote_volume, taker_buy_base, taker_buy_quote, trades`

func scanCandle(row interface{ Scan(...any) error }) (model.Candle, error) {
	var c model.Candle
	var market string
	err := row.Scan(&c.Symbol, &market, &c.OpenTime, &c.CloseTime,
		&c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &c.QuoteVolume, &c.TakerBuyBase, &c.TakerBuyQuote, &c.Trades)
	if err != nil {
		return c, err
	}
	c.Market = model.Market(market)
	c.Closed = true
	return c, nil
}

// FindByOpenTime returns the candle at exactly openTime, or nil.
func (s *Store) FindByOpenTime(ctx context.Context, key model.Key, openTime int64) (*model.Candle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectCols+` FROM candles_15m
		WHERE symbol = ? AND market = ? AND open_time = ?`,
		key.Symbol, string(key.Market), openTime)
	c, err := scanCandle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite find: %w", err)
	}
	return &c, nil
}

func (s *Store) queryCandles(ctx context.Context, q string, args ...any) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Latest returns up to n candles, newest first.
func (s *Store) Latest(ctx context.Context, key model.Key, n int) ([]model.Candle, error) {
	return s.queryCandles(ctx, `
		SELECT `+selectCols+` FROM candles_15m
		WHERE symbol = ? AND market = ?
		ORDER BY open_time DESC LIMIT ?`,
		key.Symbol, string(key.Market), n)
}

// Earliest returns up to n candles, oldest first.
func (s *Store) Earliest(ctx context.Context, key model.Key, n int) ([]model.Candle, error) {
	return s.queryCandles(ctx, `
		SELECT `+selectCols+` FROM candles_15m
		WHERE symbol = ? AND market = ?
		ORDER BY open_time ASC LIMIT ?`,
		key.Symbol, string(key.Market), n)
}

// Range returns candles within [start, end], newest first, capped at limit.
// start/end of 0 mean unbounded; limit <= 0 defaults to 500.
func (s *Store) Range(ctx context.Context, key model.Key, start, end int64, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = 500
	}
	if end == 0 {
		end = int64(1) << 62
	}
	return s.queryCandles(ctx, `
		SELECT `+selectCols+` FROM candles_15m
		WHERE symbol = ? AND market = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time DESC LIMIT ?`,
		key.Symbol, string(key.Market), start, end, limit)
}

// Count returns the number of rows for a key.
func (s *Store) Count(ctx context.Context, key model.Key) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM candles_15m WHERE symbol = ? AND market = ?`,
		key.Symbol, string(key.Market)).Scan(&n)
	return n, err
}

// Stats returns per-key coverage across the whole table.
func (s *Store) Stats(ctx context.Context) ([]model.KeyStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, market, COUNT(*), MIN(open_time), MAX(open_time)
		FROM candles_15m GROUP BY symbol, market ORDER BY symbol, market`)
	if err != nil {
		return nil, fmt.Errorf("sqlite stats: %w", err)
	}
	defer rows.Close()

	var out []model.KeyStats
	for rows.Next() {
		var st model.KeyStats
		var market string
		if err := rows.Scan(&st.Key.Symbol, &market, &st.Count, &st.FirstTime, &st.LastTime); err != nil {
			return nil, err
		}
		st.Key.Market = model.Market(market)
		out = append(out, st)
	}
	return out, rows.Err()
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
