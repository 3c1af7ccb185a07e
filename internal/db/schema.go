package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// coreSchema creates the fixed tables. Candle tables are created per
// (symbol, timeframe) by EnsureSchema since their names are dynamic.
const coreSchema = `
CREATE TABLE IF NOT EXISTS paper_account (
	id INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	balance DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS paper_positions (
	id UUID PRIMARY KEY,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	status TEXT NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	quantity DOUBLE PRECISION NOT NULL,
	leverage INTEGER NOT NULL DEFAULT 1,
	margin DOUBLE PRECISION NOT NULL,
	liquidation_price DOUBLE PRECISION NOT NULL,
	stop_loss DOUBLE PRECISION NOT NULL,
	take_profit DOUBLE PRECISION NOT NULL,
	open_time TIMESTAMPTZ NOT NULL,
	close_time TIMESTAMPTZ,
	exit_price DOUBLE PRECISION,
	realized_pnl DOUBLE PRECISION,
	exit_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_paper_positions_symbol_status ON paper_positions(symbol, status);
CREATE INDEX IF NOT EXISTS idx_paper_positions_close_time ON paper_positions(close_time DESC);

CREATE TABLE IF NOT EXISTS signals (
	id UUID PRIMARY KEY,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	stop_loss DOUBLE PRECISION NOT NULL,
	tp1 DOUBLE PRECISION NOT NULL,
	tp2 DOUBLE PRECISION NOT NULL,
	tp3 DOUBLE PRECISION NOT NULL,
	position_size DOUBLE PRECISION NOT NULL,
	risk_reward_ratio DOUBLE PRECISION NOT NULL,
	indicators JSONB,
	reasons JSONB,
	status TEXT NOT NULL DEFAULT 'GENERATED',
	generated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_symbol_generated_at ON signals(symbol, generated_at DESC);
CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS trading_state (
	symbol TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Columns added after the initial release. Applied with ADD COLUMN IF NOT
// EXISTS so databases created by older builds migrate on open.
var additiveColumns = []struct {
	table  string
	column string
	ddl    string
}{
	{"signals", "pending_at", "TIMESTAMPTZ"},
	{"signals", "executed_at", "TIMESTAMPTZ"},
	{"signals", "expired_at", "TIMESTAMPTZ"},
	{"signals", "order_id", "TEXT"},
	{"signals", "outcome", "JSONB"},
	{"paper_positions", "highest_price", "DOUBLE PRECISION NOT NULL DEFAULT 0"},
	{"paper_positions", "lowest_price", "DOUBLE PRECISION NOT NULL DEFAULT 0"},
}

// candleIndicatorColumns are the nullable indicator columns persisted next to
// closed candles. They stay NULL during warm-up.
var candleIndicatorColumns = []string{
	"ema7", "ema25", "ema99",
	"rsi6", "rsi14",
	"volume_sma20",
	"bb_upper", "bb_middle", "bb_lower",
	"stoch_k", "stoch_d",
	"vwap", "atr14", "adx14",
}

var symbolNamePattern = regexp.MustCompile(`^[a-z0-9]+$`)

var validTimeframes = map[string]bool{
	"1m": true, "5m": true, "15m": true, "1h": true, "4h": true, "1d": true,
}

// candleTableName returns the per-(symbol,timeframe) table name. Symbols and
// timeframes are interpolated into DDL, so both are strictly validated.
func candleTableName(symbol, timeframe string) (string, error) {
	s := strings.ToLower(symbol)
	if !symbolNamePattern.MatchString(s) {
		return "", fmt.Errorf("invalid symbol for table name: %q", symbol)
	}
	if !validTimeframes[timeframe] {
		return "", fmt.Errorf("invalid timeframe for table name: %q", timeframe)
	}
	return s + "_" + timeframe, nil
}

// EnsureSchema creates all tables if absent and adds any missing columns.
// Safe to run on every startup.
func (db *DB) EnsureSchema(ctx context.Context, symbols []string, timeframes []string) error {
	if _, err := db.pool.Exec(ctx, coreSchema); err != nil {
		return fmt.Errorf("failed to create core schema: %w", err)
	}

	for _, col := range additiveColumns {
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", col.table, col.column, col.ddl)
		if _, err := db.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", col.table, col.column, err)
		}
	}

	for _, symbol := range symbols {
		for _, timeframe := range timeframes {
			if err := db.ensureCandleTable(ctx, symbol, timeframe); err != nil {
				return err
			}
		}
	}

	log.Info().
		Strs("symbols", symbols).
		Strs("timeframes", timeframes).
		Msg("Database schema verified")

	return nil
}

// ensureCandleTable creates the OHLCV table for one (symbol, timeframe) pair
// and adds any missing indicator columns.
func (db *DB) ensureCandleTable(ctx context.Context, symbol, timeframe string) error {
	table, err := candleTableName(symbol, timeframe)
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp TIMESTAMPTZ PRIMARY KEY,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL
		)`, table)
	if _, err := db.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create candle table %s: %w", table, err)
	}

	for _, col := range candleIndicatorColumns {
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s DOUBLE PRECISION", table, col)
		if _, err := db.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", table, col, err)
		}
	}

	return nil
}
