package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SignalDirection is the trade direction a signal recommends
type SignalDirection string

const (
	SignalDirectionBuy     SignalDirection = "BUY"
	SignalDirectionSell    SignalDirection = "SELL"
	SignalDirectionNeutral SignalDirection = "NEUTRAL"
)

// SignalStatus tracks a signal through its lifecycle. Legal transitions are
// GENERATED -> PENDING -> (EXECUTED | EXPIRED) and
// GENERATED -> (EXECUTED | EXPIRED); terminal states never go back.
type SignalStatus string

const (
	SignalStatusGenerated SignalStatus = "GENERATED"
	SignalStatusPending   SignalStatus = "PENDING"
	SignalStatusExecuted  SignalStatus = "EXECUTED"
	SignalStatusExpired   SignalStatus = "EXPIRED"
)

// Actionable reports whether the status still allows transitions.
func (s SignalStatus) Actionable() bool {
	return s == SignalStatusGenerated || s == SignalStatusPending
}

// Signal is a persisted trading signal
type Signal struct {
	ID              uuid.UUID       `json:"id"`
	Symbol          string          `json:"symbol"`
	Direction       SignalDirection `json:"direction"`
	Confidence      float64         `json:"confidence"`
	Price           float64         `json:"price"`
	EntryPrice      float64         `json:"entry_price"`
	StopLoss        float64         `json:"stop_loss"`
	TP1             float64         `json:"tp1"`
	TP2             float64         `json:"tp2"`
	TP3             float64         `json:"tp3"`
	PositionSize    float64         `json:"position_size"`
	RiskRewardRatio float64         `json:"risk_reward_ratio"`
	Indicators      json.RawMessage `json:"indicators,omitempty"` // JSONB
	Reasons         json.RawMessage `json:"reasons,omitempty"`    // JSONB
	Status          SignalStatus    `json:"status"`
	GeneratedAt     time.Time       `json:"generated_at"`
	PendingAt       *time.Time      `json:"pending_at,omitempty"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	ExpiredAt       *time.Time      `json:"expired_at,omitempty"`
	OrderID         *string         `json:"order_id,omitempty"`
	Outcome         json.RawMessage `json:"outcome,omitempty"` // JSONB
}

// SetIndicators stores the indicator values captured at generation time.
func (s *Signal) SetIndicators(values map[string]float64) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal indicators: %w", err)
	}
	s.Indicators = data
	return nil
}

// IndicatorValues decodes the stored indicator map. Returns nil when absent
// or malformed.
func (s *Signal) IndicatorValues() map[string]float64 {
	if len(s.Indicators) == 0 {
		return nil
	}
	var values map[string]float64
	if err := json.Unmarshal(s.Indicators, &values); err != nil {
		return nil
	}
	return values
}

// SetReasons stores the human-readable condition list.
func (s *Signal) SetReasons(reasons []string) error {
	data, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	s.Reasons = data
	return nil
}

// ReasonList decodes the stored reasons. Returns nil when absent or malformed.
func (s *Signal) ReasonList() []string {
	if len(s.Reasons) == 0 {
		return nil
	}
	var reasons []string
	if err := json.Unmarshal(s.Reasons, &reasons); err != nil {
		return nil
	}
	return reasons
}

const signalColumns = `id, symbol, direction, confidence, price, entry_price, stop_loss,
	tp1, tp2, tp3, position_size, risk_reward_ratio, indicators, reasons,
	status, generated_at, pending_at, executed_at, expired_at, order_id, outcome`

func scanSignal(row pgx.Row) (*Signal, error) {
	var s Signal
	err := row.Scan(
		&s.ID,
		&s.Symbol,
		&s.Direction,
		&s.Confidence,
		&s.Price,
		&s.EntryPrice,
		&s.StopLoss,
		&s.TP1,
		&s.TP2,
		&s.TP3,
		&s.PositionSize,
		&s.RiskRewardRatio,
		&s.Indicators,
		&s.Reasons,
		&s.Status,
		&s.GeneratedAt,
		&s.PendingAt,
		&s.ExecutedAt,
		&s.ExpiredAt,
		&s.OrderID,
		&s.Outcome,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertSignal persists a new signal. Assigns an id and GENERATED status when
// unset.
func (db *DB) InsertSignal(ctx context.Context, s *Signal) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = SignalStatusGenerated
	}
	if s.GeneratedAt.IsZero() {
		s.GeneratedAt = time.Now()
	}

	query := `
		INSERT INTO signals (
			id, symbol, direction, confidence, price, entry_price, stop_loss,
			tp1, tp2, tp3, position_size, risk_reward_ratio, indicators,
			reasons, status, generated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	_, err := db.pool.Exec(ctx, query,
		s.ID,
		s.Symbol,
		s.Direction,
		s.Confidence,
		s.Price,
		s.EntryPrice,
		s.StopLoss,
		s.TP1,
		s.TP2,
		s.TP3,
		s.PositionSize,
		s.RiskRewardRatio,
		s.Indicators,
		s.Reasons,
		s.Status,
		s.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}

	return nil
}

// GetSignal retrieves a signal by id
func (db *DB) GetSignal(ctx context.Context, id uuid.UUID) (*Signal, error) {
	query := fmt.Sprintf("SELECT %s FROM signals WHERE id = $1", signalColumns)

	s, err := scanSignal(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("signal %w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}

	return s, nil
}

// GetSignalByOrderID retrieves the signal that produced a given order
func (db *DB) GetSignalByOrderID(ctx context.Context, orderID string) (*Signal, error) {
	query := fmt.Sprintf("SELECT %s FROM signals WHERE order_id = $1", signalColumns)

	s, err := scanSignal(db.pool.QueryRow(ctx, query, orderID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("signal %w for order: %s", ErrNotFound, orderID)
		}
		return nil, fmt.Errorf("failed to get signal by order id: %w", err)
	}

	return s, nil
}

// ListActionableSignals returns signals still in GENERATED or PENDING status,
// newest first.
func (db *DB) ListActionableSignals(ctx context.Context) ([]*Signal, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM signals
		WHERE status IN ('GENERATED', 'PENDING')
		ORDER BY generated_at DESC
	`, signalColumns)

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query actionable signals: %w", err)
	}
	defer rows.Close()

	return collectSignals(rows)
}

func collectSignals(rows pgx.Rows) ([]*Signal, error) {
	var signals []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}

	return signals, nil
}

// MarkSignalPending moves a GENERATED signal to PENDING. Returns false when
// the signal is missing or no longer in GENERATED status.
func (db *DB) MarkSignalPending(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE signals
		SET status = 'PENDING', pending_at = $2
		WHERE id = $1 AND status = 'GENERATED'
	`

	result, err := db.pool.Exec(ctx, query, id, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to mark signal pending: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkSignalExecuted moves an actionable signal to EXECUTED and records the
// order that filled it. Returns false when the signal is missing or already
// terminal.
func (db *DB) MarkSignalExecuted(ctx context.Context, id uuid.UUID, orderID string) (bool, error) {
	query := `
		UPDATE signals
		SET status = 'EXECUTED', executed_at = $2, order_id = $3
		WHERE id = $1 AND status IN ('GENERATED', 'PENDING')
	`

	result, err := db.pool.Exec(ctx, query, id, time.Now(), orderID)
	if err != nil {
		return false, fmt.Errorf("failed to mark signal executed: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkSignalExpired moves an actionable signal to EXPIRED. Returns false when
// the signal is missing or already terminal.
func (db *DB) MarkSignalExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE signals
		SET status = 'EXPIRED', expired_at = $2
		WHERE id = $1 AND status IN ('GENERATED', 'PENDING')
	`

	result, err := db.pool.Exec(ctx, query, id, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to mark signal expired: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ExpireStaleSignals expires every actionable signal generated before the
// cutoff and returns how many rows changed.
func (db *DB) ExpireStaleSignals(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE signals
		SET status = 'EXPIRED', expired_at = $2
		WHERE generated_at < $1 AND status IN ('GENERATED', 'PENDING')
	`

	result, err := db.pool.Exec(ctx, query, cutoff, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale signals: %w", err)
	}

	return result.RowsAffected(), nil
}

// UpdateSignalOutcome attaches the realized outcome (pnl, exit reason) after
// the linked position closes.
func (db *DB) UpdateSignalOutcome(ctx context.Context, id uuid.UUID, outcome json.RawMessage) error {
	query := `UPDATE signals SET outcome = $2 WHERE id = $1`

	result, err := db.pool.Exec(ctx, query, id, outcome)
	if err != nil {
		return fmt.Errorf("failed to update signal outcome: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("signal %w: %s", ErrNotFound, id)
	}

	return nil
}

// SignalHistoryFilter narrows ListSignalHistory results. Nil fields are
// ignored. Page is 1-based.
type SignalHistoryFilter struct {
	Symbol        *string
	Direction     *SignalDirection
	Status        *SignalStatus
	MinConfidence *float64
	From          *time.Time
	To            *time.Time
	Page          int
	Limit         int
}

// ListSignalHistory returns one page of filtered signals ordered by
// generated_at DESC, plus the total row count for pagination.
func (db *DB) ListSignalHistory(ctx context.Context, f SignalHistoryFilter) ([]*Signal, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if f.Symbol != nil {
		where += fmt.Sprintf(" AND symbol = $%d", argCount)
		args = append(args, *f.Symbol)
		argCount++
	}

	if f.Direction != nil {
		where += fmt.Sprintf(" AND direction = $%d", argCount)
		args = append(args, *f.Direction)
		argCount++
	}

	if f.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, *f.Status)
		argCount++
	}

	if f.MinConfidence != nil {
		where += fmt.Sprintf(" AND confidence >= $%d", argCount)
		args = append(args, *f.MinConfidence)
		argCount++
	}

	if f.From != nil {
		where += fmt.Sprintf(" AND generated_at >= $%d", argCount)
		args = append(args, *f.From)
		argCount++
	}

	if f.To != nil {
		where += fmt.Sprintf(" AND generated_at <= $%d", argCount)
		args = append(args, *f.To)
		argCount++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM signals" + where
	if err := db.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count signals: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM signals", signalColumns) + where + " ORDER BY generated_at DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, f.Limit)
		argCount++

		if f.Page > 1 {
			query += fmt.Sprintf(" OFFSET $%d", argCount)
			args = append(args, (f.Page-1)*f.Limit)
		}
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query signal history: %w", err)
	}
	defer rows.Close()

	signals, err := collectSignals(rows)
	if err != nil {
		return nil, 0, err
	}

	return signals, total, nil
}
