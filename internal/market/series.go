package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Default ring capacities per timeframe.
const (
	Capacity1m      = 500
	CapacityDefault = 200
)

// AppendResult describes what AppendOrUpdate did with a candle.
type AppendResult int

const (
	// AppendRejected means the candle was older than the series tail.
	AppendRejected AppendResult = iota
	// AppendUpdated means the provisional tail candle was overwritten.
	AppendUpdated
	// AppendAdded means the candle extended the series by one step.
	AppendAdded
	// AppendGap means candles are missing between the tail and the new
	// candle; the caller should backfill before retrying.
	AppendGap
)

// Series is a bounded ring of candles for one (symbol, timeframe).
// Timestamps are strictly increasing; the tail slot is provisional and is
// overwritten until the bar closes. All methods are safe for concurrent use,
// writers are serialized by the internal mutex.
type Series struct {
	mu        sync.RWMutex
	symbol    string
	timeframe Timeframe
	buf       []Candle
	start     int // index of oldest element
	size      int
}

// NewSeries creates a ring with the given capacity. Capacity below 1 falls
// back to the timeframe default (500 for 1m, 200 otherwise).
func NewSeries(symbol string, tf Timeframe, capacity int) *Series {
	if capacity < 1 {
		capacity = CapacityDefault
		if tf == Timeframe1m {
			capacity = Capacity1m
		}
	}
	return &Series{
		symbol:    symbol,
		timeframe: tf,
		buf:       make([]Candle, capacity),
	}
}

// Symbol returns the symbol this series tracks.
func (s *Series) Symbol() string { return s.symbol }

// Timeframe returns the aggregation interval.
func (s *Series) Timeframe() Timeframe { return s.timeframe }

// Len returns the number of candles currently held.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Capacity returns the fixed ring capacity.
func (s *Series) Capacity() int { return len(s.buf) }

// AppendOrUpdate applies one candle to the series tail:
// same timestamp as the tail overwrites it (provisional bar), tail+step
// appends, older candles are rejected, and anything further ahead than one
// step reports a gap without mutating the series.
func (s *Series) AppendOrUpdate(c Candle) (AppendResult, error) {
	if err := c.Validate(); err != nil {
		return AppendRejected, fmt.Errorf("invalid candle for %s %s: %w", s.symbol, s.timeframe, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == 0 {
		s.push(c)
		return AppendAdded, nil
	}

	last := s.at(s.size - 1)
	switch {
	case c.Timestamp.Equal(last.Timestamp):
		s.set(s.size-1, c)
		return AppendUpdated, nil
	case c.Timestamp.Before(last.Timestamp):
		log.Debug().
			Str("symbol", s.symbol).
			Str("timeframe", string(s.timeframe)).
			Time("candle", c.Timestamp).
			Time("tail", last.Timestamp).
			Msg("Dropping out-of-order candle")
		return AppendRejected, nil
	case c.Timestamp.Equal(last.Timestamp.Add(s.timeframe.Step())):
		s.push(c)
		return AppendAdded, nil
	default:
		return AppendGap, nil
	}
}

// Seed bulk-loads historical candles in ascending order, replacing current
// contents. Used for warm-up and gap backfill.
func (s *Series) Seed(candles []Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.start, s.size = 0, 0
	var prev time.Time
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("seed candle for %s %s: %w", s.symbol, s.timeframe, err)
		}
		if !prev.IsZero() && !c.Timestamp.After(prev) {
			return fmt.Errorf("seed candles for %s %s not strictly increasing at %s", s.symbol, s.timeframe, c.Timestamp)
		}
		prev = c.Timestamp
		s.push(c)
	}
	return nil
}

// NextExpected returns the timestamp the next appended candle must carry.
func (s *Series) NextExpected() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return time.Time{}, false
	}
	return s.at(s.size - 1).Timestamp.Add(s.timeframe.Step()), true
}

// Last returns the most recent candle.
func (s *Series) Last() (Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return Candle{}, false
	}
	return s.at(s.size - 1), true
}

// LastClose returns the latest close price, the price-oracle primary input.
func (s *Series) LastClose() (float64, bool) {
	c, ok := s.Last()
	if !ok {
		return 0, false
	}
	return c.Close, true
}

// Latest copies the last n candles (oldest first). n larger than the series
// returns everything held.
func (s *Series) Latest(n int) []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > s.size {
		n = s.size
	}
	out := make([]Candle, n)
	for i := 0; i < n; i++ {
		out[i] = s.at(s.size - n + i)
	}
	return out
}

// LatestInto fills dst with the last cap(dst) candles without allocating,
// for hot-path readers that reuse a scratch buffer.
func (s *Series) LatestInto(dst []Candle) []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := cap(dst)
	if n > s.size {
		n = s.size
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = s.at(s.size - n + i)
	}
	return dst
}

// Closes returns the last n close prices, oldest first.
func (s *Series) Closes(n int) []float64 { return s.field(n, func(c Candle) float64 { return c.Close }) }

// Highs returns the last n highs, oldest first.
func (s *Series) Highs(n int) []float64 { return s.field(n, func(c Candle) float64 { return c.High }) }

// Lows returns the last n lows, oldest first.
func (s *Series) Lows(n int) []float64 { return s.field(n, func(c Candle) float64 { return c.Low }) }

// Volumes returns the last n volumes, oldest first.
func (s *Series) Volumes(n int) []float64 {
	return s.field(n, func(c Candle) float64 { return c.Volume })
}

func (s *Series) field(n int, pick func(Candle) float64) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > s.size {
		n = s.size
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = pick(s.at(s.size - n + i))
	}
	return out
}

// at returns the candle at logical index i (0 = oldest). Callers hold the lock.
func (s *Series) at(i int) Candle {
	return s.buf[(s.start+i)%len(s.buf)]
}

func (s *Series) set(i int, c Candle) {
	s.buf[(s.start+i)%len(s.buf)] = c
}

func (s *Series) push(c Candle) {
	if s.size < len(s.buf) {
		s.set(s.size, c)
		s.size++
		return
	}
	// Ring full: overwrite the oldest slot.
	s.buf[s.start] = c
	s.start = (s.start + 1) % len(s.buf)
}
