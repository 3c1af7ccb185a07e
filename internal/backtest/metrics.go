package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Annualization assumes the risk-free rate and trading-day count the report
// has always used.
const (
	riskFreeRatePct = 3.0
	tradingDays     = 252
)

// Metrics is the performance summary of one replay.
type Metrics struct {
	TotalReturn      float64 `json:"total_return"`
	TotalReturnPct   float64 `json:"total_return_pct"`
	AnnualizedReturn float64 `json:"annualized_return"`
	CAGR             float64 `json:"cagr"`

	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Volatility     float64 `json:"volatility"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	SortinoRatio   float64 `json:"sortino_ratio"`
	CalmarRatio    float64 `json:"calmar_ratio"`

	TotalTrades    int            `json:"total_trades"`
	WinningTrades  int            `json:"winning_trades"`
	LosingTrades   int            `json:"losing_trades"`
	WinRate        float64        `json:"win_rate"`
	AverageWin     float64        `json:"average_win"`
	AverageLoss    float64        `json:"average_loss"`
	LargestWin     float64        `json:"largest_win"`
	LargestLoss    float64        `json:"largest_loss"`
	ProfitFactor   float64        `json:"profit_factor"`
	Expectancy     float64        `json:"expectancy"`
	CommissionPaid float64        `json:"commission_paid"`
	ExitReasons    map[string]int `json:"exit_reasons,omitempty"`

	AverageHoldingTime time.Duration `json:"average_holding_time"`
	MedianHoldingTime  time.Duration `json:"median_holding_time"`
	MaxHoldingTime     time.Duration `json:"max_holding_time"`
	MinHoldingTime     time.Duration `json:"min_holding_time"`

	InitialCapital float64       `json:"initial_capital"`
	FinalEquity    float64       `json:"final_equity"`
	PeakEquity     float64       `json:"peak_equity"`
	EquityLow      float64       `json:"equity_low"`
	StartDate      time.Time     `json:"start_date"`
	EndDate        time.Time     `json:"end_date"`
	Duration       time.Duration `json:"duration"`
}

// CalculateMetrics derives the performance summary from an equity curve and
// the trades behind it.
func CalculateMetrics(initialCapital float64, equity []EquityPoint, trades []*Trade) (*Metrics, error) {
	if len(equity) == 0 {
		return nil, fmt.Errorf("no equity curve data")
	}
	if initialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive, got %g", initialCapital)
	}

	m := &Metrics{
		InitialCapital: initialCapital,
		FinalEquity:    equity[len(equity)-1].Equity,
		StartDate:      equity[0].Timestamp,
		EndDate:        equity[len(equity)-1].Timestamp,
	}
	m.Duration = m.EndDate.Sub(m.StartDate)

	m.TotalReturn = m.FinalEquity - initialCapital
	m.TotalReturnPct = m.TotalReturn / initialCapital * 100

	if years := m.Duration.Hours() / 24 / 365.25; years > 0 && m.FinalEquity > 0 {
		m.CAGR = (math.Pow(m.FinalEquity/initialCapital, 1/years) - 1) * 100
		m.AnnualizedReturn = m.CAGR
	}

	drawdownStats(m, equity)
	tradeStats(m, trades)
	riskRatios(m, equity)

	return m, nil
}

// drawdownStats walks the curve once for peak, low and the deepest
// peak-to-trough move.
func drawdownStats(m *Metrics, equity []EquityPoint) {
	peak := m.InitialCapital
	m.PeakEquity = m.InitialCapital
	m.EquityLow = m.InitialCapital

	for _, point := range equity {
		if point.Equity > peak {
			peak = point.Equity
		}
		if point.Equity > m.PeakEquity {
			m.PeakEquity = point.Equity
		}
		if point.Equity < m.EquityLow {
			m.EquityLow = point.Equity
		}

		dd := peak - point.Equity
		if dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
			if peak > 0 {
				m.MaxDrawdownPct = dd / peak * 100
			}
		}
	}
}

func tradeStats(m *Metrics, trades []*Trade) {
	if len(trades) == 0 {
		return
	}
	m.TotalTrades = len(trades)
	m.ExitReasons = make(map[string]int)

	var totalWin, totalLoss float64
	holding := make([]time.Duration, 0, len(trades))
	for _, trade := range trades {
		holding = append(holding, trade.HoldingTime)
		m.CommissionPaid += trade.Commission
		m.ExitReasons[trade.ExitReason]++

		if trade.RealizedPnL > 0 {
			m.WinningTrades++
			totalWin += trade.RealizedPnL
			if trade.RealizedPnL > m.LargestWin {
				m.LargestWin = trade.RealizedPnL
			}
		} else {
			m.LosingTrades++
			totalLoss += trade.RealizedPnL
			if trade.RealizedPnL < m.LargestLoss {
				m.LargestLoss = trade.RealizedPnL
			}
		}
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	if m.WinningTrades > 0 {
		m.AverageWin = totalWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = totalLoss / float64(m.LosingTrades)
	}
	if totalLoss != 0 {
		m.ProfitFactor = totalWin / math.Abs(totalLoss)
	}

	winProb := float64(m.WinningTrades) / float64(m.TotalTrades)
	lossProb := float64(m.LosingTrades) / float64(m.TotalTrades)
	m.Expectancy = winProb*m.AverageWin + lossProb*m.AverageLoss

	sort.Slice(holding, func(i, j int) bool { return holding[i] < holding[j] })
	m.MinHoldingTime = holding[0]
	m.MaxHoldingTime = holding[len(holding)-1]
	m.MedianHoldingTime = holding[len(holding)/2]
	if len(holding)%2 == 0 {
		m.MedianHoldingTime = (holding[len(holding)/2-1] + holding[len(holding)/2]) / 2
	}

	var total time.Duration
	for _, h := range holding {
		total += h
	}
	m.AverageHoldingTime = total / time.Duration(len(holding))
}

// riskRatios annualizes step returns with the daily factor, Sharpe from full
// volatility, Sortino from the downside only, Calmar from CAGR over the
// deepest drawdown.
func riskRatios(m *Metrics, equity []EquityPoint) {
	if len(equity) < 2 {
		return
	}

	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, (equity[i].Equity-prev)/prev)
	}
	if len(returns) == 0 {
		return
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance, downside float64
	downsideN := 0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
		if r < 0 {
			downside += r * r
			downsideN++
		}
	}
	variance /= float64(len(returns))

	m.Volatility = math.Sqrt(variance) * math.Sqrt(tradingDays) * 100
	if m.Volatility > 0 {
		m.SharpeRatio = (m.AnnualizedReturn - riskFreeRatePct) / m.Volatility
	}
	if m.MaxDrawdownPct > 0 {
		m.CalmarRatio = m.CAGR / m.MaxDrawdownPct
	}
	if downsideN > 0 {
		downsideDev := math.Sqrt(downside/float64(downsideN)) * math.Sqrt(tradingDays) * 100
		if downsideDev > 0 {
			m.SortinoRatio = (m.AnnualizedReturn - riskFreeRatePct) / downsideDev
		}
	}
}
