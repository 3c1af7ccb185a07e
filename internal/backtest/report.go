package backtest

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// GenerateReport renders a human-readable performance report.
func GenerateReport(m *Metrics, counts ExecutionCounts) string {
	var b strings.Builder

	fmt.Fprintf(&b, `
================================================================================
BACKTEST PERFORMANCE REPORT
================================================================================

OVERVIEW
--------
Period:            %s to %s (%.0f days)
Initial Capital:   $%.2f
Final Equity:      $%.2f
Peak Equity:       $%.2f
Equity Low:        $%.2f

RETURNS
-------
Total Return:      $%.2f (%.2f%%)
Annualized Return: %.2f%%
CAGR:              %.2f%%

RISK METRICS
------------
Max Drawdown:      $%.2f (%.2f%%)
Volatility:        %.2f%%
Sharpe Ratio:      %.2f
Sortino Ratio:     %.2f
Calmar Ratio:      %.2f

TRADE STATISTICS
----------------
Total Trades:      %d
Winning Trades:    %d
Losing Trades:     %d
Win Rate:          %.2f%%

Average Win:       $%.2f
Average Loss:      $%.2f
Largest Win:       $%.2f
Largest Loss:      $%.2f

Profit Factor:     %.2f
Expectancy:        $%.2f per trade
Commission Paid:   $%.2f

HOLDING TIMES
-------------
Average:           %s
Median:            %s
Min:               %s
Max:               %s
`,
		m.StartDate.Format("2006-01-02"),
		m.EndDate.Format("2006-01-02"),
		m.Duration.Hours()/24,
		m.InitialCapital,
		m.FinalEquity,
		m.PeakEquity,
		m.EquityLow,
		m.TotalReturn,
		m.TotalReturnPct,
		m.AnnualizedReturn,
		m.CAGR,
		m.MaxDrawdown,
		m.MaxDrawdownPct,
		m.Volatility,
		m.SharpeRatio,
		m.SortinoRatio,
		m.CalmarRatio,
		m.TotalTrades,
		m.WinningTrades,
		m.LosingTrades,
		m.WinRate,
		m.AverageWin,
		m.AverageLoss,
		m.LargestWin,
		m.LargestLoss,
		m.ProfitFactor,
		m.Expectancy,
		m.CommissionPaid,
		formatDuration(m.AverageHoldingTime),
		formatDuration(m.MedianHoldingTime),
		formatDuration(m.MinHoldingTime),
		formatDuration(m.MaxHoldingTime),
	)

	fmt.Fprintf(&b, `
EXECUTION
---------
Signals Generated: %d
Signals Confirmed: %d
Orders Placed:     %d
Orders Filled:     %d
Orders Replaced:   %d
Orders Expired:    %d
Shark-Tank Skips:  %d
`,
		counts.SignalsGenerated,
		counts.SignalsConfirmed,
		counts.OrdersPlaced,
		counts.OrdersFilled,
		counts.OrdersReplaced,
		counts.OrdersExpired,
		counts.SharkTankSkips,
	)

	if len(m.ExitReasons) > 0 {
		b.WriteString("\nExit Reasons:\n")
		for _, line := range sortedCountLines(m.ExitReasons) {
			b.WriteString(line)
		}
	}

	if len(counts.Rejections) > 0 {
		rejections := make(map[string]int, len(counts.Rejections))
		for reason, n := range counts.Rejections {
			rejections[string(reason)] = n
		}
		b.WriteString("\nRejections:\n")
		for _, line := range sortedCountLines(rejections) {
			b.WriteString(line)
		}
	}

	b.WriteString("\n================================================================================\n")
	return b.String()
}

func sortedCountLines(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("  %-22s %d\n", key, counts[key]))
	}
	return lines
}

// formatDuration renders a duration as days, hours and minutes.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
