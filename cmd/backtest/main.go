// The backtest binary replays historical klines through the signal path and
// the execution simulator, then prints a performance report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/backtest"
	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/market"
	"github.com/pulsetrader/pulsetrader/internal/strategy"
	"github.com/pulsetrader/pulsetrader/internal/upstream"
)

// Exit codes.
const (
	exitOK      = 0
	exitBadArgs = 1
	exitNoData  = 2
	exitRuntime = 3
)

var (
	symbolsFlag   = flag.String("symbols", "BTCUSDT", "comma-separated symbols to replay")
	fromFlag      = flag.String("from", "", "start date (YYYY-MM-DD), required")
	toFlag        = flag.String("to", "", "end date (YYYY-MM-DD), exclusive (default: today)")
	timeframeFlag = flag.String("timeframe", "1m", "replay timeframe (1m, 15m, 1h)")
	capitalFlag   = flag.Float64("capital", 0, "initial capital (default: trading.initial_capital)")
	configFlag    = flag.String("config", "", "path to config file")
	strategyFlag  = flag.String("strategy", "", "strategy preset file (yaml or json), overrides config knobs")
	outputFlag    = flag.String("output", "", "write the full result as JSON to this file")
	verboseFlag   = flag.Bool("verbose", false, "enable debug logging")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *verboseFlag {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		return exitBadArgs
	}

	if *strategyFlag != "" {
		preset, err := strategy.ImportFromFile(*strategyFlag, strategy.DefaultImportOptions())
		if err != nil {
			log.Error().Err(err).Str("file", *strategyFlag).Msg("Failed to load strategy preset")
			return exitBadArgs
		}
		if err := strategy.Migrate(preset); err != nil {
			log.Error().Err(err).Msg("Strategy preset schema migration failed")
			return exitBadArgs
		}
		preset.Apply(cfg)
		log.Info().Str("strategy", preset.Metadata.Name).Msg("Applied strategy preset")
	}

	symbols := splitSymbols(*symbolsFlag)
	if len(symbols) == 0 {
		log.Error().Msg("No symbols specified")
		return exitBadArgs
	}

	tf, err := market.ParseTimeframe(*timeframeFlag)
	if err != nil {
		log.Error().Err(err).Str("timeframe", *timeframeFlag).Msg("Invalid timeframe")
		return exitBadArgs
	}

	from, to, err := parseRange(*fromFlag, *toFlag)
	if err != nil {
		log.Error().Err(err).Msg("Invalid date range")
		return exitBadArgs
	}

	capital := *capitalFlag
	if capital <= 0 {
		capital = cfg.Trading.InitialCapital
	}
	if capital <= 0 {
		log.Error().Msg("Initial capital must be positive")
		return exitBadArgs
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := backtest.New(backtest.Config{
		InitialCapital: capital,
		Timeframe:      tf,
		Signal:         cfg.Signal,
		Simulator:      cfg.Simulator,
		Execution:      cfg.Backtest,
	})

	loader := upstream.NewLoader(cfg.Upstream)
	for _, symbol := range symbols {
		candles, err := loader.Klines(ctx, symbol, tf, from, to)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Failed to fetch historical klines")
			return exitNoData
		}
		if len(candles) == 0 {
			log.Error().Str("symbol", symbol).Msg("No candles in the requested range")
			return exitNoData
		}
		if err := engine.LoadData(symbol, candles); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Failed to load replay data")
			return exitNoData
		}
	}

	result, err := engine.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Backtest failed")
		return exitRuntime
	}

	fmt.Println(backtest.GenerateReport(result.Metrics, result.Counts))

	if *outputFlag != "" {
		if err := writeResult(*outputFlag, result); err != nil {
			log.Error().Err(err).Str("file", *outputFlag).Msg("Failed to write result file")
			return exitRuntime
		}
		log.Info().Str("file", *outputFlag).Msg("Result written")
	}

	return exitOK
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	if fromStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--from is required")
	}
	from, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from date: %w", err)
	}

	to := time.Now().UTC().Truncate(24 * time.Hour)
	if toStr != "" {
		to, err = time.Parse("2006-01-02", toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to date: %w", err)
		}
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from must be before --to")
	}
	return from, to, nil
}

func writeResult(path string, result *backtest.Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
