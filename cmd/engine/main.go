// The engine binary runs the full realtime trading pipeline: upstream kline
// feed, per-symbol indicator and signal pipelines, the paper futures
// simulator, the NATS broadcast worker and the REST/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pulsetrader/pulsetrader/internal/alerts"
	"github.com/pulsetrader/pulsetrader/internal/api"
	"github.com/pulsetrader/pulsetrader/internal/bus"
	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/engine"
	"github.com/pulsetrader/pulsetrader/internal/market"
	"github.com/pulsetrader/pulsetrader/internal/metrics"
	sig "github.com/pulsetrader/pulsetrader/internal/signal"
	"github.com/pulsetrader/pulsetrader/internal/simulator"
	"github.com/pulsetrader/pulsetrader/internal/upstream"
	"github.com/pulsetrader/pulsetrader/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./configs, /etc/pulsetrader)")
	verifyUpstream := flag.Bool("verify-upstream", false, "verify upstream reachability during startup validation")
	flag.Parse()

	if err := run(*configPath, *verifyUpstream); err != nil {
		log.Error().Err(err).Msg("Engine exited with error")
		os.Exit(1)
	}
}

func run(configPath string, verifyUpstream bool) error {
	cfg, err := config.ValidateAndLoad(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Strs("symbols", cfg.Trading.Symbols).
		Msg("Starting PulseTrader engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if vaultCfg := config.GetVaultConfigFromEnv(); vaultCfg.Enabled {
		if err := config.LoadSecretsFromVault(ctx, cfg, vaultCfg); err != nil {
			return fmt.Errorf("load secrets from vault: %w", err)
		}
	}

	opts := config.DefaultValidatorOptions()
	opts.VerifyUpstream = verifyUpstream
	if err := config.NewValidator(cfg, opts).ValidateStartup(ctx); err != nil {
		return fmt.Errorf("startup validation: %w", err)
	}

	// Storage.
	database, err := db.New(ctx, cfg.Database.GetDSN(), int32(cfg.Database.PoolSize))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	timeframes := make([]string, 0, len(market.AllTimeframes))
	for _, tf := range market.AllTimeframes {
		timeframes = append(timeframes, tf.String())
	}
	if err := database.EnsureSchema(ctx, cfg.Trading.Symbols, timeframes); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	// Realtime price cache (optional) behind the oracle.
	var priceCache *market.PriceCache
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		priceCache = market.NewPriceCache(redisClient, 0)
	}
	oracle := market.NewPriceOracle(priceCache)

	// Event bus.
	eventBus, err := bus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer eventBus.Close()

	// Alert channels.
	alertManager, err := alerts.FromConfig(cfg.Alerts)
	if err != nil {
		return fmt.Errorf("configure alerts: %w", err)
	}

	// Trading core.
	sim := simulator.New(cfg.Simulator, cfg.Trading, database, oracle)
	lifecycle := sig.NewManager(database)
	loader := upstream.NewLoader(cfg.Upstream)

	eng := engine.New(cfg, engine.Deps{
		Store:     database,
		Publisher: eventBus,
		Simulator: sim,
		Lifecycle: lifecycle,
		History:   loader,
		Oracle:    oracle,
		Alerter:   alertManager,
	})

	// WebSocket fan-out, fed by the bus broadcast worker.
	wsManager := ws.NewManager(api.Snapshot(eng, lifecycle))
	if err := eventBus.Start(ctx, func(evt *bus.Event) {
		frame, err := evt.MarshalFrame()
		if err != nil {
			log.Error().Err(err).Str("type", string(evt.Type)).Msg("Failed to marshal event frame")
			return
		}
		wsManager.Broadcast(evt.Symbol, frame)
	}); err != nil {
		return fmt.Errorf("start broadcast worker: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	// Upstream feed, one handler per symbol.
	stream := upstream.NewStreamClient(cfg.Upstream.WSBaseURL, cfg.Trading.Symbols, loader)
	for _, symbol := range cfg.Trading.Symbols {
		stream.RegisterHandler(symbol, eng.Handler(symbol))
	}

	apiServer := api.NewServer(cfg.API, api.Deps{
		DB:        database,
		Engine:    eng,
		Sim:       sim,
		Signals:   lifecycle,
		Candles:   database,
		History:   loader,
		Bus:       eventBus,
		WS:        wsManager,
		SignalTTL: cfg.Signal.TTL(),
	})
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), log.Logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// Upstream reader. Its exit (context cancel or fatal stream error)
	// brings the group down.
	g.Go(func() error {
		return stream.Run(gctx)
	})

	// Stale-signal sweeper.
	g.Go(func() error {
		ttl := cfg.Signal.TTL()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n, err := lifecycle.ExpireStale(gctx, ttl); err != nil {
					log.Error().Err(err).Msg("Failed to expire stale signals")
				} else if n > 0 {
					log.Info().Int64("count", n).Msg("Expired stale signals")
				}
			}
		}
	})

	log.Info().Str("addr", cfg.API.GetAPIAddr()).Msg("PulseTrader engine running")

	err = g.Wait()
	if ctx.Err() != nil {
		// Normal signal-driven shutdown.
		err = nil
	} else if err != nil {
		log.Error().Err(err).Msg("Pipeline failed, shutting down")
	}

	// Shutdown ordering: feed first, then drain the engine, then the
	// broadcast path, then the outer surfaces.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stream.Close()
	if stopErr := eng.Stop(shutdownCtx); stopErr != nil {
		log.Error().Err(stopErr).Msg("Engine drain failed")
	}
	eventBus.Close()
	wsManager.CloseAll()

	if stopErr := apiServer.Stop(shutdownCtx); stopErr != nil {
		log.Error().Err(stopErr).Msg("API server shutdown failed")
	}
	if metricsServer != nil {
		if stopErr := metricsServer.Shutdown(shutdownCtx); stopErr != nil {
			log.Error().Err(stopErr).Msg("Metrics server shutdown failed")
		}
	}

	log.Info().Msg("PulseTrader engine stopped")
	return err
}
