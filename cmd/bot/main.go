package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"grid-risk-engine/internal/alert"
	"grid-risk-engine/internal/config"
	"grid-risk-engine/internal/engine"
	"grid-risk-engine/internal/exchange"
	"grid-risk-engine/internal/journal"
	"grid-risk-engine/internal/logger"
	"grid-risk-engine/internal/metrics"
	"grid-risk-engine/internal/models"
	"grid-risk-engine/internal/persistence"
	"grid-risk-engine/internal/reporter"
	"grid-risk-engine/internal/risk"
)

const (
	mainnetWS = "wss://stream.binance.com:9443"
	testnetWS = "wss://testnet.binance.vision"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	mode := flag.String("mode", "", "override the configured mode: live or paper")
	flag.Parse()

	// Secrets live in the environment; .env is a convenience for local runs.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("config load failed: " + err.Error())
	}
	if *mode != "" {
		cfg.Mode = *mode
		if err := cfg.Validate(); err != nil {
			panic("config validation failed: " + err.Error())
		}
	}

	logger.Init(cfg.Log)
	log := logger.L()
	defer log.Sync()
	log.Info("starting grid risk engine",
		zap.String("mode", cfg.Mode),
		zap.Int("grids", len(cfg.Grids)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retry := exchange.RetryPolicy{
		Attempts:     cfg.RetryAttempts,
		InitialDelay: time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}

	// Exchange: the core is execution-mode-agnostic; paper mode runs the
	// simulated exchange against real streamed prices.
	var ex exchange.Exchange
	var sim *exchange.SimulatedExchange
	if cfg.Mode == "live" {
		apiKey := os.Getenv("BINANCE_API_KEY")
		secretKey := os.Getenv("BINANCE_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			log.Fatal("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set in live mode")
		}
		ex = exchange.NewLiveExchange(apiKey, secretKey, "USDT", cfg.IsTestnet, log)
	} else {
		sim = exchange.NewSimulatedExchange(cfg.PaperBalance)
		ex = sim
	}

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		log.Fatal("opening state store failed", zap.Error(err))
	}
	defer repo.Close()

	trades, err := journal.Open(cfg.JournalPath)
	if err != nil {
		log.Fatal("opening trade journal failed", zap.Error(err))
	}
	defer trades.Close()

	dispatcher := buildAlerts(cfg, log)
	dispatcher.Start()
	defer dispatcher.Stop()

	metrics.Serve(cfg.MetricsAddr, log)

	riskMgr, err := risk.NewRiskManager(cfg.Risk, cfg.Breaker, log)
	if err != nil {
		log.Fatal("building risk manager failed", zap.Error(err))
	}
	if st, err := repo.LoadRiskState(); err != nil {
		log.Fatal("loading risk state failed", zap.Error(err))
	} else if st != nil {
		riskMgr.Restore(*st)
		log.Info("restored risk state",
			zap.Bool("breaker_tripped", st.Breaker.IsTripped),
			zap.Float64("max_drawdown_pct", st.Drawdown.MaxDrawdownPct))
	}
	riskActor := risk.NewActor(riskMgr, log)
	riskActor.Start()
	defer riskActor.Stop()

	wsBase := mainnetWS
	if cfg.IsTestnet {
		wsBase = testnetWS
	}

	var orchestrators []*engine.Orchestrator
	var sources []reporter.StatusSource
	for _, gridCfg := range cfg.Grids {
		o, err := engine.NewOrchestrator(gridCfg, cfg.Risk, ex, riskActor, repo,
			trades, dispatcher, retry, log)
		if err != nil {
			log.Fatal("building orchestrator failed",
				zap.String("symbol", gridCfg.Symbol), zap.Error(err))
		}
		if sim != nil {
			o.EquityFn = func(context.Context) (float64, error) { return sim.Equity(), nil }
			// Paper mode has no price yet; seed one before Initialize runs.
			seedPaperPrice(ctx, sim, wsBase, gridCfg, log)
		}
		if err := o.Start(ctx); err != nil {
			log.Fatal("starting orchestrator failed",
				zap.String("symbol", gridCfg.Symbol), zap.Error(err))
		}
		defer o.Stop()
		orchestrators = append(orchestrators, o)
		sources = append(sources, o)

		runStream(ctx, wsBase, gridCfg.Symbol, sim, o, log)
	}

	rep := reporter.New(sources, riskActor, trades,
		time.Duration(cfg.ReportIntervalSec)*time.Second, log)
	rep.Start()
	defer rep.Stop()

	// Fallback ticks keep fill polling alive through quiet markets.
	go pollTicks(ctx, ex, cfg, orchestrators)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))
	cancel()
}

// buildAlerts wires the log sink plus Telegram when credentials are present.
func buildAlerts(cfg *config.Config, log *zap.Logger) *alert.Dispatcher {
	sinks := []alert.Sink{alert.NewLogSink(log)}
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token != "" && cfg.Alert.TelegramChatID != 0 {
		tg, err := alert.NewTelegramSink(token, cfg.Alert.TelegramChatID)
		if err != nil {
			log.Warn("telegram sink unavailable", zap.Error(err))
		} else {
			sinks = append(sinks, tg)
			log.Info("telegram alerts enabled", zap.Int64("chat_id", cfg.Alert.TelegramChatID))
		}
	}
	return alert.NewDispatcher(sinks, cfg.Alert.BufferSize, log)
}

// seedPaperPrice blocks until the simulated exchange has a first price for
// the symbol, taken from the public aggTrade stream.
func seedPaperPrice(ctx context.Context, sim *exchange.SimulatedExchange, wsBase string, gridCfg models.GridConfig, log *zap.Logger) {
	stream := exchange.NewTickerStream(wsBase, gridCfg.Symbol, log)
	ticks := make(chan exchange.Tick, 1)
	seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	go stream.Run(seedCtx, ticks)
	select {
	case tick := <-ticks:
		sim.SetPrice(gridCfg.Symbol, tick.Price, tick.Time)
		log.Info("seeded paper price",
			zap.String("symbol", gridCfg.Symbol), zap.Float64("price", tick.Price))
	case <-seedCtx.Done():
		// Fall back to the middle of the grid range.
		mid := (gridCfg.LowerPrice + gridCfg.UpperPrice) / 2
		sim.SetPrice(gridCfg.Symbol, mid, time.Now())
		log.Warn("no stream price within timeout, seeding grid midpoint",
			zap.String("symbol", gridCfg.Symbol), zap.Float64("price", mid))
	}
}

// runStream connects the public trade stream to one orchestrator. In paper
// mode each tick also advances the simulated market.
func runStream(ctx context.Context, wsBase, symbol string, sim *exchange.SimulatedExchange, o *engine.Orchestrator, log *zap.Logger) {
	stream := exchange.NewTickerStream(wsBase, symbol, log)
	stream.OnResync = o.RequestReconcile
	ticks := make(chan exchange.Tick, 64)
	go stream.Run(ctx, ticks)
	go func() {
		for {
			select {
			case tick := <-ticks:
				if sim != nil {
					sim.SetPrice(tick.Symbol, tick.Price, tick.Time)
				}
				o.OnTick(tick.Price, tick.Time)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// pollTicks synthesizes ticks from REST prices so order polling continues
// when the stream is silent.
func pollTicks(ctx context.Context, ex exchange.Exchange, cfg *config.Config, orchestrators []*engine.Orchestrator) {
	ticker := time.NewTicker(time.Duration(cfg.TickIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for i, gridCfg := range cfg.Grids {
				price, err := ex.GetPrice(ctx, gridCfg.Symbol)
				if err != nil {
					continue
				}
				orchestrators[i].OnTick(price, time.Now())
			}
		case <-ctx.Done():
			return
		}
	}
}
