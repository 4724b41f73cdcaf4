package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/uhyunpark/youstock/params"
	"github.com/uhyunpark/youstock/pkg/api"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/app/core/transaction"
	"github.com/uhyunpark/youstock/pkg/app/exchange"
	"github.com/uhyunpark/youstock/pkg/crypto"
	"github.com/uhyunpark/youstock/pkg/custody"
	"github.com/uhyunpark/youstock/pkg/events"
	"github.com/uhyunpark/youstock/pkg/metrics"
	"github.com/uhyunpark/youstock/pkg/storage"
	"github.com/uhyunpark/youstock/pkg/util"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (console, plus a file unless LOG_FILE=none)
	level := zapcore.InfoLevel
	if cfg.Node.Verbose {
		level = zapcore.DebugLevel
	}
	var logger *zap.Logger
	if cfg.Node.LogFile == "" {
		logger = util.NewLogger(level)
	} else if logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, level); err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	assets, err := cfg.Registry()
	if err != nil {
		sugar.Fatalw("asset_registry_invalid", "err", err)
	}

	// ---- Storage ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "state"))
	if err != nil {
		sugar.Fatalw("store_open_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "journal.log"))
	if err != nil {
		sugar.Fatalw("journal_open_failed", "err", err)
	}
	defer wal.Close()

	// ---- Metrics ----
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	// ---- Event sinks ----
	hub := api.NewHub(sugar)
	go hub.Run(ctx)

	sinks := events.MultiSink{hub}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kafka := events.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer kafka.Close()
		sinks = append(sinks, kafka)
		sugar.Infow("kafka_sink_enabled", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
	}
	if cfg.Node.Verbose {
		sinks = append(sinks, events.NewLogSink(sugar))
		sugar.Info("verbose logging enabled")
	}

	// ---- Custody ----
	// A configured RPC endpoint means real chain custody; otherwise an
	// in-memory devnet chain that the feeder can also drive.
	var (
		custodian custody.Custodian
		chain     *custody.Chain
	)
	if cfg.Chain.RPCURL != "" {
		key, err := crypto.FromPrivateKeyHex(cfg.Chain.PrivateKey)
		if err != nil {
			sugar.Fatalw("engine_key_invalid", "err", err)
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		eth, err := custody.DialEthCustodian(dialCtx, cfg.Chain.RPCURL, key.PrivateKey(), cfg.Chain.ChainID, sugar)
		cancel()
		if err != nil {
			sugar.Fatalw("custody_dial_failed", "rpc", cfg.Chain.RPCURL, "err", err)
		}
		custodian = eth
		sugar.Infow("custody_chain", "rpc", cfg.Chain.RPCURL, "chain_id", cfg.Chain.ChainID, "engine", eth.Engine().Hex())
	} else {
		chain = custody.NewChain()
		custodian = custody.NewMemoryCustodian(chain, cfg.Chain.Address)
		sugar.Infow("custody_devnet", "engine", cfg.Chain.Address.Hex())
	}

	// ---- Exchange ----
	exCfg := exchange.DefaultConfig()
	exCfg.FeeDivisor = cfg.Engine.FeeDivisor
	exCfg.FillHistory = cfg.Engine.FillHistory
	exCfg.TransferTimeout = cfg.Engine.TransferTimeout
	exCfg.Store = store
	exCfg.Journal = wal
	exCfg.Sink = sinks
	exCfg.Metrics = m
	exCfg.Logger = sugar

	ex, err := exchange.New(custodian, exCfg)
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}
	sugar.Infow("exchange_restored",
		"seq", ex.Seq(),
		"active_orders", ex.ActiveOrders(),
		"pending_withdrawals", len(ex.PendingWithdrawals()),
		"state_hash", ex.StateHash().Hex(),
		"fee_divisor", ex.FeeDivisor(),
	)
	for _, w := range ex.PendingWithdrawals() {
		// needs an operator decision via the admin resolve route
		sugar.Warnw("withdrawal_pending", "id", w.ID, "account", w.Account.Hex(), "asset", w.Asset.String(), "amount", w.Amount.Dec())
	}

	// ---- Transaction Feeder (optional) ----
	// Enable with: ENABLE_FEEDER=true FEEDER_MODE=default|high
	if cfg.Node.EnableFeeder && chain != nil {
		var tokens []asset.Ref
		for _, info := range assets.List() {
			if !info.Ref.IsNative() {
				tokens = append(tokens, info.Ref)
			}
		}
		feederCfg := exchange.DefaultFeederConfig(tokens)
		if cfg.Node.FeederMode == "high" {
			feederCfg = exchange.HighLoadConfig(tokens)
		}
		sugar.Infow("feeder_enabled", "mode", cfg.Node.FeederMode, "tokens", len(tokens))
		cancelFeeder := exchange.StartFeeder(ctx, exchange.NewFeeder(ex, chain, cfg.Chain.Address, feederCfg))
		defer cancelFeeder()
	} else if cfg.Node.EnableFeeder {
		sugar.Warn("feeder_disabled - only available with the devnet chain")
	}

	// ---- API Server ----
	verifier := transaction.NewVerifier(cfg.Domain)
	apiServer := api.NewServer(ex, verifier, assets, hub, api.Config{
		CORSOrigins: cfg.API.CORSOrigins,
		AdminToken:  cfg.API.AdminToken,
		Metrics:     m,
		Registry:    registry,
		Logger:      sugar,
	})

	sugar.Infow("node_starting",
		"api_addr", cfg.API.Addr,
		"assets", assets.Count(),
		"domain", cfg.Domain.Name,
		"chain_id", cfg.Domain.ChainID,
		"admin_routes", cfg.API.AdminToken != "",
	)
	if err := apiServer.Start(ctx, cfg.API.Addr); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
	}
	sugar.Infow("node_stopped", "seq", ex.Seq())
}
