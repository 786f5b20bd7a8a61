package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"HedgeEngine/internal/chain"
	"HedgeEngine/internal/compiler"
	"HedgeEngine/internal/config"
	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/funding"
	"HedgeEngine/internal/lp"
	"HedgeEngine/internal/notify"
	"HedgeEngine/internal/observability"
	"HedgeEngine/internal/oracle"
	"HedgeEngine/internal/persistence"
	"HedgeEngine/internal/redemption"
	"HedgeEngine/internal/settlement"
	"HedgeEngine/internal/treasury"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to config file")
	flag.Parse()

	// Local development convenience; absent in production.
	_ = godotenv.Load()

	log := observability.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := persistence.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConnections)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect")
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	store := persistence.NewStore(db)

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Boundaries ---
	node := chain.NewRPCClient(cfg.Chain.RPCURL, cfg.Chain.Timeout, metrics)
	comp := compiler.NewHTTPAdapter(cfg.Compiler.BaseURL, cfg.Compiler.Timeout)
	lpClient := lp.NewHTTPClient(cfg.LP.BaseURL, cfg.LP.Timeout, metrics)

	// --- Notifications ---
	var notifier notify.Publisher = notify.Noop{}
	if cfg.NATS.Enabled {
		nc, js, err := notify.Connect(cfg.NATS.Endpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		if err := notify.EnsureStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure notification stream")
		}
		notifier = notify.NewJetStreamPublisher(js, metrics)
		log.Info().Msg("nats connected")
	}

	// --- Components ---
	relay := oracle.NewRelayClient(cfg.Oracle.RelayURL, cfg.Oracle.RelayWSURL, cfg.Oracle.Timeout)
	ingest := oracle.NewIngest(relay, store, cfg.Oracle.Pubkeys, cfg.Oracle.PollInterval, metrics)

	funder := funding.NewCoordinator(store, comp, node, notifier, cfg.Funding.FeeAddress, metrics)
	matcher := funding.NewMatcher(store, comp, notifier, cfg.Funding.ContractVersion)

	engine := settlement.NewEngine(store, comp, node, notifier, metrics)
	engine.SetHistory(ingest)

	worker, err := redemption.NewWorker(store, node, store, notifier, cfg.Redemption.PoolSize, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("create redemption worker")
	}

	errChan := make(chan error, 8)

	go func() { errChan <- ingest.Run(ctx, health) }()
	if cfg.Oracle.Stream {
		for _, pubkey := range cfg.Oracle.Pubkeys {
			pubkey := pubkey
			go ingest.RunStream(ctx, relay, pubkey)
		}
	}

	go func() { errChan <- engine.Run(ctx, cfg.Settlement.ScanInterval, health) }()
	go func() { errChan <- matcher.Run(ctx, cfg.Oracle.Pubkeys, cfg.Funding.MatchInterval, health) }()
	go func() { errChan <- worker.Run(ctx, health) }()

	if cfg.Treasury.Enabled {
		wallet := treasury.NewProxyWallet(node, comp,
			treasuryKey(cfg.Treasury),
			cfg.Treasury.TreasuryAddress, cfg.Treasury.ProxyAddress, cfg.Treasury.WIF)
		params := treasuryParams(cfg.Treasury, cfg.Funding.ContractVersion)
		manager := treasury.NewManager(params, wallet, lpClient, comp, funder, store, metrics)
		go func() { errChan <- manager.Run(ctx, cfg.Treasury.Interval, health) }()
	}

	// --- Metrics + health servers ---
	go serveHTTP(ctx, errChan, cfg.Engine.MetricsAddr, metricsMux())
	go serveHTTP(ctx, errChan, cfg.Engine.HealthAddr, healthMux(health))

	health.SetReady(true)
	log.Info().
		Str("metrics", cfg.Engine.MetricsAddr).
		Str("health", cfg.Engine.HealthAddr).
		Msg("hedge engine ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	health.SetReady(false)
	cancel()
	time.Sleep(2 * time.Second) // let in-flight broadcasts finish
	log.Info().Msg("shutdown complete")
}

func treasuryKey(t config.Treasury) contract.WalletKey {
	return contract.WalletKey{
		WalletHash:    t.WalletHash,
		Pubkey:        t.Pubkey,
		PayoutAddress: t.PayoutAddress,
	}
}

func treasuryParams(t config.Treasury, contractVersion string) treasury.Params {
	params := treasury.DefaultParams()
	params.OraclePubkey = t.OraclePubkey
	params.ContractVersion = contractVersion
	if t.DurationSeconds > 0 {
		params.DurationSeconds = t.DurationSeconds
	}
	if t.LowMultiplier > 0 {
		params.LowMultiplier = t.LowMultiplier
	}
	if t.HighMultiplier > 0 {
		params.HighMultiplier = t.HighMultiplier
	}
	if t.PremiumReserveFraction > 0 {
		params.PremiumReserveFraction = t.PremiumReserveFraction
	}
	if t.MaxFeeFraction > 0 {
		params.MaxFeeFraction = t.MaxFeeFraction
	}
	if t.MinShortSatoshis > 0 {
		params.MinShortSatoshis = t.MinShortSatoshis
	}
	params.MultisigRedeemScript = t.MultisigRedeemScript
	if t.SignatureQuorum > 0 {
		params.SignatureQuorum = t.SignatureQuorum
	}
	return params
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func healthMux(health *observability.HealthChecker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)
	return mux
}

func serveHTTP(ctx context.Context, errChan chan<- error, addr string, mux *http.ServeMux) {
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- err
	}
}
