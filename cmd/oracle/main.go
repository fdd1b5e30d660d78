package main

import (
	"context"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"gomicropay/EVMRPC"
	"gomicropay/EVMRPC/payment"
	"gomicropay/SWAPRPC"
	"gomicropay/config"
	"gomicropay/logging"
	"gomicropay/settlement"
	"gomicropay/store"
	"gomicropay/types"
	"gomicropay/workers"
	"gomicropay/workers/handlers"
)

// tokenBalance reports what the oracle account holds of the settlement token.
type tokenBalance struct {
	ledger   *EVMRPC.Ledger
	contract payment.Contract
}

func (b tokenBalance) Balance(ctx context.Context) (string, *big.Int, error) {
	account := b.ledger.Address()
	balance, err := b.contract.BalanceOf(ctx, b.ledger, account)
	return account.Hex(), balance, err
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg := config.Init(envOr("CONFIG_FILE", "config.yml"))

	log, err := logging.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	undo := zap.RedirectStdLog(log)
	defer undo()

	log.Info("Starting swap-to-unlock oracle",
		zap.String("protocol", cfg.Oracle.Protocol),
		zap.String("store", cfg.Store.Backend),
		zap.Duration("poll_interval", cfg.Oracle.PollInterval))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// without persistence do not continue
	swapStore, err := store.Open(cfg, log.Named("store"))
	if err != nil {
		log.Error("error opening swap store", zap.Error(err))
		os.Exit(2)
	}
	defer swapStore.Close()

	ready := func(ctx context.Context) error {
		_, err := swapStore.LoadAll(ctx)
		return err
	}
	if rs, ok := swapStore.(*store.RedisStore); ok {
		if err := rs.Ping(ctx); err != nil {
			log.Error("error connecting to redis", zap.Error(err))
			os.Exit(2)
		}
		ready = rs.Ping
	}

	ledger, err := EVMRPC.NewLedger(EVMRPC.LedgerConfig{
		RPCList:          cfg.EVM.RPCList,
		ChainID:          cfg.EVM.ChainID,
		PrivateKey:       cfg.EVM.PrivateKey,
		AccountAddress:   cfg.EVM.AccountAddress,
		GasLimit:         cfg.EVM.GasLimit,
		MinConfirmations: cfg.EVM.MinConfirmations,
		FinalityTimeout:  cfg.EVM.FinalityTimeout,
		Log:              log.Named("ledger"),
	})
	if err != nil {
		log.Error("error creating ledger client", zap.Error(err))
		os.Exit(2)
	}
	if err := ledger.Ping(ctx); err != nil {
		log.Error("error reaching destination ledger", zap.Error(err))
		os.Exit(2)
	}
	log.Info("oracle account", zap.String("signer", ledger.Signer().Hex()), zap.String("account", ledger.Address().Hex()))

	executor := settlement.FromConfig(cfg, ledger, log.Named("settlement"))

	atomiq := SWAPRPC.NewAtomiqClient(SWAPRPC.AtomiqConfig{
		Endpoint:  cfg.SwapProvider.Endpoint,
		APIKey:    cfg.SwapProvider.APIKey,
		FromToken: cfg.SwapProvider.FromToken,
		ToToken:   cfg.SwapProvider.ToToken,
		RPS:       cfg.SwapProvider.RPS,
	})
	sources := map[string]workers.StatusSource{
		types.ProviderAtomiq: atomiq,
	}
	api := &handlers.API{
		Swaps:    atomiq,
		Catalog:  cfg.Catalog,
		Protocol: cfg.Oracle.Protocol,
		Treasury: ledger.Address().Hex(),
		Decimals: 18,
		Log:      log.Named("api"),
		Ready:    ready,
	}
	if cfg.Cashu.MintURL != "" {
		cashu := SWAPRPC.NewCashuClient(cfg.Cashu.MintURL, cfg.Cashu.RPS)
		sources[types.ProviderCashu] = cashu
		api.Quotes = cashu
	}
	if cfg.EVM.TokenContract != "" {
		api.Balance = tokenBalance{
			ledger:   ledger,
			contract: payment.New(cfg.EVM.PaymentContract, cfg.EVM.TokenContract),
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := workers.NewMetrics(registry)

	reconciler := workers.NewReconciler(swapStore, sources, executor, cfg.Oracle.PollInterval, log.Named("reconcile"), metrics)
	api.Records = reconciler

	// there are 2 worker threads:
	// * reconcile pending swaps against the providers and settle them
	// * API serving HTTP server (serves as main worker thread)
	done := make(chan struct{})
	go func() {
		defer close(done)
		workers.Worker_reconcile(ctx, reconciler)
	}()

	if err := workers.Worker_HTTP(ctx, cfg, workers.NewRouter(api, registry), log.Named("http")); err != nil {
		log.Error("HTTP service failed", zap.Error(err))
		stop()
		<-done
		log.Sync()
		os.Exit(2)
	}
	<-done
	log.Info("oracle stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
