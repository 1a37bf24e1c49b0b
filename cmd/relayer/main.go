package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/syscall-sdk/relayer"
	"github.com/syscall-sdk/relayer/clients"
	"github.com/syscall-sdk/relayer/config"
	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/metrics"
	"github.com/syscall-sdk/relayer/server"
	"github.com/syscall-sdk/relayer/store"
	"github.com/syscall-sdk/relayer/utils"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("relayer: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	l, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if z, ok := l.(*logger.ZapLogger); ok {
		defer func() { _ = z.Sync() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rec metrics.Recorder = metrics.NoopRecorder{}
	var metricsHandler http.Handler
	if cfg.EnableMetrics {
		reg := prometheus.NewRegistry()
		prom, err := metrics.NewPrometheusRecorder(reg)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		rec = prom
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	owner, err := clients.NewKeyedSigner(cfg.OwnerPrivateKey)
	if err != nil {
		return fmt.Errorf("owner key: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ChainTimeout)
	chain, err := clients.NewEVMClient(dialCtx, cfg.RPCUrl, cfg.ContractAddress,
		clients.WithSigner(owner),
		clients.WithClientLogger(l.With(map[string]any{"component": "chain"})),
	)
	cancel()
	if err != nil {
		return err
	}

	opts := []relayer.Option{
		relayer.WithLogger(l),
		relayer.WithMetrics(rec),
		relayer.WithVerifyRetries(3, 2*time.Second),
	}
	if cfg.RedisAddr != "" {
		rdb, err := store.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			chain.Close()
			return err
		}
		opts = append(opts,
			relayer.WithStore(store.NewRedisStore(rdb, store.DefaultUsedRetention)),
			relayer.WithQueue(store.NewRedisQueue(rdb)),
		)
		l.Info("using redis authorization store", map[string]any{"addr": cfg.RedisAddr})
	} else {
		l.Warn("using in-memory authorization store; pending authorizations are lost on restart", nil)
	}

	r, err := relayer.New(cfg, chain, opts...)
	if err != nil {
		chain.Close()
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			l.Error("close relayer", map[string]any{"error": err})
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	api := server.New(r,
		server.WithLogger(l.With(map[string]any{"component": "http"})),
		server.WithMetricsHandler(metricsHandler),
		server.WithVersion(relayer.Version),
		server.WithCORSOrigins(cfg.CORSOrigins),
	)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.Info("syscall relayer starting", map[string]any{
		"port":          cfg.Port,
		"chainId":       r.ChainID().String(),
		"contract":      chain.Contract().Hex(),
		"owner":         owner.Address().Hex(),
		"services":      r.Services(),
		"pricingPolicy": cfg.PricingPolicy,
	})

	// The consumption runner outlives the HTTP server so consumptions queued
	// by the last dispatches are still drained.
	runCtx, stopRunner := context.WithCancel(context.Background())
	defer stopRunner()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopRunner()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		waitCtx, cancelWait := context.WithTimeout(context.Background(), cfg.ChainTimeout)
		defer cancelWait()
		if werr := r.WaitDispatches(waitCtx); werr != nil {
			l.Error("ALERT: stopping with dispatches still recording consumption", map[string]any{"error": werr})
		}
		return err
	})
	g.Go(func() error {
		return r.RunConsumptionQueue(runCtx)
	})
	g.Go(func() error {
		watchPayments(gctx, chain, l.With(map[string]any{"component": "watcher"}), rec)
		return nil
	})

	err = g.Wait()
	l.Info("syscall relayer stopped", nil)
	return err
}

// watchPayments logs and counts incoming payments from the current head on.
func watchPayments(ctx context.Context, chain *clients.EVMClient, l logger.Logger, rec metrics.Recorder) {
	head, err := chain.LatestBlock(ctx)
	if err != nil {
		l.Warn("payment watcher disabled", map[string]any{"error": err})
		return
	}

	w := clients.NewWatcher(chain, head, clients.WithConfirmations(1), clients.WithWatcherLogger(l))
	for p, err := range w.Payments(ctx) {
		if err != nil {
			l.Warn("payment poll failed", map[string]any{"error": err, "cursor": w.Cursor()})
			continue
		}
		rec.IncCounter(metrics.PaymentsObserved, map[string]string{"service": p.Service})
		l.Info("payment observed", map[string]any{
			"paymentId": p.Ref(),
			"payer":     p.Payer.Hex(),
			"service":   p.Service,
			"quantity":  p.Quantity.String(),
			"eth":       utils.FormatWei(p.Amount),
		})
	}
}
