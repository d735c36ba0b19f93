package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"payflow/agreement"
	"payflow/auth"
	"payflow/config"
	"payflow/db"
	"payflow/dispute"
	"payflow/host"
	"payflow/ledger"
	"payflow/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "payflow",
		Short:         "Payment agreement ledger: payroll, escrow and milestone claims",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "payflow.yaml", "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (postgres backend)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg)
		},
	})
	return root
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func migrate(ctx context.Context, cfg config.Config) error {
	if cfg.Backend != config.BackendPostgres {
		return fmt.Errorf("migrate: backend %q manages its own schema", cfg.Backend)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.WithMaxConns(1))
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		return err
	}
	log.Info("migrations applied", zap.Strings("versions", applied))
	return nil
}

// backend opens the store named by cfg and the account repository that
// goes with it.
func backend(ctx context.Context, cfg config.Config) (store.Backend, auth.Repository, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.WithMaxConns(cfg.MaxConns), db.WithMaxConnIdleTime(5*time.Minute))
		if err != nil {
			return nil, nil, nil, err
		}
		if _, err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return store.NewPostgres(pool), auth.NewRepository(pool), pool.Close, nil
	case config.BackendSQLite:
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, auth.NewMemoryRepository(), func() { _ = s.Close() }, nil
	default:
		return store.NewMemory(), auth.NewMemoryRepository(), func() {}, nil
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	b, accounts, closeBackend, err := backend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap backend: %w", err)
	}
	defer closeBackend()

	metrics, err := host.NewMetrics(otel.Meter("payflow"))
	if err != nil {
		return fmt.Errorf("bootstrap metrics: %w", err)
	}
	h := host.New(b,
		host.WithLogger(log),
		host.WithOracle(auth.ContextOracle{}),
		host.WithContractAddress(ledger.Address(cfg.ContractAddress)),
		host.WithMetrics(metrics),
	)
	policy, err := agreement.ParseBatchPolicy(cfg.PayrollBatchPolicy)
	if err != nil {
		return err
	}
	agreements := agreement.NewService(h, agreement.WithPayrollBatchPolicy(policy))
	disputes := dispute.NewService(h)
	if err := bootstrapSettings(ctx, h, disputes, cfg); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           NewServer(log, auth.NewService(accounts, cfg.JWTSecret), h, agreements, disputes).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.ListenAddr), zap.String("backend", string(cfg.Backend)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// bootstrapSettings writes the configured owner and arbiter on first start.
// The operator's config stands in for their signatures.
func bootstrapSettings(ctx context.Context, h *host.Host, disputes *dispute.Service, cfg config.Config) error {
	if cfg.Owner == "" {
		return nil
	}
	owner := ledger.Address(cfg.Owner)
	signed := auth.WithSigners(ctx, owner)

	settings, err := h.Settings(ctx)
	switch {
	case errors.Is(err, ledger.ErrNotInitialized):
		if err := h.Initialize(signed, owner); err != nil {
			return fmt.Errorf("initialize owner: %w", err)
		}
	case err != nil:
		return err
	case settings.Owner != owner:
		return fmt.Errorf("configured owner %s does not match ledger owner %s", owner, settings.Owner)
	}

	if cfg.Arbiter == "" || !settings.Arbiter.IsZero() {
		return nil
	}
	if err := disputes.SetArbiter(signed, owner, ledger.Address(cfg.Arbiter)); err != nil {
		return fmt.Errorf("set arbiter: %w", err)
	}
	return nil
}
