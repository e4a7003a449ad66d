package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sardislabs/sardisd/internal/di"
)

// holdSweepInterval is how often the daemon looks for expired holds.
const holdSweepInterval = time.Minute

// shutdownTimeout bounds graceful HTTP shutdown and service teardown.
const shutdownTimeout = 10 * time.Second

// startCmd represents the start command (default action)
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Sardis payment daemon",
	Long: `Start sardisd: open the ledger journal, reload persisted policies,
webhook subscriptions and holds, then deliver events and serve the
websocket stream and metrics endpoints until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	// Start is the default command when no subcommand is given.
	rootCmd.RunE = startCmd.RunE
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	provider, err := di.DefaultContainer(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Relational storage first: every reload below reads from it.
	storage, err := provider.Storage()
	if err != nil {
		return err
	}
	if storage != nil {
		if err := storage.Start(ctx); err != nil {
			return fmt.Errorf("start relational storage: %w", err)
		}
	}

	engine, err := provider.Ledger()
	if err != nil {
		return err
	}
	orch, err := provider.Orchestrator()
	if err != nil {
		return err
	}
	hooks, err := provider.Webhooks()
	if err != nil {
		return err
	}
	policies, err := provider.Policies()
	if err != nil {
		return err
	}
	stream, err := provider.Stream()
	if err != nil {
		return err
	}
	mtr, err := provider.Metrics()
	if err != nil {
		return err
	}

	// Reload persisted state before anything serves or delivers.
	if err := policies.LoadFromStore(ctx); err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	if err := hooks.Registry().LoadFromStore(ctx); err != nil {
		return fmt.Errorf("load webhook subscriptions: %w", err)
	}
	restored, err := orch.RestoreHolds(ctx)
	if err != nil {
		return fmt.Errorf("restore holds: %w", err)
	}
	if restored > 0 {
		logger.Info("active holds restored", zap.Int("count", restored))
	}

	group, runCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return hooks.Run(runCtx)
	})

	group.Go(func() error {
		orch.RunHoldSweeper(runCtx, holdSweepInterval)
		return nil
	})

	if interval := cfg.Ledger.CheckpointInterval; interval > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return nil
				case <-ticker.C:
					if _, err := engine.CreateCheckpoint(); err != nil {
						logger.Error("scheduled checkpoint failed", zap.Error(err))
					}
				}
			}
		})
	}

	if stream != nil {
		mux := http.NewServeMux()
		mux.Handle("/ws", stream)
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok","service":"sardisd"}`))
		})
		serveHTTP(runCtx, group, logger, "stream", &http.Server{
			Addr:    cfg.Stream.Listen,
			Handler: mux,
		})
	}

	if mtr != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mtr.Handler())
		serveHTTP(runCtx, group, logger, "metrics", &http.Server{
			Addr:    cfg.Metrics.Listen,
			Handler: mux,
		})
	}

	if !quiet {
		fmt.Printf("sardisd %s started\n", rootCmd.Version)
		fmt.Printf("  data dir:     %s\n", cfg.Node.DataDir)
		fmt.Printf("  ledger:       %s\n", cfg.Ledger.Backend)
		if stream != nil {
			fmt.Printf("  event stream: ws://%s/ws\n", cfg.Stream.Listen)
		}
		if mtr != nil {
			fmt.Printf("  metrics:      http://%s/metrics\n", cfg.Metrics.Listen)
		}
	}
	logger.Info("sardisd started",
		zap.String("data_dir", cfg.Node.DataDir),
		zap.String("ledger_backend", cfg.Ledger.Backend))

	err = group.Wait()
	stop()

	logger.Info("shutting down")

	// Let in-flight settlement submissions finish before closing stores.
	orch.WaitSettlements()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := provider.Close(closeCtx); cerr != nil && err == nil {
		err = cerr
	}

	logger.Info("sardisd stopped")
	return err
}

// serveHTTP runs an HTTP server under the group and shuts it down when
// the context ends.
func serveHTTP(ctx context.Context, group *errgroup.Group, logger *zap.Logger, name string, srv *http.Server) {
	group.Go(func() error {
		logger.Info("http listener started",
			zap.String("server", name),
			zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s listener: %w", name, err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
