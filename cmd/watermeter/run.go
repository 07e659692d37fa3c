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

	"github.com/jgoulah/watermeter/internal/config"
	"github.com/jgoulah/watermeter/internal/database"
	"github.com/jgoulah/watermeter/internal/metrics"
	"github.com/jgoulah/watermeter/internal/poller"
	"github.com/jgoulah/watermeter/internal/publisher"
	"github.com/jgoulah/watermeter/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll all paired devices until interrupted",
	Long: `Starts one poller per paired device. Each poller authenticates, publishes
the most recent reading and refreshes it every poll_interval. Devices paired,
renamed, re-credentialed or removed by other commands are picked up within a
minute. Stops on SIGINT or SIGTERM.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// newSink returns the database plus the configured publisher, if any. The
// returned publisher may be nil.
func newSink(cfg *config.Config, logger *zap.Logger, db *database.DB) (poller.Sink, *publisher.Publisher, error) {
	pub, err := publisher.New(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating publisher: %w", err)
	}
	if !pub.Enabled() {
		return db, nil, nil
	}
	return poller.MultiSink{db, pub}, pub, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Run started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, logger, db, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices, err := db.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("⚠ No devices paired yet, waiting for 'watermeter pair'")
	}

	sink, pub, err := newSink(cfg, logger, db)
	if err != nil {
		return err
	}
	if pub != nil {
		defer pub.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{
			Addr:              cfg.GetMetricsListen(),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	sup := poller.NewSupervisor(db, func(d models.Device) *poller.Poller {
		return newPoller(cfg, logger, db, sink, m, d, pub != nil)
	}, logger)
	g.Go(func() error {
		return sup.Run(ctx, poller.DefaultSyncInterval)
	})

	fmt.Printf("✓ Polling %d device(s) every %s\n", len(devices), cfg.GetPollInterval())

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Println("Stopped")
	return nil
}
