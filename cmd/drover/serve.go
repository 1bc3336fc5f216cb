package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine until interrupted",
	Long: `Serve starts the engine with the agents from configuration, launches
the background loops (dispatch, health probing, retention cleanup), and
optionally exposes Prometheus metrics. Tasks are submitted with
"drover submit" or through the engine's library API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		eng, cleanup, err := buildEngine(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := eng.Start(ctx); err != nil {
			return err
		}
		defer eng.Stop()

		if cfg.Metrics.ListenAddr != "" {
			go serveMetrics(cfg.Metrics.ListenAddr)
		}
		if configPath != "" {
			if err := config.Watch(configPath, eng.ApplyConfig); err != nil {
				log.Printf("config watch disabled: %v", err)
			}
		}

		fmt.Printf("drover engine running with %d agents (ctrl-c to stop)\n", len(eng.Agents()))
		<-ctx.Done()
		fmt.Println("shutting down")
		return nil
	},
}

// serveMetrics exposes the default Prometheus registry.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics listener failed: %v", err)
	}
}
