package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/pulsebeam/pkg/attribution"
	"github.com/cuemby/pulsebeam/pkg/events"
	"github.com/cuemby/pulsebeam/pkg/ingest"
	"github.com/cuemby/pulsebeam/pkg/log"
	"github.com/cuemby/pulsebeam/pkg/metrics"
	"github.com/cuemby/pulsebeam/pkg/ratelimit"
	"github.com/cuemby/pulsebeam/pkg/tenant"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pulsebeam-server",
	Short:   "Pulsebeam ingestion server",
	Long:    `Pulsebeam accepts endpoint telemetry from agents, over both a stream channel and an HTTP fallback, and attributes it to tenants and users.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pulsebeam-server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("addr", ":8443", "Address to serve ingestion traffic on")
	serveCmd.Flags().String("data-dir", "./data", "Directory for the tenant store database")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics, /health, /ready, /live on")

	createTenantCmd.Flags().String("data-dir", "./data", "Directory for the tenant store database")
	createTenantCmd.Flags().String("name", "", "Display name for the new tenant")
	createTenantCmd.Flags().String("contact-email", "", "Contact email for the new tenant")
	_ = createTenantCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createTenantCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := tenant.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open tenant store: %w", err)
		}
		defer store.Close()
		metrics.RegisterComponent("tenant_store", true, "opened")

		limiter := ratelimit.New()
		metrics.RegisterComponent("ratelimit", true, "ready")

		attr := attribution.New(store)
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		endpoint := ingest.New(store, limiter, attr, broker)

		collector := metrics.NewCollector(store, limiter, nil)
		collector.Start()
		defer collector.Stop()
		metrics.SetVersion(Version)

		httpSrv := &http.Server{
			Addr:    addr,
			Handler: buildHandler(endpoint),
		}

		metricsSrv := &http.Server{Addr: metricsAddr}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsMux.Handle("/health", metrics.HealthHandler())
		metricsMux.Handle("/ready", metrics.ReadyHandler())
		metricsMux.Handle("/live", metrics.LivenessHandler())
		metricsSrv.Handler = metricsMux

		errCh := make(chan error, 2)
		go func() {
			log.Info("ingestion server listening on " + addr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		go func() {
			log.Info("metrics server listening on " + metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			log.Errorf("server error", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
		_ = metricsSrv.Shutdown(ctx)
		return nil
	},
}

func buildHandler(endpoint *ingest.Endpoint) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", endpoint.Router())
	mux.HandleFunc("/stream", endpoint.ServeStream)
	return mux
}

var createTenantCmd = &cobra.Command{
	Use:   "create-tenant",
	Short: "Create a tenant and print its api key",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		name, _ := cmd.Flags().GetString("name")
		contactEmail, _ := cmd.Flags().GetString("contact-email")

		store, err := tenant.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open tenant store: %w", err)
		}
		defer store.Close()

		t, err := tenant.NewTenant(name, contactEmail)
		if err != nil {
			return fmt.Errorf("failed to build tenant: %w", err)
		}
		if err := store.CreateTenant(t.ID, t); err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		}

		fmt.Printf("Tenant created:\n  ID:      %s\n  API Key: %s\n", t.ID, t.APIKey)
		return nil
	},
}
