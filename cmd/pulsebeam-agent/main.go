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

	"github.com/cuemby/pulsebeam/pkg/config"
	"github.com/cuemby/pulsebeam/pkg/dedup"
	"github.com/cuemby/pulsebeam/pkg/health"
	"github.com/cuemby/pulsebeam/pkg/log"
	"github.com/cuemby/pulsebeam/pkg/metrics"
	"github.com/cuemby/pulsebeam/pkg/queue"
	"github.com/cuemby/pulsebeam/pkg/sampler"
	"github.com/cuemby/pulsebeam/pkg/shipper"
	"github.com/cuemby/pulsebeam/pkg/transport"
	"github.com/cuemby/pulsebeam/pkg/types"
)

// Exit codes per spec §6.
const (
	exitOK             = 0
	exitConfigError    = 2
	exitUnauthenticated = 3
	exitUnreachable    = 4
	exitInternal       = 5
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInternal)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pulsebeam-agent",
	Short:   "Pulsebeam endpoint agent",
	Long:    `Pulsebeam samples local endpoint activity, de-duplicates it, buffers it durably, and ships it to a Pulsebeam ingestion server.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pulsebeam-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "./pulsebeam-agent.yaml", "Path to the agent configuration file")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory for the durable queue database")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	drainCmd.Flags().Duration("timeout", 30*time.Second, "Maximum time to wait for the queue to drain")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(testConnectionCmd)
	rootCmd.AddCommand(showQueueCmd)
	rootCmd.AddCommand(drainCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func loadConfig(cmd *cobra.Command) (*config.Agent, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadAgent(path)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sampler, dedup, queue, and shipper loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			os.Exit(exitConfigError)
		}
		dataDir, _ := cmd.Flags().GetString("data-dir")

		q, err := queue.Open(dataDir,
			queue.WithSoftCap(cfg.QueueSoftCap, cfg.QueuePruneThreshold),
			queue.WithRetryCeiling(cfg.RetryCeiling))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open queue: %v\n", err)
			os.Exit(exitInternal)
		}
		defer q.Close()

		mux := transport.New(transport.Config{
			APIURL:               cfg.APIURL,
			APIKey:               cfg.APIKey,
			StreamReconnectProbe: cfg.StreamReconnectProbe(),
		})

		dd := dedup.NewWithConfig(cfg.SuppressionWindow(), dedup.DefaultMaxEntries)
		out := make(chan types.Event, 256)
		smp := sampler.New(sampler.Config{
			SamplePeriod:         cfg.SamplePeriod(),
			NetworkPeriod:        cfg.NetworkPeriod(),
			ApplicationAllowList: cfg.ApplicationAllowList,
		}, sampler.NullProber{}, dd, out)

		ship := shipper.New(q, mux, smp)
		ship.SetPacing(cfg.HTTPPacing())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go runSupervisor(ctx, mux)
		go runSampler(ctx, smp, q, out)
		go ship.Run(ctx)

		configPath, _ := cmd.Flags().GetString("config")
		stopWatch, err := config.WatchAgent(configPath, func(next *config.Agent) {
			applyConfigReload(next, smp, dd, ship)
		})
		if err != nil {
			log.Error("agent: config hot-reload disabled: " + err.Error())
		} else {
			defer stopWatch()
		}

		metricsSrv := &http.Server{Addr: "127.0.0.1:9091"}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsSrv.Handler = metricsMux
		go func() { _ = metricsSrv.ListenAndServe() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Info("agent shutting down")

		cancel()
		mux.Teardown()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = metricsSrv.Shutdown(shCtx)
		return nil
	},
}

// applyConfigReload pushes a hot-reloaded config into the running
// sampler, deduplicator, and shipper. The transport's APIURL/APIKey and
// the queue's soft-cap/retry-ceiling are deliberately left alone: those
// require a fresh connection or a reopened database, which a live
// reload should not attempt to do behind the running loops' backs.
func applyConfigReload(cfg *config.Agent, smp *sampler.Sampler, dd *dedup.Deduplicator, ship *shipper.Loop) {
	smp.UpdateConfig(sampler.Config{
		SamplePeriod:         cfg.SamplePeriod(),
		NetworkPeriod:        cfg.NetworkPeriod(),
		ApplicationAllowList: cfg.ApplicationAllowList,
	})
	dd.SetWindow(cfg.SuppressionWindow())
	ship.SetPacing(cfg.HTTPPacing())
	log.Info("agent: applied reloaded configuration")
}

// runSupervisor keeps the transport connected, honoring its backoff
// and reconnect-probe timers.
func runSupervisor(ctx context.Context, mux *transport.Multiplexer) {
	enteredHTTPOnly := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		switch mux.State() {
		case transport.Disconnected, transport.Connecting:
			if err := mux.Connect(ctx); err != nil {
				log.Error("agent: connect failed: " + err.Error())
				select {
				case <-ctx.Done():
					return
				case <-time.After(mux.NextBackoff()):
				}
			}
		case transport.HTTPOnly:
			if mux.ShouldProbeStream(time.Since(enteredHTTPOnly)) {
				if err := mux.Connect(ctx); err != nil {
					enteredHTTPOnly = time.Now()
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		default:
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// runSampler drives the sampler's Run loop and enqueues whatever it
// emits, bridging C1 to C3.
func runSampler(ctx context.Context, smp *sampler.Sampler, q *queue.Queue, out <-chan types.Event) {
	go smp.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-out:
			if _, err := q.Enqueue(evt); err != nil {
				log.Error("agent: enqueue failed: " + err.Error())
			}
		}
	}
}

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Probe the configured ingestion endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			os.Exit(exitConfigError)
		}

		checker := health.NewHTTPChecker(cfg.APIURL + "/health")
		result := checker.Check(context.Background())
		if !result.Healthy {
			fmt.Fprintf(os.Stderr, "unreachable: %s\n", result.Message)
			os.Exit(exitUnreachable)
		}
		fmt.Printf("reachable: %s (%v)\n", result.Message, result.Duration)
		return nil
	},
}

var showQueueCmd = &cobra.Command{
	Use:   "show-queue",
	Short: "Report pending and dead-letter counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		q, err := queue.Open(dataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open queue: %v\n", err)
			os.Exit(exitInternal)
		}
		defer q.Close()

		fmt.Printf("pending: %d\n", q.Size())
		fmt.Printf("dead-letter: %d\n", q.DeadLetterSize())
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Flush the durable queue and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			os.Exit(exitConfigError)
		}
		dataDir, _ := cmd.Flags().GetString("data-dir")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		q, err := queue.Open(dataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open queue: %v\n", err)
			os.Exit(exitInternal)
		}
		defer q.Close()

		mux := transport.New(transport.Config{APIURL: cfg.APIURL, APIKey: cfg.APIKey})
		ship := shipper.New(q, mux, nil)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := mux.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "unreachable: %v\n", err)
			os.Exit(exitUnreachable)
		}

		go ship.Run(ctx)
	wait:
		for q.Size() > 0 {
			select {
			case <-ctx.Done():
				break wait
			case <-time.After(250 * time.Millisecond):
			}
		}
		cancel()
		mux.Teardown()

		fmt.Printf("drained; %d events remain pending\n", q.Size())
		return nil
	},
}
