// Command smurf-loadgen benchmarks a SmurfStorage server and writes the merged client latency
// histogram.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"smurf-rpc/client"
	"smurf-rpc/config"
	"smurf-rpc/demo"
	"smurf-rpc/loadbalance"
	"smurf-rpc/loadgen"
	"smurf-rpc/logger"
	"smurf-rpc/message"
	"smurf-rpc/middleware"
	"smurf-rpc/registry"
)

var configPath string

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"ip":              "client.ip",
	"port":            "client.port",
	"test-case":       "client.test_case",
	"req-num":         "client.req_num",
	"concurrency":     "client.concurrency",
	"shards":          "client.shards",
	"call-timeout":    "client.call_timeout",
	"dial-timeout":    "client.dial_timeout",
	"failure-policy":  "client.failure_policy",
	"allow-partial":   "client.allow_partial",
	"retries":         "client.retries",
	"retry-backoff":   "client.retry_backoff",
	"compression":     "client.compression",
	"memory-bytes":    "client.memory_bytes",
	"memory-fraction": "client.memory_fraction",
	"output":          "client.output",
	"balancer":        "client.balancer",
	"registry":        "registry.endpoints",
	"metrics-addr":    "metrics.addr",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "smurf-loadgen",
	Short:         "Drive a SmurfStorage server with fixed load and record client latency",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runLoad,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML config file")
	f.String("ip", "127.0.0.1", "ip to connect to")
	f.Int("port", 20776, "port of the service")
	f.Int("test-case", 1, "1: large payload, 2: complex struct")
	f.Int("req-num", 1000, "number of requests per concurrent connection")
	f.Int("concurrency", 10, "connections per shard")
	f.Int("shards", 0, "number of shards (0 = one per CPU)")
	f.Duration("call-timeout", 10*time.Second, "deadline of a single call")
	f.Duration("dial-timeout", 5*time.Second, "deadline of a single dial")
	f.String("failure-policy", "continue", "what a connection does after a failed call: continue or abort")
	f.Bool("allow-partial", false, "keep the samples of healthy shards when others fail")
	f.Int("retries", 0, "extra attempts for a call that lost its connection or timed out")
	f.Duration("retry-backoff", 10*time.Millisecond, "delay before the first retry, doubled each attempt")
	f.String("compression", "none", "request compression: none, disabled, zstd or lz4")
	f.Int64("memory-bytes", 0, "per-shard memory for in-flight payloads (0 = unbounded)")
	f.Float64("memory-fraction", 0.9, "share of memory-bytes usable by in-flight payloads")
	f.String("output", "clients_latency.hgrm", "histogram output file")
	f.String("balancer", "round_robin", "instance picker when using a registry: round_robin, weighted_random or consistent_hash")
	f.StringSlice("registry", nil, "etcd endpoints; when set the server is discovered instead of dialed at ip:port")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-format", "json", "log format (json, text)")
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, config.FlagOverrides(cmd.Flags(), flagKeys))
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	gen, err := demo.Generator(cfg.Client.TestCase)
	if err != nil {
		return err
	}
	policy, err := loadgen.ParseFailurePolicy(cfg.Client.FailurePolicy)
	if err != nil {
		return err
	}
	compression, err := message.ParseCompression(cfg.Client.Compression)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var clientOpts []client.Option
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		clientOpts = append(clientOpts, client.WithMiddleware(middleware.MetricsMiddleware(reg, "client")))
		shutdown := serveMetrics(cfg.Metrics.Addr, reg, log)
		defer shutdown()
	}

	if cfg.Client.Retries > 0 {
		clientOpts = append(clientOpts, client.WithMiddleware(
			middleware.RetryMiddleware(cfg.Client.Retries, cfg.Client.RetryBackoff, client.Retryable, log)))
	}

	addr := cfg.Client.Address()
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, log)
		if err != nil {
			return fmt.Errorf("failed to connect to registry: %w", err)
		}
		defer reg.Close()
		bal, err := loadbalance.New(cfg.Client.Balancer)
		if err != nil {
			return err
		}
		clientOpts = append(clientOpts, client.WithRegistry(reg, bal))
		addr = ""
	}

	ctrl := loadgen.NewController(loadgen.ControllerConfig{
		Shards:       cfg.Client.Shards,
		AllowPartial: cfg.Client.AllowPartial,
		Generator: loadgen.Config{
			ServerAddress: addr,
			Service:       demo.SmurfStorageDescriptor,
			RequestCount:  cfg.Client.RequestCount,
			Concurrency:   cfg.Client.Concurrency,
			MemoryBudget:  cfg.Client.MemoryBudget(),
			Compression:   compression,
			CallTimeout:   cfg.Client.CallTimeout,
			DialTimeout:   cfg.Client.DialTimeout,
			FailurePolicy: policy,
			ClientOptions: clientOpts,
		},
	}, demo.NewSmurfStorageClient, log)

	log.Info("load args",
		zap.String("server", cfg.Client.Address()),
		zap.Strings("registry", cfg.Registry.Endpoints),
		zap.Int("test_case", cfg.Client.TestCase),
		zap.Int("req_num", cfg.Client.RequestCount),
		zap.Int("concurrency", cfg.Client.Concurrency),
		zap.Int("shards", ctrl.Shards()),
		zap.Int64("memory_budget", cfg.Client.MemoryBudget()),
		zap.Stringer("compression", compression))

	report, err := ctrl.Run(ctx, gen, demo.CallGet)
	if err != nil {
		return err
	}
	for _, res := range report.Results {
		fmt.Println(res)
	}
	for _, se := range report.Failed {
		fmt.Println(se)
	}

	if err := report.WriteHistogram(cfg.Client.Output); err != nil {
		return fmt.Errorf("failed to write histogram: %w", err)
	}
	log.Info("wrote client histogram",
		zap.String("run_id", report.RunID),
		zap.String("path", cfg.Client.Output),
		zap.Stringer("latency", report.Histogram.Summarize()))
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
