// Command smurf-server serves the SmurfStorage demo service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
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

	"smurf-rpc/codec"
	"smurf-rpc/config"
	"smurf-rpc/demo"
	"smurf-rpc/logger"
	"smurf-rpc/middleware"
	"smurf-rpc/registry"
	"smurf-rpc/server"
)

var (
	configPath  string
	unimplement bool
)

var flagKeys = map[string]string{
	"ip":               "server.ip",
	"port":             "server.port",
	"advertise":        "server.advertise",
	"rate":             "server.rate",
	"burst":            "server.burst",
	"handler-timeout":  "server.handler_timeout",
	"shutdown-timeout": "server.shutdown_timeout",
	"registry":         "registry.endpoints",
	"registry-ttl":     "registry.ttl",
	"metrics-addr":     "metrics.addr",
	"log-level":        "logging.level",
	"log-format":       "logging.format",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "smurf-server",
	Short:         "Serve the SmurfStorage demo service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML config file")
	f.BoolVar(&unimplement, "unimplemented", false, "leave Get unimplemented so every call answers 501")
	f.String("ip", "127.0.0.1", "ip to listen on")
	f.Int("port", 20776, "port to listen on")
	f.String("advertise", "", "address registered in the registry (default ip:port)")
	f.Float64("rate", 0, "requests per second admitted (0 = unlimited)")
	f.Int("burst", 0, "rate limiter burst")
	f.Duration("handler-timeout", 0, "deadline of a single handler (0 = none)")
	f.Duration("shutdown-timeout", 5*time.Second, "how long shutdown waits for in-flight requests")
	f.StringSlice("registry", nil, "etcd endpoints to advertise the service in")
	f.Int64("registry-ttl", 10, "registry lease in seconds")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-format", "json", "log format (json, text)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, config.FlagOverrides(cmd.Flags(), flagKeys))
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{server.WithLogger(log)}
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, log)
		if err != nil {
			return fmt.Errorf("failed to connect to registry: %w", err)
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.Server.AdvertiseAddress(), cfg.Registry.TTL))
	}
	svr := server.NewServer(opts...)

	svc := &demo.SmurfStorage{}
	if !unimplement {
		svc.Get = demo.EchoGet(&codec.JSONCodec{})
	}
	if err := svr.Register(svc); err != nil {
		return err
	}

	svr.Use(middleware.LoggingMiddleware(log))
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		svr.Use(middleware.MetricsMiddleware(reg, "server"))
		go serveMetrics(ctx, cfg.Metrics.Addr, reg, log)
	}
	if cfg.Server.Rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.Rate, cfg.Server.Burst))
	}
	if cfg.Server.HandlerTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Server.HandlerTimeout))
	}

	ln, err := net.Listen("tcp", cfg.Server.Address())
	if err != nil {
		return err
	}
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(ln) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	return svr.Shutdown(cfg.Server.ShutdownTimeout)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", zap.Error(err))
	}
}
