// Command lazywarm mounts the blobs named by a manifest and warms their
// local caches by running the manifest's prefetch ranges.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/meigma/lazyblob"
	"github.com/meigma/lazyblob/config"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "lazyblob.yaml", "path to the mount manifest")
		logLevel    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address while warming")
		timeout     = flag.Duration("timeout", 0, "overall deadline for the warm run (0 = none)")
		noPrefetch  = flag.Bool("no-prefetch", false, "mount and report readiness without prefetching")
	)
	flag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(logger, *configPath, *metricsAddr, *timeout, !*noPrefetch); err != nil {
		logger.Error("warm run failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func run(logger *slog.Logger, configPath, metricsAddr string, timeout time.Duration, prefetch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reg := prometheus.NewRegistry()
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	dev := lazyblob.NewDevice(cfg.CacheDir,
		lazyblob.WithLogger(logger),
		lazyblob.WithMetricsRegistry(reg),
	)
	defer dev.Close()

	var reqs []lazyblob.PrefetchRequest
	for i := range cfg.Blobs {
		info, err := cfg.Blobs[i].Info()
		if err != nil {
			return err
		}
		if err := dev.Mount(ctx, info); err != nil {
			return fmt.Errorf("mount %s: %w", info.ID.Encoded(), err)
		}
		logger.Info("mounted", "blob", info.ID.Encoded(), "chunks", len(info.Chunks), "backend", string(info.Backend.Kind))
		for _, r := range cfg.Blobs[i].Prefetch {
			reqs = append(reqs, lazyblob.PrefetchRequest{BlobID: info.ID, Offset: r.Offset, Length: r.Length})
		}
	}

	if prefetch && len(reqs) > 0 {
		start := time.Now()
		if err := dev.Prefetch(ctx, reqs); err != nil {
			return err
		}
		logger.Info("prefetch pass complete", "ranges", len(reqs), "elapsed", time.Since(start))
	}

	for i := range cfg.Blobs {
		info, _ := cfg.Blobs[i].Info()
		ready, total, err := dev.ReadyCount(info.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d/%d chunks ready\n", info.ID.Encoded(), ready, total)
	}
	return nil
}
