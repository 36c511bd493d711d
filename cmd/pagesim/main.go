/*
pagesim replays synthetic page requests against the buffer pool and reports hit ratio and IO.

usage:

	pagesim -config pagesim.yaml -policy deferred_lru
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/HayatoShiba/pagecache/common/logger"
	"github.com/HayatoShiba/pagecache/storage/buffer"
)

var (
	configPath = flag.String("config", "", "path of yaml config. default config is used when empty")
	policy     = flag.String("policy", "", "overrides pool.policy of config (arc or deferred_lru)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pagesim: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *policy != "" {
		cfg.Pool.Policy = buffer.PolicyKind(*policy)
		if err := cfg.validate(); err != nil {
			return err
		}
	}
	log, err := logger.New(cfg.Logger, "pagesim")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("simulation started",
		zap.String("policy", string(cfg.Pool.Policy)),
		zap.String("workload", cfg.Workload.Kind),
		zap.Int("workers", cfg.Workload.Workers))
	r, err := simulate(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("simulation finished", zap.Duration("elapsed", r.Elapsed))

	fmt.Printf("policy:        %s\n", cfg.Pool.Policy)
	fmt.Printf("requests:      %d\n", r.Requests)
	fmt.Printf("hit ratio:     %.4f\n", r.hitRatio())
	fmt.Printf("evictions:     %.0f\n", r.Evictions)
	fmt.Printf("pages written: %.0f\n", r.FlushedPages)
	fmt.Printf("resident:      %d / %d\n", r.Stats.Resident, r.Stats.MaxPages)
	fmt.Printf("elapsed:       %s\n", r.Elapsed)
	return nil
}
