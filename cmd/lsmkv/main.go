package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lsmkv/internal/debug"
	"lsmkv/internal/server"
	"lsmkv/pkg/db"
	"lsmkv/pkg/metrics"
)

var (
	flagConfig    string
	flagDataDir   string
	flagPort      int
	flagDebugAddr string
)

func main() {
	root := &cobra.Command{
		Use:          "lsmkv",
		Short:        "Embedded LSM-tree key-value store with a binary TCP interface",
		RunE:         run,
		SilenceUsage: true,
	}

	root.Flags().StringVar(&flagConfig, "config", "", "path to a YAML config file")
	root.Flags().StringVar(&flagDataDir, "data-dir", "", "data directory (overrides config)")
	root.Flags().IntVar(&flagPort, "port", 0, "TCP port to listen on (overrides config)")
	root.Flags().StringVar(&flagDebugAddr, "debug-addr", "", "debug HTTP listen address (overrides config)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := initConfig(flagConfig)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = flagDataDir
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if cmd.Flags().Changed("debug-addr") {
		cfg.DebugAddr = flagDebugAddr
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	database, err := db.New(cfg.DataDir, m)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	srv := server.New(database, fmt.Sprintf("127.0.0.1:%d", cfg.Port), m)
	if err := srv.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	if cfg.DebugAddr != "" {
		g.Go(func() error {
			return debug.Serve(ctx, cfg.DebugAddr, debug.NewRouter(database, reg))
		})
	}

	err = g.Wait()

	// Every connection has drained; persist what is still in memory.
	if cerr := database.Cleanup(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
