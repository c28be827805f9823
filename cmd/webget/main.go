/*
File: main.go
Version: 1.0.0
Description: webget command line tool. Resolves hostnames and runs HTTP requests through the
             asyncnet resolver and web client, driven by an optional YAML configuration.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"

	"asyncnet/internal/config"
	"asyncnet/internal/logger"
	"asyncnet/resolver"
	"asyncnet/webclient"
)

var (
	configFile  string
	dumpMetrics bool

	cfg *config.Config
	res *resolver.Resolver
	wc  *webclient.Client

	rootCmd = &cobra.Command{
		Use:               "webget",
		Short:             "resolve hostnames and fetch URLs with the asyncnet client",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: teardown,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to configuration file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&dumpMetrics, "metrics", false, "print counters in Prometheus text format on exit")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ifIndex, err := cfg.Client.InterfaceIndex()
	if err != nil {
		return err
	}
	res = resolver.New(ifIndex)
	if err := cfg.Resolver.ApplyResolver(res); err != nil {
		return err
	}
	wc = webclient.New(ifIndex, res)
	if err := cfg.Client.ApplyClient(wc); err != nil {
		return err
	}
	logger.Debug("[MAIN] Interface %d, nameservers %v", ifIndex, res.Nameservers())
	return nil
}

func teardown(cmd *cobra.Command, args []string) {
	if wc != nil {
		if err := wc.Close(); err != nil {
			logger.Warn("[MAIN] Client close: %v", err)
		}
	}
	if res != nil {
		if err := res.Close(); err != nil {
			logger.Warn("[MAIN] Resolver close: %v", err)
		}
	}
	if dumpMetrics {
		metrics.WritePrometheus(os.Stdout, false)
	}
	logger.Shutdown()
}
