// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hotline runs the CPU-wide SPE profiler: it subscribes to the
// hardware sampling stream on every online CPU, resolves each sample to a
// source file and offset, and writes aggregated latency and
// branch-misprediction CSVs to the configured data directory on exit.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aclements/hotline/internal/engine"
)

func main() {
	var (
		wakeupPeriod     time.Duration
		hotlineFrequency uint64
		timeout          time.Duration
		dataDir          string
		numToReport      int
	)

	root := &cobra.Command{
		Use:   "hotline",
		Short: "CPU-wide statistical profiler for the Arm SPE sampling stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := validate(wakeupPeriod, hotlineFrequency, timeout, dataDir, numToReport)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}

	root.Flags().DurationVar(&wakeupPeriod, "wakeup_period", 1*time.Second, "how often the supervisor drains every CPU's ring buffers")
	root.Flags().Uint64Var(&hotlineFrequency, "hotline_frequency", 1000, "SPE sampling frequency in Hz (0 < f <= 4096)")
	root.Flags().DurationVar(&timeout, "timeout", time.Hour, "stop after this much wall-clock time has elapsed")
	root.Flags().StringVar(&dataDir, "data_dir", ".", "directory the aggregated CSVs are written to on exit")
	root.Flags().IntVar(&numToReport, "num_to_report", 100, "entries kept by offline report rendering after sorting (not used by this binary)")

	if err := root.Execute(); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

func validate(wakeupPeriod time.Duration, hotlineFrequency uint64, timeout time.Duration, dataDir string, numToReport int) (engine.Config, error) {
	if wakeupPeriod <= 0 {
		return engine.Config{}, fmt.Errorf("hotline: --wakeup_period must be > 0")
	}
	if hotlineFrequency == 0 || hotlineFrequency > 4096 {
		return engine.Config{}, fmt.Errorf("hotline: --hotline_frequency must satisfy 0 < f <= 4096")
	}
	if timeout <= 0 {
		return engine.Config{}, fmt.Errorf("hotline: --timeout must be > 0")
	}
	if numToReport <= 0 {
		return engine.Config{}, fmt.Errorf("hotline: --num_to_report must be > 0")
	}
	return engine.Config{
		WakeupPeriod:     wakeupPeriod,
		HotlineFrequency: hotlineFrequency,
		Timeout:          timeout,
		DataDir:          dataDir,
		NumToReport:      numToReport,
	}, nil
}

func run(ctx context.Context, cfg engine.Config) error {
	e, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("hotline: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	if err := e.Run(ctx); err != nil {
		return fmt.Errorf("hotline: %w", err)
	}
	if err := e.Shutdown(); err != nil {
		return fmt.Errorf("hotline: shutdown: %w", err)
	}
	return nil
}
