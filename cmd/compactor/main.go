// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Command compactor runs a synthetic flush workload against the compaction
// manager and reports its stats, for eyeballing admission and throttling
// behavior.
package main

import (
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	configPath string
	duration   time.Duration
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "compactor [command] (flags)",
	Short: "compaction manager simulation/introspection tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringVarP(
		&configPath, "config", "f", "", "YAML workload config (defaults are used if empty)")
	simulateCmd.Flags().DurationVarP(
		&duration, "duration", "d", 10*time.Second, "how long to run the flush workload")
	simulateCmd.Flags().BoolVarP(
		&verbose, "verbose", "v", false, "log every simulated compaction")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
