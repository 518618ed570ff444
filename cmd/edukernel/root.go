// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edukernel/edukernel/cfg"
	"github.com/edukernel/edukernel/internal/locker"
	"github.com/edukernel/edukernel/internal/logger"
)

var (
	cfgFile string
	bindErr error
)

var rootCmd = &cobra.Command{
	Use:   "edukernel",
	Short: "A simulated kernel exercising a Pintos-style filesystem and virtual memory core",
	Long: `edukernel formats, runs, and checks disk images implementing a small
teaching operating system's filesystem and virtual memory subsystems on
top of ordinary host files, with no real MMU or block device required.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", cfgFile, err)
			}
		}

		var config cfg.Config
		if err := viper.Unmarshal(&config, viper.DecodeHook(cfg.DecodeHook())); err != nil {
			return fmt.Errorf("unmarshal config: %w", err)
		}

		if err := logger.Init(logger.Config{
			FilePath: config.Logging.FilePath,
			Severity: string(config.Logging.Severity),
			Format:   config.Logging.Format,
			Rotate: logger.RotateConfig{
				MaxFileSizeMB: config.Logging.LogRotate.MaxFileSizeMb,
				BackupCount:   config.Logging.LogRotate.BackupFileCount,
				Compress:      config.Logging.LogRotate.Compress,
			},
		}); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		if config.Debug.ExitOnInvariantViolation {
			locker.EnableInvariantsCheck()
		}
		if config.Debug.LogMutex {
			locker.EnableDebugMessages()
		}

		currentConfig = config
		return nil
	},
}

// currentConfig holds the parsed configuration for subcommands to read
// after PersistentPreRunE has run.
var currentConfig cfg.Config

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func main() {
	rootCmd.AddCommand(mkfsCmd, runCmd, fsckCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
