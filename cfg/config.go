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

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the kernel simulator's full runtime configuration, parsed from
// flags, a YAML config file, or both (flags win on conflict).
type Config struct {
	Disk DiskConfig `yaml:"disk"`

	Debug DebugConfig `yaml:"debug"`

	Logging LoggingConfig `yaml:"logging"`
}

// DiskConfig describes the on-disk image files the kernel mounts.
type DiskConfig struct {
	ImagePath string `yaml:"image-path" mapstructure:"image-path"`
	Sectors   int    `yaml:"sectors"`

	SwapImagePath string `yaml:"swap-image-path" mapstructure:"swap-image-path"`
	SwapSectors   int    `yaml:"swap-sectors" mapstructure:"swap-sectors"`

	FrameCount      int `yaml:"frame-count" mapstructure:"frame-count"`
	DescriptorLimit int `yaml:"descriptor-limit" mapstructure:"descriptor-limit"`
}

// DebugConfig toggles the invariant-checked locks used across the
// filesystem, frame table, and swap table.
type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation" mapstructure:"exit-on-invariant-violation"`

	LogMutex bool `yaml:"log-mutex" mapstructure:"log-mutex"`
}

// LoggingConfig mirrors internal/logger.Config, exposed at the flag layer.
type LoggingConfig struct {
	FilePath string      `yaml:"file-path" mapstructure:"file-path"`
	Severity LogSeverity `yaml:"severity"`
	Format   string      `yaml:"format"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate" mapstructure:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	MaxFileSizeMb   int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count" mapstructure:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// BindFlags registers every flag this binary accepts and binds it into
// viper under the matching yaml key, so a config file and flags populate
// the same Config struct.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("disk-image", "", "disk.img", "Path to the filesystem disk image.")
	if err = viper.BindPFlag("disk.image-path", flagSet.Lookup("disk-image")); err != nil {
		return err
	}

	flagSet.IntP("disk-sectors", "", int(DefaultSectorCount), "Number of 512-byte sectors in the disk image.")
	if err = viper.BindPFlag("disk.sectors", flagSet.Lookup("disk-sectors")); err != nil {
		return err
	}

	flagSet.StringP("swap-image", "", "swap.img", "Path to the swap device image.")
	if err = viper.BindPFlag("disk.swap-image-path", flagSet.Lookup("swap-image")); err != nil {
		return err
	}

	flagSet.IntP("swap-sectors", "", int(DefaultSwapSectorCount), "Number of 512-byte sectors in the swap image.")
	if err = viper.BindPFlag("disk.swap-sectors", flagSet.Lookup("swap-sectors")); err != nil {
		return err
	}

	flagSet.IntP("frame-count", "", DefaultFrameCount, "Number of physical page frames to simulate.")
	if err = viper.BindPFlag("disk.frame-count", flagSet.Lookup("frame-count")); err != nil {
		return err
	}

	flagSet.IntP("descriptor-limit", "", DefaultDescriptorLimit, "Maximum open file descriptors per process.")
	if err = viper.BindPFlag("disk.descriptor-limit", flagSet.Lookup("descriptor-limit")); err != nil {
		return err
	}

	flagSet.BoolP("debug-invariants", "", false, "Exit when an internal lock-order invariant is violated.")
	if err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug-invariants")); err != nil {
		return err
	}

	flagSet.BoolP("debug-mutex", "", false, "Log every lock and unlock of the invariant-checked mutexes.")
	if err = viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug-mutex")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to the log file; empty logs to stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(InfoLogSeverity), "Minimum severity logged.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log line format: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	return nil
}
