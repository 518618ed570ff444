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
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFlagsPopulatesConfigFromDefaults(t *testing.T) {
	viper.Reset()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(flagSet))
	require.NoError(t, flagSet.Parse(nil))

	var config Config
	require.NoError(t, viper.Unmarshal(&config, viper.DecodeHook(DecodeHook())))

	assert.Equal(t, GetDefaultDiskConfig(), config.Disk)
	assert.Equal(t, InfoLogSeverity, config.Logging.Severity)
}

func TestBindFlagsHonorsOverrides(t *testing.T) {
	viper.Reset()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(flagSet))
	require.NoError(t, flagSet.Parse([]string{
		"--disk-image=/tmp/custom.img",
		"--disk-sectors=4096",
		"--log-severity=debug",
	}))

	var config Config
	require.NoError(t, viper.Unmarshal(&config, viper.DecodeHook(DecodeHook())))

	assert.Equal(t, "/tmp/custom.img", config.Disk.ImagePath)
	assert.Equal(t, 4096, config.Disk.Sectors)
	assert.Equal(t, DebugLogSeverity, config.Logging.Severity)
}

func TestLogSeverityUnmarshalTextRejectsUnknown(t *testing.T) {
	var sev LogSeverity
	assert.Error(t, sev.UnmarshalText([]byte("VERBOSE")))
}

func TestLogSeverityRankOrdersCoarserToFiner(t *testing.T) {
	assert.Less(t, TraceLogSeverity.Rank(), DebugLogSeverity.Rank())
	assert.Less(t, DebugLogSeverity.Rank(), InfoLogSeverity.Rank())
	assert.Less(t, InfoLogSeverity.Rank(), WarningLogSeverity.Rank())
	assert.Less(t, WarningLogSeverity.Rank(), ErrorLogSeverity.Rank())
	assert.Less(t, ErrorLogSeverity.Rank(), OffLogSeverity.Rank())
	assert.Equal(t, -1, LogSeverity("bogus").Rank())
}
