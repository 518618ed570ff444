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
	"net/http"
	"os"
	"strings"

	"github.com/jacobsa/daemonize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/edukernel/edukernel/internal/blockdev"
	"github.com/edukernel/edukernel/internal/diskfs/directory"
	"github.com/edukernel/edukernel/internal/diskfs/freemap"
	"github.com/edukernel/edukernel/internal/diskfs/inode"
	"github.com/edukernel/edukernel/internal/logger"
	"github.com/edukernel/edukernel/internal/metrics"
	"github.com/edukernel/edukernel/internal/process"
	"github.com/edukernel/edukernel/internal/vm"
	"github.com/edukernel/edukernel/internal/vm/frame"
	"github.com/edukernel/edukernel/internal/vm/swap"
)

var (
	daemonFlag  bool
	metricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run <command-line>",
	Short: "Mount the configured disk/swap images and exec the given program as the initial process",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&daemonFlag, "daemon", false, "Fork into the background once the image is mounted and the initial process has loaded.")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics (fault/eviction/occupancy gauges) at http://<addr>/metrics.")
}

// serveMetrics registers the kernel's collectors and starts a /metrics
// HTTP endpoint in the background, matching the teacher's own
// metrics-then-exporter wiring (here a direct promhttp.Handler rather
// than an OpenCensus/OpenTelemetry exporter, since nothing here ships to
// a cloud monitoring backend).
func serveMetrics(addr string) {
	metrics.MustRegister(prometheus.DefaultRegisterer)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warnf("metrics server on %s exited: %v", addr, err)
		}
	}()
}

func runRun(cmd *cobra.Command, args []string) error {
	if daemonFlag {
		return runDaemonized(args)
	}
	if metricsAddr != "" {
		serveMetrics(metricsAddr)
	}
	status, err := mountAndExec(args)
	if err != nil {
		return err
	}
	os.Exit(int(status))
	return nil
}

// runDaemonized re-execs this same binary without --daemon, backgrounding
// it the way the original source's mount helper forks off a FUSE daemon:
// the foreground process blocks only long enough to learn whether the
// background one mounted successfully.
func runDaemonized(args []string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("run --daemon: find executable: %w", err)
	}

	childArgs := append([]string{"run"}, args...)
	childArgs = append(childArgs, "--config="+cfgFile)

	err = daemonize.Run(self, childArgs, os.Environ(), os.Stdout)
	return daemonize.SignalOutcome(err)
}

// mountAndExec opens the disk and swap images, builds the kernel, execs
// the requested command line as the initial process, waits for it to
// exit, and returns its exit status.
func mountAndExec(args []string) (int32, error) {
	disk := currentConfig.Disk
	fs := afero.NewOsFs()

	diskDev, err := blockdev.Open(fs, disk.ImagePath, uint32(disk.Sectors), false)
	if err != nil {
		return -1, fmt.Errorf("run: open disk image: %w", err)
	}
	swapDev, err := blockdev.Open(fs, disk.SwapImagePath, uint32(disk.SwapSectors), false)
	if err != nil {
		return -1, fmt.Errorf("run: open swap image: %w", err)
	}

	freeMap, err := freemap.Mount(diskDev)
	if err != nil {
		return -1, fmt.Errorf("run: mount free map: %w", err)
	}

	fsDisk := &inode.Disk{Dev: diskDev, Map: freeMap}
	frames := frame.New(disk.FrameCount, vm.PageSize)
	swapTable := swap.New(swapDev)

	k := process.NewKernel(fsDisk, freeMap.DataStart(), frames, swapTable)
	k.DescriptorLimit = disk.DescriptorLimit

	rootDir, err := directory.Open(k.Registry, freeMap.DataStart())
	if err != nil {
		return -1, fmt.Errorf("run: open root directory: %w", err)
	}

	boot := k.NewProcess(rootDir)
	child, err := k.Exec(boot, args[0], args)
	if err != nil {
		return -1, fmt.Errorf("run: exec %q: %w", strings.Join(args, " "), err)
	}

	status, err := k.Wait(boot, child.ID)
	if err != nil {
		return -1, fmt.Errorf("run: wait: %w", err)
	}
	return status, nil
}
