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

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edukernel/edukernel/internal/blockdev"
	"github.com/edukernel/edukernel/internal/diskfs/directory"
	"github.com/edukernel/edukernel/internal/diskfs/freemap"
	"github.com/edukernel/edukernel/internal/diskfs/inode"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Walk the disk image and report free-map/inode/directory-tree consistency",
	RunE:  runFsck,
}

// Report is the fsck consistency summary, rendered as YAML so it is both
// human-readable and diffable across runs.
type Report struct {
	ID             string   `yaml:"volume-id"`
	TotalSectors   uint32   `yaml:"total-sectors"`
	DataStart      uint32   `yaml:"data-start"`
	FreeSectors    uint32   `yaml:"free-sectors"`
	ReachableFiles int      `yaml:"reachable-files"`
	ReachableDirs  int      `yaml:"reachable-directories"`
	Leaked         []uint32 `yaml:"leaked-sectors,omitempty"`
	DoubleUsed     []uint32 `yaml:"double-used-sectors,omitempty"`
	Unreferenced   []uint32 `yaml:"unreferenced-allocated-sectors,omitempty"`
	Clean          bool     `yaml:"clean"`
}

func runFsck(cmd *cobra.Command, args []string) error {
	disk := currentConfig.Disk
	fs := afero.NewOsFs()

	dev, err := blockdev.Open(fs, disk.ImagePath, uint32(disk.Sectors), false)
	if err != nil {
		return fmt.Errorf("fsck: open disk image: %w", err)
	}
	defer dev.Close()

	freeMap, err := freemap.Mount(dev)
	if err != nil {
		return fmt.Errorf("fsck: mount free map: %w", err)
	}
	fsDisk := &inode.Disk{Dev: dev, Map: freeMap}
	reg := inode.NewRegistry(fsDisk)

	walker := &fsckWalker{reg: reg, seen: make(map[uint32]int), visited: make(map[uint32]bool)}
	if err := walker.walk(freeMap.DataStart()); err != nil {
		return fmt.Errorf("fsck: walk directory tree: %w", err)
	}

	report := Report{
		ID:             freeMap.ID().String(),
		TotalSectors:   freeMap.TotalSectors(),
		DataStart:      freeMap.DataStart(),
		FreeSectors:    freeMap.FreeCount(),
		ReachableFiles: walker.files,
		ReachableDirs:  walker.dirs,
	}

	allocated := make(map[uint32]bool)
	for _, s := range freeMap.AllocatedSectors() {
		allocated[s] = true
	}
	for sector, count := range walker.seen {
		if count > 1 {
			report.DoubleUsed = append(report.DoubleUsed, sector)
		}
		if !allocated[sector] {
			report.Leaked = append(report.Leaked, sector)
		}
	}
	for sector := range allocated {
		if walker.seen[sector] == 0 {
			report.Unreferenced = append(report.Unreferenced, sector)
		}
	}
	report.Clean = len(report.Leaked) == 0 && len(report.DoubleUsed) == 0 && len(report.Unreferenced) == 0

	out, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("fsck: render report: %w", err)
	}
	if _, err := os.Stdout.Write(out); err != nil {
		return err
	}
	if !report.Clean {
		return fmt.Errorf("fsck: %d leaked, %d double-used, %d unreferenced-allocated sector(s)",
			len(report.Leaked), len(report.DoubleUsed), len(report.Unreferenced))
	}
	return nil
}

// fsckWalker recurses the directory tree, recording every sector each
// inode reaches (its own sector plus its data/index blocks) so the
// caller can diff that set against the free map's allocated set.
type fsckWalker struct {
	reg     *inode.Registry
	seen    map[uint32]int
	visited map[uint32]bool
	files   int
	dirs    int
}

func (w *fsckWalker) mark(sector uint32) {
	w.seen[sector]++
}

func (w *fsckWalker) walk(sector uint32) error {
	o, err := w.reg.Open(sector)
	if err != nil {
		return fmt.Errorf("open inode at sector %d: %w", sector, err)
	}
	defer w.reg.Close(o)

	w.mark(sector)
	reachable, err := o.ReachableSectors()
	if err != nil {
		return err
	}
	for _, s := range reachable {
		w.mark(s)
	}

	if o.Type() != inode.TypeDir {
		w.files++
		return nil
	}
	w.dirs++
	if w.visited[sector] {
		return fmt.Errorf("directory cycle detected at sector %d", sector)
	}
	w.visited[sector] = true

	d, err := directory.Open(w.reg, sector)
	if err != nil {
		return err
	}
	defer directory.Close(d)

	entries, err := d.Readdir()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.walk(e.Sector); err != nil {
			return err
		}
	}
	return nil
}
