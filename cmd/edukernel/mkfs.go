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

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/edukernel/edukernel/internal/blockdev"
	"github.com/edukernel/edukernel/internal/diskfs/directory"
	"github.com/edukernel/edukernel/internal/diskfs/freemap"
	"github.com/edukernel/edukernel/internal/diskfs/inode"
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Format a fresh disk image and swap image at the configured paths",
	RunE:  runMkfs,
}

func runMkfs(cmd *cobra.Command, args []string) error {
	disk := currentConfig.Disk

	if err := formatImage(disk.ImagePath, uint32(disk.Sectors)); err != nil {
		return fmt.Errorf("mkfs: format disk image: %w", err)
	}
	if err := formatSwapImage(disk.SwapImagePath, uint32(disk.SwapSectors)); err != nil {
		return fmt.Errorf("mkfs: format swap image: %w", err)
	}
	fmt.Printf("formatted %s (%d sectors) and %s (%d sectors)\n",
		disk.ImagePath, disk.Sectors, disk.SwapImagePath, disk.SwapSectors)
	return nil
}

// formatImage atomically builds a fresh filesystem image: a free-map
// superblock and bitmap, followed by a single self-parented root directory
// inode. renameio guarantees that a crash or error partway through leaves
// the previous image (or nothing) at path, never a half-written one.
func formatImage(path string, sectors uint32) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithTempDir(""))
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	if err := pending.Truncate(int64(sectors) * blockdev.SectorSize); err != nil {
		return err
	}

	dev := blockdev.NewFromFile(pending, sectors)
	freeMap, err := freemap.Format(dev)
	if err != nil {
		return err
	}

	fsDisk := &inode.Disk{Dev: dev, Map: freeMap}
	rootSector, err := directory.Create(fsDisk, freeMap.DataStart())
	if err != nil {
		return err
	}
	if rootSector != freeMap.DataStart() {
		return fmt.Errorf("mkfs: root directory landed at sector %d, expected data start %d", rootSector, freeMap.DataStart())
	}

	return pending.CloseAtomicallyReplace()
}

// formatSwapImage lays down an empty swap image: fixed-size, no
// superblock, just sectors of zeros for the swap table to allocate from.
func formatSwapImage(path string, sectors uint32) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithTempDir(""))
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	if err := pending.Truncate(int64(sectors) * blockdev.SectorSize); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}
