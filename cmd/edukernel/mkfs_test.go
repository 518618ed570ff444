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
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edukernel/edukernel/internal/blockdev"
	"github.com/edukernel/edukernel/internal/diskfs/freemap"
	"github.com/edukernel/edukernel/internal/diskfs/inode"
)

func TestFormatImageProducesASelfParentedRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, formatImage(path, 512))

	dev, err := blockdev.Open(afero.NewOsFs(), path, 512, false)
	require.NoError(t, err)
	defer dev.Close()

	freeMap, err := freemap.Mount(dev)
	require.NoError(t, err)
	dataSectors := freeMap.TotalSectors() - freeMap.DataStart()
	assert.Equal(t, dataSectors-1, freeMap.FreeCount()) // every data sector free except root's own

	reg := inode.NewRegistry(&inode.Disk{Dev: dev, Map: freeMap})
	root, err := reg.Open(freeMap.DataStart())
	require.NoError(t, err)
	assert.Equal(t, freeMap.DataStart(), root.Parent())
}

func TestFormatSwapImageIsFullSizeAndZeroed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swap.img")
	require.NoError(t, formatSwapImage(path, 64))

	dev, err := blockdev.Open(afero.NewOsFs(), path, 64, false)
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, uint32(64), dev.SectorCount())

	buf := make([]byte, blockdev.SectorSize)
	for s := uint32(0); s < 64; s++ {
		require.NoError(t, dev.ReadAt(s, buf))
		assert.Equal(t, make([]byte, blockdev.SectorSize), buf)
	}
}
