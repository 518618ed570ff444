package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateReturnsZeroedPinnedFrame(t *testing.T) {
	tbl := New(2, 16)
	e, err := tbl.Allocate(true, nil)
	require.NoError(t, err)
	require.True(t, e.Pinned)
	for _, b := range e.Frame {
		require.Equal(t, byte(0), b)
	}
}

func TestAllocateEvictsWhenExhausted(t *testing.T) {
	tbl := New(1, 8)
	evicted := false
	e1, err := tbl.Allocate(true, func(frame []byte) error {
		evicted = true
		return nil
	})
	require.NoError(t, err)
	tbl.Unpin(e1)

	e2, err := tbl.Allocate(true, nil)
	require.NoError(t, err)
	require.True(t, evicted)
	require.NotNil(t, e2)
}

func TestPinnedFramesAreNeverEvicted(t *testing.T) {
	tbl := New(1, 8)
	_, err := tbl.Allocate(true, nil) // stays pinned
	require.NoError(t, err)

	_, err = tbl.Allocate(true, func(frame []byte) error { return nil })
	require.Error(t, err, "no unpinned victim available")
}

func TestPrefersWritableUnpinnedOverOthers(t *testing.T) {
	tbl := New(2, 8)
	readOnly, err := tbl.Allocate(false, func([]byte) error {
		t.Fatal("read-only entry should not be chosen while a writable candidate exists")
		return nil
	})
	require.NoError(t, err)
	tbl.Unpin(readOnly)

	var evictedWritable bool
	writable, err := tbl.Allocate(true, func([]byte) error {
		evictedWritable = true
		return nil
	})
	require.NoError(t, err)
	tbl.Unpin(writable)

	_, err = tbl.Allocate(true, nil)
	require.NoError(t, err)
	require.True(t, evictedWritable)
}

func TestFreeReturnsFrameToPoolWithoutEviction(t *testing.T) {
	tbl := New(1, 8)
	called := false
	e, err := tbl.Allocate(true, func([]byte) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	tbl.Free(e)

	_, err = tbl.Allocate(true, nil)
	require.NoError(t, err)
	require.False(t, called, "freed frame should be reused without going through eviction")
}
