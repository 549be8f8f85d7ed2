package devices

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weichen81/xenioreqd/hypervisor"
	"github.com/weichen81/xenioreqd/registry"
)

func writeTempImage(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestBlockStatusAndDataTransfer(t *testing.T) {
	path := writeTempImage(t, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	tr := hypervisor.NewFakeTransport(1)

	blk, err := NewBlock(path, false, 9, 1, tr)
	require.NoError(t, err)

	status := make([]byte, 1)
	ok, err := blk.HandleByte(RegStatus, registry.DirRead, status, nil)
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, byte(statusReady), status[0])

	data := make([]byte, 4)
	ok, err = blk.HandleLong(RegData, registry.DirRead, data, nil)
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, data)
}

func TestBlockCursorAdvancesAfterTransfer(t *testing.T) {
	path := writeTempImage(t, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	tr := hypervisor.NewFakeTransport(1)
	blk, err := NewBlock(path, false, 9, 1, tr)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = blk.HandleLong(RegData, registry.DirRead, buf, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, buf)

	_, err = blk.HandleLong(RegData, registry.DirRead, buf, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6, 7, 8}, buf)
}

func TestBlockWriteRejectedWhenReadOnly(t *testing.T) {
	path := writeTempImage(t, []byte{0, 0, 0, 0})
	tr := hypervisor.NewFakeTransport(1)
	blk, err := NewBlock(path, true, 9, 1, tr)
	require.NoError(t, err)

	buf := []byte{1, 2, 3, 4}
	_, err = blk.HandleLong(RegData, registry.DirWrite, buf, nil)
	require.Error(t, err)
}

func TestBlockCmdRaisesIRQ(t *testing.T) {
	path := writeTempImage(t, nil)
	tr := hypervisor.NewFakeTransport(1)
	blk, err := NewBlock(path, false, 9, 1, tr)
	require.NoError(t, err)

	_, err = blk.HandleByte(RegCmd, registry.DirWrite, []byte{1}, nil)
	require.NoError(t, err)
	require.True(t, tr.IRQLevel(9))

	_, err = blk.HandleByte(RegCmd, registry.DirWrite, []byte{0}, nil)
	require.NoError(t, err)
	require.False(t, tr.IRQLevel(9))
}

func TestBlockCursorSetAndGet(t *testing.T) {
	path := writeTempImage(t, []byte{1, 2, 3, 4, 5, 6})
	tr := hypervisor.NewFakeTransport(1)
	blk, err := NewBlock(path, false, 9, 1, tr)
	require.NoError(t, err)

	cursorWrite := []byte{2, 0, 0, 0}
	_, err = blk.HandleLong(RegCursor, registry.DirWrite, cursorWrite, nil)
	require.NoError(t, err)

	cursorRead := make([]byte, 4)
	_, err = blk.HandleLong(RegCursor, registry.DirRead, cursorRead, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{2, 0, 0, 0}, cursorRead)

	buf := make([]byte, 4)
	_, err = blk.HandleLong(RegData, registry.DirRead, buf, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{3, 4, 5, 6}, buf)
}
