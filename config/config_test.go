package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesDevicesTable(t *testing.T) {
	toml := `
domid = 12
backend_domid = 0

[[device]]
type = "block"
base_addr = 0xf0000000
irq = 9
readonly = false
image = "/var/lib/xen/images/disk0.img"

[[device]]
type = "block"
base_addr = 0xf0001000
irq = 10
readonly = true
image = "/var/lib/xen/images/disk1.img"
`
	path := filepath.Join(t.TempDir(), "attachment.toml")
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o600))

	a, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 12, a.DomID)
	require.Len(t, a.Devices, 2)
	require.Equal(t, "block", a.Devices[0].Type)
	require.EqualValues(t, 0xf0000000, a.Devices[0].BaseAddr)
	require.True(t, a.Devices[1].ReadOnly)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}

func TestWatchFileRejectsMissingPath(t *testing.T) {
	_, err := WatchFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
