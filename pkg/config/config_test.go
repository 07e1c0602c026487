package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: "0102030405060708090a0b0c0d0e0f10"
rpc_secret: "0102030405060708090a0b0c0d0e0f100102030405060708090a0b0c0d0e0f10"
data_dir: /var/lib/strata/data
metadata_dir: /var/lib/strata/meta
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DefaultBlockSize, cfg.BlockSize)
	require.Equal(t, ReplicationThree, cfg.ReplicationMode)
	require.NoError(t, cfg.Validate())

	id, err := cfg.ResolvedNodeID()
	require.NoError(t, err)
	require.Equal(t, byte(0x01), id[0])
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "no rpc_secret or node_id set")
}

func TestParseBootstrapPeer(t *testing.T) {
	id, addr, err := ParseBootstrapPeer("0102030405060708090a0b0c0d0e0f10@10.0.0.1:3901")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:3901", addr)
	require.Equal(t, byte(0x01), id[0])

	_, _, err = ParseBootstrapPeer("no-at-sign-here")
	require.Error(t, err)
}
