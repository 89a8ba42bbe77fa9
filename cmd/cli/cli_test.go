package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canopy-network/finality/lib"
	"github.com/stretchr/testify/require"
)

func TestInitializeDataDirectory(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "node")
	config, key, err := InitializeDataDirectory(dataDir, lib.NewNullLogger())
	require.NoError(t, err)
	require.Equal(t, dataDir, config.DataDirPath)
	require.FileExists(t, filepath.Join(dataDir, lib.ConfigFilePath))
	require.FileExists(t, filepath.Join(dataDir, lib.ValKeyPath))
	// a second run loads what the first one created
	_, again, err := InitializeDataDirectory(dataDir, lib.NewNullLogger())
	require.NoError(t, err)
	require.True(t, key.Equals(again))
	// an invalid config is rejected
	c := lib.DefaultConfig()
	c.SessionLengthBlocks = 0
	require.NoError(t, c.WriteToFile(filepath.Join(dataDir, lib.ConfigFilePath)))
	_, _, err = InitializeDataDirectory(dataDir, lib.NewNullLogger())
	require.True(t, lib.IsError(err, lib.CodeInvalidConfig, lib.MainModule))
	require.NoError(t, os.RemoveAll(dataDir))
}

func TestNodeFinalizesDevChain(t *testing.T) {
	_, key, err := InitializeDataDirectory(t.TempDir(), lib.NewNullLogger())
	require.NoError(t, err)
	c := lib.DefaultConfig()
	c.InMemory = true
	c.ListenAddress = "127.0.0.1:0"
	c.DiscoveryIntervalMS = 0
	c.MetricsConfig.Enabled = false
	c.SessionLengthBlocks, c.EarlyStartMarginBlocks = 4, 1
	c.UnitCreationDelayMS = 10
	c.BlockTimeMS = 20
	node, e := NewNode(c, key, lib.NewNullLogger())
	require.NoError(t, e)
	require.NoError(t, node.Start())
	defer node.Stop()
	// blocks are authored and finalized across several sessions
	require.Eventually(t, func() bool {
		return node.Chain().FinalizedBlock().Number >= 9
	}, 30*time.Second, 20*time.Millisecond)
	finalized := node.Chain().FinalizedBlock()
	j, e := node.Chain().Justification(finalized.Hash)
	require.NoError(t, e)
	require.NotNil(t, j)
}
