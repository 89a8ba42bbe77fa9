package lib

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	// calculate expected
	expected := Config{
		MainConfig:     DefaultMainConfig(),
		StoreConfig:    DefaultStoreConfig(),
		P2PConfig:      DefaultP2PConfig(),
		SessionConfig:  DefaultSessionConfig(),
		FinalityConfig: DefaultFinalityConfig(),
		MetricsConfig:  DefaultMetricsConfig(),
		DevConfig:      DefaultDevConfig(),
	}
	// execute the function call
	got := DefaultConfig()
	diff := cmp.Diff(expected, got)
	require.Empty(t, diff, "config mismatch: %s", diff)
	// the defaults must pass validation
	require.NoError(t, got.Check())
	require.Equal(t, MaxDataBranchLen, got.MaxDataBranchLen)
	require.Equal(t, 2000, got.ChainInfoCacheCapacity)
}

func TestFileConfig(t *testing.T) {
	filePath := "./test_config"
	// define a variable to test upon
	config := DefaultConfig()
	config.DialPeers = []string{"abcd@127.0.0.1:30333"}
	config.AddressCacheEvictionOnRotation = false
	// write to file
	require.NoError(t, config.WriteToFile(filePath))
	defer os.RemoveAll(filePath)
	// read from file
	got, err := NewConfigFromFile(filePath)
	require.NoError(t, err)
	// compare got vs expected
	require.Equal(t, config, got)
}

func TestConfigCheck(t *testing.T) {
	tests := []struct {
		name   string
		detail string
		mutate func(c *Config)
		valid  bool
	}{
		{
			name:   "defaults",
			detail: "the default configuration is valid",
			mutate: func(c *Config) {},
			valid:  true,
		},
		{
			name:   "zero rate",
			detail: "a token bucket can't refill at rate zero",
			mutate: func(c *Config) { c.RateLimitTokensPerSecond = 0 },
		},
		{
			name:   "negative capacity",
			detail: "a token bucket can't hold a negative burst",
			mutate: func(c *Config) { c.RateLimitBurstCapacity = -1 },
		},
		{
			name:   "zero session length",
			detail: "sessions must contain at least one block",
			mutate: func(c *Config) { c.SessionLengthBlocks = 0 },
		},
		{
			name:   "margin longer than session",
			detail: "the early start margin must fit inside a session",
			mutate: func(c *Config) { c.EarlyStartMarginBlocks = c.SessionLengthBlocks },
		},
		{
			name:   "zero branch length",
			detail: "a proposal must be able to carry its head",
			mutate: func(c *Config) { c.MaxDataBranchLen = 0 },
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := DefaultConfig()
			test.mutate(&c)
			err := c.Check()
			if test.valid {
				require.NoError(t, err, test.detail)
				return
			}
			require.Error(t, err, test.detail)
			require.True(t, IsError(err, CodeInvalidConfig, MainModule))
		})
	}
}

func TestGetLogLevel(t *testing.T) {
	tests := map[string]int32{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"unknown": DebugLevel,
	}
	for level, expected := range tests {
		m := MainConfig{LogLevel: level}
		require.Equal(t, expected, m.GetLogLevel(), level)
	}
}
