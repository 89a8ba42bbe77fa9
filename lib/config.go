package lib

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/units"
)

/* This file implements logic for 'user controlled' global configurations of each module of the node */

const (
	DefaultNetworkId = 1 // the identifier of the default peering network
)

const (
	// FILE NAMES in the 'data directory'
	ConfigFilePath = "config.json"        // the file path for the node configuration
	ValKeyPath     = "validator_key.json" // the file path for the node's private key
)

// Config is the structure of the user configuration options for a finality node
type Config struct {
	MainConfig     // main options spanning over all modules
	StoreConfig    // persistence options
	P2PConfig      // peer-to-peer options
	SessionConfig  // session rotation options
	FinalityConfig // finalization pipeline options
	MetricsConfig  // telemetry options
	DevConfig      // local development network options
}

// DefaultConfig() returns a Config with developer set options
func DefaultConfig() Config {
	return Config{
		MainConfig:     DefaultMainConfig(),
		StoreConfig:    DefaultStoreConfig(),
		P2PConfig:      DefaultP2PConfig(),
		SessionConfig:  DefaultSessionConfig(),
		FinalityConfig: DefaultFinalityConfig(),
		MetricsConfig:  DefaultMetricsConfig(),
		DevConfig:      DefaultDevConfig(),
	}
}

// Check() validates the options that would otherwise fail at construction time deep inside a module
func (c Config) Check() ErrorI {
	switch {
	case c.RateLimitTokensPerSecond <= 0:
		return ErrInvalidConfig("rateLimitTokensPerSecond must be positive")
	case c.RateLimitBurstCapacity <= 0:
		return ErrInvalidConfig("rateLimitBurstCapacity must be positive")
	case c.SessionLengthBlocks == 0:
		return ErrInvalidConfig("sessionLengthBlocks must be positive")
	case c.EarlyStartMarginBlocks >= c.SessionLengthBlocks:
		return ErrInvalidConfig("earlyStartMarginBlocks must be smaller than sessionLengthBlocks")
	case c.MaxDataBranchLen <= 0:
		return ErrInvalidConfig("maxDataBranchLen must be positive")
	case c.MaxPeerQueueSize <= 0:
		return ErrInvalidConfig("maxPeerQueueSize must be positive")
	}
	return nil
}

// MAIN CONFIG BELOW

type MainConfig struct {
	LogLevel string `json:"logLevel"` // any level includes the levels above it: debug < info < warning < error
}

// DefaultMainConfig() sets log level to 'info'
func DefaultMainConfig() MainConfig {
	return MainConfig{
		LogLevel: "info", // everything but debug is the default
	}
}

// GetLogLevel() parses the log string in the config file into a LogLevel Enum
func (m *MainConfig) GetLogLevel() int32 {
	switch {
	case strings.Contains(strings.ToLower(m.LogLevel), "deb"):
		return DebugLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "inf"):
		return InfoLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "war"):
		return WarnLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "err"):
		return ErrorLevel
	default:
		return DebugLevel
	}
}

// P2P CONFIG BELOW

// P2PConfig defines peering compatibility and limits, outbound bandwidth and the address cache policy
type P2PConfig struct {
	NetworkID                      uint64   `json:"networkID"`                      // the ID for the peering network
	ListenAddress                  string   `json:"listenAddress"`                  // listen for incoming connection
	ExternalAddress                string   `json:"externalAddress"`                // advertise for external dialing
	MaxInbound                     int      `json:"maxInbound"`                     // max inbound peers
	MaxOutbound                    int      `json:"maxOutbound"`                    // max outbound peers
	DialPeers                      []string `json:"dialPeers"`                      // peers to consistently dial until expo-backoff fails (format pubkey@ip:port)
	BannedPeerIDs                  []string `json:"bannedPeersIDs"`                 // banned peer ids
	RateLimitTokensPerSecond       float64  `json:"rateLimitTokensPerSecond"`       // sustained outbound validator traffic in bytes per second
	RateLimitBurstCapacity         float64  `json:"rateLimitBurstCapacity"`         // max outbound validator burst in bytes
	AddressCacheEvictionOnRotation bool     `json:"addressCacheEvictionOnRotation"` // drop a session's address records when the session stops
	MaxPeerQueueSize               int      `json:"maxPeerQueueSize"`               // bounded outbound queue per peer
	MaxMessageSize                 int      `json:"maxMessageSize"`                 // max size of a single frame
	DiscoveryIntervalMS            int      `json:"discoveryIntervalMS"`            // how often own addressing information is re-gossiped
	DialTimeoutMS                  int      `json:"dialTimeoutMS"`                  // timeout for a single dial + handshake
}

func DefaultP2PConfig() P2PConfig {
	return P2PConfig{
		NetworkID:                      DefaultNetworkId,
		ListenAddress:                  "0.0.0.0:30333",
		ExternalAddress:                "", // should be populated by the user
		MaxInbound:                     21,
		MaxOutbound:                    21,
		RateLimitTokensPerSecond:       float64(4 * units.MiB), // 4 MiB/s of validator traffic
		RateLimitBurstCapacity:         float64(units.MiB),     // 1 MiB burst
		AddressCacheEvictionOnRotation: true,
		MaxPeerQueueSize:               1000,
		MaxMessageSize:                 int(8 * units.MiB),
		DiscoveryIntervalMS:            60 * 1000, // re-gossip every minute
		DialTimeoutMS:                  5000,
	}
}

// SESSION CONFIG BELOW

// SessionConfig defines the fixed session length and the handover margin
type SessionConfig struct {
	SessionLengthBlocks    uint64 `json:"sessionLengthBlocks"`    // number of blocks in a session
	EarlyStartMarginBlocks uint64 `json:"earlyStartMarginBlocks"` // how many blocks before the end of a session the next one is early started
	BackupEnabled          bool   `json:"backupEnabled"`          // persist the agreement engine state of each session
}

// DefaultSessionConfig() returns the developer recommended session configuration
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SessionLengthBlocks:    900, // 15 minutes with 1 second blocks
		EarlyStartMarginBlocks: 30,
		BackupEnabled:          true,
	}
}

// Boundaries() returns the session boundary calculator for the configured session length
func (s SessionConfig) Boundaries() SessionBoundaryInfo {
	return NewSessionBoundaryInfo(s.SessionLengthBlocks)
}

// FINALITY CONFIG BELOW

// FinalityConfig defines the limits of the finalization pipeline and its proposal source
type FinalityConfig struct {
	MaxDataBranchLen          int `json:"maxDataBranchLen"`          // max number of blocks in a single proposal
	ChainInfoCacheCapacity    int `json:"chainInfoCacheCapacity"`    // number of known blocks cached in memory
	UnitCreationDelayMS       int `json:"unitCreationDelayMS"`       // how often the agreement engine pulls local proposals
	PendingJustificationLimit int `json:"pendingJustificationLimit"` // max number of gossiped justifications waiting for their block
}

// DefaultFinalityConfig() returns the developer recommended finality configuration
func DefaultFinalityConfig() FinalityConfig {
	return FinalityConfig{
		MaxDataBranchLen:          7,
		ChainInfoCacheCapacity:    2000,
		UnitCreationDelayMS:       200,
		PendingJustificationLimit: 256,
	}
}

// STORE CONFIG BELOW

// StoreConfig is user configurations for the key value database
type StoreConfig struct {
	DataDirPath string `json:"dataDirPath"` // path of the designated folder where the application stores its data
	DBName      string `json:"dbName"`      // name of the database
	InMemory    bool   `json:"inMemory"`    // non-disk database, only for testing
}

// DefaultDataDirPath() is $USERHOME/.finality
func DefaultDataDirPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".finality")
}

// DefaultStoreConfig() returns the developer recommended store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DataDirPath: DefaultDataDirPath(),
		DBName:      "finality",
		InMemory:    false,
	}
}

// METRICS CONFIG BELOW

// MetricsConfig represents the configuration for the metrics server
type MetricsConfig struct {
	Enabled           bool   `json:"enabled"`           // if the metrics are enabled
	PrometheusAddress string `json:"prometheusAddress"` // the address of the server
}

// DefaultMetricsConfig() returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:           true,
		PrometheusAddress: "0.0.0.0:9615",
	}
}

// DEV CONFIG BELOW

// DevConfig configures a local development network: a static authority set for every session
// and a trivial block author so the node has a chain to finalize
type DevConfig struct {
	Authorities []string `json:"authorities"` // hex encoded public keys of the static authority set
	BlockTimeMS int      `json:"blockTimeMS"` // 0 disables local block authoring
}

// DefaultDevConfig() returns an empty authority set with authoring every second
func DefaultDevConfig() DevConfig {
	return DevConfig{
		BlockTimeMS: 1000,
	}
}

// WriteToFile() saves the Config object to a JSON file
func (c Config) WriteToFile(filepath string) error {
	// convert the config to indented 'pretty' json bytes
	jsonBytes, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	// write the config.json file to the data directory
	return os.WriteFile(filepath, jsonBytes, os.ModePerm)
}

// NewConfigFromFile() populates a Config object from a JSON file
func NewConfigFromFile(filepath string) (Config, error) {
	fileBytes, err := os.ReadFile(filepath)
	if err != nil {
		return Config{}, err
	}
	// define the default config to fill in any blanks in the file
	c := DefaultConfig()
	if err = json.Unmarshal(fileBytes, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}
