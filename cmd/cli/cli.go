package cli

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"github.com/spf13/cobra"
)

// SoftwareVersion is the version of the node software
const SoftwareVersion = "v0.1.0"

var rootCmd = &cobra.Command{
	Use:   "finality",
	Short: "the session based finality gadget",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(SoftwareVersion)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the finality node",
	Run: func(cmd *cobra.Command, args []string) {
		Start()
	},
}

var publicKeyCmd = &cobra.Command{
	Use:   "public-key",
	Short: "Print the public key of the node, the entry of a development authority set",
	Run: func(cmd *cobra.Command, args []string) {
		_, privateKey := initialize()
		fmt.Println(lib.BytesToString(privateKey.PublicKey().Bytes()))
	},
}

var DataDir = ""

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(publicKeyCmd)
	rootCmd.PersistentFlags().StringVar(&DataDir, "data-dir", lib.DefaultDataDirPath(), "custom data directory location")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// Start() is the entrypoint of the node
func Start() {
	config, privateKey := initialize()
	l := lib.NewLogger(lib.LoggerConfig{Level: config.GetLogLevel()}, config.DataDirPath)
	l.Infof("Using identity %s", lib.BytesToString(privateKey.PublicKey().Bytes()))
	node, err := NewNode(config, privateKey, l)
	if err != nil {
		l.Fatal(err.Error())
	}
	if err = node.Start(); err != nil {
		l.Fatal(err.Error())
	}
	// block until a kill signal is received
	waitForKill(l)
	node.Stop()
	os.Exit(0)
}

// initialize() prepares the data directory and loads the node's configuration and key
func initialize() (lib.Config, crypto.PrivateKeyI) {
	l := lib.NewDefaultLogger()
	config, privateKey, err := InitializeDataDirectory(DataDir, l)
	if err != nil {
		l.Fatal(err.Error())
	}
	return config, privateKey
}

// waitForKill() blocks until a kill signal is received
func waitForKill(l lib.LoggerI) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGABRT)
	s := <-stop
	l.Infof("Exit command %s received", s)
}

// InitializeDataDirectory() populates the data directory with the configuration and the private key if missing
func InitializeDataDirectory(dataDirPath string, log lib.LoggerI) (c lib.Config, privateKey crypto.PrivateKeyI, err error) {
	if err = os.MkdirAll(dataDirPath, os.ModePerm); err != nil {
		return
	}
	// make the config.json file if missing
	configFilePath := filepath.Join(dataDirPath, lib.ConfigFilePath)
	if _, err = os.Stat(configFilePath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ConfigFilePath)
		if err = lib.DefaultConfig().WriteToFile(configFilePath); err != nil {
			return
		}
	}
	// make the private key file if missing
	privateKeyPath := filepath.Join(dataDirPath, lib.ValKeyPath)
	if _, err = os.Stat(privateKeyPath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ValKeyPath)
		var k crypto.PrivateKeyI
		if k, err = crypto.NewBLSPrivateKey(); err != nil {
			return
		}
		if err = crypto.PrivateKeyToFile(k, privateKeyPath); err != nil {
			return
		}
	}
	if privateKey, err = crypto.NewBLSPrivateKeyFromFile(privateKeyPath); err != nil {
		return
	}
	if c, err = lib.NewConfigFromFile(configFilePath); err != nil {
		return
	}
	// the data directory is wherever the config was found
	c.DataDirPath = dataDirPath
	if e := c.Check(); e != nil {
		return c, privateKey, e
	}
	return c, privateKey, nil
}
