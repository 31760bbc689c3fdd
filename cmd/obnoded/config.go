// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/ethereum/go-ethereum/common"
	flags "github.com/jessevdk/go-flags"
	"github.com/shopspring/decimal"
	"nexex.org/obnode/gossip"
	"nexex.org/obnode/ob"
	"nexex.org/obnode/orderbook"
)

const (
	defaultConfigFilename = "obnoded.conf"
	defaultLogFilename    = "obnoded.log"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultMaxLogZips     = 16

	defaultEthNode      = "http://127.0.0.1:8545"
	defaultGossipListen = "127.0.0.1:17550"
)

var defaultAppDataDir = dcrutil.AppDataDir("obnoded", false)

// nodeConf is the parsed and validated daemon configuration.
type nodeConf struct {
	DataDir  string
	LogMaker *ob.LoggerMaker

	EthNode      string
	ExchangeAddr common.Address
	RegistryAddr common.Address

	Orderbook *orderbook.Config
	Gossip    *gossip.Config
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	EthNode      string `long:"ethnode" description:"URL of the Ethereum JSON-RPC node."`
	ExchangeAddr string `long:"exchangeaddr" description:"Address of the exchange contract that admitted orders must name."`
	RegistryAddr string `long:"registryaddr" description:"Address of the token registry contract."`

	Markets             []string `long:"market" description:"A hosted market, BASE-QUOTE, each part a registered token symbol or a 0x address. May be repeated."`
	MakerFeeRecipient   string   `long:"feerecipient" description:"Address that admitted orders must name as the maker fee recipient."`
	MinMakerFeeRate     string   `long:"minfeerate" description:"Minimum maker fee rate for admission."`
	MinOrderBaseVolume  string   `long:"minbasevolume" description:"Minimum remaining order volume in base token display units."`
	MinOrderQuoteVolume string   `long:"minquotevolume" description:"Minimum remaining order volume in quote token display units."`

	GossipListen string   `long:"gossiplisten" description:"Address for the gossip announcement listener. Set empty to only consume gossip."`
	GossipPeers  []string `long:"gossippeer" description:"Websocket URL of a gossip peer to dial, e.g. ws://host:port/ws. May be repeated."`

	MemDB bool `long:"memdb" description:"Use an in-memory order store instead of the on-disk database. Orders do not survive a restart."`
}

// cleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		homeDir = "."
	}
	return filepath.Join(homeDir, path[1:])
}

// parseAndSetDebugLevels attempts to parse the specified debug level string
// and returns the logger maker. An appropriate error is returned if anything
// is invalid.
func parseAndSetDebugLevels(debugLevel string) (*ob.LoggerMaker, error) {
	lm, err := ob.NewLoggerMaker(logWriter{}, debugLevel)
	if err != nil {
		return nil, err
	}
	for subsysID := range lm.Levels {
		if _, exists := subsystemIDs[subsysID]; !exists {
			return nil, fmt.Errorf("the specified subsystem [%v] is invalid -- "+
				"supported subsystems %v", subsysID, supportedSubsystems())
		}
	}
	return lm, nil
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func parseDecimal(name, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid %s %q", name, s)
	}
	return d, nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
func loadConfig() (*nodeConf, error) {
	// Default config
	cfg := flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile, LogDir, and DataDir are set relative to
		// AppDataDir. They are not to be set here.
		MaxLogZips:   defaultMaxLogZips,
		DebugLevel:   defaultLogLevel,
		EthNode:      defaultEthNode,
		GossipListen: defaultGossipListen,
	}

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help
	// message error can be ignored here since they will be caught by the
	// final parse below.
	var preCfg flagsData
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		} else if ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	if preCfg.AppDataDir != "" {
		cfg.AppDataDir, err = filepath.Abs(cleanAndExpandPath(preCfg.AppDataDir))
		if err != nil {
			return nil, fmt.Errorf("unable to determine working directory: %w", err)
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return nil, err
		}
		// Warn about missing default config file, but continue.
		fmt.Printf("Config file (%s) does not exist. Using defaults.\n",
			preCfg.ConfigFile)
	} else {
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			if _, ok := err.(*os.PathError); !ok {
				fmt.Fprintln(os.Stderr, err)
				parser.WriteHelp(os.Stderr)
				return nil, err
			}
			configFileError = err
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	// Warn about a missing config file after the final command line parse
	// succeeds. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		return nil, configFileError
	}

	// Create the app data directory if it doesn't already exist.
	if err = os.MkdirAll(cfg.AppDataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}

	// If datadir or logdir are defaults or non-default relative paths,
	// prepend the appdata directory.
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, defaultDataDirname)
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, cfg.DataDir)
	}
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	if err = os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	conf := &nodeConf{
		DataDir: cfg.DataDir,
		EthNode: cfg.EthNode,
	}
	if conf.ExchangeAddr, err = parseAddress("exchange contract", cfg.ExchangeAddr); err != nil {
		return nil, err
	}
	if conf.RegistryAddr, err = parseAddress("registry contract", cfg.RegistryAddr); err != nil {
		return nil, err
	}
	feeRecipient, err := parseAddress("maker fee recipient", cfg.MakerFeeRecipient)
	if err != nil {
		return nil, err
	}
	minFeeRate, err := parseDecimal("minimum maker fee rate", cfg.MinMakerFeeRate)
	if err != nil {
		return nil, err
	}
	minBase, err := parseDecimal("minimum base volume", cfg.MinOrderBaseVolume)
	if err != nil {
		return nil, err
	}
	minQuote, err := parseDecimal("minimum quote volume", cfg.MinOrderQuoteVolume)
	if err != nil {
		return nil, err
	}
	if len(cfg.Markets) == 0 {
		return nil, fmt.Errorf("no markets configured. set at least one --market")
	}
	conf.Orderbook = &orderbook.Config{
		Markets:             cfg.Markets,
		MakerFeeRecipient:   feeRecipient,
		MinMakerFeeRate:     minFeeRate,
		MinOrderBaseVolume:  minBase,
		MinOrderQuoteVolume: minQuote,
	}
	conf.Gossip = &gossip.Config{
		ListenAddr: cfg.GossipListen,
		Peers:      cfg.GossipPeers,
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)
	if conf.LogMaker, err = parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, err
	}

	if cfg.MemDB {
		conf.DataDir = ""
	}
	return conf, nil
}
