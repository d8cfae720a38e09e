package regtest

import (
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
)

// Config describes how to reach (and optionally run) a regtest node.
type Config struct {
	// Host is the RPC host:port of the node.
	Host string `mapstructure:"Host"`

	// User is the RPC user name.
	User string `mapstructure:"User"`

	// Pass is the RPC password.
	Pass string `mapstructure:"Pass"`

	// CookiePath authenticates with the node's .cookie file instead of
	// User/Pass when set.
	CookiePath string `mapstructure:"CookiePath"`

	// DataDir is the node data directory, used only when the node is managed.
	DataDir string `mapstructure:"DataDir"`

	// ExtraArgs are passed to bitcoind when the node is managed.
	ExtraArgs []string `mapstructure:"ExtraArgs"`

	// ManageNode starts the node on Start and stops it on Stop.
	ManageNode bool `mapstructure:"ManageNode"`

	// KeepDataDir leaves DataDir in place when a managed node is stopped.
	KeepDataDir bool `mapstructure:"KeepDataDir"`
}

// RetryPolicy is a fixed-delay retry budget.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

const (
	defaultHost    = "127.0.0.1:18443"
	defaultUser    = "user"
	defaultPass    = "pass"
	defaultDataDir = "./bitcoind_regtest"
)

var (
	// DefaultRetryPolicy is used for wallet lifecycle and funding calls.
	DefaultRetryPolicy = RetryPolicy{Attempts: 10, Delay: time.Second}

	// DefaultSyncPolicy is used when polling a wallet for rescan completion.
	DefaultSyncPolicy = RetryPolicy{Attempts: 30, Delay: time.Second}

	configMu     sync.RWMutex
	customConfig *Config
)

// DefaultConfig returns the built-in regtest connection settings.
func DefaultConfig() *Config {
	return &Config{
		Host:    defaultHost,
		User:    defaultUser,
		Pass:    defaultPass,
		DataDir: defaultDataDir,
	}
}

// GetConfig returns a copy of the active package configuration.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()

	if customConfig == nil {
		return DefaultConfig()
	}
	return customConfig.clone()
}

// SetConfig replaces the package configuration used by DefaultRegtestConfig
// and by New when it is called with a nil config.
func SetConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()

	if cfg == nil {
		customConfig = nil
		return
	}
	customConfig = cfg.clone()
}

// ResetConfig restores the default configuration.
func ResetConfig() {
	SetConfig(nil)
}

func (c *Config) clone() *Config {
	cp := *c
	cp.ExtraArgs = slices.Clone(c.ExtraArgs)
	return &cp
}

// DefaultRegtestConfig returns an RPC connection config for the active
// package configuration.
func DefaultRegtestConfig() *rpcclient.ConnConfig {
	return GetConfig().ConnConfig("")
}

// ConnConfig builds the RPC connection config for the node, or for one of its
// wallets when wallet is not empty.
func (c *Config) ConnConfig(wallet string) *rpcclient.ConnConfig {
	host := c.Host
	if wallet != "" {
		host = host + "/wallet/" + wallet
	}

	conn := &rpcclient.ConnConfig{
		Host:         host,
		User:         c.User,
		Pass:         c.Pass,
		CookiePath:   c.CookiePath,
		Params:       chaincfg.RegressionNetParams.Name,
		HTTPPostMode: true, // Bitcoin core only supports HTTP POST mode
		DisableTLS:   true, // Bitcoin core does not provide TLS by default
	}
	if c.CookiePath != "" {
		conn.User = ""
		conn.Pass = ""
	}
	return conn
}

// IsValid reports whether the config has enough to open an RPC connection.
func (c *Config) IsValid() bool {
	return c.Host != "" &&
		(c.CookiePath != "" || (c.User != "" && c.Pass != ""))
}
