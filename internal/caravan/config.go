// Package caravan reads and writes multisig coordinator wallet configs.
package caravan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ClientPrivate points the coordinator at a private bitcoind node.
	ClientPrivate = "private"

	// MethodText marks keys entered as text rather than read from a device.
	MethodText = "text"

	NetworkRegtest = "regtest"
)

// Config is a coordinator wallet configuration.
type Config struct {
	Name                 string              `json:"name"`
	AddressType          string              `json:"addressType"`
	Network              string              `json:"network"`
	Client               Client              `json:"client"`
	Quorum               Quorum              `json:"quorum"`
	ExtendedPublicKeys   []ExtendedPublicKey `json:"extendedPublicKeys"`
	StartingAddressIndex int                 `json:"startingAddressIndex"`
}

// Client tells the coordinator how to reach the node. The RPC password is
// never written.
type Client struct {
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
	Username   string `json:"username,omitempty"`
	WalletName string `json:"walletName,omitempty"`
}

// Quorum is the m-of-n signing policy.
type Quorum struct {
	RequiredSigners int `json:"requiredSigners"`
	TotalSigners    int `json:"totalSigners"`
}

// ExtendedPublicKey is one signer of the wallet.
type ExtendedPublicKey struct {
	Name      string `json:"name"`
	Bip32Path string `json:"bip32Path"`
	Xpub      string `json:"xpub"`
	Xfp       string `json:"xfp"`
	Method    string `json:"method"`
}

// Validate checks the config is internally consistent.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.AddressType == "" {
		errs = append(errs, errors.New("addressType is required"))
	}
	if c.Network == "" {
		errs = append(errs, errors.New("network is required"))
	}
	if c.Quorum.TotalSigners != len(c.ExtendedPublicKeys) {
		errs = append(errs, fmt.Errorf("quorum has %d signers but %d keys are listed",
			c.Quorum.TotalSigners, len(c.ExtendedPublicKeys)))
	}
	if c.Quorum.RequiredSigners < 1 || c.Quorum.RequiredSigners > c.Quorum.TotalSigners {
		errs = append(errs, fmt.Errorf("requiredSigners %d out of range [1, %d]",
			c.Quorum.RequiredSigners, c.Quorum.TotalSigners))
	}
	for i, k := range c.ExtendedPublicKeys {
		if k.Xpub == "" || k.Xfp == "" || !strings.HasPrefix(k.Bip32Path, "m") {
			errs = append(errs, fmt.Errorf("extendedPublicKeys[%d] is incomplete", i))
		}
	}
	return errors.Join(errs...)
}

// Write validates cfg and writes it as indented JSON to path, replacing any
// existing file atomically. Parent directories are created.
func Write(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfg.Name, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Read loads a config written by Write.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// FileName is the file a config for the named wallet is written to.
func FileName(name string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
	return slug + ".json"
}
