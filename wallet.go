package regtest

import (
	"context"
	"encoding/json"
	"fmt"
)

// AddressType is the address_type argument of getnewaddress.
type AddressType string

const (
	AddressLegacy     AddressType = "legacy"
	AddressP2SHSegwit AddressType = "p2sh-segwit"
	AddressBech32     AddressType = "bech32"
	AddressBech32m    AddressType = "bech32m"
)

// WalletOptions are the createwallet flags this package uses. Wallets are
// always descriptor wallets.
type WalletOptions struct {
	DisablePrivateKeys bool
	Blank              bool
}

// WalletInfo is the subset of getwalletinfo used to track wallet state.
type WalletInfo struct {
	WalletName         string   `json:"walletname"`
	TxCount            int      `json:"txcount"`
	Descriptors        bool     `json:"descriptors"`
	PrivateKeysEnabled bool     `json:"private_keys_enabled"`
	Scanning           Scanning `json:"scanning"`
}

// Scanning is getwalletinfo's "scanning" field, which is either false or an
// object describing the running rescan.
type Scanning struct {
	Active   bool
	Duration int64
	Progress float64
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Scanning) UnmarshalJSON(b []byte) error {
	var flag bool
	if err := json.Unmarshal(b, &flag); err == nil {
		*s = Scanning{Active: flag}
		return nil
	}

	var obj struct {
		Duration int64   `json:"duration"`
		Progress float64 `json:"progress"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("scanning: %w", err)
	}
	*s = Scanning{Active: true, Duration: obj.Duration, Progress: obj.Progress}
	return nil
}

func (rt *Regtest) createWallet(name string, opts WalletOptions) error {
	c, err := rt.nodeClient()
	if err != nil {
		return err
	}
	// name, disable_private_keys, blank, passphrase, avoid_reuse, descriptors
	return rawRequest(c, "createwallet", nil,
		name, opts.DisablePrivateKeys, opts.Blank, "", false, true)
}

func (rt *Regtest) loadWallet(name string) error {
	c, err := rt.nodeClient()
	if err != nil {
		return err
	}
	_, err = c.LoadWallet(name)
	if IsWalletLoaded(err) {
		return nil
	}
	return err
}

// EnsureWallet makes sure a wallet with private keys named name exists and is
// loaded. An existing wallet is loaded instead of created, and an already
// loaded wallet is left alone.
func (rt *Regtest) EnsureWallet(ctx context.Context, name string) error {
	return rt.ensureWallet(ctx, name, WalletOptions{})
}

// CreateWatchOnlyWallet makes sure a blank wallet without private keys named
// name exists and is loaded, ready for importdescriptors.
func (rt *Regtest) CreateWatchOnlyWallet(ctx context.Context, name string) error {
	return rt.ensureWallet(ctx, name, WalletOptions{DisablePrivateKeys: true, Blank: true})
}

func (rt *Regtest) ensureWallet(ctx context.Context, name string, opts WalletOptions) error {
	err := rt.retry(ctx, "createwallet "+name, func() error {
		err := rt.createWallet(name, opts)
		switch {
		case err == nil:
			rt.log.Info().Str("wallet", name).Msg("created wallet")
			return nil

		case IsWalletLoaded(err):
			return nil

		case IsWalletExists(err):
			rt.log.Debug().Err(err).Str("wallet", name).Msg("wallet exists, loading")
			if err := rt.loadWallet(name); err != nil {
				return err
			}
			rt.log.Info().Str("wallet", name).Msg("loaded wallet")
			return nil

		default:
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("ensure wallet %s: %w", name, err)
	}
	return nil
}

// UnloadWallet unloads the named wallet from the node.
func (rt *Regtest) UnloadWallet(name string) error {
	c, err := rt.nodeClient()
	if err != nil {
		return err
	}
	rt.dropWalletClient(name)

	if err := c.UnloadWallet(&name); err != nil && !IsWalletNotFound(err) {
		return fmt.Errorf("unload wallet %s: %w", name, err)
	}
	return nil
}

// ListWallets returns the names of the loaded wallets.
func (rt *Regtest) ListWallets() ([]string, error) {
	c, err := rt.nodeClient()
	if err != nil {
		return nil, err
	}

	var names []string
	if err := rawRequest(c, "listwallets", &names); err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	return names, nil
}

// GetWalletInformation returns getwalletinfo for the named wallet.
func (rt *Regtest) GetWalletInformation(wallet string) (*WalletInfo, error) {
	c, err := rt.WalletClient(wallet)
	if err != nil {
		return nil, err
	}

	var info WalletInfo
	if err := rawRequest(c, "getwalletinfo", &info); err != nil {
		return nil, fmt.Errorf("get wallet info %s: %w", wallet, err)
	}
	return &info, nil
}

// NewAddress returns a fresh receive address of the given type from wallet.
func (rt *Regtest) NewAddress(wallet string, addrType AddressType) (string, error) {
	c, err := rt.WalletClient(wallet)
	if err != nil {
		return "", err
	}

	var addr string
	if err := rawRequest(c, "getnewaddress", &addr, "", string(addrType)); err != nil {
		return "", fmt.Errorf("get new %s address from %s: %w", addrType, wallet, err)
	}
	return addr, nil
}

// GenerateBech32 returns a new native segwit v0 address from wallet.
func (rt *Regtest) GenerateBech32(wallet string) (string, error) {
	return rt.NewAddress(wallet, AddressBech32)
}

// GenerateBech32m returns a new taproot address from wallet.
func (rt *Regtest) GenerateBech32m(wallet string) (string, error) {
	return rt.NewAddress(wallet, AddressBech32m)
}
