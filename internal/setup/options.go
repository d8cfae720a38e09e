package setup

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/samber/lo"

	"github.com/neverDefined/regtest-multisig/internal/multisig"
)

// Options controls one run of the pipeline.
type Options struct {
	// Scenarios are run in order. Empty means every script type.
	Scenarios []multisig.ScriptType

	// WalletPrefix namespaces every wallet the run creates.
	WalletPrefix string

	// MinerWallet receives block rewards and funds the multisig addresses.
	MinerWallet string

	// MinerTarget is the balance the miner is funded to before scenarios run.
	MinerTarget btcutil.Amount

	// MiningBatch is the number of blocks mined per funding round after the
	// first.
	MiningBatch int64

	// Amount is sent to each multisig address.
	Amount btcutil.Amount

	// Fee is paid by the spend check transaction.
	Fee btcutil.Amount

	// Confirmations is the number of blocks mined on top of the funding
	// transaction.
	Confirmations int64

	RequiredSigners int
	TotalSigners    int

	// ImportRange is the last index imported for both descriptors.
	ImportRange int

	// SpendCheck spends the funded output back to the miner with signatures
	// from the signer wallets.
	SpendCheck bool

	// OutputDir receives one coordinator config per scenario.
	OutputDir string

	// ClientURL and ClientUser are written to the coordinator configs.
	ClientURL  string
	ClientUser string
}

// DefaultOptions returns a 2-of-2 setup over every script type.
func DefaultOptions() Options {
	return Options{
		Scenarios:       multisig.ScriptTypes,
		WalletPrefix:    "regtest",
		MinerWallet:     "miner",
		MinerTarget:     btcutil.Amount(50 * btcutil.SatoshiPerBitcoin),
		MiningBatch:     10,
		Amount:          btcutil.Amount(btcutil.SatoshiPerBitcoin),
		Fee:             btcutil.Amount(10_000),
		Confirmations:   1,
		RequiredSigners: 2,
		TotalSigners:    2,
		ImportRange:     1000,
		OutputDir:       "./configs",
		ClientURL:       "http://127.0.0.1:18443",
		ClientUser:      "user",
	}
}

// Validate checks the options and fills in defaults for empty scenarios.
func (o *Options) Validate() error {
	if len(o.Scenarios) == 0 {
		o.Scenarios = multisig.ScriptTypes
	}
	o.Scenarios = lo.Uniq(o.Scenarios)

	var errs []error
	if o.MinerWallet == "" {
		errs = append(errs, errors.New("miner wallet name is required"))
	}
	if o.Amount <= 0 {
		errs = append(errs, fmt.Errorf("amount must be positive, got %s", o.Amount))
	}
	if o.SpendCheck && o.Fee >= o.Amount {
		errs = append(errs, fmt.Errorf("fee %s must be below amount %s", o.Fee, o.Amount))
	}
	if o.Confirmations < 1 {
		errs = append(errs, fmt.Errorf("confirmations must be at least 1, got %d", o.Confirmations))
	}
	if o.TotalSigners < 1 || o.RequiredSigners < 1 || o.RequiredSigners > o.TotalSigners {
		errs = append(errs, fmt.Errorf("invalid quorum %d-of-%d", o.RequiredSigners, o.TotalSigners))
	}
	if o.ImportRange < 0 {
		errs = append(errs, fmt.Errorf("import range must not be negative, got %d", o.ImportRange))
	}
	if o.OutputDir == "" {
		errs = append(errs, errors.New("output dir is required"))
	}
	return errors.Join(errs...)
}

// minerTarget is the balance needed to fund every scenario.
func (o *Options) minerTarget() btcutil.Amount {
	need := (o.Amount + o.Fee) * btcutil.Amount(len(o.Scenarios))
	return max(o.MinerTarget, need)
}

func (o *Options) walletName(st multisig.ScriptType, role string) string {
	if o.WalletPrefix == "" {
		return fmt.Sprintf("%s_%s", st, role)
	}
	return fmt.Sprintf("%s_%s_%s", o.WalletPrefix, st, role)
}

func (o *Options) signerWallets(st multisig.ScriptType) []string {
	return lo.Times(o.TotalSigners, func(i int) string {
		return o.walletName(st, fmt.Sprintf("signer_%d", i+1))
	})
}

func (o *Options) watcherWallet(st multisig.ScriptType) string {
	return o.walletName(st, "watcher")
}

// configName is the coordinator wallet name for a scenario.
func (o *Options) configName(st multisig.ScriptType) string {
	if o.WalletPrefix == "" {
		return string(st)
	}
	return o.WalletPrefix + "_" + string(st)
}
