// Package setup drives a regtest node through building multisig wallets and
// writes a coordinator config for each one.
package setup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	regtest "github.com/neverDefined/regtest-multisig"
	"github.com/neverDefined/regtest-multisig/internal/caravan"
	"github.com/neverDefined/regtest-multisig/internal/multisig"
)

// Node is the node access the pipeline needs. *regtest.Regtest implements it.
type Node interface {
	EnsureWallet(ctx context.Context, name string) error
	CreateWatchOnlyWallet(ctx context.Context, name string) error
	FundWallet(ctx context.Context, wallet string, target btcutil.Amount, batch int64) (string, error)
	Warp(blocks int64, address string) error
	SendToAddress(ctx context.Context, wallet, address string, amount btcutil.Amount) (*chainhash.Hash, error)
	FindOutput(txid *chainhash.Hash, address string) (*regtest.Output, error)
	ListDescriptors(wallet string, private bool) ([]regtest.Descriptor, error)
	ActiveDescriptors(wallet string, private bool) ([]string, error)
	WithChecksum(desc string) (string, error)
	DeriveAddresses(desc string, from, to int) ([]string, error)
	CreateMultisig(m int, pubKeys []string, addrType regtest.AddressType) (*regtest.MultisigResult, error)
	ImportDescriptors(wallet string, reqs []regtest.ImportRequest) error
	WaitForWalletSync(ctx context.Context, wallet string, want btcutil.Amount) error
	CreateRawTransaction(inputs []btcjson.TransactionInput, outputs map[string]btcutil.Amount) (*wire.MsgTx, error)
	SignRawTransactionWithWallet(wallet string, tx *wire.MsgTx, prevTxs []regtest.PrevTx) (*wire.MsgTx, bool, error)
	BroadcastTransaction(tx *wire.MsgTx) (*chainhash.Hash, error)
}

var _ Node = (*regtest.Regtest)(nil)

// Result describes one finished scenario.
type Result struct {
	Scenario    multisig.ScriptType
	ConfigPath  string
	Watcher     string
	Address     string
	Descriptors multisig.Pair
	FundingTxID string
	SpendTxID   string
}

// Runner runs the pipeline against a node.
type Runner struct {
	node      Node
	opts      Options
	minerAddr string
}

// NewRunner validates opts and returns a runner.
func NewRunner(node Node, opts Options) (*Runner, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return &Runner{node: node, opts: opts}, nil
}

// Run funds the miner, then runs every scenario. A failed scenario does not
// stop the others; the returned error joins every failure.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	if err := r.FundMiner(ctx); err != nil {
		return nil, err
	}

	log := zerolog.Ctx(ctx)

	var (
		results []Result
		errs    []error
	)
	for _, st := range r.opts.Scenarios {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		res, err := r.RunScenario(ctx, st)
		if err != nil {
			log.Error().Err(err).Stringer("scenario", st).Msg("scenario failed")
			errs = append(errs, fmt.Errorf("scenario %s: %w", st, err))
			continue
		}
		results = append(results, *res)
	}

	return results, errors.Join(errs...)
}

// FundMiner makes sure the miner wallet can pay for every scenario.
func (r *Runner) FundMiner(ctx context.Context) error {
	log := zerolog.Ctx(ctx)

	if err := r.node.EnsureWallet(ctx, r.opts.MinerWallet); err != nil {
		return err
	}

	target := r.opts.minerTarget()
	log.Info().Str("wallet", r.opts.MinerWallet).Stringer("target", target).Msg("funding miner")

	addr, err := r.node.FundWallet(ctx, r.opts.MinerWallet, target, r.opts.MiningBatch)
	if err != nil {
		return fmt.Errorf("fund miner: %w", err)
	}
	r.minerAddr = addr
	return nil
}

// RunScenario builds, funds and exports one multisig wallet. FundMiner must
// have run first.
func (r *Runner) RunScenario(ctx context.Context, st multisig.ScriptType) (*Result, error) {
	if r.minerAddr == "" {
		return nil, errors.New("miner is not funded")
	}

	log := zerolog.Ctx(ctx).With().Stringer("scenario", st).Logger()
	ctx = log.WithContext(ctx)

	signers := r.opts.signerWallets(st)
	keys, err := r.signerKeys(ctx, st, signers)
	if err != nil {
		return nil, err
	}

	pair, err := r.descriptors(st, keys)
	if err != nil {
		return nil, err
	}
	log.Info().Str("receive", pair.Receive).Str("change", pair.Change).Msg("built multisig descriptors")

	address, ms, err := r.firstAddress(st, keys, pair)
	if err != nil {
		return nil, err
	}

	out, err := r.fund(ctx, st, address)
	if err != nil {
		return nil, err
	}

	watcher := r.opts.watcherWallet(st)
	if err := r.watch(ctx, watcher, pair); err != nil {
		return nil, err
	}

	res := &Result{
		Scenario:    st,
		Watcher:     watcher,
		Address:     address,
		Descriptors: pair,
		FundingTxID: out.TxID.String(),
	}

	if r.opts.SpendCheck {
		txid, err := r.spend(ctx, st, signers, keys, pair.Receive, out, ms.RedeemScript)
		if err != nil {
			return nil, fmt.Errorf("spend check: %w", err)
		}
		res.SpendTxID = txid.String()
	}

	path, err := r.writeConfig(st, watcher, keys)
	if err != nil {
		return nil, err
	}
	res.ConfigPath = path

	log.Info().Str("config", path).Str("address", address).Msg("scenario complete")
	return res, nil
}

// signerKeys ensures every signer wallet and reads its account key.
func (r *Runner) signerKeys(ctx context.Context, st multisig.ScriptType, signers []string) ([]multisig.KeyOrigin, error) {
	log := zerolog.Ctx(ctx)

	keys := make([]multisig.KeyOrigin, 0, len(signers))
	for _, name := range signers {
		if err := r.node.EnsureWallet(ctx, name); err != nil {
			return nil, err
		}

		descs, err := r.node.ActiveDescriptors(name, false)
		if err != nil {
			return nil, err
		}
		key, err := multisig.AccountKey(st, descs)
		if err != nil {
			return nil, fmt.Errorf("signer %s: %w", name, err)
		}

		log.Debug().Str("wallet", name).Str("xfp", key.Fingerprint).
			Str("path", key.Bip32Path()).Msg("signer key")
		keys = append(keys, key)
	}
	return keys, nil
}

func (r *Runner) descriptors(st multisig.ScriptType, keys []multisig.KeyOrigin) (multisig.Pair, error) {
	pair, err := multisig.Build(st, r.opts.RequiredSigners, keys)
	if err != nil {
		return multisig.Pair{}, err
	}

	if pair.Receive, err = r.node.WithChecksum(pair.Receive); err != nil {
		return multisig.Pair{}, err
	}
	if pair.Change, err = r.node.WithChecksum(pair.Change); err != nil {
		return multisig.Pair{}, err
	}
	return pair, nil
}

// firstAddress derives receive address 0 and checks createmultisig agrees
// with the descriptor.
func (r *Runner) firstAddress(st multisig.ScriptType, keys []multisig.KeyOrigin, pair multisig.Pair) (string, *regtest.MultisigResult, error) {
	addrs, err := r.node.DeriveAddresses(pair.Receive, 0, 0)
	if err != nil {
		return "", nil, err
	}
	address := addrs[0]

	pubs, err := multisig.PubKeysAt(keys, multisig.ReceiveBranch, 0)
	if err != nil {
		return "", nil, err
	}
	ms, err := r.node.CreateMultisig(r.opts.RequiredSigners, pubs, regtest.AddressType(st.AddressType()))
	if err != nil {
		return "", nil, err
	}
	if ms.Address != address {
		return "", nil, fmt.Errorf("descriptor address %s does not match createmultisig address %s", address, ms.Address)
	}
	return address, ms, nil
}

// fund pays the multisig address from the miner and confirms the payment.
func (r *Runner) fund(ctx context.Context, st multisig.ScriptType, address string) (*regtest.Output, error) {
	log := zerolog.Ctx(ctx)

	txid, err := r.node.SendToAddress(ctx, r.opts.MinerWallet, address, r.opts.Amount)
	if err != nil {
		return nil, err
	}
	if err := r.node.Warp(r.opts.Confirmations, r.minerAddr); err != nil {
		return nil, err
	}

	out, err := r.node.FindOutput(txid, address)
	if err != nil {
		return nil, err
	}
	if out.Confirmations < r.opts.Confirmations {
		return nil, fmt.Errorf("funding %s has %d confirmations, want %d", txid, out.Confirmations, r.opts.Confirmations)
	}
	if class := txscript.GetScriptClass(out.ScriptPubKey); class != st.ScriptClass() {
		return nil, fmt.Errorf("funding output is %s, want %s", class, st.ScriptClass())
	}

	log.Info().Stringer("txid", txid).Uint32("vout", out.Vout).Stringer("amount", out.Amount).
		Int64("confirmations", out.Confirmations).Msg("multisig address funded")
	return out, nil
}

// watch creates the watch-only wallet, imports the descriptor pair with a
// full rescan and waits for it to see the funds.
func (r *Runner) watch(ctx context.Context, watcher string, pair multisig.Pair) error {
	if err := r.node.CreateWatchOnlyWallet(ctx, watcher); err != nil {
		return err
	}

	rng := []int{0, r.opts.ImportRange}
	reqs := []regtest.ImportRequest{
		{Desc: pair.Receive, Active: true, Range: rng, Timestamp: regtest.RescanAll, Internal: false},
		{Desc: pair.Change, Active: true, Range: rng, Timestamp: regtest.RescanAll, Internal: true},
	}
	if err := r.node.ImportDescriptors(watcher, reqs); err != nil {
		return err
	}

	return r.node.WaitForWalletSync(ctx, watcher, r.opts.Amount)
}

// enableSigning imports the receive descriptor into the signer wallet with
// the signer's own key in private form, so the wallet knows the multisig
// script and holds a key for it. A wallet that already holds the descriptor
// from an earlier run is left alone: once it is imported, listdescriptors
// with private=true fails on that wallet.
func (r *Runner) enableSigning(ctx context.Context, st multisig.ScriptType, wallet string, keys []multisig.KeyOrigin, i int, receive string) error {
	held, err := r.hasDescriptor(wallet, receive)
	if err != nil {
		return err
	}
	if held {
		zerolog.Ctx(ctx).Debug().Str("wallet", wallet).Msg("signing descriptor already imported")
		return nil
	}

	descs, err := r.node.ActiveDescriptors(wallet, true)
	if err != nil {
		return err
	}
	priv, err := multisig.AccountKey(st, descs)
	if err != nil {
		return fmt.Errorf("signer %s: %w", wallet, err)
	}

	signing := slices.Clone(keys)
	if signing[i], err = keys[i].WithPrivate(priv.Xpub); err != nil {
		return fmt.Errorf("signer %s: %w", wallet, err)
	}
	pair, err := multisig.Build(st, r.opts.RequiredSigners, signing)
	if err != nil {
		return err
	}
	desc, err := r.node.WithChecksum(pair.Receive)
	if err != nil {
		return err
	}

	return r.node.ImportDescriptors(wallet, []regtest.ImportRequest{{
		Desc:      desc,
		Range:     []int{0, r.opts.ImportRange},
		Timestamp: regtest.RescanNone,
	}})
}

// hasDescriptor reports whether wallet holds desc, compared in public form
// without checksums.
func (r *Runner) hasDescriptor(wallet, desc string) (bool, error) {
	descs, err := r.node.ListDescriptors(wallet, false)
	if err != nil {
		return false, err
	}
	want := normalizeDescriptor(desc)
	return lo.ContainsBy(descs, func(d regtest.Descriptor) bool {
		return normalizeDescriptor(d.Desc) == want
	}), nil
}

// normalizeDescriptor drops the checksum and writes hardened steps as h.
// Base58 keys never contain a quote, so the replacement only touches paths.
func normalizeDescriptor(desc string) string {
	return strings.ReplaceAll(regtest.StripChecksum(desc), "'", "h")
}

// spend sends the funded output back to the miner, signing with the first
// RequiredSigners signer wallets in turn.
func (r *Runner) spend(ctx context.Context, st multisig.ScriptType, signers []string, keys []multisig.KeyOrigin, receive string, out *regtest.Output, script string) (*chainhash.Hash, error) {
	log := zerolog.Ctx(ctx)

	prev := regtest.PrevTx{
		TxID:         out.TxID.String(),
		Vout:         out.Vout,
		ScriptPubKey: hex.EncodeToString(out.ScriptPubKey),
		Amount:       out.Amount.ToBTC(),
	}
	if st.IsSegwit() {
		prev.WitnessScript = script
	} else {
		prev.RedeemScript = script
	}

	tx, err := r.node.CreateRawTransaction(
		[]btcjson.TransactionInput{{Txid: prev.TxID, Vout: prev.Vout}},
		map[string]btcutil.Amount{r.minerAddr: out.Amount - r.opts.Fee},
	)
	if err != nil {
		return nil, err
	}

	complete := false
	for i, name := range lo.Slice(signers, 0, r.opts.RequiredSigners) {
		if err := r.enableSigning(ctx, st, name, keys, i, receive); err != nil {
			return nil, err
		}
		tx, complete, err = r.node.SignRawTransactionWithWallet(name, tx, []regtest.PrevTx{prev})
		if err != nil {
			return nil, err
		}
		log.Debug().Str("wallet", name).Bool("complete", complete).Msg("signed spend")
	}
	if !complete {
		return nil, fmt.Errorf("spend not fully signed by %d signers", r.opts.RequiredSigners)
	}

	txid, err := r.node.BroadcastTransaction(tx)
	if err != nil {
		return nil, err
	}
	if err := r.node.Warp(1, r.minerAddr); err != nil {
		return nil, err
	}

	log.Info().Stringer("txid", txid).Msg("spent multisig output")
	return txid, nil
}

func (r *Runner) writeConfig(st multisig.ScriptType, watcher string, keys []multisig.KeyOrigin) (string, error) {
	name := r.opts.configName(st)
	cfg := &caravan.Config{
		Name:        name,
		AddressType: st.CoordinatorType(),
		Network:     caravan.NetworkRegtest,
		Client: caravan.Client{
			Type:       caravan.ClientPrivate,
			URL:        r.opts.ClientURL,
			Username:   r.opts.ClientUser,
			WalletName: watcher,
		},
		Quorum: caravan.Quorum{
			RequiredSigners: r.opts.RequiredSigners,
			TotalSigners:    len(keys),
		},
		ExtendedPublicKeys: lo.Map(keys, func(k multisig.KeyOrigin, i int) caravan.ExtendedPublicKey {
			return caravan.ExtendedPublicKey{
				Name:      fmt.Sprintf("signer_%d", i+1),
				Bip32Path: k.Bip32Path(),
				Xpub:      k.Xpub,
				Xfp:       k.Fingerprint,
				Method:    caravan.MethodText,
			}
		}),
		StartingAddressIndex: 0,
	}

	path := filepath.Join(r.opts.OutputDir, caravan.FileName(name))
	if err := caravan.Write(path, cfg); err != nil {
		return "", err
	}
	return path, nil
}
