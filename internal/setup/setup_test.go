package setup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	regtest "github.com/neverDefined/regtest-multisig"
	"github.com/neverDefined/regtest-multisig/internal/caravan"
	"github.com/neverDefined/regtest-multisig/internal/multisig"
)

// Account keys (m/<purpose>'/1'/0') of two wallets seeded with 0x11.. and
// 0x22.., and their receive public keys at index 0.
const (
	aliceXfp = "71348c8a"
	bobXfp   = "0ebce71a"

	minerAddr    = "bcrt1qminer"
	multisigAddr = "bcrt1qmultisig"
	redeemScript = "5221ab21cd52ae"
)

type signerKey struct {
	tpub, tprv, pub0 string
}

var (
	alice = map[uint32]signerKey{
		84: {
			tpub: "tpubDCTb5JhwTc9S3pfEMNMajVPCEgCDxHTiBwmJgzLa2Znne2pPQ4dh1CjpS7ibiPBEXeJRJxddRaW1ZxxWyDvrndrQk8vqfco9Uvr7Eseo55L",
			tprv: "tprv8fmYvtfhKETmAMdSTigzL5j5fegHnxGoceAXQUJGcHzPoYZcmfp6pi7xFxqgsauBiDbpoQtCzX5b5qLSgvaJ5Yeh9N4kvF6EGFGXyXmpy6N",
			pub0: "02fe087ea146939fdcf81564259c7391bfbd74c4fa393913c0b89a86bea16d4965",
		},
		49: {
			tpub: "tpubDC4cRypn5w4uVn9E8GTjCnw9g1K9rraPSwfrFTTFriXBGBHe6oDCeGgcbWELw1Mpe5A1r2Hutpm8AriXD8jGqJhht7RMctGtJjmoBcjUaeh",
			tprv: "tprv8fNaHZnXwZPEcK7SEco8oPH36yoDhXPUse54xwQxSSinRh2sUQPcTn4kRLtFPqfkgHoj6sgyyGLR3e3xrJMBGuKUo4eDhrBf9Fz4DVf9by3",
			pub0: "03be18bbd379bf0c59d6f672a8ec83318e006a1b082a48bb2eb34ab6ddd2d1578d",
		},
		44: {
			tpub: "tpubDDQ4QMVqUvUTtdttiA5scX1xZeYncsVSGkGQvBfbboywvsLkTE5pLnstHuWqAbvgwjEzVo7fa4WVgNFWF6bc7keZ4p5qGT6ad7J1qNWLxtr",
			tprv: "tprv8gi2FwTbLYno1As6pWRHD7Mqzd2rTYJXhSfddfdJBYBZ6P5ypqGEAJG27k5QiSJqg23DijdTTijVzCxrxZXPntaSTjn4Phc8XDMRkz3iaF9",
			pub0: "02c9e27dafd38bc326d5d62fb41c17b739eb31681c17a5a63a6ced9c29f2599a03",
		},
	}
	bob = map[uint32]signerKey{
		84: {
			tpub: "tpubDCXmKn7bo4uUsnUDU1CLbCRRjVuurCunD5jRZMtFps71qwTgL1XUM8BJhcJYJqNhqTHUE8kU28GhApgz4o2FHjqE4ZC3QQN3k6VUa3z6ZMQ",
			tprv: "tprv8fqjBN5MehDozKSRaMXkBnmKAUPygsisdn8eGqqxQbJd1TCuhchtAdZSXScoQtLm5Dg6kYSz2TbC6CDpq2a4bU5ne1K9cMDFS1yDkf5Nrsx",
			pub0: "03d1d30ef45c59da5eb5b2ece29e44209d66f09be26f70cd8f247072ab7a51d28c",
		},
		49: {
			tpub: "tpubDDcQXnmQev7CGzoACEU961YqEVymJZBEfYquB5sDnCKRx7dV8bv5BRQuGgbjHx7Jh1dumFtuNoAGfZ84SavF4mRdH3McSFvHNzWUcznxAnd",
			tprv: "tprv8gvNPNjAWYRXPXmNJaoYgbtifUTq9DzL6FF7tZpvMvX37dNiWD6Uzvo36YTWbHBiajz3cRPnjkY7DdMPjEMsQAwukqUYpzq2gjWLvPUyZew",
			pub0: "03ce39687f3fa0df1dd62467e511e2dfec107345763fb8b490f58cfe91b6b825de",
		},
		44: {
			tpub: "tpubDCuDwnFBzFgmBNjrWHPL3FJjzvpCTJYewG5ydXKFNPpgQPn67HntYUttxDQkiP7iRiNiCtpqdX2AP2YU5EfiCkMd4oZ2idcRvzk9wfFNPtK",
			tprv: "tprv8gDBoNCwqt16Hui4cdijdqedRuJGHyMkMxVCM1Gwx82HZuXKUtyJMzH2n6HyVzGVgb52XywhAscJDpk3WiuXTtT11dwMTcmtZNTReW8V6A2",
			pub0: "0329c696a60d00638ea2c40a842b74ad923d1782d289469e62483a9d81baee7880",
		},
	}

	aliceTpub = alice[84].tpub
	bobTpub   = bob[84].tpub
)

// keyDesc is the active receive descriptor of a single-key wallet.
func keyDesc(st multisig.ScriptType, xfp, key string) string {
	expr := fmt.Sprintf("[%s/%dh/1h/0h]%s/0/*", xfp, st.Purpose(), key)
	return st.KeyDescriptorPrefix() + expr + strings.Repeat(")", strings.Count(st.KeyDescriptorPrefix(), "(")) + "#abcdefgh"
}

func wpkh(xfp, key string) string {
	return keyDesc(multisig.P2WSH, xfp, key)
}

// multiDesc is the 2-of-2 sortedmulti descriptor of st over the two keys on
// branch, as returned by the checksum fake.
func multiDesc(st multisig.ScriptType, aliceKey, bobKey, branch string) string {
	origin := func(xfp string) string { return fmt.Sprintf("[%s/%dh/1h/0h]", xfp, st.Purpose()) }
	inner := "sortedmulti(2," + origin(aliceXfp) + aliceKey + "/" + branch + "/*," +
		origin(bobXfp) + bobKey + "/" + branch + "/*)"
	switch st {
	case multisig.P2SHP2WSH:
		inner = "sh(wsh(" + inner + "))"
	case multisig.P2SH:
		inner = "sh(" + inner + ")"
	default:
		inner = "wsh(" + inner + ")"
	}
	return inner + fakeChecksum
}

func sortedMulti(aliceKey, bobKey, branch string) string {
	return multiDesc(multisig.P2WSH, aliceKey, bobKey, branch)
}

func testOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.Scenarios = []multisig.ScriptType{multisig.P2WSH}
	opts.OutputDir = t.TempDir()
	return opts
}

func newTestRunner(t *testing.T, opts Options) (*Runner, *mockNode) {
	t.Helper()

	node := &mockNode{}
	node.Test(t)
	t.Cleanup(func() { node.AssertExpectations(t) })

	r, err := NewRunner(node, opts)
	require.NoError(t, err)
	return r, node
}

func expectFundMiner(node *mockNode, target btcutil.Amount) {
	node.On("EnsureWallet", "miner").Return(nil).Once()
	node.On("FundWallet", "miner", target, int64(10)).Return(minerAddr, nil).Once()
}

// scenarioCase describes the node responses for one script type.
type scenarioCase struct {
	st           multisig.ScriptType
	addrType     regtest.AddressType
	scriptPubKey []byte
	coordinator  string
	bip32Path    string
}

var scenarioCases = []scenarioCase{
	{
		st:           multisig.P2WSH,
		addrType:     regtest.AddressBech32,
		scriptPubKey: append([]byte{0x00, 0x20}, make([]byte, 32)...),
		coordinator:  "P2WSH",
		bip32Path:    "m/84'/1'/0'",
	},
	{
		st:           multisig.P2SHP2WSH,
		addrType:     regtest.AddressP2SHSegwit,
		scriptPubKey: append(append([]byte{0xa9, 0x14}, make([]byte, 20)...), 0x87),
		coordinator:  "P2SH-P2WSH",
		bip32Path:    "m/49'/1'/0'",
	},
	{
		st:           multisig.P2SH,
		addrType:     regtest.AddressLegacy,
		scriptPubKey: append(append([]byte{0xa9, 0x14}, make([]byte, 20)...), 0x87),
		coordinator:  "P2SH",
		bip32Path:    "m/44'/1'/0'",
	},
}

// expectScenario sets up every call a scenario makes up to the spend check
// and returns the funding output.
func expectScenario(node *mockNode, tc scenarioCase, signer1, signer2, watcher string) *regtest.Output {
	oneBTC := btcutil.Amount(btcutil.SatoshiPerBitcoin)
	a, b := alice[tc.st.Purpose()], bob[tc.st.Purpose()]
	receive := multiDesc(tc.st, a.tpub, b.tpub, "0")
	change := multiDesc(tc.st, a.tpub, b.tpub, "1")

	// Signer keys.
	node.On("EnsureWallet", signer1).Return(nil).Once()
	node.On("EnsureWallet", signer2).Return(nil).Once()
	node.On("ActiveDescriptors", signer1, false).Return([]string{keyDesc(tc.st, aliceXfp, a.tpub)}, nil).Once()
	node.On("ActiveDescriptors", signer2, false).Return([]string{keyDesc(tc.st, bobXfp, b.tpub)}, nil).Once()

	// Address and cross-check.
	node.On("DeriveAddresses", receive, 0, 0).Return([]string{multisigAddr}, nil).Once()
	node.On("CreateMultisig", 2, []string{a.pub0, b.pub0}, tc.addrType).
		Return(&regtest.MultisigResult{Address: multisigAddr, RedeemScript: redeemScript}, nil).Once()

	// Funding.
	fundTxID := &chainhash.Hash{0x01}
	out := &regtest.Output{
		TxID:          fundTxID,
		Vout:          0,
		Amount:        oneBTC,
		ScriptPubKey:  tc.scriptPubKey,
		Confirmations: 1,
	}
	node.On("SendToAddress", "miner", multisigAddr, oneBTC).Return(fundTxID, nil).Once()
	node.On("FindOutput", fundTxID, multisigAddr).Return(out, nil).Once()

	// Watch-only wallet.
	node.On("CreateWatchOnlyWallet", watcher).Return(nil).Once()
	node.On("ImportDescriptors", watcher, []regtest.ImportRequest{
		{Desc: receive, Active: true, Range: []int{0, 1000}, Timestamp: regtest.RescanAll},
		{Desc: change, Active: true, Range: []int{0, 1000}, Timestamp: regtest.RescanAll, Internal: true},
	}).Return(nil).Once()
	node.On("WaitForWalletSync", watcher, oneBTC).Return(nil).Once()
	return out
}

func TestRunner_Run(t *testing.T) {
	for _, tc := range scenarioCases {
		t.Run(string(tc.st), func(t *testing.T) {
			opts := testOptions(t)
			opts.Scenarios = []multisig.ScriptType{tc.st}
			opts.SpendCheck = true
			r, node := newTestRunner(t, opts)

			oneBTC := btcutil.Amount(btcutil.SatoshiPerBitcoin)
			prefix := "regtest_" + string(tc.st)
			signer1, signer2 := prefix+"_signer_1", prefix+"_signer_2"
			watcher := prefix + "_watcher"
			a, b := alice[tc.st.Purpose()], bob[tc.st.Purpose()]
			receive := multiDesc(tc.st, a.tpub, b.tpub, "0")
			change := multiDesc(tc.st, a.tpub, b.tpub, "1")

			expectFundMiner(node, btcutil.Amount(50*btcutil.SatoshiPerBitcoin))
			out := expectScenario(node, tc, signer1, signer2, watcher)
			node.On("Warp", int64(1), minerAddr).Return(nil).Twice()

			// Spend check.
			tx := wire.NewMsgTx(wire.TxVersion)
			prev := regtest.PrevTx{
				TxID:         out.TxID.String(),
				Vout:         0,
				ScriptPubKey: hex.EncodeToString(tc.scriptPubKey),
				Amount:       1,
			}
			if tc.st == multisig.P2SH {
				prev.RedeemScript = redeemScript
			} else {
				prev.WitnessScript = redeemScript
			}
			prevs := []regtest.PrevTx{prev}
			node.On("CreateRawTransaction",
				[]btcjson.TransactionInput{{Txid: out.TxID.String(), Vout: 0}},
				map[string]btcutil.Amount{minerAddr: oneBTC - 10_000},
			).Return(tx, nil).Once()

			node.On("ListDescriptors", signer1, false).Return([]regtest.Descriptor{
				{Desc: keyDesc(tc.st, aliceXfp, a.tpub), Active: true},
			}, nil).Once()
			node.On("ActiveDescriptors", signer1, true).Return([]string{keyDesc(tc.st, aliceXfp, a.tprv)}, nil).Once()
			node.On("ImportDescriptors", signer1, []regtest.ImportRequest{{
				Desc:      multiDesc(tc.st, a.tprv, b.tpub, "0"),
				Range:     []int{0, 1000},
				Timestamp: regtest.RescanNone,
			}}).Return(nil).Once()
			node.On("SignRawTransactionWithWallet", signer1, tx, prevs).Return(tx, false, nil).Once()

			node.On("ListDescriptors", signer2, false).Return(nil, nil).Once()
			node.On("ActiveDescriptors", signer2, true).Return([]string{keyDesc(tc.st, bobXfp, b.tprv)}, nil).Once()
			node.On("ImportDescriptors", signer2, []regtest.ImportRequest{{
				Desc:      multiDesc(tc.st, a.tpub, b.tprv, "0"),
				Range:     []int{0, 1000},
				Timestamp: regtest.RescanNone,
			}}).Return(nil).Once()
			node.On("SignRawTransactionWithWallet", signer2, tx, prevs).Return(tx, true, nil).Once()

			spendTxID := &chainhash.Hash{0x02}
			node.On("BroadcastTransaction", tx).Return(spendTxID, nil).Once()

			results, err := r.Run(context.Background())
			require.NoError(t, err)
			require.Len(t, results, 1)

			res := results[0]
			assert.Equal(t, tc.st, res.Scenario)
			assert.Equal(t, watcher, res.Watcher)
			assert.Equal(t, multisigAddr, res.Address)
			assert.Equal(t, multisig.Pair{Receive: receive, Change: change}, res.Descriptors)
			assert.Equal(t, out.TxID.String(), res.FundingTxID)
			assert.Equal(t, spendTxID.String(), res.SpendTxID)
			assert.Equal(t, filepath.Join(opts.OutputDir, prefix+".json"), res.ConfigPath)

			cfg, err := caravan.Read(res.ConfigPath)
			require.NoError(t, err)
			assert.Equal(t, prefix, cfg.Name)
			assert.Equal(t, tc.coordinator, cfg.AddressType)
			assert.Equal(t, caravan.NetworkRegtest, cfg.Network)
			assert.Equal(t, caravan.Client{
				Type:       caravan.ClientPrivate,
				URL:        "http://127.0.0.1:18443",
				Username:   "user",
				WalletName: watcher,
			}, cfg.Client)
			assert.Equal(t, caravan.Quorum{RequiredSigners: 2, TotalSigners: 2}, cfg.Quorum)
			assert.Equal(t, []caravan.ExtendedPublicKey{
				{Name: "signer_1", Bip32Path: tc.bip32Path, Xpub: a.tpub, Xfp: aliceXfp, Method: caravan.MethodText},
				{Name: "signer_2", Bip32Path: tc.bip32Path, Xpub: b.tpub, Xfp: bobXfp, Method: caravan.MethodText},
			}, cfg.ExtendedPublicKeys)

			data, err := os.ReadFile(res.ConfigPath)
			require.NoError(t, err)
			assert.NotContains(t, string(data), "tprv")
		})
	}
}

func TestRunner_RerunSkipsSigningImport(t *testing.T) {
	tc := scenarioCases[0]
	opts := testOptions(t)
	opts.SpendCheck = true
	r, node := newTestRunner(t, opts)

	signer1, signer2 := "regtest_p2wsh_signer_1", "regtest_p2wsh_signer_2"
	expectFundMiner(node, btcutil.Amount(50*btcutil.SatoshiPerBitcoin))
	out := expectScenario(node, tc, signer1, signer2, "regtest_p2wsh_watcher")
	node.On("Warp", int64(1), minerAddr).Return(nil).Twice()

	tx := wire.NewMsgTx(wire.TxVersion)
	node.On("CreateRawTransaction", mock.Anything, mock.Anything).Return(tx, nil).Once()

	// Wallets loaded from an earlier run list the signing descriptor in
	// public form, with ' markers and their own checksum.
	imported := func(desc string) []regtest.Descriptor {
		desc = strings.ReplaceAll(regtest.StripChecksum(desc), "h/", "'/")
		desc = strings.ReplaceAll(desc, "h]", "']")
		return []regtest.Descriptor{
			{Desc: wpkh(aliceXfp, aliceTpub), Active: true},
			{Desc: desc + "#q9x4z7ad", Range: []int{0, 1000}},
		}
	}
	receive := sortedMulti(aliceTpub, bobTpub, "0")
	node.On("ListDescriptors", signer1, false).Return(imported(receive), nil).Once()
	node.On("ListDescriptors", signer2, false).Return(imported(receive), nil).Once()
	node.On("SignRawTransactionWithWallet", signer1, tx, mock.Anything).Return(tx, false, nil).Once()
	node.On("SignRawTransactionWithWallet", signer2, tx, mock.Anything).Return(tx, true, nil).Once()
	node.On("BroadcastTransaction", tx).Return(&chainhash.Hash{0x02}, nil).Once()

	results, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, out.TxID.String(), results[0].FundingTxID)

	node.AssertNotCalled(t, "ActiveDescriptors", signer1, true)
	node.AssertNotCalled(t, "ActiveDescriptors", signer2, true)
	node.AssertNotCalled(t, "ImportDescriptors", signer1, mock.Anything)
	node.AssertNotCalled(t, "ImportDescriptors", signer2, mock.Anything)
}

func TestNormalizeDescriptor(t *testing.T) {
	assert.Equal(t,
		"wsh(sortedmulti(2,[71348c8a/84h/1h/0h]tpubA/0/*,[0ebce71a/84h/1h/0h]tpubB/0/*))",
		normalizeDescriptor("wsh(sortedmulti(2,[71348c8a/84'/1'/0']tpubA/0/*,[0ebce71a/84h/1h/0h]tpubB/0/*))#abcd1234"))
}

func TestRunner_FundMinerFailureStopsRun(t *testing.T) {
	r, node := newTestRunner(t, testOptions(t))
	node.On("EnsureWallet", "miner").Return(errors.New("node down")).Once()

	results, err := r.Run(context.Background())
	assert.ErrorContains(t, err, "node down")
	assert.Empty(t, results)
}

func TestRunner_ScenarioFailuresAreJoined(t *testing.T) {
	opts := testOptions(t)
	opts.Scenarios = []multisig.ScriptType{multisig.P2WSH, multisig.P2SH}
	r, node := newTestRunner(t, opts)

	fee := btcutil.Amount(10_000)
	expectFundMiner(node, max(opts.MinerTarget, (opts.Amount+fee)*2))

	node.On("EnsureWallet", "regtest_p2wsh_signer_1").Return(errors.New("disk full")).Once()
	node.On("EnsureWallet", "regtest_p2sh_signer_1").Return(nil).Once()
	node.On("ActiveDescriptors", "regtest_p2sh_signer_1", false).
		Return([]string{wpkh(aliceXfp, aliceTpub)}, nil).Once()

	results, err := r.Run(context.Background())
	assert.Empty(t, results)
	require.Error(t, err)
	assert.ErrorContains(t, err, "scenario p2wsh: disk full")
	assert.ErrorContains(t, err, "scenario p2sh: signer regtest_p2sh_signer_1: no active pkh(")
}

func TestRunner_AddressMismatch(t *testing.T) {
	r, node := newTestRunner(t, testOptions(t))
	expectFundMiner(node, btcutil.Amount(50*btcutil.SatoshiPerBitcoin))

	node.On("EnsureWallet", mock.Anything).Return(nil).Twice()
	node.On("ActiveDescriptors", "regtest_p2wsh_signer_1", false).Return([]string{wpkh(aliceXfp, aliceTpub)}, nil).Once()
	node.On("ActiveDescriptors", "regtest_p2wsh_signer_2", false).Return([]string{wpkh(bobXfp, bobTpub)}, nil).Once()
	node.On("DeriveAddresses", mock.Anything, 0, 0).Return([]string{multisigAddr}, nil).Once()
	node.On("CreateMultisig", 2, mock.Anything, regtest.AddressBech32).
		Return(&regtest.MultisigResult{Address: "bcrt1qother"}, nil).Once()

	_, err := r.Run(context.Background())
	assert.ErrorContains(t, err, "does not match createmultisig address bcrt1qother")
}

func TestRunScenario_RequiresFundedMiner(t *testing.T) {
	r, _ := newTestRunner(t, testOptions(t))

	_, err := r.RunScenario(context.Background(), multisig.P2WSH)
	assert.ErrorContains(t, err, "miner is not funded")
}

func TestOptions_Validate(t *testing.T) {
	opts := DefaultOptions()
	opts.Scenarios = nil
	require.NoError(t, opts.Validate())
	assert.Equal(t, multisig.ScriptTypes, opts.Scenarios)

	opts.Scenarios = []multisig.ScriptType{multisig.P2SH, multisig.P2SH}
	require.NoError(t, opts.Validate())
	assert.Equal(t, []multisig.ScriptType{multisig.P2SH}, opts.Scenarios)

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no miner", func(o *Options) { o.MinerWallet = "" }},
		{"zero amount", func(o *Options) { o.Amount = 0 }},
		{"fee above amount", func(o *Options) {
			o.SpendCheck = true
			o.Fee = o.Amount
		}},
		{"no confirmations", func(o *Options) { o.Confirmations = 0 }},
		{"quorum", func(o *Options) { o.RequiredSigners = 3 }},
		{"negative range", func(o *Options) { o.ImportRange = -1 }},
		{"no output dir", func(o *Options) { o.OutputDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.mutate(&o)
			assert.Error(t, o.Validate())
		})
	}
}

func TestOptions_Names(t *testing.T) {
	opts := DefaultOptions()
	opts.TotalSigners = 3

	assert.Equal(t, []string{
		"regtest_p2sh-p2wsh_signer_1",
		"regtest_p2sh-p2wsh_signer_2",
		"regtest_p2sh-p2wsh_signer_3",
	}, opts.signerWallets(multisig.P2SHP2WSH))
	assert.Equal(t, "regtest_p2sh_watcher", opts.watcherWallet(multisig.P2SH))
	assert.Equal(t, "regtest_p2wsh", opts.configName(multisig.P2WSH))

	opts.WalletPrefix = ""
	assert.Equal(t, "p2wsh_watcher", opts.watcherWallet(multisig.P2WSH))
	assert.Equal(t, "p2wsh", opts.configName(multisig.P2WSH))
}
