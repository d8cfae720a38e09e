package setup

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"

	regtest "github.com/neverDefined/regtest-multisig"
)

// mockNode is a testify mock of Node. WithChecksum is a fake that appends a
// fixed checksum so descriptors can be matched exactly.
type mockNode struct {
	mock.Mock
}

var _ Node = (*mockNode)(nil)

const fakeChecksum = "#chk00000"

func (m *mockNode) EnsureWallet(ctx context.Context, name string) error {
	return m.Called(name).Error(0)
}

func (m *mockNode) CreateWatchOnlyWallet(ctx context.Context, name string) error {
	return m.Called(name).Error(0)
}

func (m *mockNode) FundWallet(ctx context.Context, wallet string, target btcutil.Amount, batch int64) (string, error) {
	args := m.Called(wallet, target, batch)
	return args.String(0), args.Error(1)
}

func (m *mockNode) Warp(blocks int64, address string) error {
	return m.Called(blocks, address).Error(0)
}

func (m *mockNode) SendToAddress(ctx context.Context, wallet, address string, amount btcutil.Amount) (*chainhash.Hash, error) {
	args := m.Called(wallet, address, amount)
	res, _ := args.Get(0).(*chainhash.Hash)
	return res, args.Error(1)
}

func (m *mockNode) FindOutput(txid *chainhash.Hash, address string) (*regtest.Output, error) {
	args := m.Called(txid, address)
	res, _ := args.Get(0).(*regtest.Output)
	return res, args.Error(1)
}

func (m *mockNode) ListDescriptors(wallet string, private bool) ([]regtest.Descriptor, error) {
	args := m.Called(wallet, private)
	res, _ := args.Get(0).([]regtest.Descriptor)
	return res, args.Error(1)
}

func (m *mockNode) ActiveDescriptors(wallet string, private bool) ([]string, error) {
	args := m.Called(wallet, private)
	res, _ := args.Get(0).([]string)
	return res, args.Error(1)
}

func (m *mockNode) WithChecksum(desc string) (string, error) {
	return regtest.StripChecksum(desc) + fakeChecksum, nil
}

func (m *mockNode) DeriveAddresses(desc string, from, to int) ([]string, error) {
	args := m.Called(desc, from, to)
	res, _ := args.Get(0).([]string)
	return res, args.Error(1)
}

func (m *mockNode) CreateMultisig(n int, pubKeys []string, addrType regtest.AddressType) (*regtest.MultisigResult, error) {
	args := m.Called(n, pubKeys, addrType)
	res, _ := args.Get(0).(*regtest.MultisigResult)
	return res, args.Error(1)
}

func (m *mockNode) ImportDescriptors(wallet string, reqs []regtest.ImportRequest) error {
	return m.Called(wallet, reqs).Error(0)
}

func (m *mockNode) WaitForWalletSync(ctx context.Context, wallet string, want btcutil.Amount) error {
	return m.Called(wallet, want).Error(0)
}

func (m *mockNode) CreateRawTransaction(inputs []btcjson.TransactionInput, outputs map[string]btcutil.Amount) (*wire.MsgTx, error) {
	args := m.Called(inputs, outputs)
	res, _ := args.Get(0).(*wire.MsgTx)
	return res, args.Error(1)
}

func (m *mockNode) SignRawTransactionWithWallet(wallet string, tx *wire.MsgTx, prevTxs []regtest.PrevTx) (*wire.MsgTx, bool, error) {
	args := m.Called(wallet, tx, prevTxs)
	res, _ := args.Get(0).(*wire.MsgTx)
	return res, args.Bool(1), args.Error(2)
}

func (m *mockNode) BroadcastTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	args := m.Called(tx)
	res, _ := args.Get(0).(*chainhash.Hash)
	return res, args.Error(1)
}
