package mocks

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
)

// MockRPCClient is a mock implementation of the regtest.RPCClient interface
type MockRPCClient struct {
	mock.Mock
}

// NewMockRPCClient returns a mock that asserts its expectations on cleanup.
func NewMockRPCClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockRPCClient {
	m := &MockRPCClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

// GetBlockCount mocks the GetBlockCount method
func (m *MockRPCClient) GetBlockCount() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}

// LoadWallet mocks the LoadWallet method
func (m *MockRPCClient) LoadWallet(walletName string) (*btcjson.LoadWalletResult, error) {
	args := m.Called(walletName)
	res, _ := args.Get(0).(*btcjson.LoadWalletResult)
	return res, args.Error(1)
}

// UnloadWallet mocks the UnloadWallet method
func (m *MockRPCClient) UnloadWallet(walletName *string) error {
	args := m.Called(*walletName)
	return args.Error(0)
}

// GetBalances mocks the GetBalances method
func (m *MockRPCClient) GetBalances() (*btcjson.GetBalancesResult, error) {
	args := m.Called()
	res, _ := args.Get(0).(*btcjson.GetBalancesResult)
	return res, args.Error(1)
}

// GenerateToAddress mocks the GenerateToAddress method
func (m *MockRPCClient) GenerateToAddress(numBlocks int64, address btcutil.Address, maxTries *int64) ([]*chainhash.Hash, error) {
	args := m.Called(numBlocks, address.EncodeAddress())
	res, _ := args.Get(0).([]*chainhash.Hash)
	return res, args.Error(1)
}

// SendToAddress mocks the SendToAddress method
func (m *MockRPCClient) SendToAddress(address btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error) {
	args := m.Called(address.EncodeAddress(), amount)
	res, _ := args.Get(0).(*chainhash.Hash)
	return res, args.Error(1)
}

// GetTxOut mocks the GetTxOut method
func (m *MockRPCClient) GetTxOut(txHash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error) {
	args := m.Called(txHash, index, mempool)
	res, _ := args.Get(0).(*btcjson.GetTxOutResult)
	return res, args.Error(1)
}

// CreateRawTransaction mocks the CreateRawTransaction method
func (m *MockRPCClient) CreateRawTransaction(inputs []btcjson.TransactionInput, amounts map[btcutil.Address]btcutil.Amount, lockTime *int64) (*wire.MsgTx, error) {
	args := m.Called(inputs, amounts, lockTime)
	res, _ := args.Get(0).(*wire.MsgTx)
	return res, args.Error(1)
}

// SendRawTransaction mocks the SendRawTransaction method
func (m *MockRPCClient) SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error) {
	args := m.Called(tx, allowHighFees)
	res, _ := args.Get(0).(*chainhash.Hash)
	return res, args.Error(1)
}

// GetDescriptorInfo mocks the GetDescriptorInfo method
func (m *MockRPCClient) GetDescriptorInfo(descriptor string) (*btcjson.GetDescriptorInfoResult, error) {
	args := m.Called(descriptor)
	res, _ := args.Get(0).(*btcjson.GetDescriptorInfoResult)
	return res, args.Error(1)
}

// DeriveAddresses mocks the DeriveAddresses method
func (m *MockRPCClient) DeriveAddresses(descriptor string, descriptorRange *btcjson.DescriptorRange) (*btcjson.DeriveAddressesResult, error) {
	args := m.Called(descriptor, descriptorRange)
	res, _ := args.Get(0).(*btcjson.DeriveAddressesResult)
	return res, args.Error(1)
}

// RawRequest mocks the RawRequest method. Expectations match on the method
// name and the params joined as a JSON array, e.g. `["miner",false]`.
func (m *MockRPCClient) RawRequest(method string, params []json.RawMessage) (json.RawMessage, error) {
	joined, _ := json.Marshal(params)
	args := m.Called(method, string(joined))
	var res json.RawMessage
	switch v := args.Get(0).(type) {
	case string:
		res = json.RawMessage(v)
	case json.RawMessage:
		res = v
	}
	return res, args.Error(1)
}

// Shutdown mocks the Shutdown method
func (m *MockRPCClient) Shutdown() {
	m.Called()
}
