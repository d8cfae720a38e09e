package regtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"
)

// RPCClient is the part of *rpcclient.Client used by Regtest.
type RPCClient interface {
	GetBlockCount() (int64, error)
	LoadWallet(walletName string) (*btcjson.LoadWalletResult, error)
	UnloadWallet(walletName *string) error
	GetBalances() (*btcjson.GetBalancesResult, error)
	GenerateToAddress(numBlocks int64, address btcutil.Address, maxTries *int64) ([]*chainhash.Hash, error)
	SendToAddress(address btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error)
	GetTxOut(txHash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error)
	CreateRawTransaction(inputs []btcjson.TransactionInput, amounts map[btcutil.Address]btcutil.Amount, lockTime *int64) (*wire.MsgTx, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	GetDescriptorInfo(descriptor string) (*btcjson.GetDescriptorInfoResult, error)
	DeriveAddresses(descriptor string, descriptorRange *btcjson.DescriptorRange) (*btcjson.DeriveAddressesResult, error)
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
	Shutdown()
}

var _ RPCClient = (*rpcclient.Client)(nil)

// Dialer opens an RPC client for a connection config.
type Dialer func(cfg *rpcclient.ConnConfig) (RPCClient, error)

func dialRPC(cfg *rpcclient.ConnConfig) (RPCClient, error) {
	return rpcclient.New(cfg, nil)
}

// ErrNotStarted is returned by RPC helpers called before Start.
var ErrNotStarted = errors.New("regtest: not started")

// netParams is the only network this package talks to.
var netParams = &chaincfg.RegressionNetParams

// Regtest is a handle on one regtest node and its wallets. It is safe for
// concurrent use.
type Regtest struct {
	mu      sync.Mutex
	cfg     *Config
	log     zerolog.Logger
	dial    Dialer
	backoff RetryPolicy
	poll    RetryPolicy
	client  RPCClient
	wallets map[string]RPCClient
	started bool
}

// Option customizes a Regtest.
type Option func(*Regtest)

// WithLogger sets the logger used for retries and progress messages.
func WithLogger(log zerolog.Logger) Option {
	return func(rt *Regtest) { rt.log = log }
}

// WithDialer replaces the RPC client constructor.
func WithDialer(dial Dialer) Option {
	return func(rt *Regtest) { rt.dial = dial }
}

// WithRetryPolicy sets the budget for retrying transient RPC errors.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(rt *Regtest) { rt.backoff = p }
}

// WithSyncPolicy sets the polling budget used by WaitForWalletSync.
func WithSyncPolicy(p RetryPolicy) Option {
	return func(rt *Regtest) { rt.poll = p }
}

// New returns a Regtest for cfg, or for the package configuration when cfg is
// nil. No connection is made until Start.
func New(cfg *Config, opts ...Option) (*Regtest, error) {
	if cfg == nil {
		cfg = GetConfig()
	} else {
		cfg = cfg.clone()
	}
	if !cfg.IsValid() {
		return nil, fmt.Errorf("invalid regtest config: host and credentials are required")
	}

	rt := &Regtest{
		cfg:     cfg,
		log:     zerolog.Nop(),
		dial:    dialRPC,
		backoff: DefaultRetryPolicy,
		poll:    DefaultSyncPolicy,
		wallets: make(map[string]RPCClient),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt, nil
}

// Config returns a copy of the configuration this instance uses.
func (rt *Regtest) Config() *Config {
	return rt.cfg.clone()
}

// Start connects to the node, starting it first when the config asks for a
// managed node.
func (rt *Regtest) Start() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.started {
		return nil
	}

	if rt.cfg.ManageNode {
		rt.log.Info().Str("datadir", rt.cfg.DataDir).Msg("starting bitcoind")
		if err := StartBitcoinRegtest(rt.cfg); err != nil {
			return err
		}
	}

	client, err := rt.dial(rt.cfg.ConnConfig(""))
	if err != nil {
		return fmt.Errorf("failed to connect via rpc client: %w", err)
	}
	rt.client = client
	rt.started = true

	rt.log.Debug().Str("host", rt.cfg.Host).Msg("connected to bitcoind")
	return nil
}

// Stop shuts down every RPC client and, for a managed node, stops bitcoind.
func (rt *Regtest) Stop() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.started {
		return nil
	}

	for name, c := range rt.wallets {
		c.Shutdown()
		delete(rt.wallets, name)
	}
	rt.client.Shutdown()
	rt.client = nil
	rt.started = false

	if rt.cfg.ManageNode {
		rt.log.Info().Msg("stopping bitcoind")
		return StopBitcoinRegtest(rt.cfg)
	}
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (rt *Regtest) IsRunning() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.started
}

// Client returns the node-level RPC client.
func (rt *Regtest) Client() RPCClient {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.client
}

func (rt *Regtest) nodeClient() (RPCClient, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.started {
		return nil, ErrNotStarted
	}
	return rt.client, nil
}

// WalletClient returns an RPC client scoped to the named wallet
// (host/wallet/<name>). Clients are cached until Stop.
func (rt *Regtest) WalletClient(name string) (RPCClient, error) {
	if name == "" {
		return rt.nodeClient()
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.started {
		return nil, ErrNotStarted
	}
	if c, ok := rt.wallets[name]; ok {
		return c, nil
	}

	c, err := rt.dial(rt.cfg.ConnConfig(name))
	if err != nil {
		return nil, fmt.Errorf("connect to wallet %s: %w", name, err)
	}
	rt.wallets[name] = c
	return c, nil
}

// dropWalletClient forgets the cached client of an unloaded wallet.
func (rt *Regtest) dropWalletClient(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if c, ok := rt.wallets[name]; ok {
		c.Shutdown()
		delete(rt.wallets, name)
	}
}

// HealthCheck verifies the node answers RPC calls.
func (rt *Regtest) HealthCheck() error {
	if _, err := rt.GetBlockCount(); err != nil {
		return fmt.Errorf("failed to get block count (health check): %w", err)
	}
	return nil
}

// rawRequest marshals params and unmarshals the result into out (when out is
// not nil).
func rawRequest(c RPCClient, method string, out any, params ...any) error {
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("%s: marshal param: %w", method, err)
		}
		raw = append(raw, b)
	}

	res, err := c.RawRequest(method, raw)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	return nil
}

func decodeAddress(address string) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(address, netParams)
	if err != nil {
		return nil, fmt.Errorf("decode address %s: %w", address, err)
	}
	return addr, nil
}
