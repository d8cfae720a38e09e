/*
Package regtest drives a Bitcoin Core regtest node over RPC to build funded
multisig wallets.

A Regtest wraps one node. It connects to a node that is already running, or
starts and stops one through scripts/bitcoind_manager.sh when the config sets
ManageNode. Wallet RPCs go through per-wallet clients on host/wallet/<name>.

Quick Start

	rt, err := regtest.New(nil, regtest.WithLogger(log))
	if err != nil {
		return err
	}
	if err := rt.Start(); err != nil {
		return err
	}
	defer rt.Stop()

	if err := rt.EnsureWallet(ctx, "miner"); err != nil {
		return err
	}
	addr, err := rt.FundWallet(ctx, "miner", 50*btcutil.SatoshiPerBitcoin, 10)

# Configuration

Default settings:
  - RPC host: 127.0.0.1:18443
  - RPC user: user
  - RPC pass: pass
  - Data directory: ./bitcoind_regtest

Pass a Config to New, or set the package default with SetConfig. A cookie file
(CookiePath) replaces user and password.

# Retries

Nodes reject calls for a while after startup, while a wallet loads or
rescans, and when freshly mined coins are not yet spendable. Wallet lifecycle
and funding calls retry those errors (see IsTransient) under the RetryPolicy
set with WithRetryPolicy. WaitForWalletSync polls a wallet under the policy
set with WithSyncPolicy until its rescan is done and its balance reaches a
target.

# Descriptors

ListDescriptors, ActiveDescriptors, WithChecksum, DeriveAddresses,
ImportDescriptors and CreateMultisig expose the descriptor RPCs the multisig
setup is built on. Building the descriptors themselves lives in
internal/multisig.

# Thread Safety

All Regtest methods are safe for concurrent use.

# Prerequisites

Install Bitcoin Core:
  - macOS: brew install bitcoin
  - Ubuntu/Debian: sudo apt-get install bitcoind
  - Arch: sudo pacman -S bitcoin-core

NOT for production use.
*/
package regtest
