package regtest

import (
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
)

// Bitcoin Core RPC error codes handled by this package.
const (
	CodeMisc                btcjson.RPCErrorCode = -1
	CodeWallet              btcjson.RPCErrorCode = -4
	CodeInvalidAddress      btcjson.RPCErrorCode = -5
	CodeInsufficientFunds   btcjson.RPCErrorCode = -6
	CodeWalletNotFound      btcjson.RPCErrorCode = -18
	CodeInWarmup            btcjson.RPCErrorCode = -28
	CodeWalletAlreadyLoaded btcjson.RPCErrorCode = -35
)

// RPCErrorCode returns the code of a Bitcoin Core RPC error, or 0 when err is
// not one.
func RPCErrorCode(err error) btcjson.RPCErrorCode {
	rpcErr := new(btcjson.RPCError)
	if !errors.As(err, &rpcErr) {
		return 0
	}

	return rpcErr.Code
}

func rpcErrorMessage(err error) string {
	rpcErr := new(btcjson.RPCError)
	if !errors.As(err, &rpcErr) {
		return ""
	}
	return rpcErr.Message
}

// IsTransient reports whether err is worth retrying after a short delay.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch code := RPCErrorCode(err); {
	case code == CodeInWarmup:
		return true

	case code == CodeWallet:
		msg := strings.ToLower(rpcErrorMessage(err))
		return strings.Contains(msg, "already loading") ||
			strings.Contains(msg, "rescanning")

	// Freshly mined coinbase outputs are not spendable until the wallet
	// has processed the blocks.
	case code == CodeInsufficientFunds:
		return true

	case code != 0:
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "Work queue depth exceeded") ||
		strings.HasSuffix(msg, "EOF")
}

// IsWalletExists reports whether err is createwallet refusing to overwrite
// an existing wallet.
func IsWalletExists(err error) bool {
	return RPCErrorCode(err) == CodeWallet &&
		strings.Contains(strings.ToLower(rpcErrorMessage(err)), "already exists")
}

// IsWalletLoaded reports whether err says the wallet is already loaded.
func IsWalletLoaded(err error) bool {
	return RPCErrorCode(err) == CodeWalletAlreadyLoaded
}

// IsWalletNotFound reports whether err says the wallet is not loaded or does
// not exist.
func IsWalletNotFound(err error) bool {
	return RPCErrorCode(err) == CodeWalletNotFound
}
