package regtest

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// maxOutputScan bounds the outputs inspected when looking for a payment.
const maxOutputScan = 16

// SendToAddress pays amount to address from wallet, retrying while freshly
// mined funds are not yet spendable.
func (rt *Regtest) SendToAddress(ctx context.Context, wallet, address string, amount btcutil.Amount) (*chainhash.Hash, error) {
	c, err := rt.WalletClient(wallet)
	if err != nil {
		return nil, err
	}
	addr, err := decodeAddress(address)
	if err != nil {
		return nil, err
	}

	var txid *chainhash.Hash
	err = rt.retry(ctx, "sendtoaddress", func() error {
		txid, err = c.SendToAddress(addr, amount)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", amount, address, err)
	}

	rt.log.Info().Str("wallet", wallet).Str("address", address).
		Stringer("amount", amount).Stringer("txid", txid).Msg("sent to address")
	return txid, nil
}

// GetTxOut returns an unspent output, or nil when it is spent or unknown.
func (rt *Regtest) GetTxOut(txid *chainhash.Hash, vout uint32, mempool bool) (*btcjson.GetTxOutResult, error) {
	c, err := rt.nodeClient()
	if err != nil {
		return nil, err
	}
	return c.GetTxOut(txid, vout, mempool)
}

// Output is an unspent transaction output paying a known address.
type Output struct {
	TxID          *chainhash.Hash
	Vout          uint32
	Amount        btcutil.Amount
	ScriptPubKey  []byte
	Confirmations int64
}

// FindOutput locates the unspent output of txid that pays address.
func (rt *Regtest) FindOutput(txid *chainhash.Hash, address string) (*Output, error) {
	addr, err := decodeAddress(address)
	if err != nil {
		return nil, err
	}
	want, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("script for %s: %w", address, err)
	}

	for vout := uint32(0); vout < maxOutputScan; vout++ {
		res, err := rt.GetTxOut(txid, vout, true)
		if err != nil {
			return nil, fmt.Errorf("get tx out %s:%d: %w", txid, vout, err)
		}
		if res == nil {
			continue
		}

		script, err := hex.DecodeString(res.ScriptPubKey.Hex)
		if err != nil {
			return nil, fmt.Errorf("decode script of %s:%d: %w", txid, vout, err)
		}
		if !bytes.Equal(script, want) {
			continue
		}

		amount, err := btcutil.NewAmount(res.Value)
		if err != nil {
			return nil, err
		}
		return &Output{
			TxID:          txid,
			Vout:          vout,
			Amount:        amount,
			ScriptPubKey:  script,
			Confirmations: res.Confirmations,
		}, nil
	}

	return nil, fmt.Errorf("no unspent output of %s pays %s", txid, address)
}

// UTXO is one entry of scantxoutset.
type UTXO struct {
	TxID         string  `json:"txid"`
	Vout         uint32  `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	Descriptor   string  `json:"desc"`
	Amount       float64 `json:"amount"`
	Height       int64   `json:"height"`
}

// ScanTxOutSetForAddress returns the confirmed UTXOs paying address, found
// with scantxoutset (no wallet needed).
func (rt *Regtest) ScanTxOutSetForAddress(address string) ([]UTXO, error) {
	c, err := rt.nodeClient()
	if err != nil {
		return nil, err
	}

	type scanObject struct {
		Desc string `json:"desc"`
	}
	var res struct {
		Success  bool   `json:"success"`
		Unspents []UTXO `json:"unspents"`
	}
	err = rawRequest(c, "scantxoutset", &res,
		"start", []scanObject{{Desc: "addr(" + address + ")"}})
	if err != nil {
		return nil, fmt.Errorf("scan utxo set for %s: %w", address, err)
	}
	if !res.Success {
		return nil, fmt.Errorf("scan utxo set for %s did not complete", address)
	}
	return res.Unspents, nil
}

// CreateRawTransaction builds an unsigned transaction spending inputs to the
// given address amounts.
func (rt *Regtest) CreateRawTransaction(inputs []btcjson.TransactionInput, outputs map[string]btcutil.Amount) (*wire.MsgTx, error) {
	c, err := rt.nodeClient()
	if err != nil {
		return nil, err
	}

	amounts := make(map[btcutil.Address]btcutil.Amount, len(outputs))
	for address, amount := range outputs {
		addr, err := decodeAddress(address)
		if err != nil {
			return nil, err
		}
		amounts[addr] = amount
	}

	tx, err := c.CreateRawTransaction(inputs, amounts, nil)
	if err != nil {
		return nil, fmt.Errorf("create raw transaction: %w", err)
	}
	return tx, nil
}

// PrevTx describes a previous output the signing wallet does not know
// about, as accepted by signrawtransactionwithwallet.
type PrevTx struct {
	TxID          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	ScriptPubKey  string  `json:"scriptPubKey"`
	RedeemScript  string  `json:"redeemScript,omitempty"`
	WitnessScript string  `json:"witnessScript,omitempty"`
	Amount        float64 `json:"amount"`
}

// SignError is one per-input error reported by signrawtransactionwithwallet.
type SignError struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Error string `json:"error"`
}

// SignRawTransactionWithWallet signs what wallet can sign in tx. It returns
// the (possibly partially) signed transaction and whether it is complete.
func (rt *Regtest) SignRawTransactionWithWallet(wallet string, tx *wire.MsgTx, prevTxs []PrevTx) (*wire.MsgTx, bool, error) {
	c, err := rt.WalletClient(wallet)
	if err != nil {
		return nil, false, err
	}

	txHex, err := encodeTx(tx)
	if err != nil {
		return nil, false, err
	}

	var res struct {
		Hex      string      `json:"hex"`
		Complete bool        `json:"complete"`
		Errors   []SignError `json:"errors"`
	}
	params := []any{txHex}
	if len(prevTxs) > 0 {
		params = append(params, prevTxs)
	}
	if err := rawRequest(c, "signrawtransactionwithwallet", &res, params...); err != nil {
		return nil, false, fmt.Errorf("sign with wallet %s: %w", wallet, err)
	}

	signed, err := decodeTx(res.Hex)
	if err != nil {
		return nil, false, err
	}

	if !res.Complete && len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, fmt.Sprintf("%s:%d: %s", e.TxID, e.Vout, e.Error))
		}
		rt.log.Debug().Str("wallet", wallet).Strs("errors", msgs).Msg("transaction partially signed")
	}
	return signed, res.Complete, nil
}

// BroadcastTransaction submits a fully signed transaction to the mempool.
func (rt *Regtest) BroadcastTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	c, err := rt.nodeClient()
	if err != nil {
		return nil, err
	}

	txid, err := c.SendRawTransaction(tx, false)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", tx.TxHash(), err)
	}
	return txid, nil
}

func encodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func decodeTx(txHex string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(strings.TrimSpace(txHex))
	if err != nil {
		return nil, fmt.Errorf("decode transaction hex: %w", err)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("deserialize transaction: %w", err)
	}
	return &tx, nil
}
