// Package multisig builds sorted multisig output descriptors from the account
// keys of single-key descriptor wallets.
package multisig

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/btcsuite/btcd/txscript"
	"github.com/samber/lo"
)

// ScriptType is a multisig output type a coordinator can watch.
type ScriptType string

const (
	P2WSH     ScriptType = "p2wsh"
	P2SHP2WSH ScriptType = "p2sh-p2wsh"
	P2SH      ScriptType = "p2sh"
)

// Derivation branches below an account key.
const (
	ReceiveBranch uint32 = 0
	ChangeBranch  uint32 = 1
)

// ScriptTypes lists every supported script type in run order.
var ScriptTypes = []ScriptType{P2WSH, P2SHP2WSH, P2SH}

type scriptInfo struct {
	keyPrefix   string
	wrap        string
	addressType string
	coordinator string
	class       txscript.ScriptClass
	purpose     uint32
}

var scriptInfos = map[ScriptType]scriptInfo{
	P2WSH: {
		keyPrefix:   "wpkh(",
		wrap:        "wsh(%s)",
		addressType: "bech32",
		coordinator: "P2WSH",
		class:       txscript.WitnessV0ScriptHashTy,
		purpose:     84,
	},
	P2SHP2WSH: {
		keyPrefix:   "sh(wpkh(",
		wrap:        "sh(wsh(%s))",
		addressType: "p2sh-segwit",
		coordinator: "P2SH-P2WSH",
		class:       txscript.ScriptHashTy,
		purpose:     49,
	},
	P2SH: {
		keyPrefix:   "pkh(",
		wrap:        "sh(%s)",
		addressType: "legacy",
		coordinator: "P2SH",
		class:       txscript.ScriptHashTy,
		purpose:     44,
	},
}

// ParseScriptType accepts the names in ScriptTypes, case-insensitively, and
// the coordinator spellings ("P2SH-P2WSH").
func ParseScriptType(s string) (ScriptType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	st := ScriptType(s)
	if _, ok := scriptInfos[st]; !ok {
		return "", fmt.Errorf("unknown script type %q (want one of %s)", s, strings.Join(Names(), ", "))
	}
	return st, nil
}

// Names returns the names of ScriptTypes.
func Names() []string {
	return lo.Map(ScriptTypes, func(st ScriptType, _ int) string { return string(st) })
}

func (st ScriptType) info() scriptInfo {
	info, ok := scriptInfos[st]
	if !ok {
		panic(fmt.Sprintf("multisig: unknown script type %q", string(st)))
	}
	return info
}

// String implements fmt.Stringer.
func (st ScriptType) String() string { return string(st) }

// KeyDescriptorPrefix is the prefix of the single-key descriptor whose
// account key a signer contributes ("wpkh(" for P2WSH).
func (st ScriptType) KeyDescriptorPrefix() string { return st.info().keyPrefix }

// AddressType is the createmultisig / getnewaddress address type.
func (st ScriptType) AddressType() string { return st.info().addressType }

// CoordinatorType is the addressType written to coordinator configs.
func (st ScriptType) CoordinatorType() string { return st.info().coordinator }

// ScriptClass is the class of the output script the descriptor produces.
func (st ScriptType) ScriptClass() txscript.ScriptClass { return st.info().class }

// Purpose is the BIP44-style purpose of the signer account keys.
func (st ScriptType) Purpose() uint32 { return st.info().purpose }

// IsSegwit reports whether spends carry the multisig script in the witness.
func (st ScriptType) IsSegwit() bool { return st != P2SH }

// Pair is the receive and change descriptors of one multisig wallet.
type Pair struct {
	Receive string
	Change  string
}

// Build returns the sortedmulti descriptor pair for an m-of-len(keys) wallet.
// Receive uses the /0/* branch of every key, change the /1/* branch.
// Descriptors are returned without checksums.
func Build(st ScriptType, m int, keys []KeyOrigin) (Pair, error) {
	if err := validate(st, m, keys); err != nil {
		return Pair{}, err
	}

	return Pair{
		Receive: descriptor(st, m, keys, ReceiveBranch),
		Change:  descriptor(st, m, keys, ChangeBranch),
	}, nil
}

func descriptor(st ScriptType, m int, keys []KeyOrigin, branch uint32) string {
	exprs := lo.Map(keys, func(k KeyOrigin, _ int) string {
		return k.Expression(branch)
	})
	inner := fmt.Sprintf("sortedmulti(%d,%s)", m, strings.Join(exprs, ","))
	return fmt.Sprintf(st.info().wrap, inner)
}

// maxKeys is the standardness limit for P2SH multisig (15 x 33-byte keys
// must fit in a 520-byte redeem script).
const maxKeys = 15

func validate(st ScriptType, m int, keys []KeyOrigin) error {
	if _, ok := scriptInfos[st]; !ok {
		return fmt.Errorf("unknown script type %q", string(st))
	}
	if len(keys) == 0 {
		return errors.New("multisig needs at least one key")
	}
	if len(keys) > maxKeys {
		return fmt.Errorf("multisig supports at most %d keys, got %d", maxKeys, len(keys))
	}
	if m < 1 || m > len(keys) {
		return fmt.Errorf("required signers %d out of range [1, %d]", m, len(keys))
	}

	xpubs := lo.Map(keys, func(k KeyOrigin, _ int) string { return k.Xpub })
	if dup := lo.FindDuplicates(xpubs); len(dup) > 0 {
		return fmt.Errorf("duplicate key %s", dup[0])
	}
	for _, k := range keys {
		if _, err := k.extendedKey(); err != nil {
			return err
		}
	}
	return nil
}

// PubKeysAt derives the public key of every key at branch/index and returns
// them hex encoded in sortedmulti order.
func PubKeysAt(keys []KeyOrigin, branch, index uint32) ([]string, error) {
	pubs := make([]string, 0, len(keys))
	for _, k := range keys {
		pub, err := k.PubKeyAt(branch, index)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, pub)
	}
	// Compressed keys have the same length, so hex order is byte order.
	slices.Sort(pubs)
	return pubs, nil
}
