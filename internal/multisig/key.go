package multisig

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// KeyOrigin is an account-level extended public key with the fingerprint of
// its master key and its derivation path.
type KeyOrigin struct {
	Fingerprint string // 8 hex characters
	Path        []uint32
	Xpub        string

	// Xprv, when set, replaces Xpub in descriptors so a wallet holding the
	// descriptor can sign. It is never written to coordinator configs.
	Xprv string
}

// ParseKeyExpression parses a descriptor key expression of the form
// [fingerprint/path]xpub/branch/* and returns the origin and what follows the
// xpub (e.g. "/0/*"). Hardened steps may be written with h, H or '.
func ParseKeyExpression(expr string) (KeyOrigin, string, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "[") {
		return KeyOrigin{}, "", fmt.Errorf("key expression %q has no origin", expr)
	}
	origin, rest, ok := strings.Cut(expr[1:], "]")
	if !ok {
		return KeyOrigin{}, "", fmt.Errorf("key expression %q: unterminated origin", expr)
	}

	fp, path, _ := strings.Cut(origin, "/")
	if b, err := hex.DecodeString(fp); err != nil || len(b) != 4 {
		return KeyOrigin{}, "", fmt.Errorf("key expression %q: bad fingerprint %q", expr, fp)
	}

	var steps []uint32
	if path != "" {
		for _, s := range strings.Split(path, "/") {
			step, err := parseStep(s)
			if err != nil {
				return KeyOrigin{}, "", fmt.Errorf("key expression %q: %w", expr, err)
			}
			steps = append(steps, step)
		}
	}

	xpub, suffix, _ := strings.Cut(rest, "/")
	if suffix != "" {
		suffix = "/" + suffix
	}
	if xpub == "" {
		return KeyOrigin{}, "", fmt.Errorf("key expression %q has no key", expr)
	}

	return KeyOrigin{
		Fingerprint: strings.ToLower(fp),
		Path:        steps,
		Xpub:        xpub,
	}, suffix, nil
}

func parseStep(s string) (uint32, error) {
	hardened := false
	if n := len(s); n > 0 && (s[n-1] == 'h' || s[n-1] == 'H' || s[n-1] == '\'') {
		hardened = true
		s = s[:n-1]
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v >= hdkeychain.HardenedKeyStart {
		return 0, fmt.Errorf("bad path step %q", s)
	}
	if hardened {
		v += hdkeychain.HardenedKeyStart
	}
	return uint32(v), nil
}

// formatPath renders steps with the given hardened marker.
func formatPath(steps []uint32, marker string) string {
	var b strings.Builder
	for _, s := range steps {
		b.WriteByte('/')
		if s >= hdkeychain.HardenedKeyStart {
			b.WriteString(strconv.FormatUint(uint64(s-hdkeychain.HardenedKeyStart), 10))
			b.WriteString(marker)
		} else {
			b.WriteString(strconv.FormatUint(uint64(s), 10))
		}
	}
	return b.String()
}

// Expression renders the key for use in a ranged descriptor over branch.
func (k KeyOrigin) Expression(branch uint32) string {
	key := k.Xpub
	if k.Xprv != "" {
		key = k.Xprv
	}
	return fmt.Sprintf("[%s%s]%s/%d/*", k.Fingerprint, formatPath(k.Path, "h"), key, branch)
}

// WithPrivate returns k carrying xprv, which must be the private counterpart
// of k.Xpub.
func (k KeyOrigin) WithPrivate(xprv string) (KeyOrigin, error) {
	priv, err := hdkeychain.NewKeyFromString(xprv)
	if err != nil {
		return KeyOrigin{}, fmt.Errorf("parse extended private key: %w", err)
	}
	if !priv.IsPrivate() {
		return KeyOrigin{}, errors.New("extended key is not private")
	}
	pub, err := priv.Neuter()
	if err != nil {
		return KeyOrigin{}, err
	}
	if pub.String() != k.Xpub {
		return KeyOrigin{}, fmt.Errorf("private key does not match %s", k.Xpub)
	}

	k.Xprv = xprv
	return k, nil
}

// Bip32Path is the origin path in m/84'/1'/0' form.
func (k KeyOrigin) Bip32Path() string {
	return "m" + formatPath(k.Path, "'")
}

func (k KeyOrigin) extendedKey() (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(k.Xpub)
	if err != nil {
		return nil, fmt.Errorf("parse xpub %s: %w", k.Xpub, err)
	}
	if key.IsPrivate() {
		return nil, errors.New("refusing a private extended key in a descriptor")
	}
	// Regtest shares testnet's tpub version bytes.
	if !key.IsForNet(&chaincfg.RegressionNetParams) {
		return nil, fmt.Errorf("xpub %s is not a test network key", k.Xpub)
	}
	return key, nil
}

// PubKeyAt derives the compressed public key at branch/index below the
// account key, hex encoded.
func (k KeyOrigin) PubKeyAt(branch, index uint32) (string, error) {
	key, err := k.extendedKey()
	if err != nil {
		return "", err
	}

	child, err := key.Derive(branch)
	if err != nil {
		return "", fmt.Errorf("derive /%d: %w", branch, err)
	}
	child, err = child.Derive(index)
	if err != nil {
		return "", fmt.Errorf("derive /%d/%d: %w", branch, index, err)
	}

	pub, err := child.ECPubKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}

// AccountKey picks the account key of the active receive descriptor whose
// type matches st (e.g. wpkh for P2WSH) out of a wallet's descriptors. Given
// private descriptors, the returned Xpub holds the extended private key as
// written in the descriptor.
func AccountKey(st ScriptType, descs []string) (KeyOrigin, error) {
	prefix := st.KeyDescriptorPrefix()
	closing := strings.Repeat(")", strings.Count(prefix, "("))

	var found []KeyOrigin
	for _, d := range descs {
		body, _, _ := strings.Cut(d, "#")
		if !strings.HasPrefix(body, prefix) || !strings.HasSuffix(body, closing) {
			continue
		}
		expr := strings.TrimSuffix(strings.TrimPrefix(body, prefix), closing)

		key, suffix, err := ParseKeyExpression(expr)
		if err != nil {
			return KeyOrigin{}, err
		}
		if suffix != fmt.Sprintf("/%d/*", ReceiveBranch) {
			continue
		}
		found = append(found, key)
	}

	switch {
	case len(found) == 0:
		return KeyOrigin{}, fmt.Errorf("no active %s... receive descriptor", prefix)
	case len(found) == 1:
		return found[0], nil
	}

	// Prefer the key on the standard purpose path for the type.
	for _, k := range found {
		if len(k.Path) > 0 && k.Path[0] == st.Purpose()+hdkeychain.HardenedKeyStart {
			return k, nil
		}
	}
	return found[0], nil
}
