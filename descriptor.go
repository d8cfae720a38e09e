package regtest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/samber/lo"
)

// Descriptor is one entry of listdescriptors.
type Descriptor struct {
	Desc      string `json:"desc"`
	Timestamp int64  `json:"timestamp"`
	Active    bool   `json:"active"`
	Internal  *bool  `json:"internal,omitempty"`
	Range     []int  `json:"range,omitempty"`
	Next      int    `json:"next,omitempty"`
}

// IsInternal reports whether the descriptor produces change addresses.
func (d Descriptor) IsInternal() bool {
	return lo.FromPtr(d.Internal)
}

// ListDescriptors returns the descriptors of wallet. With private set the
// descriptors carry extended private keys.
func (rt *Regtest) ListDescriptors(wallet string, private bool) ([]Descriptor, error) {
	c, err := rt.WalletClient(wallet)
	if err != nil {
		return nil, err
	}

	var res struct {
		WalletName  string       `json:"wallet_name"`
		Descriptors []Descriptor `json:"descriptors"`
	}
	if err := rawRequest(c, "listdescriptors", &res, private); err != nil {
		return nil, fmt.Errorf("list descriptors of %s: %w", wallet, err)
	}
	return res.Descriptors, nil
}

// ActiveDescriptors returns the active receive descriptors of wallet.
func (rt *Regtest) ActiveDescriptors(wallet string, private bool) ([]string, error) {
	descs, err := rt.ListDescriptors(wallet, private)
	if err != nil {
		return nil, err
	}

	active := lo.Filter(descs, func(d Descriptor, _ int) bool {
		return d.Active && !d.IsInternal()
	})
	return lo.Map(active, func(d Descriptor, _ int) string { return d.Desc }), nil
}

// StripChecksum removes a trailing "#checksum" from a descriptor.
func StripChecksum(desc string) string {
	body, _, _ := strings.Cut(desc, "#")
	return body
}

// WithChecksum returns desc with the checksum computed by the node appended.
func (rt *Regtest) WithChecksum(desc string) (string, error) {
	c, err := rt.nodeClient()
	if err != nil {
		return "", err
	}

	body := StripChecksum(desc)
	info, err := c.GetDescriptorInfo(body)
	if err != nil {
		return "", fmt.Errorf("get descriptor info: %w", err)
	}
	return body + "#" + info.Checksum, nil
}

// DeriveAddresses derives the addresses of a ranged descriptor for the
// indexes [from, to].
func (rt *Regtest) DeriveAddresses(desc string, from, to int) ([]string, error) {
	c, err := rt.nodeClient()
	if err != nil {
		return nil, err
	}

	res, err := c.DeriveAddresses(desc, &btcjson.DescriptorRange{Value: []int{from, to}})
	if err != nil {
		return nil, fmt.Errorf("derive addresses [%d,%d]: %w", from, to, err)
	}
	if res == nil || len(*res) == 0 {
		return nil, errors.New("derive addresses: empty result")
	}
	return []string(*res), nil
}

// Import timestamps: RescanAll rescans the whole chain, RescanNone skips the
// rescan.
var (
	RescanAll  = btcjson.TimestampOrNow{Value: 0}
	RescanNone = btcjson.TimestampOrNow{Value: "now"}
)

// ImportRequest is one importdescriptors request.
type ImportRequest struct {
	Desc      string                 `json:"desc"`
	Active    bool                   `json:"active"`
	Range     []int                  `json:"range,omitempty"`
	NextIndex *int                   `json:"next_index,omitempty"`
	Timestamp btcjson.TimestampOrNow `json:"timestamp"`
	Internal  bool                   `json:"internal"`
	Label     string                 `json:"label,omitempty"`
}

// ImportResult is one importdescriptors response.
type ImportResult struct {
	Success  bool     `json:"success"`
	Warnings []string `json:"warnings"`
	Error    *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ImportDescriptors imports reqs into wallet. It fails when any request is
// rejected.
func (rt *Regtest) ImportDescriptors(wallet string, reqs []ImportRequest) error {
	c, err := rt.WalletClient(wallet)
	if err != nil {
		return err
	}

	var res []ImportResult
	if err := rawRequest(c, "importdescriptors", &res, reqs); err != nil {
		return fmt.Errorf("import descriptors into %s: %w", wallet, err)
	}
	if len(res) != len(reqs) {
		return fmt.Errorf("import descriptors into %s: got %d results for %d requests", wallet, len(res), len(reqs))
	}

	var errs []error
	for i, r := range res {
		for _, w := range r.Warnings {
			rt.log.Warn().Str("wallet", wallet).Str("desc", reqs[i].Desc).Msg(w)
		}
		if r.Success {
			continue
		}
		msg := "unknown error"
		if r.Error != nil {
			msg = fmt.Sprintf("%s (code %d)", r.Error.Message, r.Error.Code)
		}
		errs = append(errs, fmt.Errorf("import %s: %s", reqs[i].Desc, msg))
	}
	return errors.Join(errs...)
}

// MultisigResult is the createmultisig response.
type MultisigResult struct {
	Address      string `json:"address"`
	RedeemScript string `json:"redeemScript"`
	Descriptor   string `json:"descriptor"`
}

// CreateMultisig asks the node for the m-of-n address over pubKeys (hex,
// compressed) in the given order.
func (rt *Regtest) CreateMultisig(m int, pubKeys []string, addrType AddressType) (*MultisigResult, error) {
	c, err := rt.nodeClient()
	if err != nil {
		return nil, err
	}

	var res MultisigResult
	if err := rawRequest(c, "createmultisig", &res, m, pubKeys, string(addrType)); err != nil {
		return nil, fmt.Errorf("create %d-of-%d multisig: %w", m, len(pubKeys), err)
	}
	return &res, nil
}
