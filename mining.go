package regtest

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// CoinbaseMaturity is the number of blocks before a coinbase output can
	// be spent.
	CoinbaseMaturity = 100

	maxFundingRounds = 20
)

// GetBlockCount returns the height of the node's best chain.
func (rt *Regtest) GetBlockCount() (int64, error) {
	c, err := rt.nodeClient()
	if err != nil {
		return 0, err
	}
	return c.GetBlockCount()
}

// Warp mines blocks to address.
func (rt *Regtest) Warp(blocks int64, address string) error {
	if blocks <= 0 {
		return nil
	}

	c, err := rt.nodeClient()
	if err != nil {
		return err
	}
	addr, err := decodeAddress(address)
	if err != nil {
		return err
	}

	hashes, err := c.GenerateToAddress(blocks, addr, nil)
	if err != nil {
		return fmt.Errorf("generate %d blocks to %s: %w", blocks, address, err)
	}

	rt.log.Debug().Int64("blocks", blocks).Str("address", address).
		Int("mined", len(hashes)).Msg("mined blocks")
	return nil
}

// Balance is a wallet balance split the way getbalances reports it.
type Balance struct {
	Trusted          btcutil.Amount
	UntrustedPending btcutil.Amount
	Immature         btcutil.Amount
}

// Spendable is the trusted plus untrusted pending balance.
func (b Balance) Spendable() btcutil.Amount {
	return b.Trusted + b.UntrustedPending
}

// GetBalance returns the balance of wallet, including watch-only funds.
func (rt *Regtest) GetBalance(wallet string) (Balance, error) {
	c, err := rt.WalletClient(wallet)
	if err != nil {
		return Balance{}, err
	}

	res, err := c.GetBalances()
	if err != nil {
		return Balance{}, fmt.Errorf("get balances of %s: %w", wallet, err)
	}

	bal, err := toBalance(res.Mine)
	if err != nil {
		return Balance{}, err
	}
	if res.WatchOnly != nil {
		wo, err := toBalance(*res.WatchOnly)
		if err != nil {
			return Balance{}, err
		}
		bal.Trusted += wo.Trusted
		bal.UntrustedPending += wo.UntrustedPending
		bal.Immature += wo.Immature
	}
	return bal, nil
}

func toBalance(d btcjson.BalanceDetailsResult) (Balance, error) {
	var (
		b   Balance
		err error
	)
	if b.Trusted, err = btcutil.NewAmount(d.Trusted); err != nil {
		return Balance{}, err
	}
	if b.UntrustedPending, err = btcutil.NewAmount(d.UntrustedPending); err != nil {
		return Balance{}, err
	}
	if b.Immature, err = btcutil.NewAmount(d.Immature); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// FundWallet mines to a new address of wallet until its trusted balance
// reaches target. The first round mines past coinbase maturity, later rounds
// mine batch blocks each. It returns the mining address.
func (rt *Regtest) FundWallet(ctx context.Context, wallet string, target btcutil.Amount, batch int64) (string, error) {
	addr, err := rt.GenerateBech32(wallet)
	if err != nil {
		return "", err
	}
	batch = max(batch, 1)

	for round := 0; round < maxFundingRounds; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		bal, err := rt.GetBalance(wallet)
		if err != nil {
			return "", err
		}
		if bal.Trusted >= target {
			rt.log.Info().Str("wallet", wallet).Stringer("balance", bal.Trusted).
				Msg("wallet funded")
			return addr, nil
		}

		blocks := batch
		if round == 0 && bal.Immature == 0 {
			blocks = max(batch, CoinbaseMaturity+1)
		}

		rt.log.Info().Str("wallet", wallet).Stringer("balance", bal.Trusted).
			Stringer("target", target).Int64("blocks", blocks).Msg("mining to fund wallet")
		if err := rt.Warp(blocks, addr); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("wallet %s not funded to %s after %d rounds", wallet, target, maxFundingRounds)
}
