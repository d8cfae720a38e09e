package regtest

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// WaitForWalletSync polls wallet until no rescan is running and its spendable
// balance reaches want. It makes a fixed number of attempts with a fixed delay
// between them (see WithSyncPolicy).
func (rt *Regtest) WaitForWalletSync(ctx context.Context, wallet string, want btcutil.Amount) error {
	attempts := max(rt.poll.Attempts, 1)

	var last Balance
	for i := 1; i <= attempts; i++ {
		info, err := rt.GetWalletInformation(wallet)
		if err != nil && !IsTransient(err) {
			return err
		}

		if err == nil && !info.Scanning.Active {
			last, err = rt.GetBalance(wallet)
			if err != nil && !IsTransient(err) {
				return err
			}
			if err == nil && last.Spendable() >= want {
				rt.log.Info().Str("wallet", wallet).Stringer("balance", last.Spendable()).
					Int("attempt", i).Msg("wallet synced")
				return nil
			}
		}

		ev := rt.log.Debug().Str("wallet", wallet).Int("attempt", i)
		if info != nil && info.Scanning.Active {
			ev = ev.Float64("progress", info.Scanning.Progress)
		}
		ev.Stringer("balance", last.Spendable()).Stringer("want", want).Msg("waiting for wallet sync")

		if i < attempts {
			if err := sleep(ctx, rt.poll.Delay); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("wallet %s not synced after %d attempts: balance %s, want %s",
		wallet, attempts, last.Spendable(), want)
}
