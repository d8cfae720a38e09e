package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	regtest "github.com/neverDefined/regtest-multisig"
	"github.com/neverDefined/regtest-multisig/internal/multisig"
	"github.com/neverDefined/regtest-multisig/internal/rpclog"
	"github.com/neverDefined/regtest-multisig/internal/setup"
)

const envPrefix = "REGTEST"

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "regtest-multisig [scenario...]",
		Short: "Create funded multisig wallets on a regtest node",
		Long: `Create funded multisig wallets on a running Bitcoin Core regtest node.

For every scenario two signer wallets contribute an account key, a sorted
multisig descriptor pair is built from them, its first address is funded and
confirmed, and a watch-only wallet importing the descriptors is created. A
coordinator config pointing at the watch-only wallet is written per scenario.

Scenarios: ` + strings.Join(multisig.Names(), ", ") + ` (default: all).

Every flag can also be set through a REGTEST_<FLAG> environment variable
(dashes become underscores), a .env file or --config.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v, cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, args)
		},
	}

	f := cmd.PersistentFlags()
	f.String("config", "", "Config file (yaml, json or toml)")
	f.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	f.String("log-format", "console", "Log format (console, json)")

	def := regtest.DefaultConfig()
	opts := setup.DefaultOptions()

	f = cmd.Flags()
	f.String("rpc-host", def.Host, "Node RPC host:port")
	f.String("rpc-user", def.User, "Node RPC user")
	f.String("rpc-pass", def.Pass, "Node RPC password")
	f.String("rpc-cookie", "", "Node .cookie file, used instead of user/password")
	f.Bool("start-node", false, "Start bitcoind before the run and stop it afterwards")
	f.String("datadir", def.DataDir, "bitcoind data directory when --start-node is set")
	f.Bool("keep-datadir", true, "Keep --datadir when the started node stops; without it the watch-only wallets in the written configs are deleted")
	f.Int("retry-attempts", regtest.DefaultRetryPolicy.Attempts, "Attempts for calls failing with transient errors")
	f.Duration("retry-delay", regtest.DefaultRetryPolicy.Delay, "Delay between retried calls")
	f.Int("sync-attempts", regtest.DefaultSyncPolicy.Attempts, "Polls while waiting for a wallet to sync")
	f.Duration("sync-delay", regtest.DefaultSyncPolicy.Delay, "Delay between wallet sync polls")

	f.String("wallet-prefix", opts.WalletPrefix, "Prefix of every wallet name created")
	f.String("miner-wallet", opts.MinerWallet, "Wallet receiving block rewards")
	f.Float64("miner-target", opts.MinerTarget.ToBTC(), "Miner balance (BTC) to reach before running scenarios")
	f.Int64("mining-batch", opts.MiningBatch, "Blocks mined per funding round")
	f.Float64("amount", opts.Amount.ToBTC(), "Amount (BTC) sent to each multisig address")
	f.Int64("fee", int64(opts.Fee), "Fee (sat) of the spend check transaction")
	f.Int64("confirmations", opts.Confirmations, "Blocks mined on top of each funding transaction")
	f.Int("required-signers", opts.RequiredSigners, "Signatures required to spend (m)")
	f.Int("total-signers", opts.TotalSigners, "Signer wallets per scenario (n)")
	f.Int("import-range", opts.ImportRange, "Last index imported for both descriptors")
	f.Bool("spend-check", opts.SpendCheck, "Spend the funded output with the signer wallets")
	f.String("output-dir", opts.OutputDir, "Directory receiving the coordinator configs")
	f.String("client-url", "", "Node URL written to configs (default http://<rpc-host>)")

	cmd.AddCommand(newScenariosCmd())
	return cmd
}

func newScenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the available scenarios",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, st := range multisig.ScriptTypes {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", st, st.CoordinatorType())
			}
		},
	}
}

// loadConfig binds flags and the environment, then reads --config if given.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	log, err := newLogger(v.GetString("log-level"), v.GetString("log-format"))
	if err != nil {
		return err
	}
	cmd.SetContext(log.WithContext(cmd.Context()))
	return nil
}

func newLogger(level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch format {
	case "json":
		return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
	case "console":
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
		return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
	default:
		return zerolog.Logger{}, fmt.Errorf("invalid log format %q (want console or json)", format)
	}
}

func nodeConfig(v *viper.Viper) *regtest.Config {
	return &regtest.Config{
		Host:       v.GetString("rpc-host"),
		User:       v.GetString("rpc-user"),
		Pass:       v.GetString("rpc-pass"),
		CookiePath: v.GetString("rpc-cookie"),
		DataDir:    v.GetString("datadir"),
		ManageNode: v.GetBool("start-node"),

		KeepDataDir: v.GetBool("keep-datadir"),
	}
}

func runOptions(v *viper.Viper, args []string) (setup.Options, error) {
	scenarios := make([]multisig.ScriptType, 0, len(args))
	for _, a := range args {
		st, err := multisig.ParseScriptType(a)
		if err != nil {
			return setup.Options{}, err
		}
		scenarios = append(scenarios, st)
	}

	minerTarget, err := btcutil.NewAmount(v.GetFloat64("miner-target"))
	if err != nil {
		return setup.Options{}, fmt.Errorf("miner target: %w", err)
	}
	amount, err := btcutil.NewAmount(v.GetFloat64("amount"))
	if err != nil {
		return setup.Options{}, fmt.Errorf("amount: %w", err)
	}

	clientURL := v.GetString("client-url")
	if clientURL == "" {
		clientURL = "http://" + v.GetString("rpc-host")
	}

	opts := setup.Options{
		Scenarios:       scenarios,
		WalletPrefix:    v.GetString("wallet-prefix"),
		MinerWallet:     v.GetString("miner-wallet"),
		MinerTarget:     minerTarget,
		MiningBatch:     v.GetInt64("mining-batch"),
		Amount:          amount,
		Fee:             btcutil.Amount(v.GetInt64("fee")),
		Confirmations:   v.GetInt64("confirmations"),
		RequiredSigners: v.GetInt("required-signers"),
		TotalSigners:    v.GetInt("total-signers"),
		ImportRange:     v.GetInt("import-range"),
		SpendCheck:      v.GetBool("spend-check"),
		OutputDir:       v.GetString("output-dir"),
		ClientURL:       clientURL,
		ClientUser:      v.GetString("rpc-user"),
	}
	err = opts.Validate()
	return opts, err
}

func run(ctx context.Context, v *viper.Viper, args []string) error {
	log := zerolog.Ctx(ctx)

	opts, err := runOptions(v, args)
	if err != nil {
		return err
	}

	rpcclient.UseLogger(rpclog.New(*log))

	backoff := regtest.RetryPolicy{Attempts: v.GetInt("retry-attempts"), Delay: v.GetDuration("retry-delay")}
	rt, err := regtest.New(nodeConfig(v),
		regtest.WithLogger(*log),
		regtest.WithRetryPolicy(backoff),
		regtest.WithSyncPolicy(regtest.RetryPolicy{Attempts: v.GetInt("sync-attempts"), Delay: v.GetDuration("sync-delay")}),
	)
	if err != nil {
		return err
	}

	if err := rt.Start(); err != nil {
		return err
	}
	defer func() {
		if err := rt.Stop(); err != nil {
			log.Warn().Err(err).Msg("stop regtest")
		}
	}()

	if err := regtest.Retry(ctx, backoff, rt.HealthCheck); err != nil {
		return fmt.Errorf("node is not reachable: %w", err)
	}

	runner, err := setup.NewRunner(rt, opts)
	if err != nil {
		return err
	}

	results, err := runner.Run(ctx)
	for _, res := range results {
		log.Info().
			Stringer("scenario", res.Scenario).
			Str("address", res.Address).
			Str("watcher", res.Watcher).
			Str("config", res.ConfigPath).
			Msg("wallet ready")
	}
	if err != nil {
		log.Error().Err(err).
			Int("failed", len(opts.Scenarios)-len(results)).
			Strs("succeeded", lo.Map(results, func(r setup.Result, _ int) string { return string(r.Scenario) })).
			Msg("run finished with errors")
		return err
	}
	return nil
}
