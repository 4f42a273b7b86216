// Package app wires configuration, the chain client, the fee
// resolver, the ledger, and the zap engine into the CLI command tree.
package app

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/amm"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/balance"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/chain"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/config"
	zaperr "github.com/NimaZeighami/Uniswap-V2-Zapper/internal/errors"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/gas"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/httpx"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/ledger"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/logx"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/signer"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/version"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/watch"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/zapper"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{stdout: stdout, stderr: stderr}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	logger   *zap.Logger

	client  *chain.Client
	store   *ledger.Store
	fees    *gas.Resolver
	service *zapper.Service
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: zap.NewNop()}
	root := state.newRootCommand()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	state.close()
	if err == nil {
		return 0
	}
	fmt.Fprintf(r.stderr, "error: %v\n", err)
	return zaperr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Uniswap V2 zap engine: single-transaction LP entries and exits",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return zaperr.Wrap(zaperr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			logger, err := logx.New(settings.LogLevel)
			if err != nil {
				return zaperr.Wrap(zaperr.CodeUsage, "configure logging", err)
			}
			s.logger = logger
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return zaperr.Wrap(zaperr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.RPCURL, "rpc-url", "", "Ethereum JSON-RPC endpoint")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per HTTP request")
	cmd.PersistentFlags().StringVar(&s.flags.LedgerPath, "ledger", "", "Path to the position ledger database")
	cmd.PersistentFlags().BoolVar(&s.flags.DryRun, "dry-run", false, "Prepare and print the plan without submitting")
	cmd.PersistentFlags().StringVar(&s.flags.SpeedTier, "speed", "", "Gas speed tier (safe|standard|fast|instant)")
	cmd.PersistentFlags().Float64Var(&s.flags.MaxFeeGwei, "max-fee-gwei", 0, "Hard max fee ceiling in gwei")
	cmd.PersistentFlags().Int64Var(&s.flags.StaticSlipBp, "slippage-bps", 0, "Fixed slippage tolerance in bps (disables dynamic model)")

	cmd.AddCommand(s.newQuoteCommand())
	cmd.AddCommand(s.newGasCommand())
	cmd.AddCommand(s.newZapInCommand())
	cmd.AddCommand(s.newZapOutCommand())
	cmd.AddCommand(s.newPositionsCommand())
	cmd.AddCommand(s.newWatchCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

// ensureEngine builds the chain-backed pieces once per invocation.
// Read-only commands skip the signer so quoting never demands a key.
func (s *runtimeState) ensureEngine(ctx context.Context, needSigner bool) error {
	if s.service != nil {
		return nil
	}
	if strings.TrimSpace(s.settings.RPCURL) == "" {
		return zaperr.New(zaperr.CodeUsage, "no RPC endpoint configured: set --rpc-url, ZAPPER_RPC_URL, or rpc_url in the config file")
	}
	if strings.TrimSpace(s.settings.ZapContract) == "" {
		return zaperr.New(zaperr.CodeUsage, "no zap contract configured: set ZAPPER_ZAP_CONTRACT or zap_contract in the config file")
	}

	client, err := chain.NewClient(ctx, s.settings.RPCURL)
	if err != nil {
		return err
	}
	s.client = client

	gasCfg := gas.Config{
		SpeedTier:          s.settings.SpeedTier,
		Multiplier:         s.settings.GasMultiplier,
		MaxFeeGwei:         s.settings.MaxFeeGwei,
		MinPriorityFeeGwei: s.settings.MinPriorityFeeGwei,
		StaticGwei:         s.settings.StaticGasGwei,
	}
	httpClient := httpx.New(s.settings.Timeout, s.settings.Retries)
	s.fees = gas.NewResolver(s.logger.Named("gas"), s.settings.GasQuoteTTL,
		gas.NewStaticSource(gasCfg),
		gas.NewOracleSource(httpClient, s.settings.OracleURL, s.settings.OracleAPIKey, gasCfg),
		gas.NewNodeSource(client, gasCfg))

	store, err := ledger.Open(s.settings.LedgerPath, s.settings.LedgerLockPath, s.logger.Named("ledger"))
	if err != nil {
		return err
	}
	s.store = store

	var account signer.Signer
	if needSigner {
		local, err := signer.NewLocalFromEnv()
		if err != nil {
			return zaperr.Wrap(zaperr.CodeAuth, "load signing key", err)
		}
		account = local
	}

	service, err := zapper.NewService(client, s.fees, balance.NewValidator(client, s.logger.Named("balance")), store, account, zapper.Config{
		ZapContract:    common.HexToAddress(s.settings.ZapContract),
		WETH:           common.HexToAddress(s.settings.WETHAddress),
		ZapInGasLimit:  s.settings.ZapInGasLimit,
		ZapOutGasLimit: s.settings.ZapOutGasLimit,
		Slippage: amm.Policy{
			Dynamic:   s.settings.DynamicSlippage,
			MinBps:    s.settings.MinSlippageBps,
			MaxBps:    s.settings.MaxSlippageBps,
			StaticBps: s.settings.StaticSlipBps,
		},
	}, s.logger.Named("zapper"))
	if err != nil {
		return err
	}
	s.service = service
	return nil
}

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	var pairArg, amountArg string
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price a zap-in without submitting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			pair, err := parseAddress(pairArg, "--pair")
			if err != nil {
				return err
			}
			amount, err := parseEthAmount(amountArg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			if err := s.ensureEngine(ctx, false); err != nil {
				return err
			}
			plan, err := s.service.PrepareZapIn(ctx, pair, amount)
			if err != nil {
				return err
			}
			s.printPlan(plan)
			return nil
		},
	}
	cmd.Flags().StringVar(&pairArg, "pair", "", "Uniswap V2 pair address")
	cmd.Flags().StringVar(&amountArg, "amount-eth", "", "ETH amount to zap in")
	_ = cmd.MarkFlagRequired("pair")
	_ = cmd.MarkFlagRequired("amount-eth")
	return cmd
}

func (s *runtimeState) newGasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gas",
		Short: "Print the current fee quote",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			if err := s.ensureEngine(ctx, false); err != nil {
				return err
			}
			quote := s.fees.Resolve(ctx)
			fmt.Fprintf(s.runner.stdout, "source:    %s\n", quote.Source)
			fmt.Fprintf(s.runner.stdout, "tier:      %s\n", quote.SpeedTier)
			fmt.Fprintf(s.runner.stdout, "base fee:  %s gwei\n", weiToGwei(quote.BaseFee))
			fmt.Fprintf(s.runner.stdout, "priority:  %s gwei\n", weiToGwei(quote.PriorityFee))
			fmt.Fprintf(s.runner.stdout, "max fee:   %s gwei\n", weiToGwei(quote.MaxFee))
			return nil
		},
	}
}

func (s *runtimeState) newZapInCommand() *cobra.Command {
	var pairArg, amountArg string
	cmd := &cobra.Command{
		Use:   "zap-in",
		Short: "Swap ETH into a pair's token and add liquidity in one transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			pair, err := parseAddress(pairArg, "--pair")
			if err != nil {
				return err
			}
			amount, err := parseEthAmount(amountArg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if s.settings.DryRun {
				runCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
				defer cancel()
				if err := s.ensureEngine(runCtx, false); err != nil {
					return err
				}
				plan, err := s.service.PrepareZapIn(runCtx, pair, amount)
				if err != nil {
					return err
				}
				s.printPlan(plan)
				fmt.Fprintln(s.runner.stdout, "dry run: nothing submitted")
				return nil
			}

			if err := s.ensureEngine(ctx, true); err != nil {
				return err
			}
			result, err := s.service.ZapIn(ctx, pair, amount)
			if err != nil {
				return err
			}
			s.printResult(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&pairArg, "pair", "", "Uniswap V2 pair address")
	cmd.Flags().StringVar(&amountArg, "amount-eth", "", "ETH amount to zap in")
	_ = cmd.MarkFlagRequired("pair")
	_ = cmd.MarkFlagRequired("amount-eth")
	return cmd
}

func (s *runtimeState) newZapOutCommand() *cobra.Command {
	var pairArg string
	var fractionBps int64
	cmd := &cobra.Command{
		Use:   "zap-out",
		Short: "Burn LP and swap back to ETH in one transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			pair, err := parseAddress(pairArg, "--pair")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if s.settings.DryRun {
				runCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
				defer cancel()
				if err := s.ensureEngine(runCtx, true); err != nil {
					return err
				}
				plan, err := s.service.PrepareZapOut(runCtx, pair, fractionBps)
				if err != nil {
					return err
				}
				s.printPlan(plan)
				fmt.Fprintln(s.runner.stdout, "dry run: nothing submitted")
				return nil
			}

			if err := s.ensureEngine(ctx, true); err != nil {
				return err
			}
			result, err := s.service.ZapOut(ctx, pair, fractionBps)
			if err != nil {
				return err
			}
			s.printResult(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&pairArg, "pair", "", "Uniswap V2 pair address")
	cmd.Flags().Int64Var(&fractionBps, "fraction-bps", ledger.FullExitBps, "Fraction of the holding to exit, in bps (10000 = full)")
	_ = cmd.MarkFlagRequired("pair")
	return cmd
}

func (s *runtimeState) newPositionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List open positions with live valuation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			if err := s.ensureEngine(ctx, true); err != nil {
				return err
			}
			positions, err := s.store.List(ctx)
			if err != nil {
				return err
			}
			if len(positions) == 0 {
				fmt.Fprintln(s.runner.stdout, "no open positions")
				return nil
			}
			for _, p := range positions {
				view, open, err := s.service.ValuePosition(ctx, p)
				if err != nil {
					fmt.Fprintf(s.runner.stdout, "%s  entry %s ETH @ mcap %s ETH  (valuation unavailable: %v)\n",
						p.TokenAddress, p.InitialBaseValue, p.InitialMarketCap, err)
					continue
				}
				if !open {
					fmt.Fprintf(s.runner.stdout, "%s  entry %s ETH  (no LP holding found; closed externally?)\n",
						p.TokenAddress, p.InitialBaseValue)
					continue
				}
				fmt.Fprintln(s.runner.stdout, formatPositionView(view))
			}
			return nil
		},
	}
}

func (s *runtimeState) newWatchCommand() *cobra.Command {
	var tokenArg, sessionArg string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live valuation updates for a position until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := parseAddress(tokenArg, "--token")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := s.ensureEngine(ctx, true); err != nil {
				return err
			}
			if _, ok, err := s.store.Get(ctx, token.Hex()); err != nil {
				return err
			} else if !ok {
				return zaperr.New(zaperr.CodeUsage, fmt.Sprintf("no open position for token %s", token.Hex()))
			}

			manager := watch.NewManager(s.settings.WatchInterval, s.renderPosition, func(_, text string) {
				fmt.Fprintln(s.runner.stdout, text)
			}, s.logger.Named("watch"))
			manager.Start(ctx, sessionArg, token.Hex())
			defer manager.StopAll()

			// First render immediately; the ticker covers the rest.
			if text, open, err := s.renderPosition(ctx, token.Hex()); err == nil && open {
				fmt.Fprintln(s.runner.stdout, text)
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenArg, "token", "", "Token address of the watched position")
	cmd.Flags().StringVar(&sessionArg, "session", "local", "Session identifier for the watcher")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

// renderPosition is the watch loop's refresh function: re-read the
// ledger, revalue against live reserves, format one display line.
func (s *runtimeState) renderPosition(ctx context.Context, tokenAddress string) (string, bool, error) {
	position, ok, err := s.store.Get(ctx, tokenAddress)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	view, open, err := s.service.ValuePosition(ctx, position)
	if err != nil {
		return "", false, err
	}
	if !open {
		return "", false, nil
	}
	return formatPositionView(view), true, nil
}

func formatPositionView(view zapper.PositionView) string {
	sign := ""
	if view.ChangePct.Sign() > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s  value %s ETH  mcap %s ETH  %s%s%% since entry (%s ETH in)",
		view.Position.TokenAddress,
		view.CurrentValue.Round(6),
		view.CurrentMarketCap.Round(2),
		sign, view.ChangePct,
		view.Position.InitialBaseValue)
}

func (s *runtimeState) printPlan(plan zapper.Plan) {
	out := s.runner.stdout
	fmt.Fprintf(out, "pair:        %s\n", plan.Pair.Hex())
	fmt.Fprintf(out, "token:       %s\n", plan.Token.Hex())
	fmt.Fprintf(out, "amount in:   %s\n", plan.AmountIn)
	fmt.Fprintf(out, "projected:   %s\n", plan.ProjectedOut)
	fmt.Fprintf(out, "min out:     %s\n", plan.MinAmountOut)
	fmt.Fprintf(out, "slippage:    %d bps\n", plan.SlippageBps)
	fmt.Fprintf(out, "impact:      %.4f%%\n", plan.PriceImpactPct)
	fmt.Fprintf(out, "gas limit:   %d\n", plan.GasLimit)
	fmt.Fprintf(out, "max fee:     %s gwei (%s, %s)\n", weiToGwei(plan.Fees.MaxFee), plan.Fees.SpeedTier, plan.Fees.Source)
}

func (s *runtimeState) printResult(result zapper.Result) {
	out := s.runner.stdout
	fmt.Fprintf(out, "tx:        %s\n", result.TxHash.Hex())
	fmt.Fprintf(out, "block:     %d\n", result.BlockNumber)
	fmt.Fprintf(out, "gas used:  %d\n", result.GasUsed)
}

func parseAddress(input, flag string) (common.Address, error) {
	trimmed := strings.TrimSpace(input)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, zaperr.New(zaperr.CodeUsage, fmt.Sprintf("%s must be a hex address, got %q", flag, input))
	}
	return common.HexToAddress(trimmed), nil
}

func parseEthAmount(input string) (*big.Int, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(input))
	if err != nil {
		return nil, zaperr.New(zaperr.CodeUsage, fmt.Sprintf("invalid ETH amount %q", input))
	}
	if amount.Sign() <= 0 {
		return nil, zaperr.New(zaperr.CodeUsage, "ETH amount must be positive")
	}
	wei := amount.Shift(18)
	if !wei.IsInteger() {
		return nil, zaperr.New(zaperr.CodeUsage, "ETH amount has more than 18 decimal places")
	}
	return wei.BigInt(), nil
}

func weiToGwei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -9).Round(3).String()
}
