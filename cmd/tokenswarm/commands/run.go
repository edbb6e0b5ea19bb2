package commands

import (
	"context"
	"fmt"
	"log/slog"

	"TokenSwarm/internal/observability/metrics"
	"TokenSwarm/internal/web3"
	"TokenSwarm/internal/workflow"
	"TokenSwarm/pkg/logger"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		walletCount int
		policy      string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate accounts, fund them, deploy the asset and buy it from every account",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := cfg.Workflow
			if cmd.Flags().Changed("wallets") {
				raw.WalletCount = walletCount
			}
			if policy != "" {
				raw.PurchasePolicy = policy
			}
			wcfg, err := workflow.NewConfig(raw)
			if err != nil {
				return err
			}
			return runWorkflow(cmd.Context(), wcfg, metricsAddr)
		},
	}
	cmd.Flags().IntVarP(&walletCount, "wallets", "n", 0, "number of accounts to generate (overrides config)")
	cmd.Flags().StringVar(&policy, "policy", "", "purchase policy: joined or isolated")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose /metrics on this address while running")
	return cmd
}

func runWorkflow(ctx context.Context, wcfg workflow.Config, metricsAddr string) error {
	log := logger.Named("cli")

	registry, chain, err := openChain(ctx, wcfg.ConfirmTimeout)
	if err != nil {
		return err
	}
	defer registry.Close()

	history, err := openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeQuietly("history", history.Close)

	publisher, err := openPublisher(ctx)
	if err != nil {
		return err
	}
	defer closeQuietly("events", publisher.Close)

	recorder := metrics.New()
	if metricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := recorder.StartServer(metricsCtx, metricsAddr); err != nil && metricsCtx.Err() == nil {
				log.Warn("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	opts := []workflow.Option{
		workflow.WithPublisher(publisher),
		workflow.WithMetrics(recorder),
		workflow.WithHistory(history),
	}
	lock, err := openLocker(ctx)
	if err != nil {
		return err
	}
	if lock != nil {
		defer closeQuietly("lock", lock.Close)
		opts = append(opts, workflow.WithLocker(lock))
	}

	run, err := workflow.NewDriver(wcfg, chain, artifactStore(), opts...).Run(ctx)
	if err != nil {
		return err
	}
	printSummary(run)
	return nil
}

func printSummary(run *workflow.Run) {
	fmt.Printf("运行 %s 完成\n", run.ID)
	fmt.Printf("  账户: %d (注资成功 %d)\n", len(run.Accounts), run.FundedCount())
	if run.Deployment != nil {
		fmt.Printf("  资产: %s %s\n", run.Deployment.Symbol, run.Deployment.AssetAddress.Hex())
	}
	fmt.Printf("  购买交易: %d\n", len(run.Purchases))
	printBalances(run.Audit)
}

func printBalances(reports []workflow.BalanceReport) {
	for _, rep := range reports {
		fmt.Printf("  #%d %s  native=%s  asset=%s\n",
			rep.Index, rep.Address.Hex(),
			web3.FormatEther(rep.NativeBalance), web3.FormatEther(rep.AssetBalance))
	}
}
