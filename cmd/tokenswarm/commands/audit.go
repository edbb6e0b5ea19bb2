package commands

import (
	"fmt"

	"TokenSwarm/internal/workflow"

	"github.com/spf13/cobra"
)

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Re-read balances of the saved accounts for the saved deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store := artifactStore()
			accounts, err := store.LoadAccounts()
			if err != nil {
				return err
			}
			deployment, err := store.LoadDeployment()
			if err != nil {
				return err
			}

			registry, chain, err := openChain(ctx, 0)
			if err != nil {
				return err
			}
			defer registry.Close()

			auditor := workflow.NewAuditor(chain,
				workflow.WithRateLimiter(workflow.NewRateLimiter(cfg.Workflow.AuditRatePerSecond)))
			reports, err := auditor.Audit(ctx, accounts, deployment.AssetAddress)
			printBalances(reports)
			if err != nil {
				return err
			}
			fmt.Printf("已审计 %d/%d 个账户 (资产 %s)\n", len(reports), len(accounts), deployment.AssetAddress.Hex())
			return nil
		},
	}
}
