package commands

import (
	"fmt"

	"TokenSwarm/internal/wallet"

	"github.com/spf13/cobra"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage generated accounts",
	}
	cmd.AddCommand(accountsGenerateCmd())
	return cmd
}

func accountsGenerateCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate fresh accounts and write them to the account record file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("count") {
				count = cfg.Workflow.WalletCount
			}
			accounts, err := wallet.NewFactory(artifactStore()).Generate(cmd.Context(), count)
			if err != nil {
				return err
			}
			for _, acct := range accounts {
				fmt.Println(acct)
			}
			fmt.Printf("已写入 %s\n", cfg.Runtime.AccountsFile)
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of accounts (default from config)")
	return cmd
}
