package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func chainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain",
		Short: "Print a snapshot of every configured chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			registry, _, err := openChain(ctx, 0)
			if err != nil {
				return err
			}
			defer registry.Close()

			for _, name := range registry.Chains() {
				client, _ := registry.Client(name)
				snapshot, err := client.ChainSnapshot(ctx)
				if err != nil {
					fmt.Printf("%s: 不可用 (%v)\n", name, err)
					continue
				}
				marker := ""
				if name == registry.DefaultChain() {
					marker = " (default)"
				}
				fmt.Printf("%s%s: chain_id=%s block=%d %s\n", name, marker, snapshot.ChainID, snapshot.BlockNumber, snapshot.Notes)
			}
			return nil
		},
	}
}
