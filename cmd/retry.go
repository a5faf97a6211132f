package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <job-id> <item-id>",
	Short: "Retry one failed prospect synchronously",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Dispatcher.RetryItem(ctx, args[0], args[1])
		if err != nil {
			return err
		}

		if resp.Message != "" {
			fmt.Printf("item %s: %s\n", resp.ItemID, resp.Message)
			return nil
		}
		fmt.Printf("item %s is now %s\n", resp.ItemID, resp.Status)
		if resp.Result != nil && resp.Result.EstimatedNetWorth != nil {
			fmt.Printf("  estimated net worth: $%d (%s)\n",
				*resp.Result.EstimatedNetWorth, resp.Result.CapacityRating)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
