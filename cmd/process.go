package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var processOnce bool

var processCmd = &cobra.Command{
	Use:   "process <job-id>",
	Short: "Process a batch job until it settles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		for round := 1; ; round++ {
			resp, err := env.Dispatcher.ProcessBatch(ctx, jobID)
			if err != nil {
				return err
			}

			zap.L().Info("batch round complete",
				zap.String("job_id", jobID),
				zap.Int("round", round),
				zap.Int("processed", resp.ItemsProcessed),
				zap.Int("succeeded", resp.ItemsSucceeded),
				zap.Int("failed", resp.ItemsFailed),
				zap.String("status", string(resp.JobStatus)),
			)
			fmt.Printf("round %d: processed=%d succeeded=%d failed=%d (%d/%d done)\n",
				round, resp.ItemsProcessed, resp.ItemsSucceeded, resp.ItemsFailed,
				resp.Progress.Completed+resp.Progress.Failed, resp.Progress.Total)

			if !resp.HasMore || processOnce {
				fmt.Printf("job %s is %s\n", jobID, resp.JobStatus)
				return nil
			}
		}
	},
}

func init() {
	processCmd.Flags().BoolVar(&processOnce, "once", false, "run a single dispatch round and exit")
	rootCmd.AddCommand(processCmd)
}
