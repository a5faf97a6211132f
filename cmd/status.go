package main

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/romy-hq/prospect-research-cli/internal/model"
	"github.com/romy-hq/prospect-research-cli/internal/store"
)

var statusUser string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show job status, or list a user's recent jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		if len(args) == 0 {
			return listJobs(cmd, st)
		}
		return showJob(cmd, st, args[0])
	},
}

func listJobs(cmd *cobra.Command, st store.Store) error {
	jobs, err := st.ListJobs(cmd.Context(), statusUser, 20)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Printf("no jobs for user %q\n", statusUser)
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%s  %-10s  %3d/%3d  %s\n",
			j.ID, j.Status, j.CompletedCount+j.FailedCount, j.TotalProspects, j.Name)
	}
	return nil
}

func showJob(cmd *cobra.Command, st store.Store, jobID string) error {
	ctx := cmd.Context()

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	fmt.Printf("Job:        %s\n", job.ID)
	fmt.Printf("Name:       %s\n", job.Name)
	fmt.Printf("User:       %s\n", job.UserID)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Prospects:  %d total, %d completed, %d failed\n",
		job.TotalProspects, job.CompletedCount, job.FailedCount)
	fmt.Printf("Created:    %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", job.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	counts, err := st.CountByStatus(ctx, jobID)
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fmt.Println("Items:")
	for _, s := range statuses {
		fmt.Printf("  %-12s %d\n", s, counts[model.ItemStatus(s)])
	}
	return nil
}

func init() {
	statusCmd.Flags().StringVar(&statusUser, "user", "default", "user ID for job listing")
	rootCmd.AddCommand(statusCmd)
}
