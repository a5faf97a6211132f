package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/romy-hq/prospect-research-cli/internal/dispatch"
	"github.com/romy-hq/prospect-research-cli/internal/ingest"
	"github.com/romy-hq/prospect-research-cli/internal/model"
)

var (
	createFile          string
	createSheet         string
	createUser          string
	createName          string
	createWebhookURL    string
	createWebhookSecret string
	createRealEstate    bool
	createPhilanthropy  bool
	createNoScore       bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a batch job from a prospect roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		prospects, err := ingest.Load(createFile, ingest.Options{SheetName: createSheet})
		if err != nil {
			return err
		}
		zap.L().Info("roster loaded",
			zap.String("file", createFile),
			zap.Int("prospects", len(prospects)),
		)

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Dispatcher.CreateJob(ctx, dispatch.CreateJobRequest{
			UserID:    createUser,
			Name:      createName,
			Prospects: prospects,
			Settings: model.JobSettings{
				EnableWebSearch:     true,
				GenerateRomyScore:   !createNoScore,
				IncludeRealEstate:   createRealEstate,
				IncludePhilanthropy: createPhilanthropy,
			},
			WebhookURL:    createWebhookURL,
			WebhookSecret: createWebhookSecret,
		})
		if err != nil {
			return err
		}

		if resp.Replayed {
			fmt.Printf("Job %s already exists for this roster (replayed)\n", resp.Job.ID)
		} else {
			fmt.Printf("Created job %s with %d prospects\n", resp.Job.ID, resp.Job.TotalProspects)
		}
		for _, r := range resp.Rejected {
			fmt.Printf("  rejected %q: %s\n", r.Prospect.FullName, r.Reason)
		}

		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createFile, "file", "", "prospect roster (.csv or .xlsx)")
	createCmd.Flags().StringVar(&createSheet, "sheet", "", "XLSX sheet name (default: first sheet)")
	createCmd.Flags().StringVar(&createUser, "user", "default", "owning user ID")
	createCmd.Flags().StringVar(&createName, "name", "", "job name")
	createCmd.Flags().StringVar(&createWebhookURL, "webhook-url", "", "completion webhook URL")
	createCmd.Flags().StringVar(&createWebhookSecret, "webhook-secret", "", "webhook HMAC secret")
	createCmd.Flags().BoolVar(&createRealEstate, "real-estate", false, "include real estate holdings in reports")
	createCmd.Flags().BoolVar(&createPhilanthropy, "philanthropy", false, "include philanthropic history in reports")
	createCmd.Flags().BoolVar(&createNoScore, "no-score", false, "skip Romy score generation")
	_ = createCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(createCmd)
}
