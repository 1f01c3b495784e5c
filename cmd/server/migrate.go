package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-hse-approvals/internal/flowstore"
	"github.com/pesio-ai/be-hse-approvals/internal/repository"
	"github.com/pesio-ai/be-hse-approvals/internal/service"
	"github.com/pesio-ai/be-hse-approvals/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}

			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			applied, err := repository.Migrate(cmd.Context(), db, migrations.FS)
			if err != nil {
				return err
			}
			log.Info().Strs("applied", applied).Msg("Migrations complete")
			return nil
		},
	}
}

func newSeedFlowsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed-flows",
		Short: "Create flow definitions from a YAML file for process types that have none",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.Flows.SeedFile
			}
			if file == "" {
				return fmt.Errorf("no flow file given: pass --file or set flows.seed_file")
			}

			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			created, err := seedFlows(cmd.Context(), file, repository.NewFlowRepository(db))
			if err != nil {
				return err
			}
			log.Info().Strs("created", created).Str("file", file).Msg("Flow seeding complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML flow definition file")
	return cmd
}

// seedFlows loads file and creates the flows missing from store.
func seedFlows(ctx context.Context, file string, store service.FlowStore) ([]string, error) {
	flows, err := flowstore.LoadFile(file)
	if err != nil {
		return nil, err
	}
	return service.SeedFlows(ctx, store, flows)
}
