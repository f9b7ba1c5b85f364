// Command seed applies the schema and loads workflow definitions and their
// approver assignments from a YAML file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/config"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/database"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

func main() {
	path := flag.String("file", "cmd/seed/seed.example.yaml", "workflow seed file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name + "-seed",
		Version:     cfg.Service.Version,
	})

	seed, err := loadSeedFile(*path)
	if err != nil {
		log.Fatal().Err(err).Str("file", *path).Msg("Invalid seed file")
	}

	ctx := context.Background()
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	workflows := repository.NewWorkflowRepository(db)
	approvers := repository.NewApproverRepository(db)

	err = db.InTransaction(ctx, func(ctx context.Context) error {
		for _, sw := range seed.Workflows {
			wf := sw.toWorkflow()
			if err := workflows.Upsert(ctx, wf); err != nil {
				return err
			}
			for _, sa := range sw.Approvers {
				if err := approvers.Upsert(ctx, sa.toAssignment(wf.ID)); err != nil {
					return err
				}
			}
			log.Info().
				Str("code", wf.Code).
				Str("workflow_id", wf.ID).
				Int("approvers", len(sw.Approvers)).
				Msg("Workflow seeded")
		}
		return nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Seeding failed")
	}
	log.Info().Int("workflows", len(seed.Workflows)).Msg("Seed complete")
}
