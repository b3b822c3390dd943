package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	appconfig "github.com/dylanparallax/trellis-v4-sub000/config"
	"github.com/dylanparallax/trellis-v4-sub000/internal/rag"
	srv "github.com/dylanparallax/trellis-v4-sub000/internal/server"
	"github.com/dylanparallax/trellis-v4-sub000/internal/store"
	openai_provider "github.com/dylanparallax/trellis-v4-sub000/provider/openai"
)

func main() {
	var root = &cobra.Command{Use: "trellis"}

	root.AddCommand(serveCMD(), migrateCMD(), indexCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return srv.Run(cfg)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}

func migrateCMD() *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int
	var cfgPath string

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Databases.Postgres.DSN()
			if err != nil {
				return err
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return migrate
}

func indexCMD() *cobra.Command {
	var cfgPath string
	var maxItems int

	var index = &cobra.Command{
		Use:   "index",
		Short: "Drain the index queue once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Databases.Postgres.DSN()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}
			logger := log.New(log.Writer(), "[INDEX] ", log.LstdFlags)
			embedder := openai_provider.NewClient(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Timeout)
			indexer := rag.NewIndexer(st, st, st, st, embedder, rag.IndexerOptions{
				MaxChars:     cfg.Index.MaxChars,
				OverlapChars: cfg.Index.OverlapChars,
				MaxAttempts:  cfg.Index.MaxAttempts,
			}, logger)

			if maxItems <= 0 {
				maxItems = cfg.Index.BatchSize
			}
			stats, err := indexer.ProcessQueue(ctx, maxItems)
			if err != nil {
				return err
			}
			fmt.Printf("processed=%d succeeded=%d failed=%d skipped=%d dead=%d chunks=%d\n",
				stats.Processed, stats.Succeeded, stats.Failed, stats.Skipped, stats.Dead, stats.Chunks)
			return nil
		},
	}
	index.Flags().IntVar(&maxItems, "max-items", 0, "max queue entries to process (0 = batch size from config)")
	index.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return index
}
