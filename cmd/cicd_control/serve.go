package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/jonathan/cicd-control/internal/approval"
	"github.com/jonathan/cicd-control/internal/bus"
	"github.com/jonathan/cicd-control/internal/config"
	"github.com/jonathan/cicd-control/internal/db"
	"github.com/jonathan/cicd-control/internal/engine"
	"github.com/jonathan/cicd-control/internal/ingest"
	"github.com/jonathan/cicd-control/internal/runner"
	"github.com/jonathan/cicd-control/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane server",
	Long:  `Start the HTTP server that ingests webhooks, runs pipelines and exposes the REST and SSE API.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	var store db.Store
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		store = database
	} else {
		log.Println("DATABASE_URL not set, using in-memory store (state is lost on restart)")
		store = db.NewMemStore()
	}

	var jobRunner runner.Runner
	if cfg.GitHubToken != "" {
		jobRunner = runner.NewGitHub(cfg.GitHubToken, cfg.GitHubAPIURL)
	} else {
		log.Println("GITHUB_TOKEN not set, using local simulated runner")
		jobRunner = runner.NewLocal()
	}

	eventBus := bus.New()
	gate := approval.NewGate(store, eventBus, cfg.ApprovalTimeout)
	eng := engine.New(store, eventBus, gate, jobRunner, cfg.PipelineTimeout)
	ingestor := ingest.New(store, eng, cfg.WebhookSecret)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		if err := eng.RunBackground(ctx); err != nil && err != context.Canceled {
			log.Printf("background loops stopped: %v", err)
		}
	}()

	srv := server.New(cfg.Port, store, eng, eventBus, ingestor, cfg.DefaultRepo)
	return srv.Start()
}
