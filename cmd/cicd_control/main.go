// Package main provides the entry point for the pipeline control plane server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cicd_control",
	Short: "Delivery pipeline control plane",
	Long:  "Orchestrates multi-stage delivery pipelines: webhook ingestion, gated approvals, step execution and a live SSE event stream over a REST API.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
