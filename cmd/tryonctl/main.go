// Package main provides tryonctl, a small CLI for exercising the
// generation provider directly: submit a job and block until it
// finishes, or check a single job's status. Used for smoke tests and
// scripting against staging.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jteoh/virtual-tryon/internal/logging"
	"github.com/jteoh/virtual-tryon/internal/provider"
)

// CLI flags
var (
	apiURLFlag  string
	apiKeyFlag  string
	personFlag  string
	garmentFlag string
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "tryonctl",
	Short: "Exercise the try-on generation provider from the command line",
	Long: `tryonctl talks to the try-on generation API directly, bypassing the
session service. It is the synchronous path: submit blocks until the
job reaches a terminal state.

Examples:
  tryonctl submit --person https://cdn/p.jpg --garment https://cdn/g.jpg
  tryonctl status 4f2c1b7a-job-id`,
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a generation job and wait for it to finish",
	Run:   runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <jobID>",
	Short: "Check a job's status once",
	Args:  cobra.ExactArgs(1),
	Run:   runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURLFlag, "api-url", "", "Provider API base URL (defaults to TRYON_API_URL)")
	rootCmd.PersistentFlags().StringVar(&apiKeyFlag, "api-key", "", "Provider API key (defaults to TRYON_API_KEY)")

	submitCmd.Flags().StringVar(&personFlag, "person", "", "Person image URL (required)")
	submitCmd.Flags().StringVar(&garmentFlag, "garment", "", "Garment image URL (required)")
	submitCmd.Flags().DurationVar(&timeoutFlag, "timeout", 5*time.Minute, "How long to wait for completion")
	submitCmd.MarkFlagRequired("person")
	submitCmd.MarkFlagRequired("garment")

	rootCmd.AddCommand(submitCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *provider.Client {
	apiURL := apiURLFlag
	if apiURL == "" {
		apiURL = os.Getenv("TRYON_API_URL")
	}
	if apiURL == "" {
		log.Fatal().Msg("Provider API URL is required (--api-url or TRYON_API_URL)")
	}
	apiKey := apiKeyFlag
	if apiKey == "" {
		apiKey = os.Getenv("TRYON_API_KEY")
	}
	if apiKey == "" {
		log.Fatal().Msg("Provider API key is required (--api-key or TRYON_API_KEY)")
	}
	return provider.NewClient(apiURL, apiKey)
}

func runSubmit(cmd *cobra.Command, args []string) {
	logging.Init()
	client := newClient()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()

	jobID, err := client.Submit(ctx, personFlag, garmentFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Submission failed")
	}
	log.Info().Str("jobId", jobID).Msg("Job submitted, waiting for completion")

	resultRef, err := client.AwaitCompletion(ctx, jobID, func(attempt int, status provider.JobStatus) {
		log.Info().Int("attempt", attempt).Str("status", string(status)).Msg("Poll")
	})
	if err != nil {
		log.Fatal().Err(err).Str("jobId", jobID).Msg("Generation did not complete")
	}
	fmt.Println(resultRef)
}

func runStatus(cmd *cobra.Command, args []string) {
	logging.Init()
	client := newClient()

	result, err := client.PollOnce(context.Background(), args[0])
	if err != nil {
		log.Fatal().Err(err).Str("jobId", args[0]).Msg("Status check failed")
	}

	switch result.Status {
	case provider.JobCompleted:
		fmt.Printf("%s %s\n", result.Status, result.ResultRef)
	case provider.JobFailed, provider.JobCanceled:
		fmt.Printf("%s %s\n", result.Status, result.ErrorDetail)
	default:
		fmt.Println(result.Status)
	}
}
