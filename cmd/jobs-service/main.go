package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Deepreo/jobs"
	"github.com/Deepreo/jobs/api"
	"github.com/Deepreo/jobs/config"
	"github.com/Deepreo/jobs/modules/auth"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "jobs-service",
	Short: "Durable job scheduling service",
	Long: `jobs-service stores jobs with a point-in-time or interval schedule and calls
their recipient when they fire.

Examples:
  jobs-service serve --config jobs.yaml     # Run the scheduler and REST API
  jobs-service config                       # Print the effective configuration
  jobs-service token --subject ops --scope jobs:write`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and REST API",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE:  runConfig,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with auth.secret_key",
	RunE:  runToken,
}

var (
	tokenSubject string
	tokenScopes  []string
	tokenTTL     time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML or TOML config file")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{api.ScopeWrite}, "Granted scopes")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime, defaults to auth.token_expiration")
	_ = tokenCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(serveCmd, configCmd, tokenCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Log, os.Stdout)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := jobs.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	return app.Run(ctx)
}

func runConfig(cmd *cobra.Command, args []string) error {
	settings, err := config.Settings(configPath)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(settings)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	provider, err := auth.NewTokenProvider(cfg.Auth)
	if err != nil {
		return err
	}
	token, err := provider.Issue(tokenSubject, tokenTTL, tokenScopes...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
