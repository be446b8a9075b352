// Package cli implements mailctl, the operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignite/mailrice/internal/app"
	"github.com/ignite/mailrice/internal/config"
)

// Opener builds the provisioning stack for a command.
type Opener func(ctx context.Context, configPath string) (*app.App, error)

// DefaultOpener loads configuration with env overrides and migrates the store.
func DefaultOpener(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(ctx, cfg, true)
}

type rootOptions struct {
	configPath string
	jsonOutput bool
	timeout    time.Duration
	open       Opener
}

// withApp opens the stack, runs fn and closes the stack again.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	a, err := o.open(ctx, o.configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// print writes v as JSON when --json is set, else calls text.
func (o *rootOptions) print(cmd *cobra.Command, v any, text func()) error {
	if o.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}

// NewRootCmd builds the mailctl command tree.
func NewRootCmd(open Opener) *cobra.Command {
	if open == nil {
		open = DefaultOpener
	}
	o := &rootOptions{open: open}

	root := &cobra.Command{
		Use:   "mailctl",
		Short: "Provision mail domains, mailboxes and API keys",
		Long: `Provision mail domains, mailboxes and API keys.

mailctl runs the same provisioning operations as the HTTP API directly
against the configured database, key store and mail store.`,
		SilenceUsage: true,
	}
	defaultConfig := os.Getenv("MAILRICE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config/config.yaml"
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", defaultConfig, "Path to configuration file")
	root.PersistentFlags().BoolVar(&o.jsonOutput, "json", false, "Print results as JSON")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 2*time.Minute, "Overall command timeout")
	root.MarkPersistentFlagFilename("config", "yaml", "yml")

	root.AddCommand(newDomainCmd(o), newMailboxCmd(o), newAPIKeyCmd(o), newReconcileCmd(o))
	return root
}

// Execute runs mailctl with os.Args.
func Execute() error {
	return NewRootCmd(nil).Execute()
}
