package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ignite/mailrice/internal/app"
	"github.com/ignite/mailrice/internal/domain"
)

type createdKey struct {
	Key    string         `json:"key"`
	APIKey *domain.APIKey `json:"api_key"`
}

func newAPIKeyCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage HTTP API keys",
	}

	var description string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Long:  "Issue a new API key. The key is printed once and cannot be recovered.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				plain, key, err := a.APIKeys.Create(ctx, description)
				if err != nil {
					return err
				}
				return o.print(cmd, createdKey{Key: plain, APIKey: key}, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", key.ID, plain)
				})
			})
		},
	}
	create.Flags().StringVarP(&description, "description", "d", "", "Free-form description")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.APIKeys.Revoke(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				keys, err := a.APIKeys.List(ctx)
				if err != nil {
					return err
				}
				return o.print(cmd, keys, func() {
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tPREFIX\tSTATUS\tDESCRIPTION")
					for _, k := range keys {
						status := "active"
						if !k.Active() {
							status = "revoked"
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.ID, k.Prefix, status, k.Description)
					}
					tw.Flush()
				})
			})
		},
	}

	cmd.AddCommand(create, revoke, list)
	return cmd
}
