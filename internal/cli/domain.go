package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ignite/mailrice/internal/app"
)

func newDomainCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage mail domains",
	}

	var selector string
	create := &cobra.Command{
		Use:   "create <domain>",
		Short: "Create a domain and its signing key",
		Example: `  mailctl domain create example.com
  mailctl domain create example.com --selector s2026`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				sel := selector
				if sel == "" {
					sel = a.Config.Signing.DefaultSelector
				}
				d, err := a.Coordinator.CreateDomain(ctx, args[0], sel)
				if err != nil {
					return err
				}
				return o.print(cmd, d, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "created %s (selector %s)\n", d.Name, d.Selector)
					fmt.Fprintf(cmd.OutOrStdout(), "%s TXT \"v=DKIM1; k=rsa; p=%s\"\n", d.KeyName(), d.PublicKey)
				})
			})
		},
	}
	create.Flags().StringVarP(&selector, "selector", "s", "", "Signing key selector (default from config)")

	del := &cobra.Command{
		Use:   "delete <domain>",
		Short: "Delete a domain that has no mailboxes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Coordinator.DeleteDomain(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate <domain> <new-selector>",
		Short: "Replace a domain's signing key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				d, err := a.Coordinator.RotateSigningKey(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return o.print(cmd, d, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "rotated %s to selector %s\n", d.Name, d.Selector)
					fmt.Fprintf(cmd.OutOrStdout(), "%s TXT \"v=DKIM1; k=rsa; p=%s\"\n", d.KeyName(), d.PublicKey)
				})
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				ds, err := a.Coordinator.ListDomains(ctx)
				if err != nil {
					return err
				}
				return o.print(cmd, ds, func() {
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "DOMAIN\tSELECTOR\tCREATED")
					for _, d := range ds {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Selector, d.CreatedAt.Format("2006-01-02"))
					}
					tw.Flush()
				})
			})
		},
	}

	dns := &cobra.Command{
		Use:   "dns <domain>",
		Short: "Print the DNS records to publish for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				records, err := a.Coordinator.DNSRecords(ctx, args[0])
				if err != nil {
					return err
				}
				return o.print(cmd, records, func() {
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "TYPE\tNAME\tPRIORITY\tVALUE")
					for _, r := range records {
						prio := ""
						if r.Priority > 0 {
							prio = fmt.Sprint(r.Priority)
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Type, r.Name, prio, r.Value)
					}
					tw.Flush()
				})
			})
		},
	}

	cmd.AddCommand(create, del, rotate, list, dns)
	return cmd
}
