package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ignite/mailrice/internal/app"
)

func newReconcileCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair drift between the database, signing tables and mail store",
		Long: `Repair drift between the database, signing tables and mail store.

Signing table entries and key directories without a database row are
removed, missing entries and mail directories are recreated. Mail
directories without a row are reported and left in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Coordinator.Reconcile(ctx)
				if err != nil {
					return err
				}
				if perr := o.print(cmd, report, func() {
					out := cmd.OutOrStdout()
					if !report.Changed() && len(report.OrphanMaildirs) == 0 && len(report.Errors) == 0 {
						fmt.Fprintln(out, "in sync")
						return
					}
					printList := func(label string, items []string) {
						for _, it := range items {
							fmt.Fprintf(out, "%-18s %s\n", label, it)
						}
					}
					printList("repaired entry", report.RepairedEntries)
					printList("removed entry", report.RemovedEntries)
					printList("removed key dir", report.RemovedKeyDirs)
					printList("created maildir", report.CreatedMaildirs)
					printList("orphan maildir", report.OrphanMaildirs)
					printList("error", report.Errors)
				}); perr != nil {
					return perr
				}
				if len(report.Errors) > 0 {
					return fmt.Errorf("reconcile finished with %d errors", len(report.Errors))
				}
				return nil
			})
		},
	}
}
