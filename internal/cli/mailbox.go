package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ignite/mailrice/internal/app"
	"github.com/ignite/mailrice/internal/service/provisioning"
)

// splitAddress splits "local@domain" at the last '@'.
func splitAddress(addr string) (local, domainName string, err error) {
	i := strings.LastIndex(addr, "@")
	if i <= 0 || i == len(addr)-1 {
		return "", "", fmt.Errorf("invalid address %q: want local@domain", addr)
	}
	return addr[:i], addr[i+1:], nil
}

type passwordFlags struct {
	value string
	stdin bool
}

func (p *passwordFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.value, "password", "p", "", "Mailbox password (visible in process list, prefer --password-stdin)")
	cmd.Flags().BoolVar(&p.stdin, "password-stdin", false, "Read the password from the first line of stdin")
	cmd.MarkFlagsMutuallyExclusive("password", "password-stdin")
	cmd.MarkFlagsOneRequired("password", "password-stdin")
}

func (p *passwordFlags) read(in io.Reader) (string, error) {
	if !p.stdin {
		return p.value, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newMailboxCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mailbox",
		Aliases: []string{"mb"},
		Short:   "Manage mailboxes",
	}

	var (
		createPw passwordFlags
		quota    int
	)
	create := &cobra.Command{
		Use:     "create <local@domain>",
		Short:   "Create a mailbox",
		Example: `  echo 'S3cure-passw0rd' | mailctl mailbox create john@example.com --password-stdin --quota 2048`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, domainName, err := splitAddress(args[0])
			if err != nil {
				return err
			}
			pw, err := createPw.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				mb, err := a.Coordinator.CreateMailbox(ctx, provisioning.MailboxRequest{
					Domain:    domainName,
					LocalPart: local,
					Password:  pw,
					QuotaMB:   quota,
				})
				if err != nil {
					return err
				}
				return o.print(cmd, mb, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "created %s (quota %d MB)\n", mb.Address(strings.ToLower(domainName)), mb.QuotaMB)
				})
			})
		},
	}
	createPw.register(create)
	create.Flags().IntVarP(&quota, "quota", "q", 1024, "Quota in megabytes")

	del := &cobra.Command{
		Use:   "delete <local@domain>",
		Short: "Delete a mailbox and its mail store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, domainName, err := splitAddress(args[0])
			if err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Coordinator.DeleteMailbox(ctx, domainName, local); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	var passwdPw passwordFlags
	passwd := &cobra.Command{
		Use:   "passwd <local@domain>",
		Short: "Change a mailbox password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, domainName, err := splitAddress(args[0])
			if err != nil {
				return err
			}
			pw, err := passwdPw.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Coordinator.UpdateMailboxPassword(ctx, domainName, local, pw); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s\n", args[0])
				return nil
			})
		},
	}
	passwdPw.register(passwd)

	list := &cobra.Command{
		Use:   "list <domain>",
		Short: "List mailboxes of a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				mbs, err := a.Coordinator.ListMailboxes(ctx, args[0])
				if err != nil {
					return err
				}
				return o.print(cmd, mbs, func() {
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ADDRESS\tQUOTA_MB\tCREATED")
					for _, mb := range mbs {
						fmt.Fprintf(tw, "%s\t%d\t%s\n", mb.Address(strings.ToLower(args[0])), mb.QuotaMB, mb.CreatedAt.Format("2006-01-02"))
					}
					tw.Flush()
				})
			})
		},
	}

	cmd.AddCommand(create, del, passwd, list)
	return cmd
}
