package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRenewCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "renew",
		Short: "Renew the Gmail watch of every account once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.invocationContext(cmd.Context())
			defer cancel()
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			rep, err := p.renewer.RenewAll(ctx)
			if rep != nil {
				for _, acct := range rep.Accounts {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", acct.AccountID, acct.Status, acct.ExpiresAt.Format(time.RFC3339))
				}
			}
			return err
		},
	}
}
