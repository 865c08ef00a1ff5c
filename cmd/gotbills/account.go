package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/matta/gotbills/internal/credential"
	"github.com/matta/gotbills/internal/gmail"
	"github.com/matta/gotbills/internal/gmailhttp"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

func newAccountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the mailbox accounts gotbills watches",
	}
	cmd.AddCommand(
		newAccountAddCmd(a),
		newAccountListCmd(a),
		newAccountDeactivateCmd(a),
		newAccountActivateCmd(a),
	)
	return cmd
}

func newAccountAddCmd(a *app) *cobra.Command {
	var tokenFile string
	cmd := &cobra.Command{
		Use:   "add EMAIL",
		Short: "Store an OAuth token for EMAIL and subscribe its mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.invocationContext(cmd.Context())
			defer cancel()
			email := args[0]

			data, err := os.ReadFile(tokenFile)
			if err != nil {
				return errors.Wrap(err, "reading token file")
			}
			var tok oauth2.Token
			if err := json.Unmarshal(data, &tok); err != nil {
				return errors.Wrapf(err, "decoding token file %s", tokenFile)
			}
			if tok.RefreshToken == "" {
				return errors.Errorf("token file %s has no refresh token", tokenFile)
			}

			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			// Nothing is stored until the token is verified.
			fresh, err := a.cfg.OAuth.Config().TokenSource(ctx, &tok).Token()
			if err != nil {
				return errors.Wrap(err, "refreshing token")
			}
			cred := &credential.Credential{AccountID: email, Token: fresh}
			svc, err := gmail.New(ctx, gmailhttp.New(cred.Token, a.httpOptions()), a.gmailOptions())
			if err != nil {
				return err
			}
			profile, err := svc.GetProfile(ctx)
			if err != nil {
				return errors.Wrap(err, "verifying token")
			}
			if !strings.EqualFold(profile.EmailAddress, email) {
				return errors.Errorf("token belongs to %s, not %s", profile.EmailAddress, email)
			}
			if err := p.creds.Put(cred); err != nil {
				return err
			}

			rep := p.renewer.Renew(ctx, email)
			if rep.Err != nil {
				return errors.Wrap(rep.Err, "credential stored but subscribing failed; run renew later")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s until %s\n", email, rep.Status, rep.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "JSON OAuth token with a refresh token")
	cmd.MarkFlagRequired("token-file")
	return cmd
}

func newAccountListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts and their watch state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.invocationContext(cmd.Context())
			defer cancel()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			creds, err := a.credentials()
			if err != nil {
				return err
			}
			records, err := db.List(ctx)
			if err != nil {
				return err
			}
			ids, err := creds.Accounts()
			if err != nil {
				return err
			}

			now := time.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "ACCOUNT\tCURSOR\tEXPIRES\tSTATE\tTOPIC")
			seen := make(map[string]bool)
			for _, r := range records {
				seen[r.AccountID] = true
				state := "active"
				switch {
				case !r.Active:
					state = "deactivated"
				case r.Stale(now):
					state = "stale"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", r.AccountID, r.LastCursor,
					r.WatchExpiresAt.Local().Format(time.RFC3339), state, r.SubscriptionTopic)
			}
			for _, id := range ids {
				if !seen[id] {
					fmt.Fprintf(tw, "%s\t-\t-\tunsubscribed\t-\n", id)
				}
			}
			return tw.Flush()
		},
	}
}

func newAccountDeactivateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate EMAIL",
		Short: "Stop processing notifications for EMAIL and stop its watch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.invocationContext(cmd.Context())
			defer cancel()
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			return p.renewer.Deactivate(ctx, args[0])
		},
	}
}

func newAccountActivateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "activate EMAIL",
		Short: "Resume a deactivated account and subscribe it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.invocationContext(cmd.Context())
			defer cancel()
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			rep, err := p.renewer.Activate(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s until %s\n", args[0], rep.Status, rep.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}
