package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/matta/gotbills/internal/fault"
	"github.com/matta/gotbills/internal/message"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newNotifyCmd(a *app) *cobra.Command {
	var (
		accountID string
		cursor    uint64
	)
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Process one change notification without a queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.invocationContext(cmd.Context())
			defer cancel()
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			n := message.Notification{AccountID: accountID, Cursor: message.Cursor(cursor)}
			logger := a.logger.With("invocation", uuid.NewString())
			if cursor == 0 {
				// Resolve up to the mailbox's current position.
				mbox, err := p.dialer.Dial(ctx, accountID)
				if err != nil {
					return err
				}
				profile, err := mbox.GetProfile(ctx)
				if err != nil {
					return err
				}
				n.Cursor = profile.HistoryID
			}

			res, err := p.resolver.Resolve(ctx, n)
			if err != nil {
				logger.Error("notification failed", "kind", fault.Classify(err), "error", err)
				return errors.Wrapf(err, "resolving %s at %d", n.AccountID, n.Cursor)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d..%d: %d messages, %d stored, %d already present, %d skipped, degraded=%v\n",
				res.AccountID, res.From, res.To, res.Messages, res.Stored, res.AlreadyExisted, res.Skipped, res.Degraded)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account email address")
	cmd.Flags().Uint64Var(&cursor, "cursor", 0, "history ID to resolve up to (default: the mailbox's current one)")
	cmd.MarkFlagRequired("account")
	return cmd
}
