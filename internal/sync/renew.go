// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/matta/gotbills/internal/fault"
	"github.com/matta/gotbills/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// RenewerOptions tune a Renewer.
type RenewerOptions struct {
	// The Pub/Sub topic notifications are pushed to.
	Topic string

	// Restricts notifications to these labels when not empty.
	LabelIDs []string

	// A watch is renewed once its remaining lifetime drops below
	// Margin.
	Margin time.Duration

	// Accounts renewed at once.  Values below 1 mean 1.
	Concurrency int

	Logger *slog.Logger
}

// Renewer keeps the push subscription of every account alive.
type Renewer struct {
	accounts AccountLister
	cursors  CursorStore
	dialer   Dialer
	opts     RenewerOptions
	now      func() time.Time
}

func NewRenewer(accounts AccountLister, cursors CursorStore, dialer Dialer, opts RenewerOptions) *Renewer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Renewer{
		accounts: accounts,
		cursors:  cursors,
		dialer:   dialer,
		opts:     opts,
		now:      time.Now,
	}
}

// RenewStatus is what happened to one account during a renewal pass.
type RenewStatus int

const (
	RenewFailed RenewStatus = iota
	Renewed
	RenewNotDue
	RenewInactive
)

func (s RenewStatus) String() string {
	switch s {
	case Renewed:
		return "renewed"
	case RenewNotDue:
		return "not-due"
	case RenewInactive:
		return "inactive"
	}
	return "failed"
}

// AccountReport is the outcome of renewing one account.
type AccountReport struct {
	AccountID string
	Status    RenewStatus
	ExpiresAt time.Time
	Err       error
}

// Report is the outcome of a renewal pass.
type Report struct {
	Accounts []AccountReport
}

// Failed counts the accounts whose renewal failed.
func (r *Report) Failed() int {
	n := 0
	for _, a := range r.Accounts {
		if a.Status == RenewFailed {
			n++
		}
	}
	return n
}

// RenewAll visits every account of the credential store once.  A
// failure is confined to its own account; RenewAll fails only when
// every account failed.
func (r *Renewer) RenewAll(ctx context.Context) (*Report, error) {
	ids, err := r.accounts.Accounts()
	if err != nil {
		return nil, err
	}
	report := &Report{Accounts: make([]AccountReport, len(ids))}

	var grp errgroup.Group
	grp.SetLimit(r.opts.Concurrency)
	for i, id := range ids {
		i, id := i, id
		grp.Go(func() error {
			report.Accounts[i] = r.Renew(ctx, id)
			return nil
		})
	}
	grp.Wait()

	failed := report.Failed()
	r.opts.Logger.Info("renewal pass complete", "accounts", len(ids), "failed", failed)
	if failed > 0 && failed == len(ids) {
		return report, errors.Errorf("renewal failed for all %d accounts; first: %v", failed, report.Accounts[0].Err)
	}
	return report, nil
}

// Renew subscribes accountID when it has no watch record or its watch
// expires within the margin.  A renewal never touches the stored
// cursor of an existing record.
func (r *Renewer) Renew(ctx context.Context, accountID string) AccountReport {
	return r.renew(ctx, accountID, false)
}

func (r *Renewer) renew(ctx context.Context, accountID string, force bool) AccountReport {
	logger := r.opts.Logger.With("account", accountID)
	rep := AccountReport{AccountID: accountID}
	fail := func(err error) AccountReport {
		rep.Status = RenewFailed
		rep.Err = err
		logger.Error("watch renewal failed", "kind", fault.Classify(err), "error", err)
		return rep
	}

	rec, err := r.cursors.Get(ctx, accountID)
	switch {
	case errors.Is(err, fault.ErrNotFound):
		rec = nil
	case err != nil:
		return fail(err)
	}
	if rec != nil && !rec.Active {
		logger.Debug("skipping deactivated account")
		rep.Status = RenewInactive
		return rep
	}
	if !force && rec != nil && !r.due(rec) {
		logger.Debug("watch not due for renewal", "expires", rec.WatchExpiresAt)
		rep.Status = RenewNotDue
		rep.ExpiresAt = rec.WatchExpiresAt
		return rep
	}

	mbox, err := r.dialer.Dial(ctx, accountID)
	if err != nil {
		return fail(err)
	}
	cursor, expires, err := mbox.Watch(ctx, r.opts.Topic, r.opts.LabelIDs)
	if err != nil {
		return fail(err)
	}
	if err := r.cursors.RecordWatch(ctx, accountID, r.opts.Topic, expires, cursor); err != nil {
		return fail(err)
	}
	logger.Info("renewed watch", "expires", expires, "new", rec == nil)
	rep.Status = Renewed
	rep.ExpiresAt = expires
	return rep
}

func (r *Renewer) due(rec *message.WatchRecord) bool {
	if rec.SubscriptionTopic != r.opts.Topic {
		return true
	}
	return rec.WatchExpiresAt.Sub(r.now()) < r.opts.Margin
}

// Deactivate marks accountID inactive, so its notifications are no
// longer processed, and then stops its provider watch.  Failing to
// stop the watch is only logged; it lapses on its own.
func (r *Renewer) Deactivate(ctx context.Context, accountID string) error {
	if err := r.cursors.SetActive(ctx, accountID, false); err != nil {
		return err
	}
	mbox, err := r.dialer.Dial(ctx, accountID)
	if err == nil {
		err = mbox.Stop(ctx)
	}
	if err != nil {
		r.opts.Logger.Warn("could not stop provider watch", "account", accountID, "error", err)
	}
	return nil
}

// Activate marks accountID active again and subscribes it right away,
// since its previous watch was stopped.
func (r *Renewer) Activate(ctx context.Context, accountID string) (AccountReport, error) {
	if err := r.cursors.SetActive(ctx, accountID, true); err != nil {
		return AccountReport{AccountID: accountID}, err
	}
	rep := r.renew(ctx, accountID, true)
	return rep, rep.Err
}
