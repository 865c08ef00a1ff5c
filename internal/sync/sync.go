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

// Package sync turns mailbox change notifications into published
// attachments and keeps every account's push subscription alive.
//
// Nothing is cached in process memory between invocations.  The
// cursor store's compare-and-advance is the only coordination between
// concurrent invocations for the same account.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/matta/gotbills/internal/extract"
	"github.com/matta/gotbills/internal/fault"
	"github.com/matta/gotbills/internal/gmail"
	"github.com/matta/gotbills/internal/message"
	"github.com/matta/gotbills/internal/publish"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ResolverOptions tune a Resolver.
type ResolverOptions struct {
	// How far back a degraded resync looks for messages.
	ResyncLookback time.Duration

	// Local retries after losing a compare-and-advance race.
	ConflictRetries int

	// Renews a lapsed watch before its window is processed.  Optional.
	Resubscriber Resubscriber

	Logger *slog.Logger
}

// Resolver processes change notifications.
type Resolver struct {
	cursors   CursorStore
	dialer    Dialer
	extractor *extract.Extractor
	publisher *publish.Publisher
	opts      ResolverOptions
	now       func() time.Time
}

func NewResolver(cursors CursorStore, dialer Dialer, extractor *extract.Extractor, publisher *publish.Publisher, opts ResolverOptions) *Resolver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		cursors:   cursors,
		dialer:    dialer,
		extractor: extractor,
		publisher: publisher,
		opts:      opts,
		now:       time.Now,
	}
}

// Result summarizes one resolved notification.
type Result struct {
	AccountID string
	From, To  message.Cursor

	// The window was already processed by an earlier delivery.
	NoOp bool

	// History back to From was gone and recent messages were rescanned
	// instead.
	Degraded bool

	// Compare-and-advance races lost before succeeding.
	Conflicts int

	// The watch had lapsed and was renewed during this invocation.
	Resubscribed bool

	Messages       int
	Skipped        int
	Candidates     int
	Stored         int
	AlreadyExisted int
}

// resubscribe renews a lapsed watch.  Failure is logged and left to the
// scheduled renewal; the window is processed either way.
func (r *Resolver) resubscribe(ctx context.Context, logger *slog.Logger, accountID string, expired time.Time) bool {
	logger.Warn("watch subscription lapsed; history may have gaps", "expired", expired)
	if r.opts.Resubscriber == nil {
		return false
	}
	rep := r.opts.Resubscriber.Renew(ctx, accountID)
	if rep.Err != nil {
		logger.Warn("renewing lapsed watch failed", "error", rep.Err)
		return false
	}
	return rep.Status == Renewed
}

// Resolve publishes the qualifying attachments of every message added
// between the stored cursor and n.Cursor, then advances the cursor to
// n.Cursor.  Nothing is advanced when any step fails, so the whole
// window can be redelivered.  Notifications at or behind the stored
// cursor are no-ops that make no provider calls.
func (r *Resolver) Resolve(ctx context.Context, n message.Notification) (*Result, error) {
	logger := r.opts.Logger.With("account", n.AccountID, "cursor", uint64(n.Cursor))

	var (
		mbox         Mailbox
		resubscribed bool
	)
	for attempt := 0; ; attempt++ {
		rec, err := r.cursors.Get(ctx, n.AccountID)
		if err != nil {
			return nil, errors.Wrapf(err, "reading watch record of %q", n.AccountID)
		}
		if !rec.Active {
			return nil, errors.Wrapf(fault.ErrInactive, "account %q", n.AccountID)
		}

		res := &Result{AccountID: n.AccountID, From: rec.LastCursor, To: n.Cursor, Conflicts: attempt}
		if n.Cursor <= rec.LastCursor {
			logger.Info("notification already covered", "stored", uint64(rec.LastCursor))
			res.NoOp = true
			return res, nil
		}
		if !resubscribed && rec.Stale(r.now()) {
			resubscribed = r.resubscribe(ctx, logger, n.AccountID, rec.WatchExpiresAt)
		}
		res.Resubscribed = resubscribed

		if mbox == nil {
			if mbox, err = r.dialer.Dial(ctx, n.AccountID); err != nil {
				return nil, err
			}
		}
		if err := r.process(ctx, logger, mbox, res); err != nil {
			return nil, errors.Wrapf(err, "processing window %d..%d", res.From, res.To)
		}

		err = r.cursors.CompareAndAdvance(ctx, n.AccountID, rec.LastCursor, n.Cursor)
		if err == nil {
			logger.Info("advanced cursor",
				"from", uint64(res.From),
				"messages", res.Messages,
				"stored", res.Stored,
				"already_existed", res.AlreadyExisted,
				"degraded", res.Degraded,
				"resubscribed", res.Resubscribed)
			return res, nil
		}
		if !errors.Is(err, fault.ErrCursorConflict) {
			return nil, err
		}
		if attempt >= r.opts.ConflictRetries {
			return nil, fault.Transient(errors.Wrapf(err, "after %d attempts", attempt+1))
		}
		logger.Info("cursor advanced concurrently; resolving again", "attempt", attempt+1)
	}
}

// process runs the window through the extractor and publisher.  One
// goroutine lists message IDs while another publishes them in order.
func (r *Resolver) process(ctx context.Context, logger *slog.Logger, mbox Mailbox, res *Result) error {
	grp, ctx := errgroup.WithContext(ctx)
	ids := make(chan string, 100)

	var degraded bool
	grp.Go(func() (err error) {
		defer close(ids)
		degraded, err = r.listAdded(ctx, logger, mbox, res.From, res.To, ids)
		return err
	})
	grp.Go(func() error {
		return r.publishAll(ctx, logger, mbox, res, ids)
	})
	if err := grp.Wait(); err != nil {
		return err
	}
	res.Degraded = degraded
	return nil
}

// listAdded sends the IDs of messages added in (from, to], each once,
// in history order.  When the history is gone it falls back to the
// messages received within the resync lookback.
func (r *Resolver) listAdded(ctx context.Context, logger *slog.Logger, src MessageLister, from, to message.Cursor, ids chan<- string) (bool, error) {
	seen := make(map[string]bool)
	send := func(id string) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ids <- id:
			return nil
		}
	}

	err := src.History(ctx, from, to, func(c message.Change) error {
		if c.Kind != message.ChangeAdded {
			return nil
		}
		return send(c.MessageID)
	})
	if !errors.Is(err, fault.ErrHistoryHorizonExceeded) {
		return false, err
	}

	since := r.now().Add(-r.opts.ResyncLookback)
	logger.Warn("history horizon exceeded; rescanning recent messages",
		"from", uint64(from), "since", since, "error", err)
	err = src.ListRecent(ctx, resyncQuery(since), send)
	return true, errors.Wrap(err, "degraded resync")
}

// resyncQuery selects the messages a degraded resync considers.
func resyncQuery(since time.Time) string {
	return fmt.Sprintf("has:attachment after:%d", since.Unix())
}

func (r *Resolver) publishAll(ctx context.Context, logger *slog.Logger, mbox Mailbox, res *Result, ids <-chan string) error {
	for id := range ids {
		res.Messages++
		cands, err := r.extractor.Extract(ctx, mbox, res.AccountID, id)
		if errors.Is(err, gmail.ErrMessageNotFound) {
			// Deleted between the change and now.
			logger.Debug("skipping vanished message", "message", id)
			res.Skipped++
			continue
		}
		if err != nil {
			return err
		}
		for _, c := range cands {
			res.Candidates++
			out, err := r.publisher.Publish(ctx, mbox, c)
			if errors.Is(err, gmail.ErrMessageNotFound) {
				logger.Debug("skipping vanished attachment", "message", id, "filename", c.Filename)
				res.Skipped++
				continue
			}
			if err != nil {
				return err
			}
			switch out {
			case publish.Stored:
				res.Stored++
			case publish.AlreadyExists:
				res.AlreadyExisted++
			}
		}
	}
	return nil
}
