package main

import (
	"context"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/matta/gotbills/internal/blob"
	"github.com/matta/gotbills/internal/config"
	"github.com/matta/gotbills/internal/credential"
	"github.com/matta/gotbills/internal/extract"
	"github.com/matta/gotbills/internal/fault"
	"github.com/matta/gotbills/internal/gmail"
	"github.com/matta/gotbills/internal/gmailhttp"
	"github.com/matta/gotbills/internal/persist"
	"github.com/matta/gotbills/internal/publish"
	"github.com/matta/gotbills/internal/sync"
	"github.com/pkg/errors"
)

// Bounds one command when the configured timeout is unusable.
const defaultInvocationTimeout = 5 * time.Minute

// app wires the components of one command invocation.  Everything it
// opens is released by close.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	trace  bool

	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("closing", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) openDB(ctx context.Context) (*persist.DB, error) {
	db, err := persist.Open(ctx, a.cfg.Database.Path, a.logger)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *app) credentials() (*credential.Store, error) {
	ring, err := credential.OpenRing(credential.RingConfig{
		Service:      a.cfg.Keyring.Service,
		Backends:     a.cfg.Keyring.Backends,
		FileDir:      a.cfg.Keyring.FileDir,
		FilePassword: a.cfg.Keyring.Password,
	})
	if err != nil {
		return nil, err
	}
	return credential.New(ring, a.cfg.OAuth.Config(), a.logger), nil
}

func (a *app) blobStore(ctx context.Context) (blob.Store, error) {
	switch a.cfg.Blob.Driver {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize Cloud Storage")
		}
		a.closers = append(a.closers, client.Close)
		return blob.NewGCSStore(client, a.cfg.Blob.Bucket, a.cfg.Blob.Prefix), nil
	default:
		store, err := blob.NewDirStore(a.cfg.Blob.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func (a *app) httpOptions() gmailhttp.Options {
	opts := gmailhttp.Options{Timeout: a.cfg.Gmail.RequestTimeout}
	if a.trace {
		opts.Trace = a.logger
	}
	return opts
}

func (a *app) gmailOptions() gmail.Options {
	retry := fault.DefaultRetryPolicy
	retry.MaxAttempts = a.cfg.Gmail.MaxAttempts
	return gmail.Options{Retry: retry, Logger: a.logger}
}

func (a *app) dialer(creds *credential.Store) *sync.GmailDialer {
	return &sync.GmailDialer{
		Credentials: creds,
		HTTP:        a.httpOptions(),
		Gmail:       a.gmailOptions(),
	}
}

// pipeline holds the components shared by serve, renew and notify.
type pipeline struct {
	db       *persist.DB
	creds    *credential.Store
	dialer   *sync.GmailDialer
	resolver *sync.Resolver
	renewer  *sync.Renewer
}

func (a *app) pipeline(ctx context.Context) (*pipeline, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	store, err := a.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	dialer := a.dialer(creds)

	renewer := sync.NewRenewer(creds, db, dialer, sync.RenewerOptions{
		Topic:       a.cfg.Gmail.Topic,
		LabelIDs:    a.cfg.Gmail.LabelIDs,
		Margin:      a.cfg.Renew.Margin,
		Concurrency: a.cfg.Renew.Concurrency,
		Logger:      a.logger,
	})
	rules := extract.Rules{Senders: a.cfg.Filter.Senders, ContentTypes: a.cfg.Filter.ContentTypes}
	resolver := sync.NewResolver(db, dialer,
		extract.New(rules, a.logger),
		publish.New(store, a.logger),
		sync.ResolverOptions{
			ResyncLookback:  a.cfg.Resolve.ResyncLookback,
			ConflictRetries: a.cfg.Resolve.ConflictRetries,
			Resubscriber:    renewer,
			Logger:          a.logger,
		})
	return &pipeline{db: db, creds: creds, dialer: dialer, resolver: resolver, renewer: renewer}, nil
}

// invocationContext bounds one command run by the resolve invocation
// timeout, so a stalled provider call cannot hang the process.
func (a *app) invocationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := defaultInvocationTimeout
	if a.cfg != nil && a.cfg.Resolve.InvocationTimeout > 0 {
		timeout = a.cfg.Resolve.InvocationTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
