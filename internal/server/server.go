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

// Package server exposes the renewal and notification triggers over
// HTTP.
//
// Each request is one independent invocation.  The status code tells
// the scheduler or Pub/Sub whether to redeliver: only transient and
// unclassified failures answer 5xx.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/matta/gotbills/internal/fault"
	"github.com/matta/gotbills/internal/message"
	"github.com/matta/gotbills/internal/sync"
)

// Pub/Sub caps messages at 10MB; Gmail pushes are tiny.
const maxBodyBytes = 1 << 20

type Resolver interface {
	Resolve(ctx context.Context, n message.Notification) (*sync.Result, error)
}

type Renewer interface {
	RenewAll(ctx context.Context) (*sync.Report, error)
}

type Options struct {
	// Bounds each invocation.  Zero means no bound beyond the
	// request's own context.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Server struct {
	resolver Resolver
	renewer  Renewer
	opts     Options
}

func New(resolver Resolver, renewer Renewer, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{resolver: resolver, renewer: renewer, opts: opts}
}

// Handler routes POST /renew, POST /notify and GET /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /renew", s.handleRenew)
	mux.HandleFunc("POST /notify", s.handleNotify)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok\n")
	})
	return mux
}

func (s *Server) invocation(r *http.Request) (context.Context, context.CancelFunc, *slog.Logger) {
	logger := s.opts.Logger.With("invocation", uuid.NewString())
	if s.opts.Timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
		return ctx, cancel, logger
	}
	ctx, cancel := context.WithCancel(r.Context())
	return ctx, cancel, logger
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, logger := s.invocation(r)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		logger.Error("reading notification body", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	n, err := DecodeNotification(body)
	if err != nil {
		// Acknowledge so Pub/Sub does not redeliver it forever.
		logger.Warn("dropping malformed notification", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	logger = logger.With("account", n.AccountID, "cursor", uint64(n.Cursor))

	res, err := s.resolver.Resolve(ctx, n)
	if err != nil {
		w.WriteHeader(report(logger, err))
		return
	}
	if res.Degraded {
		logger.Warn("notification resolved by degraded resync", "stored", res.Stored)
	}
	w.WriteHeader(http.StatusOK)
}

// report logs err at the level its kind deserves and returns the
// status code for it.
func report(logger *slog.Logger, err error) int {
	kind := fault.Classify(err)
	switch kind {
	case fault.KindAuthExpired:
		logger.Error("account needs re-authorization; notifications are blocked", "error", err)
	case fault.KindTerminal:
		logger.Error("notification cannot be processed", "kind", kind, "error", err)
	case fault.KindMalformed, fault.KindHorizon, fault.KindConflict:
		logger.Warn("notification dropped", "kind", kind, "error", err)
	default:
		logger.Error("notification failed; requesting redelivery", "kind", kind, "error", err)
	}
	if fault.Retriable(err) {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

type renewAccount struct {
	Account   string    `json:"account"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expiresAt"`
	Error     string    `json:"error,omitempty"`
}

type renewResponse struct {
	Accounts []renewAccount `json:"accounts"`
	Failed   int            `json:"failed"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, logger := s.invocation(r)
	defer cancel()

	rep, err := s.renewer.RenewAll(ctx)
	status := http.StatusOK
	if err != nil {
		logger.Error("renewal failed", "error", err)
		status = http.StatusInternalServerError
	}
	if rep == nil {
		w.WriteHeader(status)
		return
	}

	resp := renewResponse{Accounts: make([]renewAccount, 0, len(rep.Accounts)), Failed: rep.Failed()}
	for _, a := range rep.Accounts {
		ra := renewAccount{Account: a.AccountID, Status: a.Status.String(), ExpiresAt: a.ExpiresAt}
		if a.Err != nil {
			ra.Error = a.Err.Error()
		}
		resp.Accounts = append(resp.Accounts, ra)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("writing renewal response", "error", err)
	}
}
