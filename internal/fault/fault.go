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

// Package fault classifies the failures of an ingestion invocation.
//
// Every error that crosses a component boundary is wrapped with
// github.com/pkg/errors; Classify looks through the wrapping to decide
// whether the triggering platform should redeliver.
package fault

import (
	"github.com/pkg/errors"
)

var (
	// ErrAuthExpired means the account's credential can no longer be
	// refreshed and a human has to re-authorize it.
	ErrAuthExpired = errors.New("credential refresh failed; account needs re-authorization")

	// ErrHistoryHorizonExceeded means the provider no longer retains
	// history back to the requested cursor.
	ErrHistoryHorizonExceeded = errors.New("history cursor is older than the provider retains")

	// ErrCursorConflict means another invocation advanced the cursor
	// first.
	ErrCursorConflict = errors.New("cursor was advanced concurrently")

	// ErrMalformedNotification means a queue payload could not be
	// decoded into an account and cursor.
	ErrMalformedNotification = errors.New("malformed change notification")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInactive means the account was explicitly deactivated.
	ErrInactive = errors.New("account is deactivated")
)

// Kind is the handling class of an error.
type Kind int

const (
	// KindUnknown errors are unclassified and cause redelivery.
	KindUnknown Kind = iota
	KindTransient
	KindConflict
	KindHorizon
	KindAuthExpired
	KindMalformed
	// KindTerminal covers accepted terminal outcomes such as a
	// notification for an unknown or deactivated account.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "cursor-conflict"
	case KindHorizon:
		return "history-horizon-exceeded"
	case KindAuthExpired:
		return "auth-expired"
	case KindMalformed:
		return "malformed-notification"
	case KindTerminal:
		return "terminal"
	}
	return "unknown"
}

// transientError marks an error as worth retrying.  It deliberately
// has no Cause method so errors.Cause stops here.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a transient provider or storage failure.
// Transient(nil) is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err}
}

// IsTransient reports whether err, or anything it wraps, was marked
// with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Classify maps err onto the taxonomy.  Malformed and auth-expired
// outrank the transient marker; the marker outranks the remaining
// sentinels, so a cursor conflict that exhausted its local retries and
// was marked transient gets redelivered.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrMalformedNotification):
		return KindMalformed
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case IsTransient(err):
		return KindTransient
	case errors.Is(err, ErrCursorConflict):
		return KindConflict
	case errors.Is(err, ErrHistoryHorizonExceeded):
		return KindHorizon
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInactive):
		return KindTerminal
	}
	return KindUnknown
}

// Retriable reports whether the invocation that produced err should
// signal failure so the queue or scheduler redelivers it.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case KindTransient, KindUnknown:
		return true
	}
	return false
}
