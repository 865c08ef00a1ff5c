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

package fault

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"transient", Transient(errors.New("503")), KindTransient},
		{"wrapped transient", errors.Wrap(Transient(errors.New("503")), "listing history"), KindTransient},
		{"conflict", errors.Wrap(ErrCursorConflict, "advancing"), KindConflict},
		{"exhausted conflict", Transient(errors.Wrap(ErrCursorConflict, "advancing")), KindTransient},
		{"horizon", errors.WithStack(ErrHistoryHorizonExceeded), KindHorizon},
		{"auth", errors.Wrap(ErrAuthExpired, "refreshing"), KindAuthExpired},
		{"auth beats transient", Transient(ErrAuthExpired), KindAuthExpired},
		{"malformed", errors.Wrap(ErrMalformedNotification, "decoding"), KindMalformed},
		{"not found", errors.Wrap(ErrNotFound, "account a1"), KindTerminal},
		{"inactive", ErrInactive, KindTerminal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetriable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("unexpected"), true},
		{Transient(errors.New("timeout")), true},
		{ErrMalformedNotification, false},
		{ErrAuthExpired, false},
		{ErrNotFound, false},
	}
	for _, tc := range cases {
		if got := Retriable(tc.err); got != tc.want {
			t.Errorf("Retriable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestTransientNil(t *testing.T) {
	if err := Transient(nil); err != nil {
		t.Errorf("Transient(nil) = %v, want nil", err)
	}
}

var fast = RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: time.Millisecond}

func TestRetryPolicyDo(t *testing.T) {
	cases := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"success", []error{nil}, 1, false},
		{"recovers", []error{Transient(errors.New("a")), nil}, 2, false},
		{"exhausted", []error{Transient(errors.New("a")), Transient(errors.New("b")), Transient(errors.New("c")), nil}, 3, true},
		{"permanent", []error{errors.New("bad request"), nil}, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := fast.Do(context.Background(), func(ctx context.Context) error {
				err := tc.errs[calls]
				calls++
				return err
			})
			if calls != tc.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tc.wantCalls)
			}
			if (err != nil) != tc.wantErr {
				t.Errorf("Do() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
