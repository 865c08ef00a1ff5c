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

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matta/gotbills/internal/fault"
	"github.com/matta/gotbills/internal/message"
	"github.com/matta/gotbills/internal/sync"
	"github.com/pkg/errors"
)

func envelope(data string) string {
	return `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(data)) +
		`","messageId":"2070443601311540"},"subscription":"projects/billing/subscriptions/gmail-push"}`
}

func TestDecodeNotification(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    message.Notification
		wantErr bool
	}{
		{
			name: "numeric history id",
			body: envelope(`{"emailAddress":"a1@example.com","historyId":9876543210}`),
			want: message.Notification{AccountID: "a1@example.com", Cursor: 9876543210},
		},
		{
			name: "string history id",
			body: envelope(`{"emailAddress":"a1@example.com","historyId":"105"}`),
			want: message.Notification{AccountID: "a1@example.com", Cursor: 105},
		},
		{name: "not json", body: `hello`, wantErr: true},
		{name: "no data", body: `{"message":{"messageId":"1"}}`, wantErr: true},
		{name: "bad base64", body: `{"message":{"data":"%%%"}}`, wantErr: true},
		{name: "data not json", body: envelope(`history 105`), wantErr: true},
		{name: "no address", body: envelope(`{"historyId":105}`), wantErr: true},
		{name: "no history id", body: envelope(`{"emailAddress":"a1@example.com"}`), wantErr: true},
		{name: "negative history id", body: envelope(`{"emailAddress":"a1@example.com","historyId":-5}`), wantErr: true},
		{name: "fractional history id", body: envelope(`{"emailAddress":"a1@example.com","historyId":1.5}`), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeNotification([]byte(tc.body))
			if tc.wantErr {
				if !errors.Is(err, fault.ErrMalformedNotification) {
					t.Errorf("DecodeNotification() = %v, %v; want a malformed notification error", got, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("DecodeNotification() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type fakeResolver struct {
	got []message.Notification
	res *sync.Result
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, n message.Notification) (*sync.Result, error) {
	f.got = append(f.got, n)
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeRenewer struct {
	rep *sync.Report
	err error
}

func (f *fakeRenewer) RenewAll(ctx context.Context) (*sync.Report, error) {
	return f.rep, f.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestNotifyStatus(t *testing.T) {
	valid := envelope(`{"emailAddress":"a1@example.com","historyId":"105"}`)
	cases := []struct {
		name         string
		body         string
		err          error
		want         int
		wantResolves int
	}{
		{"ok", valid, nil, http.StatusOK, 1},
		{"malformed", `{"message":{}}`, nil, http.StatusNoContent, 0},
		{"transient", valid, fault.Transient(errors.New("503")), http.StatusInternalServerError, 1},
		{"unclassified", valid, errors.New("disk on fire"), http.StatusInternalServerError, 1},
		{"auth expired", valid, errors.Wrap(fault.ErrAuthExpired, "refreshing"), http.StatusOK, 1},
		{"unknown account", valid, errors.Wrap(fault.ErrNotFound, "watch record"), http.StatusOK, 1},
		{"deactivated", valid, errors.Wrap(fault.ErrInactive, "account"), http.StatusOK, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := &fakeResolver{res: &sync.Result{}, err: tc.err}
			s := New(res, &fakeRenewer{}, Options{Timeout: time.Minute, Logger: discard()})
			rec := post(t, s.Handler(), "/notify", tc.body)
			if rec.Code != tc.want {
				t.Errorf("POST /notify = %d, want %d", rec.Code, tc.want)
			}
			if len(res.got) != tc.wantResolves {
				t.Errorf("Resolve calls = %d, want %d", len(res.got), tc.wantResolves)
			}
		})
	}
}

func TestRenew(t *testing.T) {
	expires := time.Date(2026, 10, 26, 12, 0, 0, 0, time.UTC)
	rep := &sync.Report{Accounts: []sync.AccountReport{
		{AccountID: "a@example.com", Status: sync.Renewed, ExpiresAt: expires},
		{AccountID: "b@example.com", Status: sync.RenewFailed, Err: errors.New("unavailable")},
	}}
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"partial failure", nil, http.StatusOK},
		{"all failed", errors.New("renewal failed for all accounts"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(&fakeResolver{}, &fakeRenewer{rep: rep, err: tc.err}, Options{Logger: discard()})
			rec := post(t, s.Handler(), "/renew", "")
			if rec.Code != tc.want {
				t.Errorf("POST /renew = %d, want %d", rec.Code, tc.want)
			}
			var got renewResponse
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			want := renewResponse{
				Accounts: []renewAccount{
					{Account: "a@example.com", Status: "renewed", ExpiresAt: expires},
					{Account: "b@example.com", Status: "failed", Error: "unavailable"},
				},
				Failed: 1,
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRenewRejectsGet(t *testing.T) {
	s := New(&fakeResolver{}, &fakeRenewer{}, Options{Logger: discard()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/renew", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /renew = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}
