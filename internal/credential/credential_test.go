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

package credential

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/google/go-cmp/cmp"
	"github.com/matta/gotbills/internal/fault"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

func tokenItem(t *testing.T, account string, tok *oauth2.Token) keyring.Item {
	t.Helper()
	data, err := json.Marshal(tok)
	if err != nil {
		t.Fatal(err)
	}
	return keyring.Item{Key: account, Data: data}
}

func newStore(t *testing.T, tokenURL string, items ...keyring.Item) (*Store, keyring.Keyring) {
	t.Helper()
	ring := keyring.NewArrayKeyring(items)
	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return New(ring, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), ring
}

func tokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAccounts(t *testing.T) {
	tok := &oauth2.Token{AccessToken: "x"}
	s, _ := newStore(t, "",
		tokenItem(t, "b@example.com", tok),
		tokenItem(t, "a@example.com", tok))
	got, err := s.Accounts()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a@example.com", "b@example.com"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Accounts() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newStore(t, "")
	if _, err := s.Get("nobody@example.com"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Get() = %v, want ErrNotFound", err)
	}
}

func TestRefreshValidTokenIsNoop(t *testing.T) {
	valid := &oauth2.Token{AccessToken: "live", Expiry: time.Now().Add(time.Hour)}
	s, _ := newStore(t, "http://127.0.0.1:1/unused", tokenItem(t, "a@example.com", valid))
	cred, err := s.Get("a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.RefreshIfExpired(context.Background(), cred)
	if err != nil {
		t.Fatal(err)
	}
	if got != cred {
		t.Errorf("RefreshIfExpired() returned a new credential for a valid token")
	}
}

func TestRefreshPersistsNewToken(t *testing.T) {
	srv := tokenServer(t, http.StatusOK,
		`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	expired := &oauth2.Token{
		AccessToken:  "old",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
	}
	s, _ := newStore(t, srv.URL, tokenItem(t, "a@example.com", expired))
	cred, err := s.Get("a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.RefreshIfExpired(context.Background(), cred)
	if err != nil {
		t.Fatalf("RefreshIfExpired() = %v", err)
	}
	if got.Token.AccessToken != "fresh" {
		t.Errorf("AccessToken = %q, want %q", got.Token.AccessToken, "fresh")
	}
	if got.Token.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q, want the previous one kept", got.Token.RefreshToken)
	}

	stored, err := s.Get("a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Token.AccessToken != "fresh" {
		t.Errorf("stored AccessToken = %q, want %q", stored.Token.AccessToken, "fresh")
	}
}

func TestRefreshFailures(t *testing.T) {
	expired := &oauth2.Token{
		AccessToken:  "old",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
	}
	cases := []struct {
		name   string
		status int
		body   string
		want   fault.Kind
	}{
		{"revoked", http.StatusBadRequest, `{"error":"invalid_grant"}`, fault.KindAuthExpired},
		{"server down", http.StatusServiceUnavailable, `{"error":"backend"}`, fault.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := tokenServer(t, tc.status, tc.body)
			s, _ := newStore(t, srv.URL, tokenItem(t, "a@example.com", expired))
			cred, err := s.Get("a@example.com")
			if err != nil {
				t.Fatal(err)
			}
			_, err = s.RefreshIfExpired(context.Background(), cred)
			if got := fault.Classify(err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", err, got, tc.want)
			}
		})
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	s, _ := newStore(t, "")
	cred := &Credential{AccountID: "a@example.com", Token: &oauth2.Token{}}
	_, err := s.RefreshIfExpired(context.Background(), cred)
	if !errors.Is(err, fault.ErrAuthExpired) {
		t.Errorf("RefreshIfExpired() = %v, want ErrAuthExpired", err)
	}
}
