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

// Package credential keeps per-account OAuth tokens in a keyring and
// refreshes them on demand.
//
// One keyring item holds one account: the key is the account's email
// address and the data is the JSON encoding of an oauth2.Token.
// Refreshed tokens are written back so that the next invocation starts
// from the newest refresh token the authorization server issued.
package credential

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/99designs/keyring"
	"github.com/matta/gotbills/internal/fault"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Credential is the OAuth state of one mailbox account.
type Credential struct {
	AccountID string
	Token     *oauth2.Token
}

// Store resolves and refreshes account credentials.
type Store struct {
	ring   keyring.Keyring
	oauth  *oauth2.Config
	logger *slog.Logger
}

// New returns a Store over ring.  The oauth config supplies the client
// and token endpoint used for refreshes.
func New(ring keyring.Keyring, oauth *oauth2.Config, logger *slog.Logger) *Store {
	return &Store{ring: ring, oauth: oauth, logger: logger}
}

// Accounts lists every account holding a credential, sorted.
func (s *Store) Accounts() ([]string, error) {
	keys, err := s.ring.Keys()
	if err != nil {
		return nil, fault.Transient(errors.Wrap(err, "listing keyring accounts"))
	}
	sort.Strings(keys)
	return keys, nil
}

// Get returns the stored credential of accountID, or an error wrapping
// fault.ErrNotFound.
func (s *Store) Get(accountID string) (*Credential, error) {
	item, err := s.ring.Get(accountID)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, errors.Wrapf(fault.ErrNotFound, "credential for %q", accountID)
	}
	if err != nil {
		return nil, fault.Transient(errors.Wrapf(err, "reading credential for %q", accountID))
	}
	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, errors.Wrapf(err, "decoding credential for %q", accountID)
	}
	return &Credential{AccountID: accountID, Token: &tok}, nil
}

// Put stores cred, replacing any previous token of the account.
func (s *Store) Put(cred *Credential) error {
	data, err := json.Marshal(cred.Token)
	if err != nil {
		return errors.Wrapf(err, "encoding credential for %q", cred.AccountID)
	}
	err = s.ring.Set(keyring.Item{
		Key:         cred.AccountID,
		Data:        data,
		Label:       "gotbills " + cred.AccountID,
		Description: "Gmail OAuth token",
	})
	if err != nil {
		return errors.Wrapf(err, "storing credential for %q", cred.AccountID)
	}
	return nil
}

// RefreshIfExpired returns cred unchanged while its access token is
// valid, and otherwise exchanges the refresh token for a new one and
// persists it.  A refusal by the authorization server is reported as
// fault.ErrAuthExpired; anything else is transient.
func (s *Store) RefreshIfExpired(ctx context.Context, cred *Credential) (*Credential, error) {
	if cred.Token.Valid() {
		return cred, nil
	}
	if cred.Token.RefreshToken == "" {
		return nil, errors.Wrapf(fault.ErrAuthExpired, "%q has no refresh token", cred.AccountID)
	}

	s.logger.Info("refreshing expired access token", "account", cred.AccountID)
	tok, err := s.oauth.TokenSource(ctx, cred.Token).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && refused(re) {
			return nil, errors.Wrapf(fault.ErrAuthExpired, "refreshing %q: %v", cred.AccountID, err)
		}
		return nil, fault.Transient(errors.Wrapf(err, "refreshing %q", cred.AccountID))
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = cred.Token.RefreshToken
	}

	fresh := &Credential{AccountID: cred.AccountID, Token: tok}
	if err := s.Put(fresh); err != nil {
		// The refreshed token is still usable for this invocation.
		s.logger.Warn("could not persist refreshed token", "account", cred.AccountID, "error", err)
	}
	return fresh, nil
}

// refused reports whether the token endpoint rejected the grant
// itself, as opposed to failing to answer.
func refused(re *oauth2.RetrieveError) bool {
	switch re.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return true
	}
	if re.Response != nil {
		switch re.Response.StatusCode {
		case 400, 401, 403:
			return true
		}
	}
	return false
}
