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

	"github.com/matta/gotbills/internal/credential"
	"github.com/matta/gotbills/internal/gmail"
	"github.com/matta/gotbills/internal/gmailhttp"
	"github.com/pkg/errors"
)

// GmailDialer opens Gmail mailboxes with credentials from a keyring.
type GmailDialer struct {
	Credentials *credential.Store
	HTTP        gmailhttp.Options
	Gmail       gmail.Options
}

// Dial refreshes the credential of accountID if needed and returns a
// rate limited Gmail client for it.  An unrecoverable credential
// yields an error wrapping fault.ErrAuthExpired.
func (d *GmailDialer) Dial(ctx context.Context, accountID string) (Mailbox, error) {
	cred, err := d.Credentials.Get(accountID)
	if err != nil {
		return nil, err
	}
	cred, err = d.Credentials.RefreshIfExpired(ctx, cred)
	if err != nil {
		return nil, err
	}
	opts := d.Gmail
	if opts.Logger != nil {
		opts.Logger = opts.Logger.With("account", accountID)
	}
	svc, err := gmail.New(ctx, gmailhttp.New(cred.Token, d.HTTP), opts)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing mailbox of %q", accountID)
	}
	return svc, nil
}
