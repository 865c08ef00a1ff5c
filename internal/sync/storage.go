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

// This file declares the collaborators of the resolver and renewer.

import (
	"context"
	"time"

	"github.com/matta/gotbills/internal/message"
)

// MessageLister enumerates message identifiers of one mailbox.
type MessageLister interface {
	History(ctx context.Context, from, to message.Cursor, handler func(message.Change) error) error
	ListRecent(ctx context.Context, query string, handler func(id string) error) error
}

// MessageMetaGetter gets per message metadata and attachment content.
type MessageMetaGetter interface {
	GetMessage(ctx context.Context, id string) (*message.Meta, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Watcher manages the push subscription of one mailbox.
type Watcher interface {
	Watch(ctx context.Context, topic string, labelIDs []string) (message.Cursor, time.Time, error)
	Stop(ctx context.Context) error
}

// MessageProfiler gets per account metadata.
type MessageProfiler interface {
	GetProfile(ctx context.Context) (*message.Profile, error)
}

// Mailbox provides all actions available on one account's mailbox.
type Mailbox interface {
	MessageLister
	MessageMetaGetter
	Watcher
	MessageProfiler
}

// Dialer opens the mailbox of an account with a fresh credential.
type Dialer interface {
	Dial(ctx context.Context, accountID string) (Mailbox, error)
}

// CursorStore is the durable per-account watch state.
type CursorStore interface {
	Get(ctx context.Context, accountID string) (*message.WatchRecord, error)
	CompareAndAdvance(ctx context.Context, accountID string, expected, next message.Cursor) error
	RecordWatch(ctx context.Context, accountID, topic string, expiresAt time.Time, initial message.Cursor) error
	SetActive(ctx context.Context, accountID string, active bool) error
}

// AccountLister lists every account known to the credential store.
type AccountLister interface {
	Accounts() ([]string, error)
}

// Resubscriber renews the watch subscription of one account.
type Resubscriber interface {
	Renew(ctx context.Context, accountID string) AccountReport
}
