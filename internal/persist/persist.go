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

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/matta/gotbills/internal/fault"
	"github.com/matta/gotbills/internal/message"

	"github.com/pkg/errors"
)

var (
	createTableSql = []string{
		// The watch_records table holds one row per mailbox account.
		//
		// Field: account_id
		//
		//   The mailbox owner's email address, as carried in the
		//   "emailAddress" field of Gmail push notifications.
		//
		// Field: last_cursor
		//
		//   The Gmail history ID up to which history has been fully
		//   processed, stored with orderedToSigned so that SQL
		//   comparisons follow unsigned order.
		//
		//   Only ever moved forward by CompareAndAdvance.  A watch
		//   renewal never touches it once the row exists.
		//
		// Field: watch_expires_at
		//
		//   Unix milliseconds at which the Gmail watch lapses, as
		//   returned by Users.watch "expiration".
		//
		// Field: subscription_topic
		//
		//   The Pub/Sub topic named in the last Users.watch call.
		//
		// Field: active
		//
		//   0 once the account was explicitly deactivated.  Rows are
		//   never deleted.
		`
CREATE TABLE IF NOT EXISTS watch_records (
account_id TEXT NOT NULL PRIMARY KEY,
last_cursor INTEGER NOT NULL,
watch_expires_at INTEGER NOT NULL,
subscription_topic TEXT NOT NULL,
active INTEGER NOT NULL DEFAULT 1,
updated_at INTEGER NOT NULL
);`,
	}
)

// DB is the cursor store.  Every method is a single statement, so
// concurrent invocations (in this process or another sharing the
// file) are serialized by SQLite itself.
type DB struct {
	db     *sql.DB
	logger *slog.Logger

	// now is replaced in tests.
	now func() time.Time
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  Overlapping
	// invocations for one account contend on the same row, so
	// allow a generous wait.
	var busyTimeout = int(30*time.Second) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_journal_mode": {"WAL"}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	logger.Debug("opening cursor store", "dsn", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, logger: logger, now: time.Now}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	for _, sql := range createTableSql {
		logger.Debug("SQL Exec", "sql", sql)
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

const selectRecord = `
SELECT account_id, last_cursor, watch_expires_at, subscription_topic, active
FROM watch_records
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*message.WatchRecord, error) {
	var (
		r       message.WatchRecord
		cursor  int64
		expires int64
		active  int
	)
	if err := row.Scan(&r.AccountID, &cursor, &expires, &r.SubscriptionTopic, &active); err != nil {
		return nil, err
	}
	r.LastCursor = message.Cursor(orderedToUnsigned(cursor))
	r.WatchExpiresAt = fromMillis(expires)
	r.Active = active != 0
	return &r, nil
}

// Get returns the watch record of accountID, or an error wrapping
// fault.ErrNotFound.
func (db *DB) Get(ctx context.Context, accountID string) (*message.WatchRecord, error) {
	row := db.db.QueryRowContext(ctx, selectRecord+`WHERE account_id = $1`, accountID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(fault.ErrNotFound, "watch record for %q", accountID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading watch record for %q", accountID)
	}
	return r, nil
}

// List returns every watch record ordered by account.
func (db *DB) List(ctx context.Context) ([]*message.WatchRecord, error) {
	rows, err := db.db.QueryContext(ctx, selectRecord+`ORDER BY account_id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing watch records")
	}
	defer rows.Close()

	var out []*message.WatchRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "db scan failed in List")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "listing watch records")
}

// CompareAndAdvance moves the cursor of accountID from expected to
// next.  It fails with fault.ErrCursorConflict when the stored cursor
// is no longer expected, and refuses to move a cursor backwards.
func (db *DB) CompareAndAdvance(ctx context.Context, accountID string, expected, next message.Cursor) error {
	if next <= expected {
		return fmt.Errorf("attempt to decrease the cursor of %q from %d to %d", accountID, expected, next)
	}

	const q = `
UPDATE watch_records SET (last_cursor, updated_at) = ($1, $2)
WHERE account_id = $3 AND last_cursor = $4
`
	res, err := db.db.ExecContext(ctx, q,
		orderedToSigned(uint64(next)), db.now().UnixMilli(),
		accountID, orderedToSigned(uint64(expected)))
	if err != nil {
		return fault.Transient(errors.Wrapf(err, "advancing cursor of %q", accountID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "CompareAndAdvance")
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: either the row is gone or somebody else won.
	if _, err := db.Get(ctx, accountID); err != nil {
		return err
	}
	return errors.Wrapf(fault.ErrCursorConflict,
		"cursor of %q is no longer %d", accountID, expected)
}

// RecordWatch stores the outcome of a successful watch subscription.
// A new row starts at initial; an existing row only has its expiry and
// topic replaced, its cursor is left alone.
func (db *DB) RecordWatch(ctx context.Context, accountID, topic string, expiresAt time.Time, initial message.Cursor) error {
	const q = `
INSERT INTO watch_records
	(account_id, last_cursor, watch_expires_at, subscription_topic, active, updated_at)
	VALUES ($1, $2, $3, $4, 1, $5)
ON CONFLICT (account_id)
DO UPDATE SET (watch_expires_at, subscription_topic, updated_at) =
	(excluded.watch_expires_at, excluded.subscription_topic, excluded.updated_at)
`
	_, err := db.db.ExecContext(ctx, q,
		accountID, orderedToSigned(uint64(initial)), toMillis(expiresAt),
		topic, db.now().UnixMilli())
	if err != nil {
		return fault.Transient(errors.Wrapf(err, "recording watch for %q", accountID))
	}
	return nil
}

// SetActive marks accountID active or deactivated.
func (db *DB) SetActive(ctx context.Context, accountID string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	const q = `UPDATE watch_records SET (active, updated_at) = ($1, $2) WHERE account_id = $3`
	res, err := db.db.ExecContext(ctx, q, v, db.now().UnixMilli(), accountID)
	if err != nil {
		return errors.Wrapf(err, "updating %q", accountID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(fault.ErrNotFound, "watch record for %q", accountID)
	}
	return nil
}
