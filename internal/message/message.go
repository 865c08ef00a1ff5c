package message

// This file provides the common data objects used by the rest of the
// program.

import "time"

// Cursor is a provider-issued position in a mailbox's change history.
// Gmail history IDs are unsigned 64 bit integers that only grow within
// a mailbox, so cursors are compared numerically.
type Cursor uint64

// WatchRecord is the durable per-account state of the pipeline.
type WatchRecord struct {
	// The stable mailbox owner identifier (the email address).
	AccountID string

	// The last cursor whose history window was fully processed.
	LastCursor Cursor

	// When the provider stops pushing notifications for the current
	// watch subscription.
	WatchExpiresAt time.Time

	// The queue topic named in the watch subscription.
	SubscriptionTopic string

	// False once the account has been explicitly deactivated.
	Active bool
}

// Stale reports whether the watch subscription has lapsed at now.  A
// stale record's cursor may not be contiguous with incoming
// notifications.
func (r *WatchRecord) Stale(now time.Time) bool {
	return !r.WatchExpiresAt.After(now)
}

// Notification is a decoded queue message saying the account's
// mailbox changed up to Cursor.
type Notification struct {
	AccountID string
	Cursor    Cursor
}

// ChangeKind is the kind of a history entry.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeRemoved
	ChangeLabels
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeLabels:
		return "labels-changed"
	}
	return "unknown"
}

// Change is one entry of a mailbox's incremental history.
type Change struct {
	// The history record the change belongs to.
	Cursor Cursor

	MessageID string
	Kind      ChangeKind
}

// Part is one MIME part of a message as described by the provider,
// without its content.
type Part struct {
	// Stable within a message, e.g. "0.1".
	PartID string

	Filename string
	MimeType string

	// Provider handle used to download the content.  Not stable across
	// fetches of the same message.
	AttachmentID string

	Size int64
}

// Meta is the metadata of a message needed to qualify its
// attachments.
type Meta struct {
	ID       string
	ThreadID string

	// The raw From header.
	From    string
	Subject string

	// When the provider received the message.
	InternalDate time.Time

	// All parts, flattened depth first.
	Parts []Part
}

// Candidate is an attachment that passed the qualification rules and
// awaits publication.  Its content is fetched by the publisher only
// when the artifact does not exist yet.
type Candidate struct {
	AccountID    string
	MessageID    string
	PartID       string
	AttachmentID string
	Filename     string
	MimeType     string
	Sender       string
	MessageDate  time.Time
}

// Profile defines per-account information in a message mailbox.
type Profile struct {
	EmailAddress string

	// The ID of the mailbox's current history record.
	HistoryID Cursor
}
