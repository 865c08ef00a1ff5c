// Package publish writes qualifying attachments to the artifact store
// exactly once per (account, message, part).
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/matta/gotbills/internal/blob"
	"github.com/matta/gotbills/internal/message"
	"github.com/pkg/errors"
)

// Key returns the artifact key of an attachment.  The provider's
// attachment handle changes between fetches of the same message, so
// the key is derived from the part position instead.
func Key(accountID, messageID, partID string) string {
	h := sha256.New()
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(messageID))
	h.Write([]byte{0})
	h.Write([]byte(partID))
	return hex.EncodeToString(h.Sum(nil))
}

// AttachmentGetter downloads attachment content.
type AttachmentGetter interface {
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Outcome is the result of a successful Publish.
type Outcome int

const (
	Stored Outcome = iota
	AlreadyExists
)

func (o Outcome) String() string {
	if o == AlreadyExists {
		return "already-exists"
	}
	return "stored"
}

type Publisher struct {
	store  blob.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store blob.Store, logger *slog.Logger) *Publisher {
	return &Publisher{store: store, logger: logger, now: time.Now}
}

// Publish stores the content of c unless an artifact with its key
// already exists.  Content is downloaded only when needed.  Publishing
// the same candidate twice yields Stored and then AlreadyExists; a
// writer that loses a race also gets AlreadyExists.
func (p *Publisher) Publish(ctx context.Context, src AttachmentGetter, c message.Candidate) (Outcome, error) {
	key := Key(c.AccountID, c.MessageID, c.PartID)
	logger := p.logger.With("key", key, "message", c.MessageID, "part", c.PartID)

	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return 0, errors.Wrapf(err, "checking artifact %s", key)
	}
	if exists {
		logger.Debug("artifact already published")
		return AlreadyExists, nil
	}

	data, err := src.GetAttachment(ctx, c.MessageID, c.AttachmentID)
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q of message %s", c.Filename, c.MessageID)
	}

	meta := blob.Metadata{
		Filename:    c.Filename,
		MimeType:    c.MimeType,
		MessageID:   c.MessageID,
		AccountID:   c.AccountID,
		MessageDate: c.MessageDate,
		IngestedAt:  p.now().UTC(),
	}
	switch err := p.store.Put(ctx, key, data, meta); {
	case errors.Is(err, blob.ErrExists):
		logger.Debug("artifact published concurrently")
		return AlreadyExists, nil
	case err != nil:
		return 0, errors.Wrapf(err, "storing artifact %s", key)
	}
	logger.Info("published artifact", "filename", c.Filename, "bytes", len(data))
	return Stored, nil
}
