// Package extract decides which attachments of a message are financial
// documents worth keeping.
package extract

import (
	"context"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/matta/gotbills/internal/message"
	"github.com/pkg/errors"
)

// Rules are the allow-lists an attachment must pass.
type Rules struct {
	// Sender addresses ("billing@bank.com") or domains ("bank.com").
	// A domain also admits its subdomains.
	Senders []string

	// Media types such as "application/pdf".  Parameters are ignored.
	ContentTypes []string
}

// SenderAllowed reports whether addr matches the sender allow-list.
func (r Rules) SenderAllowed(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return false
	}
	domain := addr[at+1:]
	for _, s := range r.Senders {
		s = strings.ToLower(strings.TrimSpace(s))
		switch {
		case strings.Contains(s, "@"):
			if addr == s {
				return true
			}
		case domain == s, strings.HasSuffix(domain, "."+s):
			return true
		}
	}
	return false
}

// TypeAllowed reports whether the declared media type is allowed.
func (r Rules) TypeAllowed(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	for _, t := range r.ContentTypes {
		if strings.EqualFold(mt, strings.TrimSpace(t)) {
			return true
		}
	}
	return false
}

// MessageGetter fetches message metadata without attachment content.
type MessageGetter interface {
	GetMessage(ctx context.Context, id string) (*message.Meta, error)
}

type Extractor struct {
	rules  Rules
	logger *slog.Logger
}

func New(rules Rules, logger *slog.Logger) *Extractor {
	return &Extractor{rules: rules, logger: logger}
}

// Senders returns the addresses in a From header value.  Encoded words
// are decoded.
func Senders(from string) ([]string, error) {
	var h mail.Header
	h.Set("From", from)
	addrs, err := h.AddressList("From")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out, nil
}

// Qualify returns the candidates among the parts of meta.  It does no
// I/O, so the rules can be checked in isolation.
func (e *Extractor) Qualify(accountID string, meta *message.Meta) []message.Candidate {
	senders, err := Senders(meta.From)
	if err != nil {
		e.logger.Debug("unparsable From header", "message", meta.ID, "from", meta.From, "error", err)
		return nil
	}
	sender := ""
	for _, s := range senders {
		if e.rules.SenderAllowed(s) {
			sender = s
			break
		}
	}
	if sender == "" {
		return nil
	}

	var out []message.Candidate
	for _, p := range meta.Parts {
		if p.Filename == "" || p.AttachmentID == "" {
			continue
		}
		if !e.rules.TypeAllowed(p.MimeType) {
			e.logger.Debug("skipping attachment type", "message", meta.ID, "filename", p.Filename, "type", p.MimeType)
			continue
		}
		out = append(out, message.Candidate{
			AccountID:    accountID,
			MessageID:    meta.ID,
			PartID:       p.PartID,
			AttachmentID: p.AttachmentID,
			Filename:     p.Filename,
			MimeType:     p.MimeType,
			Sender:       sender,
			MessageDate:  meta.InternalDate,
		})
	}
	return out
}

// Extract fetches the metadata of messageID and returns its qualifying
// attachments.
func (e *Extractor) Extract(ctx context.Context, src MessageGetter, accountID, messageID string) ([]message.Candidate, error) {
	meta, err := src.GetMessage(ctx, messageID)
	if err != nil {
		return nil, errors.Wrapf(err, "extracting attachments of %s", messageID)
	}
	return e.Qualify(accountID, meta), nil
}
