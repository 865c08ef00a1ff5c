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

package gmail

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/matta/gotbills/internal/fault"
	"github.com/matta/gotbills/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ReadonlyScope = gmail.GmailReadonlyScope

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsPerWatch         = 100
	quotaUnitsPerStop          = 50
	quotaUnitsPerMessagesGet   = 5
	quotaUnitsPerAttachmentGet = 5
	quotaUnitsPerGetProfile    = 1
	quotaUnitsPerHistoryList   = 2
	quotaUnitsPerMessagesList  = 5

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	historyPageSize  = 500
	messagesPageSize = 500
)

const (
	user = "me"

	headerFrom    = "From"
	headerSubject = "Subject"

	historyTypeAdded        = "messageAdded"
	historyTypeDeleted      = "messageDeleted"
	historyTypeLabelAdded   = "labelAdded"
	historyTypeLabelRemoved = "labelRemoved"

	labelFilterInclude = "include"

	reasonRateLimitExceeded     = "rateLimitExceeded"
	reasonUserRateLimitExceeded = "userRateLimitExceeded"
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
)

// Options configure a Service.
type Options struct {
	// Overrides the API endpoint, for tests.
	Endpoint string

	Retry  fault.RetryPolicy
	Logger *slog.Logger
}

// Service provides access to one account's mailbox in Google's Gmail
// system.  Every call is rate limited against the per-user quota and
// retried while the failure is transient.
type Service struct {
	service *gmail.Service
	limiter *rate.Limiter
	retry   fault.RetryPolicy
	logger  *slog.Logger
}

func isChat(msg *gmail.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

func New(ctx context.Context, client *http.Client, opts Options) (*Service, error) {
	clientOpts := []option.ClientOption{option.WithHTTPClient(client)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	s, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating Gmail service")
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fault.DefaultRetryPolicy
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Service{service: s, limiter: l, retry: opts.Retry, logger: opts.Logger}, nil
}

// call runs fn under the rate limiter and retry policy.
func (s *Service) call(ctx context.Context, units int, fn func() error) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		if err := s.limiter.WaitN(ctx, units); err != nil {
			return err
		}
		return classify(fn())
	})
}

// classify marks provider failures with their place in the fault
// taxonomy.  Not-found answers are left alone because their meaning
// depends on the call.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return errors.Wrapf(fault.ErrAuthExpired, "gmail: %v", err)
		case apiErr.Code == http.StatusTooManyRequests,
			apiErr.Code >= http.StatusInternalServerError:
			return fault.Transient(err)
		case apiErr.Code == http.StatusForbidden:
			for _, item := range apiErr.Errors {
				if item.Reason == reasonRateLimitExceeded || item.Reason == reasonUserRateLimitExceeded {
					return fault.Transient(err)
				}
			}
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Transient(err)
	}
	return err
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// Watch subscribes the mailbox's changes to the Pub/Sub topic and
// returns the current cursor and the subscription's expiry.  Calling it
// on an active watch replaces it.
func (s *Service) Watch(ctx context.Context, topic string, labelIDs []string) (message.Cursor, time.Time, error) {
	req := &gmail.WatchRequest{TopicName: topic, LabelIds: labelIDs}
	if len(labelIDs) > 0 {
		req.LabelFilterAction = labelFilterInclude
	}
	var resp *gmail.WatchResponse
	err := s.call(ctx, quotaUnitsPerWatch, func() (err error) {
		resp, err = s.service.Users.Watch(user, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "watching mailbox on %s", topic)
	}
	return message.Cursor(resp.HistoryId), time.UnixMilli(resp.Expiration).UTC(), nil
}

// Stop ends push notifications for the mailbox.
func (s *Service) Stop(ctx context.Context) error {
	err := s.call(ctx, quotaUnitsPerStop, func() error {
		return s.service.Users.Stop(user).Context(ctx).Do()
	})
	return errors.Wrap(err, "stopping mailbox watch")
}

// History calls handler for each change recorded after from, up to and
// including to, in provider order.  Paging is invisible to handler.
// When the provider no longer has history back to from the error wraps
// fault.ErrHistoryHorizonExceeded.
func (s *Service) History(ctx context.Context, from, to message.Cursor, handler func(message.Change) error) error {
	pageToken := ""
	total := 0
	for {
		var page *gmail.ListHistoryResponse
		err := s.call(ctx, quotaUnitsPerHistoryList, func() (err error) {
			req := s.service.Users.History.List(user).Context(ctx).
				StartHistoryId(uint64(from)).
				HistoryTypes(historyTypeAdded, historyTypeDeleted, historyTypeLabelAdded, historyTypeLabelRemoved).
				MaxResults(historyPageSize)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			page, err = req.Do()
			return err
		})
		if isNotFound(err) {
			return errors.Wrapf(fault.ErrHistoryHorizonExceeded, "history from %d", from)
		}
		if err != nil {
			return errors.Wrapf(err, "listing history from %d", from)
		}

		total += len(page.History)
		s.logger.Debug("listed page of Gmail history", "count", len(page.History), "total", total)
		for _, h := range page.History {
			cursor := message.Cursor(h.Id)
			if cursor > to {
				// Changes past the notified cursor belong to a
				// later notification.
				return nil
			}
			for _, c := range changes(h) {
				if err := handler(c); err != nil {
					return err
				}
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

func changes(h *gmail.History) []message.Change {
	cursor := message.Cursor(h.Id)
	var out []message.Change
	for _, m := range h.MessagesAdded {
		out = append(out, message.Change{Cursor: cursor, MessageID: m.Message.Id, Kind: message.ChangeAdded})
	}
	for _, m := range h.MessagesDeleted {
		out = append(out, message.Change{Cursor: cursor, MessageID: m.Message.Id, Kind: message.ChangeRemoved})
	}
	for _, m := range h.LabelsAdded {
		out = append(out, message.Change{Cursor: cursor, MessageID: m.Message.Id, Kind: message.ChangeLabels})
	}
	for _, m := range h.LabelsRemoved {
		out = append(out, message.Change{Cursor: cursor, MessageID: m.Message.Id, Kind: message.ChangeLabels})
	}
	return out
}

// ListRecent calls handler with the ID of every message matching the
// Gmail search query, newest first.
func (s *Service) ListRecent(ctx context.Context, query string, handler func(id string) error) error {
	pageToken := ""
	total := 0
	for {
		var page *gmail.ListMessagesResponse
		err := s.call(ctx, quotaUnitsPerMessagesList, func() (err error) {
			req := s.service.Users.Messages.List(user).Context(ctx).Q(query).MaxResults(messagesPageSize)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			page, err = req.Do()
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "listing messages matching %q", query)
		}
		total += len(page.Messages)
		s.logger.Debug("listed page of Gmail messages", "count", len(page.Messages), "total", total)
		for _, msg := range page.Messages {
			if err := handler(msg.Id); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// GetMessage returns the headers and part structure of a message.
// Deleted messages yield ErrMessageNotFound.
func (s *Service) GetMessage(ctx context.Context, id string) (*message.Meta, error) {
	var msg *gmail.Message
	err := s.call(ctx, quotaUnitsPerMessagesGet, func() (err error) {
		msg, err = s.service.Users.Messages.Get(user, id).Context(ctx).Format("full").Do()
		return err
	})
	if err == nil && isChat(msg) {
		err = ErrMessageNotFound
	}
	if isNotFound(err) {
		s.logger.Warn("message not found", "message", id)
		err = ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}

	m := &message.Meta{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		InternalDate: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch {
			case strings.EqualFold(h.Name, headerFrom):
				m.From = h.Value
			case strings.EqualFold(h.Name, headerSubject):
				m.Subject = h.Value
			}
		}
		m.Parts = flatten(msg.Payload, nil)
	}
	return m, nil
}

// flatten appends p and its descendants, depth first.
func flatten(p *gmail.MessagePart, out []message.Part) []message.Part {
	part := message.Part{
		PartID:   p.PartId,
		Filename: p.Filename,
		MimeType: p.MimeType,
	}
	if p.Body != nil {
		part.AttachmentID = p.Body.AttachmentId
		part.Size = p.Body.Size
	}
	out = append(out, part)
	for _, child := range p.Parts {
		out = flatten(child, out)
	}
	return out
}

// GetAttachment downloads the content of an attachment.
func (s *Service) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body *gmail.MessagePartBody
	err := s.call(ctx, quotaUnitsPerAttachmentGet, func() (err error) {
		body, err = s.service.Users.Messages.Attachments.Get(user, messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if isNotFound(err) {
		err = ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting attachment of message %v from gmail", messageID)
	}
	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding attachment of message %v", messageID)
	}
	return data, nil
}

// decodeBase64URL accepts both padded and unpadded base64url, since
// the API has produced both.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func (s *Service) GetProfile(ctx context.Context) (*message.Profile, error) {
	var u *gmail.Profile
	err := s.call(ctx, quotaUnitsPerGetProfile, func() (err error) {
		u, err = s.service.Users.GetProfile(user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "getting gmail profile")
	}
	return &message.Profile{
		EmailAddress: u.EmailAddress,
		HistoryID:    message.Cursor(u.HistoryId),
	}, nil
}
