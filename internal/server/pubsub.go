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
	"encoding/json"
	"strconv"

	"github.com/matta/gotbills/internal/fault"
	"github.com/matta/gotbills/internal/message"
	"github.com/pkg/errors"
)

// pushEnvelope is the body of a Pub/Sub push delivery.
type pushEnvelope struct {
	Message struct {
		// Base64 in the wire format; encoding/json decodes it.
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailPush is what Gmail publishes for a mailbox change.  The
// history ID has been seen both as a JSON number and as a string.
type gmailPush struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(fault.ErrMalformedNotification, format, args...)
}

// DecodeNotification extracts the account and cursor of a Pub/Sub push
// body.  Every failure wraps fault.ErrMalformedNotification.
func DecodeNotification(body []byte) (message.Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return message.Notification{}, malformed("decoding push envelope: %v", err)
	}
	if len(env.Message.Data) == 0 {
		return message.Notification{}, malformed("push message %q has no data", env.Message.MessageID)
	}
	var push gmailPush
	if err := json.Unmarshal(env.Message.Data, &push); err != nil {
		return message.Notification{}, malformed("decoding data of push message %q: %v", env.Message.MessageID, err)
	}
	if push.EmailAddress == "" {
		return message.Notification{}, malformed("push message %q has no emailAddress", env.Message.MessageID)
	}
	cursor, err := strconv.ParseUint(push.HistoryID.String(), 10, 64)
	if err != nil || cursor == 0 {
		return message.Notification{}, malformed("push message %q has historyId %q", env.Message.MessageID, push.HistoryID)
	}
	return message.Notification{AccountID: push.EmailAddress, Cursor: message.Cursor(cursor)}, nil
}
