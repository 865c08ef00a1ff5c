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

// Package blob stores published artifacts under caller-chosen keys.
//
// A key is written at most once.  Put reports ErrExists instead of
// overwriting, so two racing writers of the same key leave exactly one
// object behind.
package blob

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrExists is returned by Put when the key is already stored.
var ErrExists = errors.New("blob already exists")

// Metadata travels with every stored object.
type Metadata struct {
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mimeType"`
	MessageID   string    `json:"messageId"`
	AccountID   string    `json:"accountId"`
	MessageDate time.Time `json:"messageDate"`
	IngestedAt  time.Time `json:"ingestedAt"`
}

// Store is a write-once key/value blob store.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte, meta Metadata) error
}
