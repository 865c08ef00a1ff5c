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

package blob

import (
	"context"
	"mime"
	"net/http"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/matta/gotbills/internal/fault"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
)

// GCSStore keeps blobs as objects in a Cloud Storage bucket.  Writes
// carry a does-not-exist precondition, so the existence check and the
// write are one atomic step on the server.
type GCSStore struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore stores objects in bucket under prefix.
func NewGCSStore(client *storage.Client, bucket, prefix string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket), prefix: prefix}
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.bucket.Object(path.Join(s.prefix, key))
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fault.Transient(errors.Wrapf(err, "stat object %s", key))
	}
	return true, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, meta Metadata) error {
	w := s.object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = meta.MimeType
	w.ContentDisposition = mime.FormatMediaType("attachment", map[string]string{"filename": meta.Filename})
	w.Metadata = map[string]string{
		"filename":     meta.Filename,
		"message-id":   meta.MessageID,
		"account-id":   meta.AccountID,
		"message-date": meta.MessageDate.Format(time.RFC3339),
		"ingested-at":  meta.IngestedAt.Format(time.RFC3339),
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return s.putError(key, err)
	}
	return s.putError(key, w.Close())
}

func (s *GCSStore) putError(key string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusPreconditionFailed:
			return ErrExists
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			return fault.Transient(errors.Wrapf(err, "writing object %s", key))
		}
		return errors.Wrapf(err, "writing object %s", key)
	}
	return fault.Transient(errors.Wrapf(err, "writing object %s", key))
}
