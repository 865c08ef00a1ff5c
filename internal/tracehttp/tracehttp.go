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

package tracehttp

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
)

// traceTransport is an http.RoundTripper that logs the request and
// response at debug level while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	logger   *slog.Logger
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.  Bearer tokens never reach the log.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequestOut(redact(req), false)
	if dumpErr == nil {
		t.logger.Debug("http request", "dump", string(dump))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err != nil {
		t.logger.Debug("http round trip failed", "url", req.URL.String(), "error", err)
		return resp, err
	}
	// Attachment bodies are large and base64; headers are enough
	// unless the provider is complaining.
	dump, dumpErr = httputil.DumpResponse(resp, resp.StatusCode >= 400)
	if dumpErr == nil {
		t.logger.Debug("http response", "dump", string(dump))
	}
	return resp, err
}

// redact returns a shallow copy of req without credentials.
func redact(req *http.Request) *http.Request {
	if req.Header.Get("Authorization") == "" {
		return req
	}
	r := req.Clone(req.Context())
	auth := r.Header.Get("Authorization")
	if i := strings.IndexByte(auth, ' '); i > 0 {
		auth = auth[:i]
	}
	r.Header.Set("Authorization", auth+" REDACTED")
	return r
}

// Wrap returns a RoundTripper that traces d to logger.
func Wrap(d http.RoundTripper, logger *slog.Logger) http.RoundTripper {
	return &traceTransport{delegate: d, logger: logger}
}
