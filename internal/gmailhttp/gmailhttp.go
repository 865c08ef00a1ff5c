/*
Package gmailhttp builds the HTTP clients used to talk to the Gmail
API on behalf of one account.

Tokens come from the credential store, already refreshed, so the client
carries a static token source.  An invocation is short lived: if the
access token expires mid-flight the provider answers 401, which the
gmail package reports as an expired authorization and the invocation is
retried from scratch by the queue.
*/
package gmailhttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/matta/gotbills/internal/tracehttp"
	"golang.org/x/oauth2"
)

// Options tune the client.
type Options struct {
	// Bounds every request, including reading the body.
	Timeout time.Duration

	// When set, requests and responses are dumped to this logger.
	Trace *slog.Logger
}

// New returns a new HTTP client capable of using the Gmail API with
// the given token.
func New(tok *oauth2.Token, opts Options) *http.Client {
	var base http.RoundTripper = http.DefaultTransport
	if opts.Trace != nil {
		base = tracehttp.Wrap(base, opts.Trace)
	}
	trans := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(tok),
		Base:   base,
	}
	return &http.Client{Transport: trans, Timeout: opts.Timeout}
}
