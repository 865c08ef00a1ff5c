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

package fault

import (
	"context"
	"time"

	"github.com/googleapis/gax-go/v2"
)

// RetryPolicy bounds the retries of a single transient-prone call.
type RetryPolicy struct {
	// MaxAttempts includes the first call.  Values below 1 mean 1.
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy is used when a component is not given one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	Initial:     500 * time.Millisecond,
	Max:         8 * time.Second,
}

// boundedRetryer retries transient errors until the attempt budget is
// spent.  Satisfies gax.Retryer.
type boundedRetryer struct {
	backoff gax.Backoff
	left    int
}

func (r *boundedRetryer) Retry(err error) (time.Duration, bool) {
	if !IsTransient(err) {
		return 0, false
	}
	r.left--
	if r.left <= 0 {
		return 0, false
	}
	return r.backoff.Pause(), true
}

// Do calls fn, retrying with exponential backoff while it returns
// errors marked Transient.  The last error is returned unchanged, so a
// call that never recovers is still Transient to the caller.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryer := func() gax.Retryer {
		return &boundedRetryer{
			backoff: gax.Backoff{
				Initial:    p.Initial,
				Max:        p.Max,
				Multiplier: 2,
			},
			left: attempts,
		}
	}
	return gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
		return fn(ctx)
	}, gax.WithRetry(retryer))
}
