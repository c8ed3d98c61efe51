// Package inference provides the typed HTTP clients for the two external
// collaborators: the audio classifier and the art generator. Both share one
// call policy: a total wall-clock deadline, bounded retries with exponential
// backoff and full jitter, and a per-target circuit breaker.
package inference

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/chirpneighbors/coordinator/internal/breaker"
)

// Policy tunes the shared call behavior of one client.
type Policy struct {
	// Deadline is the total wall-clock budget per logical call, spanning all
	// retry attempts.
	Deadline time.Duration

	// MaxAttempts bounds retries on transport errors, 5xx, and timeouts.
	// 4xx responses are never retried.
	MaxAttempts int

	// BaseBackoff is the first retry delay; it doubles per attempt and is
	// then drawn uniformly from [0, delay] (full jitter).
	BaseBackoff time.Duration
}

func (p *Policy) applyDefaults(deadline time.Duration) {
	if p.Deadline == 0 {
		p.Deadline = deadline
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.BaseBackoff == 0 {
		p.BaseBackoff = 200 * time.Millisecond
	}
}

// caller is the retry+breaker engine shared by Classifier and Generator.
type caller struct {
	target  string
	policy  Policy
	hc      *http.Client
	breaker *breaker.Breaker
	logger  *log.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func newCaller(target string, policy Policy, hc *http.Client, brk *breaker.Breaker) *caller {
	if hc == nil {
		hc = &http.Client{}
	}
	return &caller{
		target:  target,
		policy:  policy,
		hc:      hc,
		breaker: brk,
		logger:  log.New(log.Writer(), fmt.Sprintf("[INFER:%s] ", target), log.LstdFlags),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// do executes one logical call: breaker admission, then up to MaxAttempts
// requests inside the deadline. build is invoked per attempt because request
// bodies are single-use.
func (c *caller) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, &Error{Kind: KindUnavailable, Target: c.target, cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.policy.Deadline)
	defer cancel()

	body, err := c.attemptAll(ctx, build)
	c.breaker.Record(err == nil)
	return body, err
}

func (c *caller) attemptAll(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var lastErr error
	var lastWas5xx bool
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.jitteredBackoff(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, c.deadlineError(lastErr)
			}
		}

		req, err := build(ctx)
		if err != nil {
			return nil, &Error{Kind: KindTransport, Target: c.target, cause: err}
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, c.deadlineError(err)
			}
			lastErr = err
			lastWas5xx = false
			c.logger.Printf("attempt %d/%d transport error: %v", attempt, c.policy.MaxAttempts, err)
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				return nil, &Error{Kind: KindMalformed, Target: c.target, cause: readErr}
			}
			return body, nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			lastWas5xx = true
			c.logger.Printf("attempt %d/%d upstream %d", attempt, c.policy.MaxAttempts, resp.StatusCode)
			continue
		default:
			// 4xx is permanent; retrying cannot help.
			return nil, &Error{Kind: KindBadRequest, Target: c.target,
				cause: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))}
		}
	}

	if lastWas5xx {
		return nil, &Error{Kind: KindUnavailable, Target: c.target, cause: lastErr}
	}
	return nil, &Error{Kind: KindTransport, Target: c.target, cause: lastErr}
}

func (c *caller) deadlineError(cause error) error {
	return &Error{Kind: KindTimeout, Target: c.target, cause: cause}
}

func (c *caller) jitteredBackoff(retry int) time.Duration {
	max := c.policy.BaseBackoff << uint(retry-1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.rng.Int63n(int64(max) + 1))
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "…"
	}
	return string(b)
}
