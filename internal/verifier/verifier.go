// Package verifier implements the rate-limited client that probes candidate
// email addresses against the third-party mail-verification vendor and
// decodes its response into a domain.VerificationResult.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/leadforge/jobengine/internal/adapter/observability"
	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/service/ratelimiter"
)

// Vendor tuning constants, matching the verification provider's documented
// sliding-window rate limit and 429 backoff contract.
const (
	RateLimitMaxRequests = 35
	RateLimitWindow      = 30 * time.Second
	RateLimitBuffer      = 100 * time.Millisecond

	MaxRetries      = 2
	BaseRetryDelay  = 31 * time.Second
)

// Client verifies email addresses one at a time, respecting the vendor's
// sliding-window rate limit and retrying 429 responses with the vendor's
// documented backoff. A Client is constructed fresh per job run (never
// shared across jobs) because its rate limiter state must not leak between
// unrelated runs.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	limiter        *ratelimiter.SlidingWindow
	breaker        *observability.CircuitBreaker
	retryBaseDelay time.Duration
	distributed    *ratelimiter.RedisLuaLimiter
	distributedKey string
}

// Option customizes Client construction.
type Option func(*Client)

// WithHTTPClient overrides the http.Client used for requests (tests inject
// one pointed at httptest.Server).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the vendor endpoint (tests point this at a local
// test server).
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

// WithRetryBaseDelay overrides the 429 backoff base delay (tests shrink this
// from the vendor's real 31s so retry-exhaustion paths run in milliseconds).
func WithRetryBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.retryBaseDelay = d }
}

// WithDistributedLimiter adds a cross-process token bucket on top of the
// client's own in-process sliding window. Use this when multiple worker
// processes share one vendor rate limit budget; key identifies the shared
// bucket (callers configure its capacity/refill on the limiter itself).
func WithDistributedLimiter(l *ratelimiter.RedisLuaLimiter, key string) Option {
	return func(c *Client) {
		c.distributed = l
		c.distributedKey = key
	}
}

const defaultBaseURL = "https://happy.mailtester.ninja/ninja"

// New constructs a verifier Client for a single job run.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		limiter:    ratelimiter.New(RateLimitMaxRequests, RateLimitWindow, RateLimitBuffer),
		breaker:    observability.NewCircuitBreaker("verifier", 5, 30*time.Second),
		retryBaseDelay: BaseRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify probes a single email address, waiting on the sliding-window
// limiter and retrying 429s per the vendor's documented backoff.
func (c *Client) Verify(ctx domain.Context, email string) domain.VerificationResult {
	var result domain.VerificationResult

	err := c.breaker.Call(func() error {
		var callErr error
		result, callErr = c.verifyOnce(ctx, email)
		return callErr
	})
	if err != nil {
		return domain.VerificationResult{
			Email:     email,
			Status:    domain.VerificationUnknown,
			Reason:    err.Error(),
			CheckedAt: time.Now(),
		}
	}
	return result
}

// verifyOnce performs the rate-limited HTTP round trip with 429 retries; it
// returns a non-nil error only for circuit-breaker bookkeeping (a vendor
// outage), never for an ordinary decoded verdict.
func (c *Client) verifyOnce(ctx domain.Context, email string) (domain.VerificationResult, error) {
	attempt := 0
	bo := &fixedRetryBackoff{base: c.retryBaseDelay, maxRetries: MaxRetries}

	var final domain.VerificationResult
	var outage error
	op := func() error {
		c.limiter.Wait()
		c.waitDistributed(ctx)

		req, err := c.newRequest(ctx, email)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				final = domain.VerificationResult{
					Email: email, Status: domain.VerificationInvalid,
					Reason: "verification timed out", CheckedAt: time.Now(),
				}
				return backoff.Permanent(nil)
			}
			final = domain.VerificationResult{
				Email: email, Status: domain.VerificationUnknown,
				Reason: err.Error(), CheckedAt: time.Now(),
			}
			outage = err
			return backoff.Permanent(nil)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			attempt++
			if attempt > MaxRetries {
				final = domain.VerificationResult{
					Email: email, Status: domain.VerificationUnknown,
					Reason: "rate limit exceeded after maximum retries", CheckedAt: time.Now(),
				}
				return backoff.Permanent(nil)
			}
			return errRetry
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			final = domain.VerificationResult{
				Email: email, Status: domain.VerificationUnknown,
				Reason: "authentication failed with email validation service", CheckedAt: time.Now(),
			}
			return backoff.Permanent(nil)
		}

		if resp.StatusCode != http.StatusOK {
			final = domain.VerificationResult{
				Email: email, Status: domain.VerificationUnknown,
				Reason: fmt.Sprintf("HTTP error: %d", resp.StatusCode), CheckedAt: time.Now(),
			}
			if resp.StatusCode >= http.StatusInternalServerError {
				outage = errors.New(final.Reason)
			}
			return backoff.Permanent(nil)
		}

		var payload vendorResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			final = domain.VerificationResult{
				Email: email, Status: domain.VerificationUnknown,
				Reason: err.Error(), CheckedAt: time.Now(),
			}
			return backoff.Permanent(nil)
		}

		final = decodeResponse(email, payload)
		return backoff.Permanent(nil)
	}

	_ = backoff.Retry(op, bo)
	return final, outage
}

// waitDistributed blocks until the shared cross-process bucket admits one
// more call, or ctx is done. A nil distributed limiter is a no-op, so single
// -process deployments pay nothing for this.
func (c *Client) waitDistributed(ctx domain.Context) {
	if c.distributed == nil {
		return
	}
	for {
		allowed, retryAfter, err := c.distributed.Allow(ctx, c.distributedKey, 1)
		if err != nil || allowed {
			return
		}
		if retryAfter <= 0 {
			retryAfter = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryAfter):
		}
	}
}

// errRetry is a sentinel returned by op to tell backoff.Retry to try again;
// fixedRetryBackoff.NextBackOff applies the vendor's fixed exponential delay.
var errRetry = fmt.Errorf("rate limited, retrying")

// fixedRetryBackoff implements backoff.BackOff with the vendor's documented
// schedule: BASE_RETRY_DELAY_MS * 2^(attempt-1), capped at maxRetries.
type fixedRetryBackoff struct {
	base       time.Duration
	maxRetries int
	attempt    int
}

func (b *fixedRetryBackoff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt > b.maxRetries {
		return backoff.Stop
	}
	shift := b.attempt - 1
	return b.base * time.Duration(1<<uint(shift))
}

func (b *fixedRetryBackoff) Reset() { b.attempt = 0 }

func (c *Client) newRequest(ctx domain.Context, email string) (*http.Request, error) {
	q := url.Values{}
	q.Set("email", email)
	q.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("op=verifier.new_request: %w", err)
	}
	return req, nil
}

// vendorResponse mirrors the verification vendor's JSON payload shape.
type vendorResponse struct {
	Email string `json:"email"`
	User  string `json:"user"`
	Domain string `json:"domain"`
	MX    string `json:"mx"`
	Code  string `json:"code"`
	Message string `json:"message"`
}

// decodeResponse implements the exact vendor decode table: code/message
// combinations map to a status, deliverable flag, catch-all flag, and
// reason.
func decodeResponse(email string, data vendorResponse) domain.VerificationResult {
	code := strings.ToLower(strings.TrimSpace(data.Code))
	message := strings.TrimSpace(data.Message)
	messageLower := strings.ToLower(message)
	hasMX := data.MX != "" && data.MX != "null"
	now := time.Now()

	switch {
	case code == "ok" && messageLower == "accepted":
		return domain.VerificationResult{Email: email, Status: domain.VerificationValid, Deliverable: true, HasMX: hasMX, CheckedAt: now}

	case code == "ok" && messageLower == "limited":
		return domain.VerificationResult{Email: email, Status: domain.VerificationValid, Deliverable: true, HasMX: hasMX, Reason: "valid but inbox has rate limits", CheckedAt: now}

	case messageLower == "catch-all":
		return domain.VerificationResult{Email: email, Status: domain.VerificationCatchAll, Deliverable: true, CatchAll: true, HasMX: hasMX, Reason: "catch-all domain - email may or may not exist", CheckedAt: now}

	case code == "mb":
		return domain.VerificationResult{Email: email, Status: domain.VerificationCatchAll, Deliverable: true, CatchAll: true, HasMX: hasMX, Reason: "unverifiable - server won't confirm mailbox existence", CheckedAt: now}

	case code == "ko" || messageLower == "rejected":
		return domain.VerificationResult{Email: email, Status: domain.VerificationInvalid, HasMX: hasMX, Reason: "email rejected by mail server", CheckedAt: now}

	case messageLower == "no mx":
		return domain.VerificationResult{Email: email, Status: domain.VerificationInvalid, Reason: "no MX records found for domain", CheckedAt: now}

	case messageLower == "mx error":
		return domain.VerificationResult{Email: email, Status: domain.VerificationUnknown, HasMX: hasMX, Reason: "could not connect to mail server", CheckedAt: now}

	case messageLower == "timeout":
		return domain.VerificationResult{Email: email, Status: domain.VerificationUnknown, HasMX: hasMX, Reason: "mail server timeout", CheckedAt: now}

	case messageLower == "spam block":
		return domain.VerificationResult{Email: email, Status: domain.VerificationUnknown, HasMX: hasMX, Reason: "verification blocked by spam filter", CheckedAt: now}

	case !hasMX:
		return domain.VerificationResult{Email: email, Status: domain.VerificationInvalid, Reason: "no MX records found for domain", CheckedAt: now}

	case code == "ok":
		reason := message
		return domain.VerificationResult{Email: email, Status: domain.VerificationValid, Deliverable: true, HasMX: hasMX, Reason: reason, CheckedAt: now}

	default:
		reason := message
		if reason == "" {
			reason = fmt.Sprintf("unknown response: code=%s", code)
		}
		return domain.VerificationResult{Email: email, Status: domain.VerificationUnknown, HasMX: hasMX, Reason: reason, CheckedAt: now}
	}
}
