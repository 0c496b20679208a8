// Package httpretry is the outbound HTTP client shared by the ACME and DNS
// layers. It retries transient failures on a fixed backoff schedule and hands
// every other response straight back to the caller.
package httpretry

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// DefaultMaxRetries applies when a Request does not set its own budget.
const DefaultMaxRetries = 3

// transientStatus lists the response codes worth retrying. 522/524/525 show
// up when the upstream sits behind Cloudflare.
var transientStatus = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooEarly:            true, // 425
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
	522:                            true,
	524:                            true,
	525:                            true,
}

// retryDelays is indexed by retry number and saturates at the last entry.
var retryDelays = []time.Duration{
	250 * time.Millisecond,
	1 * time.Second,
	2500 * time.Millisecond,
	4 * time.Second,
	6 * time.Second,
	9 * time.Second,
	12 * time.Second,
}

const retryJitter = 200 * time.Millisecond

// tableBackOff walks retryDelays and spreads callers out with up to
// retryJitter of random noise.
type tableBackOff struct {
	attempt int
}

func (b *tableBackOff) NextBackOff() time.Duration {
	i := b.attempt
	if i >= len(retryDelays) {
		i = len(retryDelays) - 1
	}
	b.attempt++
	return retryDelays[i] + rand.N(retryJitter)
}

func (b *tableBackOff) Reset() {
	b.attempt = 0
}

// Client issues requests with the retry policy applied. The zero value is not
// usable; call New.
type Client struct {
	// HTTP is the underlying transport.
	HTTP *http.Client

	// Timer overrides how retry waits are scheduled. Nil means real time;
	// tests inject an immediate timer.
	Timer backoff.Timer
}

// New returns a Client with a sane request timeout.
func New() *Client {
	return &Client{HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// Request describes one outbound call. Body is kept as bytes so every retry
// can replay it.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// MaxRetries bounds retries after the first attempt. Zero means
	// DefaultMaxRetries.
	MaxRetries int
}

// Do performs the request. Transient statuses and transport errors are
// retried; when the budget runs out on a transient status the final response
// is returned anyway so the caller can report it. All other responses return
// on the first attempt, whatever their status.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	retries := req.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}

	// Holds the most recent transient response so it can be surfaced when
	// retries are exhausted.
	var last *http.Response

	op := func() (*http.Response, error) {
		hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				hr.Header.Add(k, v)
			}
		}

		resp, err := c.HTTP.Do(hr)
		if err != nil {
			if last != nil {
				last.Body.Close()
				last = nil
			}
			return nil, err
		}
		if !transientStatus[resp.StatusCode] {
			return resp, nil
		}
		if last != nil {
			last.Body.Close()
		}
		last = resp
		return nil, fmt.Errorf("transient status %d", resp.StatusCode)
	}

	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("method", req.Method).Str("url", req.URL).Dur("wait", wait).Msg("[http] retrying request")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&tableBackOff{}, uint64(retries)), ctx)
	resp, err := backoff.RetryNotifyWithTimerAndData(op, b, notify, c.Timer)
	if err != nil {
		if last != nil {
			if ctx.Err() == nil {
				return last, nil
			}
			last.Body.Close()
		}
		return nil, err
	}
	if last != nil && last != resp {
		last.Body.Close()
	}
	return resp, nil
}
