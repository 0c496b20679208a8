package httpretry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// instantTimer makes retry waits fire immediately so tests never sleep.
type instantTimer struct {
	ch chan time.Time
}

func (t *instantTimer) Start(time.Duration) {
	t.ch = make(chan time.Time, 1)
	t.ch <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time {
	return t.ch
}

func newTestClient() *Client {
	c := New()
	c.Timer = &instantTimer{}
	return c
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "certd-test", r.Header.Get("X-Probe"), "header should be forwarded")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	resp, err := newTestClient().Do(context.Background(), Request{
		Method: http.MethodGet,
		URL:    srv.URL,
		Header: http.Header{"X-Probe": []string{"certd-test"}},
	})
	require.NoError(t, err, "Do() error")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "read body")
	require.Equal(t, "ok", string(body), "body")
	require.EqualValues(t, 1, hits.Load(), "attempt count")
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := newTestClient().Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err, "Do() error")
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode, "final status")
	require.EqualValues(t, 3, hits.Load(), "attempt count")
}

func TestDo_ExhaustedTransientReturnsLastResponse(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(525)
		io.WriteString(w, "ssl handshake failed")
	}))
	defer srv.Close()

	resp, err := newTestClient().Do(context.Background(), Request{
		Method:     http.MethodGet,
		URL:        srv.URL,
		MaxRetries: 6,
	})
	require.NoError(t, err, "exhausted transient retries should still hand back the response")
	defer resp.Body.Close()

	require.Equal(t, 525, resp.StatusCode, "final status")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "the final response body must remain readable")
	require.Equal(t, "ssl handshake failed", string(body), "body")
	require.EqualValues(t, 7, hits.Load(), "one initial attempt plus six retries")
}

func TestDo_NonTransientReturnsImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	resp, err := newTestClient().Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err, "Do() error")
	resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode, "status")
	require.EqualValues(t, 1, hits.Load(), "4xx outside the transient set must not retry")
}

func TestDo_RetriesTransportError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient()
	inner := c.HTTP.Transport
	if inner == nil {
		inner = http.DefaultTransport
	}
	c.HTTP.Transport = roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return inner.RoundTrip(r)
	})

	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err, "Do() error")
	resp.Body.Close()
	require.EqualValues(t, 2, calls.Load(), "transport error should be retried")
}

func TestDo_ExhaustedTransportErrorPropagates(t *testing.T) {
	c := newTestClient()
	c.HTTP.Transport = roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset")
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: "http://unreachable.invalid/", MaxRetries: 1})
	require.Error(t, err, "transport errors must surface once retries run out")
	require.Contains(t, err.Error(), "connection reset", "original error should be preserved")
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New() // real timer: first wait is long enough for cancel to land
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Do(ctx, Request{Method: http.MethodGet, URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled, "cancellation must win over the buffered transient response")
}

func TestTableBackOff_SaturatesAtLastDelay(t *testing.T) {
	b := &tableBackOff{}
	for i := 0; i < 10; i++ {
		d := b.NextBackOff()
		base := retryDelays[min(i, len(retryDelays)-1)]
		require.GreaterOrEqual(t, d, base, "delay %d below table entry", i)
		require.Less(t, d, base+retryJitter, "delay %d above table entry plus jitter", i)
	}

	b.Reset()
	require.Less(t, b.NextBackOff(), retryDelays[0]+retryJitter, "reset should restart the table")
}
