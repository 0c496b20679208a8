package acme

import (
	"fmt"
	"time"
)

// RequestError is a non-2xx response from the ACME server once retries are
// spent. Body is truncated so log lines stay bounded.
type RequestError struct {
	Status int
	URL    string
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("acme: request %s failed with status %d: %s", e.URL, e.Status, e.Body)
}

// ProtocolError reports a response missing something RFC 8555 requires, such
// as a Location header or a dns-01 challenge.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("acme: %s: %s", e.Op, e.Reason)
}

// PollError means an authorization or order never reached a terminal status
// within the polling budget.
type PollError struct {
	Resource string
	URL      string
	Attempts int
	Elapsed  time.Duration
}

func (e *PollError) Error() string {
	return fmt.Sprintf("acme: %s %s still not valid after %d attempts (%s)",
		e.Resource, e.URL, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// StatusError reports an order or authorization that reached a terminal
// failed status, with the server's problem document when one was attached.
type StatusError struct {
	Resource string
	URL      string
	Status   string
	Problem  *Problem
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("acme: %s %s is %s", e.Resource, e.URL, e.Status)
	if e.Problem != nil && e.Problem.Detail != "" {
		msg += ": " + e.Problem.Detail
	}
	return msg
}
