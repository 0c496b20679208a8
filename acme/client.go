// Package acme implements the RFC 8555 client side: signed requests with
// replay nonces, account management with optional external account binding,
// and the order/authorization flow for dns-01 issuance.
package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"gosuda.org/certd/certutil"
	"gosuda.org/certd/httpretry"
)

const (
	// directoryMaxRetries is higher than the default because the directory
	// fetch is the first and cheapest place to ride out CA wobble.
	directoryMaxRetries = 6

	directoryCacheTTL = 24 * time.Hour

	maxResponseBody = 1 << 20
	maxErrorBody    = 2000
)

// Poll pacing: the delay grows geometrically and both an attempt cap and a
// wall clock bound the loop.
const (
	pollInitialDelay = 2 * time.Second
	pollGrowth       = 1.7
	pollMaxDelay     = 10 * time.Second
	pollMaxAttempts  = 12

	authzPollTimeout = 120 * time.Second
	orderPollTimeout = 180 * time.Second
)

// Account is the persistent identity registered with one ACME directory.
// The JSON layout is what lands in the key-value store.
type Account struct {
	DirectoryURL string `json:"directoryUrl"`
	KID          string `json:"kid"`
	Key          JWK    `json:"jwkPrivate"`
	PublicKey    JWK    `json:"jwkPublic"`
}

// EAB carries the external account binding credentials some CAs require at
// registration. HMACKey is base64url as issued by the CA dashboard.
type EAB struct {
	KID     string
	HMACKey string
}

// Client talks to one ACME directory. It is not safe for concurrent use: an
// issuance attempt owns its client together with the nonce it carries.
type Client struct {
	DirectoryURL string

	// Now and Sleep exist so tests can collapse polling time. Nil means
	// real time.
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error

	http  *httpretry.Client
	key   *ecdsa.PrivateKey
	kid   string
	dir   *Directory
	nonce string
}

// NewClient builds a client for directoryURL. hc may be nil, in which case a
// default retrying transport is used.
func NewClient(directoryURL string, hc *httpretry.Client) *Client {
	if hc == nil {
		hc = httpretry.New()
	}
	return &Client{DirectoryURL: directoryURL, http: hc}
}

func (c *Client) clock() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Directory cache shared across clients. Entries are read-mostly and expire
// after directoryCacheTTL.
var (
	dirCacheMu sync.Mutex
	dirCache   = map[string]dirCacheEntry{}
)

type dirCacheEntry struct {
	dir     Directory
	fetched time.Time
}

// Directory fetches the CA's resource map, reusing a process-wide cached
// copy when it is fresh enough.
func (c *Client) Directory(ctx context.Context) (*Directory, error) {
	if c.dir != nil {
		return c.dir, nil
	}

	dirCacheMu.Lock()
	if e, ok := dirCache[c.DirectoryURL]; ok && c.clock().Sub(e.fetched) < directoryCacheTTL {
		dirCacheMu.Unlock()
		d := e.dir
		c.dir = &d
		return c.dir, nil
	}
	dirCacheMu.Unlock()

	resp, err := c.http.Do(ctx, httpretry.Request{
		Method:     http.MethodGet,
		URL:        c.DirectoryURL,
		Header:     http.Header{"Accept": []string{"application/json"}},
		MaxRetries: directoryMaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("get directory %s: %w", c.DirectoryURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", c.DirectoryURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{Status: resp.StatusCode, URL: c.DirectoryURL, Body: truncate(string(data), maxErrorBody)}
	}

	var dir Directory
	if err := json.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("decode directory %s: %w", c.DirectoryURL, err)
	}
	if dir.NewNonce == "" || dir.NewAccount == "" || dir.NewOrder == "" {
		return nil, &ProtocolError{Op: "directory", Reason: "missing newNonce, newAccount, or newOrder URL"}
	}

	dirCacheMu.Lock()
	dirCache[c.DirectoryURL] = dirCacheEntry{dir: dir, fetched: c.clock()}
	dirCacheMu.Unlock()

	c.dir = &dir
	return c.dir, nil
}

// ensureNonce hands out the cached nonce or fetches a fresh one. Nonces are
// single use, so the cache is cleared on take; the response to the request
// that consumes it refills it.
func (c *Client) ensureNonce(ctx context.Context) (string, error) {
	if c.nonce != "" {
		n := c.nonce
		c.nonce = ""
		return n, nil
	}

	dir, err := c.Directory(ctx)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(ctx, httpretry.Request{Method: http.MethodHead, URL: dir.NewNonce})
	if err != nil {
		return "", fmt.Errorf("head %s: %w", dir.NewNonce, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	n := resp.Header.Get("Replay-Nonce")
	if n == "" {
		return "", &ProtocolError{Op: "newNonce", Reason: "response missing Replay-Nonce header"}
	}
	return n, nil
}

// response is what a signed request hands back to callers.
type response struct {
	body     []byte
	header   http.Header
	location string
}

// signedRequest posts one JWS-enveloped message. A nil payload means
// POST-as-GET (empty string payload); anything else is JSON encoded. The
// protected header carries the account kid once registered, and the embedded
// public JWK before that.
func (c *Client) signedRequest(ctx context.Context, url string, payload any) (*response, error) {
	if c.key == nil {
		return nil, &ProtocolError{Op: "sign", Reason: "no account key loaded; call EnsureAccount first"}
	}
	nonce, err := c.ensureNonce(ctx)
	if err != nil {
		return nil, err
	}

	header := protectedHeader{Alg: "ES256", Nonce: nonce, URL: url}
	if c.kid != "" {
		header.KID = c.kid
	} else {
		j := KeyToJWK(&c.key.PublicKey)
		header.JWK = &j
	}

	encoded := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		encoded = certutil.Base64URLEncode(raw)
	}

	signed, err := signJWS(c.key, header, encoded)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("marshal jws: %w", err)
	}

	resp, err := c.http.Do(ctx, httpretry.Request{
		Method: http.MethodPost,
		URL:    url,
		Header: http.Header{"Content-Type": []string{"application/jose+json"}},
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if n := resp.Header.Get("Replay-Nonce"); n != "" {
		c.nonce = n
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{Status: resp.StatusCode, URL: url, Body: truncate(string(data), maxErrorBody)}
	}

	return &response{
		body:     data,
		header:   resp.Header,
		location: resp.Header.Get("Location"),
	}, nil
}

type newAccountRequest struct {
	TermsOfServiceAgreed   bool     `json:"termsOfServiceAgreed"`
	Contact                []string `json:"contact,omitempty"`
	ExternalAccountBinding *jws     `json:"externalAccountBinding,omitempty"`
}

// EnsureAccount returns a usable account for this client's directory. A
// stored account matching the directory URL with an intact key is reused
// without touching the network; anything else triggers a fresh registration.
// The bool reports whether a registration happened, so the caller knows to
// persist the result.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.3
func (c *Client) EnsureAccount(ctx context.Context, stored *Account, contactEmail string, eab *EAB) (*Account, bool, error) {
	if stored != nil && stored.DirectoryURL == c.DirectoryURL && stored.KID != "" {
		key, err := stored.Key.ECDSAKey()
		if err == nil {
			c.key = key
			c.kid = stored.KID
			return stored, false, nil
		}
		log.Warn().Err(err).Str("directory", c.DirectoryURL).Msg("[acme] stored account key unusable; registering a new account")
	}

	dir, err := c.Directory(ctx)
	if err != nil {
		return nil, false, err
	}

	key, err := certutil.GenerateKey()
	if err != nil {
		return nil, false, err
	}
	c.key = key
	c.kid = ""

	req := newAccountRequest{TermsOfServiceAgreed: true}
	if contactEmail != "" {
		req.Contact = []string{"mailto:" + contactEmail}
	}
	if eab != nil && eab.KID != "" {
		binding, err := signEAB(eab.KID, eab.HMACKey, dir.NewAccount, KeyToJWK(&key.PublicKey))
		if err != nil {
			return nil, false, err
		}
		req.ExternalAccountBinding = binding
	}

	res, err := c.signedRequest(ctx, dir.NewAccount, req)
	if err != nil {
		return nil, false, err
	}
	if res.location == "" {
		return nil, false, &ProtocolError{Op: "newAccount", Reason: "response missing Location header"}
	}
	c.kid = res.location

	account := &Account{
		DirectoryURL: c.DirectoryURL,
		KID:          res.location,
		Key:          PrivateKeyToJWK(key),
		PublicKey:    KeyToJWK(&key.PublicKey),
	}
	log.Info().Str("directory", c.DirectoryURL).Str("kid", account.KID).Msg("[acme] account registered")
	return account, true, nil
}

// NewOrder submits dns identifiers and returns the pending order plus the
// order URL from the Location header.
func (c *Client) NewOrder(ctx context.Context, identifiers []string) (*Order, string, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return nil, "", err
	}

	req := struct {
		Identifiers []Identifier `json:"identifiers"`
	}{}
	for _, d := range identifiers {
		req.Identifiers = append(req.Identifiers, Identifier{Type: "dns", Value: d})
	}

	res, err := c.signedRequest(ctx, dir.NewOrder, req)
	if err != nil {
		return nil, "", err
	}
	if res.location == "" {
		return nil, "", &ProtocolError{Op: "newOrder", Reason: "response missing Location header"}
	}

	var order Order
	if err := json.Unmarshal(res.body, &order); err != nil {
		return nil, "", fmt.Errorf("decode order: %w", err)
	}
	return &order, res.location, nil
}

// Authorization fetches one authorization resource via POST-as-GET.
func (c *Client) Authorization(ctx context.Context, authzURL string) (*Authorization, error) {
	res, err := c.signedRequest(ctx, authzURL, nil)
	if err != nil {
		return nil, err
	}
	var authz Authorization
	if err := json.Unmarshal(res.body, &authz); err != nil {
		return nil, fmt.Errorf("decode authorization: %w", err)
	}
	return &authz, nil
}

// DNS01TXTValue computes the TXT record content proving control for a
// challenge token: base64url(sha256(token "." thumbprint)). EnsureAccount
// must have run first so the account key is in place.
// https://datatracker.ietf.org/doc/html/rfc8555#section-8.4
func (c *Client) DNS01TXTValue(token string) (string, error) {
	if c.key == nil {
		return "", &ProtocolError{Op: "dns-01", Reason: "no account key loaded"}
	}
	thumb, err := KeyToJWK(&c.key.PublicKey).Thumbprint()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(token + "." + thumb))
	return certutil.Base64URLEncode(sum[:]), nil
}

// RespondChallenge tells the server the TXT record is in place. The body is
// the empty JSON object, deliberately not POST-as-GET.
func (c *Client) RespondChallenge(ctx context.Context, challengeURL string) error {
	_, err := c.signedRequest(ctx, challengeURL, struct{}{})
	return err
}

// PollAuthorization re-fetches the authorization until it turns valid,
// turns invalid, or runs out of budget.
func (c *Client) PollAuthorization(ctx context.Context, authzURL string) (*Authorization, error) {
	start := c.clock()
	delay := pollInitialDelay
	for attempt := 1; ; attempt++ {
		authz, err := c.Authorization(ctx, authzURL)
		if err != nil {
			return nil, err
		}
		switch authz.Status {
		case StatusValid:
			return authz, nil
		case StatusInvalid:
			return nil, &StatusError{Resource: "authorization", URL: authzURL, Status: authz.Status, Problem: authzProblem(authz)}
		}

		elapsed := c.clock().Sub(start)
		if attempt >= pollMaxAttempts || elapsed >= authzPollTimeout {
			return nil, &PollError{Resource: "authorization", URL: authzURL, Attempts: attempt, Elapsed: elapsed}
		}
		log.Debug().Str("authorization", authzURL).Str("status", authz.Status).Int("attempt", attempt).Msg("[acme] authorization pending")
		if err := c.wait(ctx, delay); err != nil {
			return nil, err
		}
		delay = nextPollDelay(delay)
	}
}

// PollOrder re-fetches the order after finalize until it is valid, invalid,
// or out of budget.
func (c *Client) PollOrder(ctx context.Context, orderURL string) (*Order, error) {
	start := c.clock()
	delay := pollInitialDelay
	for attempt := 1; ; attempt++ {
		res, err := c.signedRequest(ctx, orderURL, nil)
		if err != nil {
			return nil, err
		}
		var order Order
		if err := json.Unmarshal(res.body, &order); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		switch order.Status {
		case StatusValid:
			return &order, nil
		case StatusInvalid:
			return nil, &StatusError{Resource: "order", URL: orderURL, Status: order.Status, Problem: order.Error}
		}

		elapsed := c.clock().Sub(start)
		if attempt >= pollMaxAttempts || elapsed >= orderPollTimeout {
			return nil, &PollError{Resource: "order", URL: orderURL, Attempts: attempt, Elapsed: elapsed}
		}
		log.Debug().Str("order", orderURL).Str("status", order.Status).Int("attempt", attempt).Msg("[acme] order not ready")
		if err := c.wait(ctx, delay); err != nil {
			return nil, err
		}
		delay = nextPollDelay(delay)
	}
}

// Finalize submits the CSR. The order then moves through processing; poll
// the order URL afterwards for the certificate link.
func (c *Client) Finalize(ctx context.Context, finalizeURL string, csrDER []byte) error {
	req := struct {
		CSR string `json:"csr"`
	}{certutil.Base64URLEncode(csrDER)}
	_, err := c.signedRequest(ctx, finalizeURL, req)
	return err
}

// DownloadCertificate fetches the issued chain as PEM text via POST-as-GET.
func (c *Client) DownloadCertificate(ctx context.Context, certURL string) (string, error) {
	res, err := c.signedRequest(ctx, certURL, nil)
	if err != nil {
		return "", err
	}
	return string(res.body), nil
}

func nextPollDelay(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * pollGrowth)
	if d > pollMaxDelay {
		return pollMaxDelay
	}
	return d
}

// authzProblem digs the most specific problem document out of a failed
// authorization.
func authzProblem(authz *Authorization) *Problem {
	if chal, err := authz.DNS01(); err == nil && chal.Error != nil {
		return chal.Error
	}
	for i := range authz.Challenges {
		if authz.Challenges[i].Error != nil {
			return authz.Challenges[i].Error
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
