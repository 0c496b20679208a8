// Package issuer orchestrates certificate issuance and renewal: cache
// lookup, provider fallback, dns-01 challenge fulfillment with guaranteed
// record cleanup, and persistence of the result.
package issuer

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"gosuda.org/certd/acme"
	"gosuda.org/certd/certutil"
	"gosuda.org/certd/dnsprov"
	"gosuda.org/certd/httpretry"
	"gosuda.org/certd/store"
)

const (
	DefaultRenewBeforeDays = 30
	DefaultPropagationWait = 20 * time.Second
)

// CA names one ACME endpoint to try, in fallback order.
type CA struct {
	Name         string
	DirectoryURL string
	EAB          *acme.EAB
}

// Result is the material handed to callers. NotAfter comes from the leaf
// certificate of the issued chain.
type Result struct {
	Domain   string    `json:"domain"`
	CertPEM  string    `json:"certPem"`
	KeyPEM   string    `json:"keyPem"`
	NotAfter time.Time `json:"notAfterIso"`
	Provider string    `json:"provider"`
	Cached   bool      `json:"cached"`
}

// Issuer obtains certificates through the configured authorities and caches
// them in the store. Concurrent ObtainOrRenew calls are safe; the store is
// last-writer-wins and TXT creation is idempotent by content.
type Issuer struct {
	KV  store.KV
	DNS dnsprov.Provider

	CAs          []CA
	ContactEmail string

	// RenewBeforeDays triggers renewal when fewer whole days remain.
	RenewBeforeDays int

	// PropagationWait is the pause between creating TXT records and asking
	// the CA to validate. Zero skips the pause.
	PropagationWait time.Duration

	// IncludeApexWithWildcard adds the base domain as a second identifier
	// when ordering for a wildcard.
	IncludeApexWithWildcard bool

	// Propagation, when set, additionally polls public resolvers after the
	// fixed wait. It only ever adds latency.
	Propagation *PropagationChecker

	HTTP *httpretry.Client

	// Now and Sleep exist so tests can collapse time. Nil means real time.
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

// New builds an issuer with the standard renewal and propagation defaults.
func New(kv store.KV, dns dnsprov.Provider, cas []CA) *Issuer {
	return &Issuer{
		KV:                      kv,
		DNS:                     dns,
		CAs:                     cas,
		RenewBeforeDays:         DefaultRenewBeforeDays,
		PropagationWait:         DefaultPropagationWait,
		IncludeApexWithWildcard: true,
	}
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i *Issuer) sleep(ctx context.Context, d time.Duration) error {
	if i.Sleep != nil {
		return i.Sleep(ctx, d)
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

// ObtainOrRenew returns certificate material for domain, serving from the
// cache while enough validity remains and otherwise walking the configured
// authorities in order until one issues.
func (i *Issuer) ObtainOrRenew(ctx context.Context, domain string) (*Result, error) {
	domain, err := CanonicalDomain(domain)
	if err != nil {
		return nil, err
	}

	cached, err := store.LoadCert(i.KV, domain)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		days := daysUntil(cached.NotAfter, i.now())
		if days >= i.RenewBeforeDays {
			log.Debug().Str("domain", domain).Int("days_left", days).Msg("[issuer] serving cached certificate")
			return resultFromCached(cached, true), nil
		}
		log.Info().Str("domain", domain).Int("days_left", days).Int("renew_before_days", i.RenewBeforeDays).Msg("[issuer] certificate due for renewal")
	}

	var failures []ProviderFailure
	for _, ca := range i.CAs {
		res, err := i.issueWith(ctx, ca, domain)
		if err != nil {
			log.Warn().Err(err).Str("domain", domain).Str("provider", ca.Name).Msg("[issuer] provider attempt failed")
			failures = append(failures, ProviderFailure{Provider: ca.Name, Err: err})
			if ctx.Err() != nil {
				break
			}
			continue
		}
		i.storeResult(res)
		return res, nil
	}
	return nil, &AllProvidersError{Failures: failures}
}

func (i *Issuer) identifiers(domain string) []string {
	ids := []string{domain}
	if i.IncludeApexWithWildcard && strings.HasPrefix(domain, "*.") {
		ids = append(ids, strings.TrimPrefix(domain, "*."))
	}
	return ids
}

func (i *Issuer) issueWith(ctx context.Context, ca CA, domain string) (*Result, error) {
	client := acme.NewClient(ca.DirectoryURL, i.HTTP)
	client.Now = i.Now
	client.Sleep = i.Sleep

	stored, err := store.LoadAccount(i.KV, ca.DirectoryURL)
	if err != nil {
		return nil, err
	}
	account, registered, err := client.EnsureAccount(ctx, stored, i.ContactEmail, ca.EAB)
	if err != nil {
		return nil, err
	}
	if registered {
		if err := store.SaveAccount(i.KV, account); err != nil {
			return nil, err
		}
	}

	identifiers := i.identifiers(domain)
	order, orderURL, err := client.NewOrder(ctx, identifiers)
	if err != nil {
		return nil, err
	}
	log.Info().Str("domain", domain).Str("provider", ca.Name).Strs("identifiers", identifiers).Str("order", orderURL).Msg("[issuer] order created")

	zoneID, err := i.DNS.ResolveZoneID(ctx, domain)
	if err != nil {
		return nil, err
	}

	for _, authzURL := range order.Authorizations {
		if err := i.fulfillAuthorization(ctx, client, zoneID, authzURL); err != nil {
			return nil, err
		}
	}

	certKey, err := certutil.GenerateKey()
	if err != nil {
		return nil, err
	}
	csr, err := certutil.NewCSR(identifiers, certKey)
	if err != nil {
		return nil, err
	}
	if err := client.Finalize(ctx, order.Finalize, csr); err != nil {
		return nil, err
	}
	final, err := client.PollOrder(ctx, orderURL)
	if err != nil {
		return nil, err
	}
	if final.Certificate == "" {
		return nil, &acme.ProtocolError{Op: "order", Reason: "valid order carries no certificate URL"}
	}

	chainPEM, err := client.DownloadCertificate(ctx, final.Certificate)
	if err != nil {
		return nil, err
	}
	keyPEM, err := certutil.MarshalPKCS8PEM(certKey)
	if err != nil {
		return nil, err
	}
	leaf, err := certutil.FirstCertificate(chainPEM)
	if err != nil {
		return nil, err
	}

	log.Info().Str("domain", domain).Str("provider", ca.Name).Time("not_after", leaf.NotAfter).Msg("[issuer] certificate issued")
	return &Result{
		Domain:   domain,
		CertPEM:  chainPEM,
		KeyPEM:   string(keyPEM),
		NotAfter: leaf.NotAfter,
		Provider: ca.Name,
	}, nil
}

// fulfillAuthorization runs the TXT lifecycle for one authorization: set the
// record, wait, answer the challenge, poll to valid. Records this call
// created are deleted on the way out whatever the outcome; pre-existing
// records are left in place.
func (i *Issuer) fulfillAuthorization(ctx context.Context, client *acme.Client, zoneID, authzURL string) error {
	authz, err := client.Authorization(ctx, authzURL)
	if err != nil {
		return err
	}
	if authz.Status == acme.StatusValid {
		log.Debug().Str("authorization", authzURL).Msg("[issuer] authorization already valid")
		return nil
	}

	chal, err := authz.DNS01()
	if err != nil {
		return err
	}
	value, err := client.DNS01TXTValue(chal.Token)
	if err != nil {
		return err
	}
	name := dnsprov.RecordName(authz.Identifier.Value)

	recordID, created, err := i.DNS.EnsureTXTRecord(ctx, zoneID, name, value)
	if err != nil {
		return err
	}
	if created {
		defer func() {
			// Cleanup must run even when the surrounding context is gone.
			cleanupCtx := context.WithoutCancel(ctx)
			if derr := i.DNS.DeleteRecord(cleanupCtx, zoneID, recordID); derr != nil {
				log.Warn().Err(derr).Str("name", name).Str("record", recordID).Msg("[issuer] txt record cleanup failed")
			}
		}()
	}

	if err := i.waitPropagation(ctx, name, value); err != nil {
		return err
	}
	if err := client.RespondChallenge(ctx, chal.URL); err != nil {
		return err
	}
	if _, err := client.PollAuthorization(ctx, authzURL); err != nil {
		return err
	}
	log.Info().Str("identifier", authz.Identifier.Value).Msg("[issuer] authorization valid")
	return nil
}

func (i *Issuer) waitPropagation(ctx context.Context, name, value string) error {
	if i.PropagationWait > 0 {
		log.Debug().Str("name", name).Dur("wait", i.PropagationWait).Msg("[issuer] waiting for dns propagation")
		if err := i.sleep(ctx, i.PropagationWait); err != nil {
			return err
		}
	}
	if i.Propagation != nil {
		if ok := i.Propagation.Wait(ctx, name, value); !ok {
			log.Warn().Str("name", name).Msg("[issuer] txt record not confirmed on public resolvers; proceeding anyway")
		}
	}
	return ctx.Err()
}

// storeResult persists the freshly issued material. The caller already holds
// the certificate, so a store failure is logged rather than surfaced.
func (i *Issuer) storeResult(res *Result) {
	cc := &store.CachedCert{
		Domain:    res.Domain,
		CertPEM:   res.CertPEM,
		KeyPEM:    res.KeyPEM,
		NotAfter:  res.NotAfter,
		Provider:  res.Provider,
		UpdatedAt: i.now().UTC(),
	}
	if err := store.SaveCert(i.KV, cc); err != nil {
		log.Error().Err(err).Str("domain", res.Domain).Msg("[issuer] persisting certificate failed")
	}
}

func resultFromCached(cc *store.CachedCert, cached bool) *Result {
	return &Result{
		Domain:   cc.Domain,
		CertPEM:  cc.CertPEM,
		KeyPEM:   cc.KeyPEM,
		NotAfter: cc.NotAfter,
		Provider: cc.Provider,
		Cached:   cached,
	}
}
