package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"gosuda.org/certd/config"
	"gosuda.org/certd/issuer"
	"gosuda.org/certd/store"
)

// certIssuer is the single operation the HTTP surface consumes. Tests
// substitute a canned implementation.
type certIssuer interface {
	ObtainOrRenew(ctx context.Context, domain string) (*issuer.Result, error)
}

func newRouter(cfg *config.Config, kv store.KV, iss certIssuer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz(kv))

	r.Group(func(r chi.Router) {
		if cfg.AuthToken != "" {
			r.Use(bearerAuth(cfg.AuthToken))
		}
		r.Get("/v1/cert/{domain}", handleCert(cfg, iss))
		r.Get("/v1/key/{domain}", handleKey(cfg, iss))
	})

	return r
}

func handleCert(cfg *config.Config, iss certIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := obtain(w, r, cfg, iss)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		_, _ = w.Write([]byte(res.CertPEM))
	}
}

func handleKey(cfg *config.Config, iss certIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := obtain(w, r, cfg, iss)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		_, _ = w.Write([]byte(res.KeyPEM))
	}
}

// obtain resolves the {domain} path parameter, enforces the allowlist, and
// runs the issuer. On failure it has already written the response.
func obtain(w http.ResponseWriter, r *http.Request, cfg *config.Config, iss certIssuer) (*issuer.Result, bool) {
	raw := chi.URLParam(r, "domain")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}

	domain, err := issuer.CanonicalDomain(raw)
	if err != nil {
		http.Error(w, "invalid domain", http.StatusBadRequest)
		return nil, false
	}
	if !domainAllowed(cfg.Domains, domain) {
		http.Error(w, "domain not allowed", http.StatusForbidden)
		return nil, false
	}

	res, err := iss.ObtainOrRenew(r.Context(), domain)
	if err != nil {
		log.Error().Err(err).Str("domain", domain).Msg("[api] obtain certificate")
		http.Error(w, "certificate issuance failed", http.StatusInternalServerError)
		return nil, false
	}
	return res, true
}

// domainAllowed reports whether the canonical domain may be served. An empty
// allowlist admits every domain; entries are compared in canonical form, so a
// wildcard must be listed as its own entry.
func domainAllowed(allowed []string, domain string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, entry := range allowed {
		canonical, err := issuer.CanonicalDomain(entry)
		if err != nil {
			continue
		}
		if canonical == domain {
			return true
		}
	}
	return false
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	const prefix = "Bearer "
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, prefix) ||
				subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleHealthz answers liveness probes after a store write/read round trip,
// so a wedged database shows up here before it breaks issuance.
func handleHealthz(kv store.KV) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probe := []byte(time.Now().UTC().Format(time.RFC3339Nano))
		err := kv.Set("healthz:probe", probe)
		if err == nil {
			var got []byte
			got, err = kv.Get("healthz:probe")
			if err == nil && !bytes.Equal(got, probe) {
				err = errors.New("probe read back a stale value")
			}
		}
		if err != nil {
			log.Error().Err(err).Msg("[api] healthz store probe")
			http.Error(w, "store unavailable", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}
}
