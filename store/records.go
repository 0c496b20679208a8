package store

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"gosuda.org/certd/acme"
)

// AccountKey is the store key for the account registered against a
// directory. The URL is reduced to an FNV-1a hash so the key stays short and
// stable regardless of URL shape.
func AccountKey(directoryURL string) string {
	h := fnv.New32a()
	h.Write([]byte(directoryURL))
	return fmt.Sprintf("acme:account:%08x", h.Sum32())
}

// CertKey is the store key for a domain's cached certificate.
func CertKey(domain string) string {
	return "cert:" + strings.ToLower(domain)
}

// CachedCert is the persisted certificate bundle for one domain.
type CachedCert struct {
	Domain    string    `json:"domain"`
	CertPEM   string    `json:"certPem"`
	KeyPEM    string    `json:"keyPem"`
	NotAfter  time.Time `json:"notAfterIso"`
	Provider  string    `json:"provider"`
	UpdatedAt time.Time `json:"updatedAtIso"`
}

// LoadAccount reads the stored account for a directory. Corrupt or
// incomplete entries come back nil so the caller falls through to a fresh
// registration.
func LoadAccount(kv KV, directoryURL string) (*acme.Account, error) {
	raw, err := kv.Get(AccountKey(directoryURL))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var acct acme.Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		log.Warn().Str("directory", directoryURL).Msg("[store] discarding unreadable account entry")
		return nil, nil
	}
	if acct.DirectoryURL == "" || acct.KID == "" {
		return nil, nil
	}
	return &acct, nil
}

func SaveAccount(kv KV, acct *acme.Account) error {
	raw, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	return kv.Set(AccountKey(acct.DirectoryURL), raw)
}

// LoadCert reads the cached certificate for a domain, nil when absent or
// unreadable.
func LoadCert(kv KV, domain string) (*CachedCert, error) {
	raw, err := kv.Get(CertKey(domain))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var cc CachedCert
	if err := json.Unmarshal(raw, &cc); err != nil {
		log.Warn().Str("domain", domain).Msg("[store] discarding unreadable certificate entry")
		return nil, nil
	}
	if cc.CertPEM == "" || cc.KeyPEM == "" {
		return nil, nil
	}
	return &cc, nil
}

func SaveCert(kv KV, cc *CachedCert) error {
	raw, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("marshal certificate entry: %w", err)
	}
	return kv.Set(CertKey(cc.Domain), raw)
}
