package issuer

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

var ErrInvalidDomain = errors.New("issuer: invalid domain")

// CanonicalDomain lowercases and IDNA-normalizes a domain, allowing one
// leading wildcard label. The result is what cache keys and ACME identifiers
// use.
func CanonicalDomain(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimSuffix(d, ".")

	wildcard := strings.HasPrefix(d, "*.")
	if wildcard {
		d = strings.TrimPrefix(d, "*.")
	}
	if d == "" || strings.Contains(d, "*") {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}

	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDomain, domain, err)
	}
	if !strings.Contains(ascii, ".") {
		return "", fmt.Errorf("%w: %q: need at least two labels", ErrInvalidDomain, domain)
	}

	if wildcard {
		return "*." + ascii, nil
	}
	return ascii, nil
}
