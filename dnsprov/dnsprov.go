// Package dnsprov places and removes the TXT records that prove domain
// control during dns-01 validation.
package dnsprov

import (
	"context"
	"strings"
)

// Provider is a DNS backend able to host _acme-challenge TXT records.
type Provider interface {
	// ResolveZoneID maps a domain to the identifier of its hosting zone.
	ResolveZoneID(ctx context.Context, domain string) (string, error)

	// EnsureTXTRecord makes sure a TXT record with the given content
	// exists, reusing an identical one when present. The bool reports
	// whether this call created the record.
	EnsureTXTRecord(ctx context.Context, zoneID, name, value string) (string, bool, error)

	// DeleteRecord removes a record by id.
	DeleteRecord(ctx context.Context, zoneID, recordID string) error
}

// RecordName returns the validation record name for a domain. A wildcard and
// its base domain share the same name, so one record serves both.
func RecordName(domain string) string {
	d := strings.ToLower(strings.TrimSuffix(domain, "."))
	d = strings.TrimPrefix(d, "*.")
	return "_acme-challenge." + d
}
