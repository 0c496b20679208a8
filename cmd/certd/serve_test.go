package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gosuda.org/certd/config"
	"gosuda.org/certd/dnsprov"
	"gosuda.org/certd/issuer"
	"gosuda.org/certd/store"
)

func TestBuildIssuer_AppliesConfig(t *testing.T) {
	renew := 14
	prop := 0
	apex := false
	cfg := &config.Config{
		ContactEmail:            "ops@example.com",
		RenewBeforeDays:         &renew,
		DNSPropagationSeconds:   &prop,
		IncludeApexWithWildcard: &apex,
		Providers: []config.Provider{
			{Name: "LE", DirectoryURL: "https://acme.example/dir"},
			{Name: "ZeroSSL", DirectoryURL: "https://zerossl.example/dir", EAB: &config.EAB{KID: "kid-1", HMACKey: "aGVsbG8"}},
		},
		Cloudflare: config.Cloudflare{
			APIToken: "tok",
			APIBase:  "https://cf.example/v4",
			ZoneMap:  map[string]string{"example.com": "z1"},
		},
		DNS: config.DNSCheck{Resolvers: []string{"192.0.2.1:53"}},
	}

	iss := buildIssuer(cfg, store.NewMemory())

	require.Equal(t, 14, iss.RenewBeforeDays, "renew window from config")
	require.Zero(t, iss.PropagationWait, "explicit zero disables the wait")
	require.False(t, iss.IncludeApexWithWildcard, "apex pairing off")
	require.Equal(t, "ops@example.com", iss.ContactEmail, "contact email")
	require.NotNil(t, iss.Propagation, "resolver check configured")
	require.Equal(t, []string{"192.0.2.1:53"}, iss.Propagation.Resolvers, "resolvers")

	require.Len(t, iss.CAs, 2, "providers mapped in declared order")
	require.Equal(t, "LE", iss.CAs[0].Name, "first provider")
	require.Nil(t, iss.CAs[0].EAB, "no EAB on the first provider")
	require.NotNil(t, iss.CAs[1].EAB, "EAB mapped")
	require.Equal(t, "kid-1", iss.CAs[1].EAB.KID, "EAB kid")
	require.Equal(t, "aGVsbG8", iss.CAs[1].EAB.HMACKey, "EAB hmac key")

	cf, ok := iss.DNS.(*dnsprov.Cloudflare)
	require.True(t, ok, "cloudflare provider wired")
	require.Equal(t, "tok", cf.Token, "api token")
	require.Equal(t, "https://cf.example/v4", cf.APIBase, "api base override")
	require.Equal(t, "z1", cf.ZoneMap["example.com"], "zone map")
}

func TestBuildIssuer_DefaultsWhenUnset(t *testing.T) {
	cfg := &config.Config{
		Providers:  []config.Provider{{Name: "LE", DirectoryURL: "https://acme.example/dir"}},
		Cloudflare: config.Cloudflare{APIToken: "tok"},
	}

	iss := buildIssuer(cfg, store.NewMemory())

	require.Equal(t, issuer.DefaultRenewBeforeDays, iss.RenewBeforeDays, "default renew window")
	require.Equal(t, issuer.DefaultPropagationWait, iss.PropagationWait, "default propagation wait")
	require.True(t, iss.IncludeApexWithWildcard, "apex pairing defaults on")
	require.Nil(t, iss.Propagation, "no resolver check without resolvers")
}
