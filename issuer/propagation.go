package issuer

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

const (
	defaultCheckInterval = 3 * time.Second
	defaultCheckAttempts = 10
	checkQueryTimeout    = 5 * time.Second
)

var defaultResolvers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// PropagationChecker polls public resolvers for a TXT value after the fixed
// propagation wait. It is advisory: a negative answer means "not visible
// yet", never a hard failure.
type PropagationChecker struct {
	// Resolvers are host:port addresses. Defaults to Cloudflare and Google
	// public DNS.
	Resolvers []string
	Interval  time.Duration
	Attempts  int

	Sleep func(context.Context, time.Duration) error
}

// Wait polls until some resolver returns the value or the attempt budget is
// spent. The bool reports whether the record was seen.
func (p *PropagationChecker) Wait(ctx context.Context, name, value string) bool {
	resolvers := p.Resolvers
	if len(resolvers) == 0 {
		resolvers = defaultResolvers
	}
	interval := p.Interval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = defaultCheckAttempts
	}

	client := &dns.Client{Timeout: checkQueryTimeout}
	for attempt := 1; attempt <= attempts; attempt++ {
		for _, resolver := range resolvers {
			if hasTXTValue(ctx, client, resolver, name, value) {
				log.Debug().Str("name", name).Str("resolver", resolver).Int("attempt", attempt).Msg("[issuer] txt record visible")
				return true
			}
		}
		if attempt == attempts {
			break
		}
		if err := p.sleep(ctx, interval); err != nil {
			return false
		}
	}
	return false
}

func (p *PropagationChecker) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func hasTXTValue(ctx context.Context, client *dns.Client, resolver, name, value string) bool {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	resp, _, err := client.ExchangeContext(ctx, m, resolver)
	if err != nil || resp == nil {
		return false
	}
	for _, rr := range resp.Answer {
		// Long values arrive chunked into 255-byte strings.
		if txt, ok := rr.(*dns.TXT); ok && strings.Join(txt.Txt, "") == value {
			return true
		}
	}
	return false
}
