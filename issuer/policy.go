package issuer

import "time"

// daysUntil reports whole days from now until t, rounding toward minus
// infinity so a certificate 29.9 days from expiry counts as 29 and one that
// expired 25 hours ago counts as -2.
func daysUntil(t, now time.Time) int {
	const dayMillis = 24 * 60 * 60 * 1000
	ms := t.Sub(now).Milliseconds()
	d := ms / dayMillis
	if ms%dayMillis != 0 && ms < 0 {
		d--
	}
	return int(d)
}
