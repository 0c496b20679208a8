package issuer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDaysUntil(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	cases := map[string]struct {
		notAfter time.Time
		want     int
	}{
		"45 days out":          {now.Add(45 * 24 * time.Hour), 45},
		"exactly 30 days":      {now.Add(30 * 24 * time.Hour), 30},
		"one hour short of 30": {now.Add(30*24*time.Hour - time.Hour), 29},
		"right now":            {now, 0},
		"under a day":          {now.Add(23 * time.Hour), 0},
		"expired an hour ago":  {now.Add(-time.Hour), -1},
		"expired 25 hours ago": {now.Add(-25 * time.Hour), -2},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, daysUntil(tc.notAfter, now), "daysUntil(%v)", tc.notAfter)
		})
	}
}
