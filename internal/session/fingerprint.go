package session

import (
	"math/rand/v2"

	"github.com/shehryarbajwa/session-plane/pkg/models"
)

var defaultFingerprints = []models.Fingerprint{
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Locale:         "en-US",
		Timezone:       "America/New_York",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
	},
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Locale:         "en-US",
		Timezone:       "America/Los_Angeles",
		ViewportWidth:  1440,
		ViewportHeight: 900,
	},
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		Locale:         "en-GB",
		Timezone:       "Europe/London",
		ViewportWidth:  1536,
		ViewportHeight: 864,
	},
}

func pickFingerprint(pool []models.Fingerprint) models.Fingerprint {
	if len(pool) == 0 {
		pool = defaultFingerprints
	}
	return pool[rand.IntN(len(pool))]
}
