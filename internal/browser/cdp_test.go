package browser

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/session-plane/pkg/models"
)

func TestCookieParams(t *testing.T) {
	params := CookieParams([]models.Cookie{
		{Name: "li_at", Value: "tok", Domain: ".linkedin.com", Path: "/", Expires: 1893456000.5, HTTPOnly: true, Secure: true, SameSite: "None"},
		{Name: "lang", Value: "en", Domain: ".linkedin.com", Path: "/", Expires: -1},
	})
	require.Len(t, params, 2)

	require.NotNil(t, params[0].Expires)
	assert.Equal(t, int64(1893456000), params[0].Expires.Time().Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(params[0].Expires.Time().Nanosecond()))
	assert.Equal(t, network.CookieSameSiteNone, params[0].SameSite)
	assert.True(t, params[0].HTTPOnly)

	assert.Nil(t, params[1].Expires, "session cookies carry no expiry")
	assert.Empty(t, params[1].SameSite)
}
