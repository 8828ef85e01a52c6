package broker

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity() Identity {
	return Identity{UserID: "user_1", SiteID: "site_1", OrgID: "org_1", Role: "widget"}
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("secret")
	token, err := auth.Issue(testIdentity(), time.Minute)
	require.NoError(t, err)

	identity, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "user_1", identity.UserID)
	assert.Equal(t, "site_1", identity.SiteID)
	assert.Equal(t, "org_1", identity.OrgID)
	assert.Equal(t, "widget", identity.Role)
}

func TestAuthenticator_Rejections(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("secret")

	_, err := auth.Authenticate("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = auth.Authenticate("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := auth.Issue(testIdentity(), -time.Minute)
	require.NoError(t, err)
	_, err = auth.Authenticate(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewAuthenticator("different secret")
	foreign, err := other.Issue(testIdentity(), time.Minute)
	require.NoError(t, err)
	_, err = auth.Authenticate(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", TokenFromRequest(req))

	req = httptest.NewRequest("GET", "/api/notifications/sse?token=query-token", nil)
	assert.Equal(t, "query-token", TokenFromRequest(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	assert.Empty(t, TokenFromRequest(req))
}

func TestCanSubscribe(t *testing.T) {
	t.Parallel()

	identity := &Identity{UserID: "user_1", SiteID: "site_1", OrgID: "org_1"}

	cases := []struct {
		channel string
		want    bool
	}{
		{"site:site_1", true},
		{"site:site_1:orders", true},
		{"site:site_2", false},
		{"site:site_12", false},
		{"user:user_1:inbox", true},
		{"user:user_2:inbox", false},
		{"org:org_1:announcements", true},
		{"org:org_2", false},
		{"public:feed", true},
		{"notifications:site_1", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanSubscribe(identity, tc.channel), tc.channel)
	}

	anonymous := &Identity{SiteID: "site_1"}
	assert.True(t, CanSubscribe(anonymous, "site:site_1"))
	assert.False(t, CanSubscribe(anonymous, "user:"), "empty identity ids never match")
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(2, time.Minute)
	current := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	assert.True(t, limiter.Allow("site_1:user_1"))
	assert.True(t, limiter.Allow("site_1:user_1"))
	assert.False(t, limiter.Allow("site_1:user_1"))

	// Other identities are unaffected.
	assert.True(t, limiter.Allow("site_1:user_2"))

	// Entries expire lazily once the window passes.
	current = current.Add(2 * time.Minute)
	assert.True(t, limiter.Allow("site_1:user_1"))
}

func TestRateLimiter_PrunesIdleKeys(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(5, time.Minute)
	current := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	for i := 0; i < 500; i++ {
		limiter.Allow(fmt.Sprintf("site_1:user_%d", i))
	}

	// Once their windows empty, idle keys are swept instead of accumulating.
	current = current.Add(2 * time.Minute)
	for i := 0; i < pruneEvery; i++ {
		limiter.Allow("site_1:active")
	}

	limiter.mu.Lock()
	keys := len(limiter.hits)
	limiter.mu.Unlock()
	assert.Equal(t, 1, keys)
}
