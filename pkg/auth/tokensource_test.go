package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestTokenSourceExpiryLeadsRefreshMargin(t *testing.T) {
	tr := newFakeTransport()
	tr.on(loginPath, issue("login", int64(60*60*1000)))

	s := newTestSession(t, tr, ModeJSON, WithAutoRefresh(false))
	ctx := context.Background()
	data, err := s.Login(ctx, "a@example.com", "pw", LoginOptions{})
	require.NoError(t, err)
	expiry, ok := data.ExpiryTime()
	require.True(t, ok)

	tok, err := s.TokenSource(ctx).Token()
	require.NoError(t, err)
	assert.True(t, tok.Expiry.Equal(expiry.Add(-DefaultRefreshBeforeExpiry)))
}

func TestReusedTokenSourceReturnsBeforeMargin(t *testing.T) {
	tr := newFakeTransport()
	tr.on(loginPath, issue("login", int64(60_000)))
	tr.on(refreshPath, issue("refresh", int64(60_000)))

	// A two minute margin puts every one minute token inside it, so the
	// session renews on each read
	s := newTestSession(t, tr, ModeJSON, WithAutoRefresh(false), WithRefreshBeforeExpiry(2*time.Minute))
	ctx := context.Background()
	_, err := s.Login(ctx, "a@example.com", "pw", LoginOptions{})
	require.NoError(t, err)

	src := oauth2.ReuseTokenSource(nil, s.TokenSource(ctx))
	first, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, 1, tr.count(refreshPath))

	// The renewed token is again inside the margin, so a cached source keeps
	// asking the session instead of holding on to it
	second, err := src.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, 2, tr.count(refreshPath))
}
