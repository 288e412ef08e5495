package auth

import (
	"context"

	"golang.org/x/oauth2"
)

type sessionTokenSource struct {
	ctx     context.Context
	session *Session
}

// TokenSource adapts the session to oauth2.TokenSource so it can back an
// oauth2.Transport. Every Token call goes through GetToken and so renews the
// credential when it is close to expiry.
//
// The reported Expiry is the point where the session itself starts renewing,
// the real expiry minus the refresh margin. A caller that caches tokens, such
// as oauth2.ReuseTokenSource or oauth2.NewClient, therefore comes back to the
// session before the margin is reached rather than holding the token until
// just before it expires.
func (s *Session) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &sessionTokenSource{ctx: ctx, session: s}
}

func (ts *sessionTokenSource) Token() (*oauth2.Token, error) {
	access := ts.session.GetToken(ts.ctx)
	if access == "" {
		return nil, ErrNotAuthenticated
	}

	tok := &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
	}

	// Expiry is only reported while the stored snapshot still matches the
	// token just returned.
	if data, err := ts.session.storage.Get(ts.ctx); err == nil && data.AccessToken == access {
		if expiry, ok := data.ExpiryTime(); ok {
			tok.Expiry = expiry.Add(-ts.session.refreshBeforeExpiry)
		}
	}
	return tok, nil
}

var _ oauth2.TokenSource = (*sessionTokenSource)(nil)

