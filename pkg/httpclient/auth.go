package httpclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies the bearer token for outbound requests and
// refreshes it when the server reports expiry.
type TokenProvider interface {
	// Token returns the current access token. Empty means anonymous.
	Token(ctx context.Context) (string, error)

	// TryRefresh exchanges the current credentials for a fresh token.
	// Called at most once per request after a 401.
	TryRefresh(ctx context.Context) error
}

// StaticTokenProvider serves a fixed token and cannot refresh. Suitable
// for tests and API-key style hosts.
type StaticTokenProvider struct {
	token string
}

// NewStaticTokenProvider creates a provider serving a fixed token.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

// Token returns the fixed token.
func (p *StaticTokenProvider) Token(ctx context.Context) (string, error) {
	return p.token, nil
}

// TryRefresh fails: static tokens cannot be refreshed.
func (p *StaticTokenProvider) TryRefresh(ctx context.Context) error {
	return fmt.Errorf("static token provider cannot refresh")
}

// RefreshFunc exchanges credentials for a new access token.
type RefreshFunc func(ctx context.Context) (string, error)

// RefreshableTokenProvider holds a mutable token and a host-supplied
// refresh callback. When the token is a JWT, ExpiresWithin can be used
// to refresh proactively before the server starts rejecting it.
type RefreshableTokenProvider struct {
	mu      sync.RWMutex
	token   string
	refresh RefreshFunc
}

// NewRefreshableTokenProvider creates a provider with an initial token
// and a refresh callback.
func NewRefreshableTokenProvider(initial string, refresh RefreshFunc) *RefreshableTokenProvider {
	return &RefreshableTokenProvider{token: initial, refresh: refresh}
}

// Token returns the current token, refreshing first when a parseable
// JWT expiry is within a minute of now.
func (p *RefreshableTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()

	if token != "" && p.expiresWithin(token, time.Minute) {
		if err := p.TryRefresh(ctx); err == nil {
			p.mu.RLock()
			token = p.token
			p.mu.RUnlock()
		}
		// Refresh failure is not fatal here; the request proceeds with
		// the old token and the 401 path retries the refresh.
	}
	return token, nil
}

// TryRefresh invokes the refresh callback and swaps in the new token.
func (p *RefreshableTokenProvider) TryRefresh(ctx context.Context) error {
	if p.refresh == nil {
		return fmt.Errorf("no refresh callback configured")
	}
	token, err := p.refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return nil
}

// expiresWithin reports whether the token is a JWT whose exp claim is
// within d of now. Claims are decoded without signature verification;
// the client only inspects expiry, it never trusts the contents.
func (p *RefreshableTokenProvider) expiresWithin(token string, d time.Duration) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < d
}
