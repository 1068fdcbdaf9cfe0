package httpclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	claims := jwt.MapClaims{
		"sub": "patient-1",
		"exp": time.Now().Add(expiresIn).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestStaticTokenProvider(t *testing.T) {
	p := NewStaticTokenProvider("fixed")
	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fixed", token)
	assert.Error(t, p.TryRefresh(context.Background()))
}

func TestRefreshableProvider_TryRefreshSwapsToken(t *testing.T) {
	p := NewRefreshableTokenProvider("old", func(ctx context.Context) (string, error) {
		return "new", nil
	})
	require.NoError(t, p.TryRefresh(context.Background()))
	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", token)
}

func TestRefreshableProvider_ProactiveRefreshNearExpiry(t *testing.T) {
	refreshed := 0
	stale := signedToken(t, 10*time.Second) // inside the one-minute window
	p := NewRefreshableTokenProvider(stale, func(ctx context.Context) (string, error) {
		refreshed++
		return "fresh", nil
	})

	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
	assert.Equal(t, 1, refreshed)
}

func TestRefreshableProvider_FreshJWTNotRefreshed(t *testing.T) {
	refreshed := 0
	good := signedToken(t, time.Hour)
	p := NewRefreshableTokenProvider(good, func(ctx context.Context) (string, error) {
		refreshed++
		return "unexpected", nil
	})

	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good, token)
	assert.Equal(t, 0, refreshed)
}

func TestRefreshableProvider_OpaqueTokenServedAsIs(t *testing.T) {
	p := NewRefreshableTokenProvider("not-a-jwt", func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("should not be called")
	})
	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "not-a-jwt", token)
}
