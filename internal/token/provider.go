// Package token fetches access tokens for a device from the token server.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/brentschooley/ipm-ux/internal/domain"
)

// Grant is a token issued for one device.
type Grant struct {
	Token     string
	Identity  string
	ExpiresAt time.Time // zero when the token carries no readable expiry
}

type Provider interface {
	FetchToken(ctx context.Context, deviceID string) (Grant, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, deviceID string) (Grant, error)

func (f ProviderFunc) FetchToken(ctx context.Context, deviceID string) (Grant, error) {
	return f(ctx, deviceID)
}

type response struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
}

// HTTPProvider requests GET <endpoint>?device=<id> and expects
// {"token": ..., "identity": ...}.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
	retries  uint64
	logger   *zap.Logger
}

// NewHTTPProvider creates a provider. retries is the number of additional
// attempts after a network failure; 0 means a single attempt.
func NewHTTPProvider(endpoint string, timeout time.Duration, retries uint64, logger *zap.Logger) *HTTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		retries:  retries,
		logger:   logger.Named("token"),
	}
}

func (p *HTTPProvider) FetchToken(ctx context.Context, deviceID string) (Grant, error) {
	var grant Grant
	attempt := 0
	op := func() error {
		attempt++
		g, err := p.fetchOnce(ctx, deviceID)
		if err != nil {
			if !errors.Is(err, domain.ErrNetwork) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			p.logger.Warn("token fetch failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		grant = g
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return Grant{}, err
	}

	p.logger.Info("token acquired",
		zap.String("identity", grant.Identity),
		zap.Time("expires_at", grant.ExpiresAt))
	return grant, nil
}

func (p *HTTPProvider) fetchOnce(ctx context.Context, deviceID string) (Grant, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: bad token url: %w", domain.ErrNetwork, err)
	}
	q := u.Query()
	q.Set("device", deviceID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: build request: %w", domain.ErrNetwork, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Grant{}, fmt.Errorf("%w: token server returned %s", domain.ErrAuth, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Grant{}, fmt.Errorf("%w: token server returned %s: %s", domain.ErrNetwork, resp.Status, body)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Grant{}, fmt.Errorf("%w: decode token response: %w", domain.ErrAuth, err)
	}
	if r.Token == "" || r.Identity == "" {
		return Grant{}, fmt.Errorf("%w: token response missing token or identity", domain.ErrAuth)
	}

	return Grant{
		Token:     r.Token,
		Identity:  r.Identity,
		ExpiresAt: expiry(r.Token),
	}, nil
}

// expiry reads the exp claim of a JWT without verifying it. The token is
// opaque to the client; this is only used for logging and display.
func expiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
