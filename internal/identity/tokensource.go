package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	dErrors "setu/pkg/domain-errors"
)

// cacheSkew is subtracted from the advertised lifetime so a token is never
// presented moments before it expires.
const cacheSkew = 30 * time.Second

// TokenCache stores issued tokens across process restarts. A nil cache
// degrades to in-process caching only.
type TokenCache interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
}

// ClientCredentialsSource fetches service tokens from the provider's token
// endpoint and caches them until shortly before expiry.
type ClientCredentialsSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	cache        TokenCache
	http         *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

type SourceOption func(*ClientCredentialsSource)

func WithCache(cache TokenCache) SourceOption {
	return func(s *ClientCredentialsSource) {
		s.cache = cache
	}
}

func WithHTTPClient(httpClient *http.Client) SourceOption {
	return func(s *ClientCredentialsSource) {
		s.http = httpClient
	}
}

func NewClientCredentialsSource(tokenURL, clientID, clientSecret string, opts ...SourceOption) *ClientCredentialsSource {
	s := &ClientCredentialsSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns a valid service token, fetching a fresh one only when the
// in-process and Redis caches both miss.
func (s *ClientCredentialsSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expires) {
		return s.token, nil
	}
	if token, ttl := s.cached(ctx); token != "" {
		s.token, s.expires = token, time.Now().Add(ttl)
		return token, nil
	}

	token, expiresIn, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	ttl := expiresIn - cacheSkew
	if ttl < time.Second {
		ttl = time.Second
	}
	s.token, s.expires = token, time.Now().Add(ttl)
	if s.cache != nil {
		_ = s.cache.Set(ctx, s.cacheKey(), token, ttl).Err()
	}
	return token, nil
}

func (s *ClientCredentialsSource) cached(ctx context.Context) (string, time.Duration) {
	if s.cache == nil {
		return "", 0
	}
	token, err := s.cache.Get(ctx, s.cacheKey()).Result()
	if err != nil {
		return "", 0
	}
	// The cache TTL is unknown here; reuse briefly and let the next refresh
	// consult Redis again.
	return token, cacheSkew
}

func (s *ClientCredentialsSource) fetch(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.clientID)
	form.Set("client_secret", s.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "token endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, dErrors.New(dErrors.CodeUnauthorized, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", 0, dErrors.New(dErrors.CodeInternal, "token endpoint returned no token")
	}
	return body.AccessToken, time.Duration(body.ExpiresIn) * time.Second, nil
}

func (s *ClientCredentialsSource) cacheKey() string {
	return "setu:token:" + s.clientID
}
