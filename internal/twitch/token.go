package twitch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"speculator/internal/types"
)

// tokenRefreshSlack renews the cached token this long before actual expiry.
const tokenRefreshSlack = 60 * time.Second

// ClientCredentialsSource obtains app access tokens via the OAuth client
// credentials grant and caches them until shortly before expiry. Safe for
// concurrent use.
type ClientCredentialsSource struct {
	transport    *Transport
	tokenURL     string
	clientID     string
	clientSecret types.SecretString
	now          func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClientCredentialsSource builds a token source against the given OAuth
// token endpoint.
func NewClientCredentialsSource(transport *Transport, tokenURL, clientID string, clientSecret types.SecretString) *ClientCredentialsSource {
	return &ClientCredentialsSource{
		transport:    transport,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

// AppToken returns a valid app access token, refreshing if the cached one is
// near expiry.
func (s *ClientCredentialsSource) AppToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expires.Add(-tokenRefreshSlack)) {
		return s.token, nil
	}

	form := url.Values{
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret.Reveal()},
		"grant_type":    {"client_credentials"},
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	err := s.transport.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, &out)
	if err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamTwitch, "token endpoint returned empty token", nil)
	}

	s.token = out.AccessToken
	s.expires = s.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return s.token, nil
}
