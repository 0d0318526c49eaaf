// Package profile asks the network server's application API who a caller is
// and which organization an application belongs to. Answers are cached per
// token for a short time.
package profile

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/typekcz/loradataserver/internal/core/auth"
)

// AuthorizationHeader carries the caller's token to the application API.
const AuthorizationHeader = "Grpc-Metadata-Authorization"

// Config holds profile client settings.
type Config struct {
	// URL is the base URL of the application API, e.g. https://host:8080/api.
	URL string

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Timeout bounds one HTTP request.
	Timeout time.Duration

	// CacheTTL is how long an answer is reused.
	CacheTTL time.Duration

	// CacheSize bounds the number of cached answers per kind.
	CacheSize int
}

// DefaultConfig returns the default profile client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		CacheTTL:  30 * time.Second,
		CacheSize: 1024,
	}
}

type appKey struct {
	token string
	id    int64
}

// Client implements auth.Source over HTTP.
type Client struct {
	baseURL  string
	http     *http.Client
	profiles *expirable.LRU[string, auth.Profile]
	apps     *expirable.LRU[appKey, int64]
	logger   *slog.Logger
	now      func() time.Time
}

var _ auth.Source = (*Client)(nil)

// New creates a Client.
func New(config Config, logger *slog.Logger) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("profile: URL is required")
	}
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.CacheSize <= 0 {
		config.CacheSize = defaults.CacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed network servers
	}

	return &Client{
		baseURL:  strings.TrimRight(config.URL, "/"),
		http:     &http.Client{Transport: transport, Timeout: config.Timeout},
		profiles: expirable.NewLRU[string, auth.Profile](config.CacheSize, nil, config.CacheTTL),
		apps:     expirable.NewLRU[appKey, int64](config.CacheSize, nil, config.CacheTTL),
		logger:   logger.With("component", "profile"),
		now:      time.Now,
	}, nil
}

// =============================================================================
// Wire format
// =============================================================================

// id accepts both JSON numbers and the quoted 64-bit integers the API emits.
type id int64

func (i *id) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*i = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s: %w", b, err)
	}
	*i = id(n)
	return nil
}

type profileResponse struct {
	User struct {
		IsAdmin bool `json:"isAdmin"`
	} `json:"user"`
	Organizations []struct {
		OrganizationID id   `json:"organizationID"`
		IsAdmin        bool `json:"isAdmin"`
	} `json:"organizations"`
}

type applicationResponse struct {
	OrganizationID id `json:"organizationID"`
}

// =============================================================================
// auth.Source
// =============================================================================

// Profile returns the caller's global admin flag and memberships.
func (c *Client) Profile(ctx context.Context, token string) (auth.Profile, error) {
	if err := c.checkToken(token); err != nil {
		return auth.Profile{}, err
	}
	if p, ok := c.profiles.Get(token); ok {
		return p, nil
	}

	var resp profileResponse
	if err := c.get(ctx, "/internal/profile", token, &resp); err != nil {
		return auth.Profile{}, err
	}

	p := auth.Profile{GlobalAdmin: resp.User.IsAdmin}
	for _, o := range resp.Organizations {
		p.Organizations = append(p.Organizations, auth.Membership{
			OrganizationID: int64(o.OrganizationID),
			Admin:          o.IsAdmin,
		})
	}
	c.profiles.Add(token, p)
	return p, nil
}

// ApplicationOrganization returns the organization owning an application,
// as visible to the caller.
func (c *Client) ApplicationOrganization(ctx context.Context, token string, applicationID int64) (int64, error) {
	if err := c.checkToken(token); err != nil {
		return 0, err
	}
	key := appKey{token: token, id: applicationID}
	if org, ok := c.apps.Get(key); ok {
		return org, nil
	}

	var resp applicationResponse
	if err := c.get(ctx, "/applications/"+strconv.FormatInt(applicationID, 10), token, &resp); err != nil {
		return 0, err
	}
	c.apps.Add(key, int64(resp.OrganizationID))
	return int64(resp.OrganizationID), nil
}

// checkToken rejects tokens that are not JWTs or have expired without a
// round trip. The signature is verified by the application API.
func (c *Client) checkToken(token string) error {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return fmt.Errorf("%w: malformed token", auth.ErrUnauthorized)
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(c.now()) {
		return fmt.Errorf("%w: token expired", auth.ErrUnauthorized)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(AuthorizationHeader, token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: rejected by application API", auth.ErrUnauthorized)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s not accessible", auth.ErrForbidden, path)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("application API error", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
