// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tokencache holds one fresh upstream bearer token per connection.
// Tokens are acquired with the OAuth2 client-credentials grant, reused until
// shortly before expiry and dropped on upstream 401. The cache is per-process;
// a restart simply refetches.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// Error codes returned by this package.
const (
	CodeFetchFailed = "TOKEN_FETCH_FAILED"
	CodeMalformed   = "TOKEN_MALFORMED"
)

const (
	// refreshSkew refetches a token this close to its expiry so in-flight
	// requests never carry a bearer about to lapse.
	refreshSkew = 120 * time.Second
	// fetchTimeout bounds one token-endpoint round-trip.
	fetchTimeout = 10 * time.Second
	// defaultLifetime applies when the token endpoint omits expires_in.
	defaultLifetime = 3600 * time.Second
)

// Error reports a failed token acquisition. UpstreamStatus carries the token
// endpoint's HTTP status when one was received.
type Error struct {
	Code           string
	Message        string
	UpstreamStatus int
}

func (e *Error) Error() string { return e.Message }

// Credentials is what the cache needs to talk to one token endpoint. The
// client secret arrives already decrypted; it is never retained beyond the
// fetch and never logged.
type Credentials struct {
	ConnectionID string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Source resolves a connection id to its upstream credentials. The gateway
// wires this to the store plus the vault; tests hand in a map.
type Source interface {
	UpstreamCredentials(ctx context.Context, connectionID string) (Credentials, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, connectionID string) (Credentials, error)

// UpstreamCredentials implements Source.
func (f SourceFunc) UpstreamCredentials(ctx context.Context, connectionID string) (Credentials, error) {
	return f(ctx, connectionID)
}

type entry struct {
	accessToken string
	expiry      time.Time
}

// Cache maps connection ids to live bearer tokens.
type Cache struct {
	source Source
	client *http.Client
	now    func() time.Time

	// OnLookup, when non-nil, observes every Token call: true for a cache
	// hit, false when a fetch was needed. Set before first use.
	OnLookup func(hit bool)

	mu     sync.RWMutex
	tokens map[string]entry
	// flight coalesces concurrent fetches for the same connection so a cold
	// or expiring entry costs exactly one upstream POST however many callers
	// arrive at once.
	flight singleflight.Group
}

// New builds a Cache fetching through client (nil for a default client with
// the standard 10s token-endpoint timeout).
func New(source Source, client *http.Client) *Cache {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Cache{
		source: source,
		client: client,
		now:    time.Now,
		tokens: make(map[string]entry),
	}
}

// Token returns a bearer for the connection, fetching one when the cache is
// cold or the cached token is within the refresh skew of expiring.
func (c *Cache) Token(ctx context.Context, connectionID string) (string, error) {
	if tok, ok := c.fresh(connectionID); ok {
		c.observe(true)
		return tok, nil
	}
	c.observe(false)
	// The flight outlives the winning caller: its result is shared, so a
	// canceled winner must not fail coalesced callers whose contexts are
	// still live. The client timeout keeps the detached fetch bounded.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := c.flight.Do(connectionID, func() (any, error) {
		// A caller that queued behind the fetch holding the same key would
		// otherwise refetch a token stored moments ago.
		if tok, ok := c.fresh(connectionID); ok {
			return tok, nil
		}
		return c.fetch(fetchCtx, connectionID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the connection's entry. The proxy calls this when the
// upstream answers 401, forcing the retry to run with a fresh token.
func (c *Cache) Invalidate(connectionID string) {
	c.mu.Lock()
	delete(c.tokens, connectionID)
	c.mu.Unlock()
}

func (c *Cache) observe(hit bool) {
	if c.OnLookup != nil {
		c.OnLookup(hit)
	}
}

// Len reports how many connections currently hold a cached token.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokens)
}

func (c *Cache) fresh(connectionID string) (string, bool) {
	c.mu.RLock()
	e, ok := c.tokens[connectionID]
	c.mu.RUnlock()
	if !ok || !c.now().Add(refreshSkew).Before(e.expiry) {
		return "", false
	}
	return e.accessToken, true
}

// fetch performs one client-credentials exchange and stores the result.
func (c *Cache) fetch(ctx context.Context, connectionID string) (string, error) {
	creds, err := c.source.UpstreamCredentials(ctx, connectionID)
	if err != nil {
		return "", fmt.Errorf("resolve credentials for connection %s: %w", connectionID, err)
	}
	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	// The oauth2 transport picks its HTTP client out of the context.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", classifyFetchError(err)
	}
	if tok.AccessToken == "" {
		return "", &Error{Code: CodeMalformed, Message: "token endpoint response carried no access_token"}
	}
	expiry := tok.Expiry
	if tok.ExpiresIn > 0 {
		expiry = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	} else if expiry.IsZero() {
		expiry = c.now().Add(defaultLifetime)
	}

	c.mu.Lock()
	c.tokens[connectionID] = entry{accessToken: tok.AccessToken, expiry: expiry}
	c.mu.Unlock()
	return tok.AccessToken, nil
}

// classifyFetchError splits token-endpoint failures into the two stable
// codes: the endpoint answered badly (status attached) versus the answer
// could not be used. Messages never include credentials.
func classifyFetchError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return &Error{
			Code:           CodeFetchFailed,
			Message:        fmt.Sprintf("token endpoint returned status %d", status),
			UpstreamStatus: status,
		}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if uerr.Timeout() {
			return &Error{Code: CodeFetchFailed, Message: "token endpoint timed out"}
		}
		return &Error{Code: CodeFetchFailed, Message: "token endpoint unreachable"}
	}
	return &Error{Code: CodeMalformed, Message: "token endpoint response was not a valid token"}
}
