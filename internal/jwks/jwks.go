// Package jwks resolves identity-provider signing keys by key id. Keys are
// fetched lazily from a published key-set endpoint and cached with a bounded
// TTL and a bounded number of entries.
package jwks

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrMissingKeyID indicates the token header carried no key id. This is a
// header defect, distinct from a key id that is simply unknown.
var ErrMissingKeyID = errors.New("jwks: missing key id")

// ErrKeyNotFound indicates the key id was not present in the fetched key set.
var ErrKeyNotFound = errors.New("jwks: key id not present in key set")

// FetchError indicates the key-set endpoint was unreachable, timed out, or
// returned a non-2xx response. Status is zero when no response was received.
type FetchError struct {
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("jwks: key set fetch failed with status %d", e.Status)
	}
	return fmt.Sprintf("jwks: key set fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Resolver returns the public key for a key id. Implemented by Client
// (network key sets) and FileSource (local key files).
type Resolver interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

const maxKeySetBytes = 1 << 20

// Config controls key-set fetching and caching.
type Config struct {
	// URL of the published key set.
	URL string
	// HTTPClient used for fetches. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Headers are added to every fetch (e.g. a provider api key).
	Headers http.Header
	// TTL bounds how long a cached key is served before a refetch.
	// Defaults to 10 minutes.
	TTL time.Duration
	// MaxEntries bounds the cache size; the oldest entry is evicted first.
	// Defaults to 5.
	MaxEntries int
	// MissBackoff is the window during which a failed resolution for a key id
	// is answered from memory instead of hitting the endpoint again.
	// Defaults to 30 seconds.
	MissBackoff time.Duration
	// FetchTimeout bounds a single key-set fetch. Defaults to 5 seconds.
	FetchTimeout time.Duration
}

type cacheEntry struct {
	key       crypto.PublicKey
	fetchedAt time.Time
}

type missEntry struct {
	err error
	at  time.Time
}

// Client fetches and caches signing keys from a key-set endpoint. It is safe
// for concurrent use. Concurrent misses for the same key id may both fetch;
// the writes converge to the same value.
type Client struct {
	url          string
	hc           *http.Client
	headers      http.Header
	ttl          time.Duration
	maxEntries   int
	missBackoff  time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	keys   map[string]cacheEntry
	order  []string // insertion order, oldest first
	misses map[string]missEntry
}

// New builds a Client from cfg. The URL is required.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("jwks: key set url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 5
	}
	if cfg.MissBackoff <= 0 {
		cfg.MissBackoff = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &Client{
		url:          cfg.URL,
		hc:           cfg.HTTPClient,
		headers:      cfg.Headers,
		ttl:          cfg.TTL,
		maxEntries:   cfg.MaxEntries,
		missBackoff:  cfg.MissBackoff,
		fetchTimeout: cfg.FetchTimeout,
		now:          time.Now,
		keys:         make(map[string]cacheEntry),
		misses:       make(map[string]missEntry),
	}, nil
}

// Key returns the public key for kid, fetching the key set at most once per
// call. A resolution failure is remembered for the miss-backoff window so a
// provider outage is not amplified by repeated fetches.
func (c *Client) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if kid == "" {
		return nil, ErrMissingKeyID
	}

	c.mu.Lock()
	if e, ok := c.keys[kid]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.key, nil
	}
	if m, ok := c.misses[kid]; ok && c.now().Sub(m.at) < c.missBackoff {
		c.mu.Unlock()
		return nil, m.err
	}
	c.mu.Unlock()

	set, err := c.fetch(ctx)
	if err != nil {
		c.rememberMiss(kid, err)
		return nil, err
	}

	key := c.store(kid, set)
	if key == nil {
		err := fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
		c.rememberMiss(kid, err)
		return nil, err
	}
	return key, nil
}

// Check probes the key-set endpoint once and reports the HTTP status. It is
// intended as a startup diagnostic, not a per-request gate.
func (c *Client) Check(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return 0, err
	}
	c.applyHeaders(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxKeySetBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("jwks: key set endpoint returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}

func (c *Client) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	c.applyHeaders(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeySetBytes)).Decode(&set); err != nil {
		return nil, &FetchError{Err: fmt.Errorf("decode key set: %w", err)}
	}
	return &set, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// store caches every usable public key from the set and returns the one
// matching kid, or nil if the set does not contain it.
func (c *Client) store(kid string, set *jose.JSONWebKeySet) crypto.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var match crypto.PublicKey
	for _, k := range set.Keys {
		if k.KeyID == "" || !k.Valid() || !k.IsPublic() {
			continue
		}
		if k.KeyID == kid {
			match = k.Key
		}
		if _, exists := c.keys[k.KeyID]; !exists {
			c.order = append(c.order, k.KeyID)
		}
		c.keys[k.KeyID] = cacheEntry{key: k.Key, fetchedAt: now}
		delete(c.misses, k.KeyID)
	}

	// Oldest-first eviction once the bound is exceeded.
	for len(c.order) > c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.keys, oldest)
	}

	return match
}

func (c *Client) rememberMiss(kid string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses[kid] = missEntry{err: err, at: c.now()}
}
