package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
	"github.com/choregarden/choregarden-core/pkg/metrics"
)

const (
	// DefaultFetchTimeout bounds one key set request.
	DefaultFetchTimeout = 5 * time.Second

	// DefaultRefreshCooldown is the minimum spacing between forced
	// refreshes of one issuer's key set.
	DefaultRefreshCooldown = time.Minute

	// maxKeySetSize caps the key set response body.
	maxKeySetSize = 1 << 20
)

// Key set sources recorded by [metrics.Metrics.KeySetFetch].
const (
	sourceRemote = "remote"
	sourceStore  = "store"
)

// HTTPClient abstracts the client used to fetch key sets. [http.Client]
// satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ---------------------------------------------------------------------------
// KeySet
// ---------------------------------------------------------------------------

// KeySet is one issuer's published RSA signing keys, addressable by kid.
// A KeySet is immutable once parsed.
type KeySet struct {
	keys      map[string]*rsa.PublicKey
	raw       []byte
	fetchedAt time.Time
}

// ParseKeySet parses a JWKS document. Keys that are not RSA, are marked for
// a use other than "sig", declare an algorithm other than RS256, or have no
// kid are skipped.
func ParseKeySet(doc []byte) (*KeySet, error) {
	set, err := jwk.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to parse key set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid, ok := key.KeyID()
		if !ok || kid == "" {
			continue
		}
		if use, ok := key.KeyUsage(); ok && use != "sig" {
			continue
		}
		if alg, ok := key.Algorithm(); ok && alg.String() != "RS256" {
			continue
		}

		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			continue
		}
		pub, ok := raw.(*rsa.PublicKey)
		if !ok {
			continue
		}
		keys[kid] = pub
	}

	return &KeySet{keys: keys, raw: doc, fetchedAt: time.Now()}, nil
}

// Key returns the public key published under kid.
func (s *KeySet) Key(kid string) (*rsa.PublicKey, bool) {
	if s == nil {
		return nil, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// Len reports the number of usable keys.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// FetchedAt reports when the set was loaded.
func (s *KeySet) FetchedAt() time.Time { return s.fetchedAt }

// ---------------------------------------------------------------------------
// KeyCache
// ---------------------------------------------------------------------------

// KeyCache holds parsed key sets per issuer for the process lifetime.
// Readers never wait on a fetch: sets are fetched outside the lock and
// swapped in whole.
type KeyCache struct {
	mu   sync.RWMutex
	sets map[string]*KeySet
}

// NewKeyCache returns an empty cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{sets: make(map[string]*KeySet)}
}

// Get returns the cached set for cacheKey.
func (c *KeyCache) Get(cacheKey string) (*KeySet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sets[cacheKey]
	return s, ok
}

// Put replaces the cached set for cacheKey. Tests use it to pre-seed keys.
func (c *KeyCache) Put(cacheKey string, set *KeySet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[cacheKey] = set
}

// Len reports the number of cached issuers.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sets)
}

// ---------------------------------------------------------------------------
// KeySetStore
// ---------------------------------------------------------------------------

// KeySetStore shares raw key set documents between processes so a cold
// instance can skip the remote fetch. Load returns (nil, nil) when nothing
// is stored.
type KeySetStore interface {
	Load(ctx context.Context, cacheKey string) ([]byte, error)
	Save(ctx context.Context, cacheKey string, doc []byte) error
}

// ---------------------------------------------------------------------------
// KeyResolver
// ---------------------------------------------------------------------------

// KeyResolver resolves signing keys by issuer and kid. Key sets are loaded
// lazily per issuer, once, with concurrent loads collapsed into one. An
// unknown kid triggers at most one forced refresh per issuer per cooldown
// window; the lookup then fails closed with [cgerr.CodeKeyNotFound].
//
// KeyResolver is safe for concurrent use.
type KeyResolver struct {
	cache        *KeyCache
	client       HTTPClient
	store        KeySetStore
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	fetchTimeout time.Duration
	cooldown     time.Duration

	group singleflight.Group

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// ResolverOption configures a [KeyResolver].
type ResolverOption func(*KeyResolver)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c HTTPClient) ResolverOption {
	return func(r *KeyResolver) {
		if c != nil {
			r.client = c
		}
	}
}

// WithKeySetStore consults store on cold start and writes fresh remote
// fetches back to it.
func WithKeySetStore(store KeySetStore) ResolverOption {
	return func(r *KeyResolver) { r.store = store }
}

// WithFetchTimeout bounds each remote fetch. Non-positive values keep the
// default.
func WithFetchTimeout(d time.Duration) ResolverOption {
	return func(r *KeyResolver) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithRefreshCooldown sets the minimum spacing between forced refreshes.
// Zero disables the cooldown.
func WithRefreshCooldown(d time.Duration) ResolverOption {
	return func(r *KeyResolver) {
		if d >= 0 {
			r.cooldown = d
		}
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *KeyResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithResolverMetrics records key set loads on m.
func WithResolverMetrics(m *metrics.Metrics) ResolverOption {
	return func(r *KeyResolver) { r.metrics = m }
}

// NewKeyResolver returns a resolver over cache. A nil cache gets a fresh
// one.
func NewKeyResolver(cache *KeyCache, opts ...ResolverOption) *KeyResolver {
	if cache == nil {
		cache = NewKeyCache()
	}
	r := &KeyResolver{
		cache:        cache,
		client:       &http.Client{},
		logger:       slog.Default(),
		tracer:       otel.Tracer(tracerName),
		fetchTimeout: DefaultFetchTimeout,
		cooldown:     DefaultRefreshCooldown,
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cache returns the resolver's cache.
func (r *KeyResolver) Cache() *KeyCache { return r.cache }

// SigningKey returns the public key published by issuer under kid.
//
// Error codes returned:
//   - [cgerr.CodeKeyNotFound]: kid is not in the issuer's key set
//   - [cgerr.CodeAuthServiceUnavailable]: the key set could not be fetched
func (r *KeyResolver) SigningKey(ctx context.Context, issuer IssuerConfig, kid string) (*rsa.PublicKey, error) {
	ctx, span := startSpan(ctx, r.tracer, "auth.SigningKey")
	defer span.End()
	span.SetAttributes(attribute.String("auth.kid", kid))

	if kid == "" {
		err := cgerr.New(cgerr.CodeKeyNotFound, "auth: token header has no kid")
		finishSpan(span, err)
		return nil, err
	}

	cacheKey := issuer.CacheKey()
	set, cached := r.cache.Get(cacheKey)
	fresh := false
	if !cached {
		var err error
		set, fresh, err = r.load(ctx, issuer, false)
		if err != nil {
			finishSpan(span, err)
			return nil, err
		}
	}

	if key, ok := set.Key(kid); ok {
		return key, nil
	}

	if !fresh && r.allowRefresh(cacheKey) {
		span.SetAttributes(attribute.Bool("auth.refreshed", true))
		r.logger.InfoContext(ctx, "unknown signing key, refreshing key set",
			"kid", kid, "issuer", cacheKey)
		refreshed, _, err := r.load(ctx, issuer, true)
		if err != nil {
			finishSpan(span, err)
			return nil, err
		}
		if key, ok := refreshed.Key(kid); ok {
			return key, nil
		}
	}

	err := cgerr.Newf(cgerr.CodeKeyNotFound, "auth: key %q not found in key set", kid)
	finishSpan(span, err)
	return nil, err
}

type loadResult struct {
	set   *KeySet
	fresh bool
}

// load fills the cache for issuer. Concurrent calls for one issuer share a
// single load. fresh reports whether the set came from the provider rather
// than the store.
func (r *KeyResolver) load(ctx context.Context, issuer IssuerConfig, force bool) (*KeySet, bool, error) {
	cacheKey := issuer.CacheKey()
	flightKey := cacheKey
	if force {
		flightKey += "#refresh"
	}

	v, err, _ := r.group.Do(flightKey, func() (any, error) {
		if !force && r.store != nil {
			if set := r.loadFromStore(ctx, cacheKey); set != nil {
				r.cache.Put(cacheKey, set)
				return loadResult{set: set}, nil
			}
		}

		set, err := r.fetch(ctx, issuer)
		r.metrics.KeySetFetch(sourceRemote, err)
		if err != nil {
			return nil, err
		}
		r.cache.Put(cacheKey, set)

		if r.store != nil {
			if err := r.store.Save(context.WithoutCancel(ctx), cacheKey, set.raw); err != nil {
				r.logger.WarnContext(ctx, "failed to save key set to store",
					"issuer", cacheKey, "error", err)
			}
		}
		return loadResult{set: set, fresh: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(loadResult)
	return res.set, res.fresh, nil
}

func (r *KeyResolver) loadFromStore(ctx context.Context, cacheKey string) *KeySet {
	doc, err := r.store.Load(ctx, cacheKey)
	if err != nil {
		r.metrics.KeySetFetch(sourceStore, err)
		r.logger.WarnContext(ctx, "failed to load key set from store",
			"issuer", cacheKey, "error", err)
		return nil
	}
	if doc == nil {
		return nil
	}
	set, err := ParseKeySet(doc)
	r.metrics.KeySetFetch(sourceStore, err)
	if err != nil {
		r.logger.WarnContext(ctx, "discarding unparseable stored key set",
			"issuer", cacheKey, "error", err)
		return nil
	}
	return set
}

// fetch downloads and parses the issuer's key set. The fetch runs under its
// own timeout and is not cancelled when the triggering request goes away,
// since other requests may be waiting on the same flight.
func (r *KeyResolver) fetch(ctx context.Context, issuer IssuerConfig) (*KeySet, error) {
	ctx, span := startSpan(ctx, r.tracer, "auth.FetchKeySet")
	defer span.End()

	url := issuer.JWKSURL()
	span.SetAttributes(attribute.String("http.url", url))

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		wrapped := cgerr.Wrap(err, cgerr.CodeAuthServiceUnavailable, "auth: failed to build key set request")
		finishSpan(span, wrapped)
		return nil, wrapped
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		wrapped := cgerr.Wrap(err, cgerr.CodeAuthServiceUnavailable, "auth: key set request failed")
		finishSpan(span, wrapped)
		return nil, wrapped
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		err := cgerr.Newf(cgerr.CodeAuthServiceUnavailable,
			"auth: key set endpoint returned status %d", resp.StatusCode)
		finishSpan(span, err)
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize))
	if err != nil {
		wrapped := cgerr.Wrap(err, cgerr.CodeAuthServiceUnavailable, "auth: failed to read key set")
		finishSpan(span, wrapped)
		return nil, wrapped
	}

	set, err := ParseKeySet(body)
	if err != nil {
		wrapped := cgerr.Wrap(err, cgerr.CodeAuthServiceUnavailable, "auth: key set endpoint returned an invalid document")
		finishSpan(span, wrapped)
		return nil, wrapped
	}
	span.SetAttributes(attribute.Int("auth.key_count", set.Len()))
	return set, nil
}

func (r *KeyResolver) allowRefresh(cacheKey string) bool {
	if r.cooldown == 0 {
		return true
	}
	r.limitersMu.Lock()
	lim, ok := r.limiters[cacheKey]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.cooldown), 1)
		r.limiters[cacheKey] = lim
	}
	r.limitersMu.Unlock()
	return lim.Allow()
}
