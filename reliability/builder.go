// Package reliability implements a per-publisher replay cache: it mirrors
// recent publications over a key expression, answers replay queries for
// them over the same fabric, and bounds what it retains with a per-key
// history and an overall limit on distinct keys. Late-joining subscribers
// query the cache to recover publications they missed.
package reliability

import (
	"context"
	"fmt"

	"github.com/meshwire/meshwire/keyexpr"
	"github.com/meshwire/meshwire/mesh"
	log "github.com/sirupsen/logrus"
)

// DefaultHistory bounds the samples retained per stored key unless
// configured otherwise.
const DefaultHistory = 1024

// ConfigError is a cache configuration rejected by CacheBuilder.Build.
type ConfigError struct {
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Reason, e.Cause)
	}
	return e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// CacheBuilder configures and starts a Cache.
type CacheBuilder struct {
	session         mesh.Session
	pubKeyExpr      string
	queryablePrefix string
	hasPrefix       bool
	subOrigin       mesh.Locality
	queryableOrigin mesh.Locality
	history         int
	resourcesLimit  int
}

// NewCacheBuilder returns a builder of a Cache mirroring publications over
// |pubKeyExpr|, which may contain wildcards: the cache captures every
// concrete key matching it.
func NewCacheBuilder(session mesh.Session, pubKeyExpr string) *CacheBuilder {
	return &CacheBuilder{
		session:    session,
		pubKeyExpr: pubKeyExpr,
		history:    DefaultHistory,
	}
}

// QueryablePrefix keys replayed samples under `<prefix>/<publication key>`
// and scopes the cache's queryable under the prefix, so that queries for
// cached replays don't collide with live publications.
func (b *CacheBuilder) QueryablePrefix(prefix string) *CacheBuilder {
	b.queryablePrefix, b.hasPrefix = prefix, true
	return b
}

// SubscriberAllowedOrigin restricts which publication origins are cached.
func (b *CacheBuilder) SubscriberAllowedOrigin(origin mesh.Locality) *CacheBuilder {
	b.subOrigin = origin
	return b
}

// QueryableAllowedOrigin restricts which query origins are answered.
func (b *CacheBuilder) QueryableAllowedOrigin(origin mesh.Locality) *CacheBuilder {
	b.queryableOrigin = origin
	return b
}

// History bounds the number of samples retained per stored key.
func (b *CacheBuilder) History(history int) *CacheBuilder {
	b.history = history
	return b
}

// ResourcesLimit bounds the number of distinct stored keys. Once reached,
// publications of further new keys are dropped (publications of already
// cached keys are unaffected).
func (b *CacheBuilder) ResourcesLimit(limit int) *CacheBuilder {
	b.resourcesLimit = limit
	return b
}

// Build validates the configuration, declares the cache's subscriber and
// queryable on the Session, and starts the cache task. The task serves
// until Close, or until |ctx| is cancelled: cancellation is the cleanup
// path of a Cache which is dropped without Close, and undeclares both
// endpoints as Close would.
func (b *CacheBuilder) Build(ctx context.Context) (*Cache, error) {
	if b.session == nil {
		return nil, &ConfigError{Reason: "a Session is required"}
	} else if b.history <= 0 {
		return nil, &ConfigError{
			Reason: fmt.Sprintf("history must be positive (got %d)", b.history)}
	} else if b.resourcesLimit < 0 {
		return nil, &ConfigError{
			Reason: fmt.Sprintf("resources limit cannot be negative (got %d)", b.resourcesLimit)}
	}

	var pubKeyExpr, err = keyexpr.New(b.pubKeyExpr)
	if err != nil {
		return nil, &ConfigError{Reason: "invalid publication key expression", Cause: err}
	}

	// Resolve the optional prefix, and the queryable's own key expression
	// (`<prefix>/<pubKeyExpr>`, or just |pubKeyExpr| without a prefix).
	var prefix *keyexpr.KeyExpr
	var queryableKeyExpr = pubKeyExpr

	if b.hasPrefix {
		if prefix, err = keyexpr.New(b.queryablePrefix); err != nil {
			return nil, &ConfigError{Reason: "invalid queryable prefix", Cause: err}
		} else if prefix.IsWild() {
			// Stored keys are `prefix/<concrete key>` and must themselves
			// be concrete.
			return nil, &ConfigError{
				Reason: fmt.Sprintf("queryable prefix %s cannot contain wildcards", prefix)}
		}
		if queryableKeyExpr, err = prefix.Join(pubKeyExpr); err != nil {
			return nil, &ConfigError{
				Reason: "queryable prefix doesn't join with the publication key expression",
				Cause:  err,
			}
		}
	}

	log.WithFields(log.Fields{
		"keyExpr":          pubKeyExpr.String(),
		"queryableKeyExpr": queryableKeyExpr.String(),
		"history":          b.history,
		"resourcesLimit":   b.resourcesLimit,
	}).Debug("building reliability cache")

	sub, err := b.session.DeclareSubscriber(pubKeyExpr, b.subOrigin)
	if err != nil {
		return nil, fmt.Errorf("declaring cache subscriber on %s: %w", pubKeyExpr, err)
	}
	queryable, err := b.session.DeclareQueryable(queryableKeyExpr, b.queryableOrigin)
	if err != nil {
		if uerr := sub.Undeclare(ctx); uerr != nil {
			log.WithField("err", uerr).Warn("failed to undeclare cache subscriber")
		}
		return nil, fmt.Errorf("declaring cache queryable on %s: %w", queryableKeyExpr, err)
	}

	var cache = &Cache{
		prefix:    prefix,
		sub:       sub,
		queryable: queryable,
		store:     newStore(pubKeyExpr, b.history, b.resourcesLimit),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go cache.serve(ctx)

	return cache, nil
}
