package reliability

import (
	"github.com/meshwire/meshwire/keyexpr"
	"github.com/meshwire/meshwire/mesh"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// store maps stored key expressions to bounded FIFOs of their recent
// samples. It's owned exclusively by the cache task: no lock is taken,
// because no other goroutine ever touches it.
type store struct {
	pub     *keyexpr.KeyExpr
	history int
	limit   int // Zero means unbounded.
	entries map[string]*entry

	cached, evicted, refused prometheus.Counter
}

func newStore(pub *keyexpr.KeyExpr, history, limit int) *store {
	return &store{
		pub:     pub,
		history: history,
		limit:   limit,
		entries: make(map[string]*entry),
		cached:  cachedSamplesTotal.WithLabelValues(pub.String()),
		evicted: evictedSamplesTotal.WithLabelValues(pub.String()),
		refused: refusedSamplesTotal.WithLabelValues(pub.String()),
	}
}

// insert appends |sample| to the entry of |key|, evicting the oldest sample
// of a full entry. An insert which would require a new entry beyond the
// resources limit is refused: the sample is dropped with an error log and
// the store is unchanged. Inserts into existing entries always succeed.
func (s *store) insert(key *keyexpr.KeyExpr, sample mesh.Sample) {
	if key.IsWild() {
		// Unreachable while publication keys and the queryable prefix are
		// concrete and valid.
		log.WithField("storedKey", key.String()).
			Warn("refusing to cache sample under a wildcard key")
		return
	}

	if e, ok := s.entries[key.String()]; ok {
		if e.push(sample) {
			s.evicted.Inc()
		}
		s.cached.Inc()
		return
	}

	if s.limit != 0 && len(s.entries) >= s.limit {
		s.refused.Inc()
		log.WithFields(log.Fields{
			"keyExpr":        s.pub.String(),
			"storedKey":      key.String(),
			"resourcesLimit": s.limit,
		}).Error("resources limit reached, cannot cache publication of a new key")
		return
	}

	var e = newEntry(key, s.history)
	e.push(sample)
	s.entries[key.String()] = e
	s.cached.Inc()
}

// lookupExact returns the entry of the concrete key |key|, or nil.
func (s *store) lookupExact(key *keyexpr.KeyExpr) *entry {
	return s.entries[key.String()]
}

// scanIntersecting invokes |fn| over every entry whose stored key
// intersects |sel|, in unspecified key order.
func (s *store) scanIntersecting(sel *keyexpr.KeyExpr, fn func(*entry)) {
	for _, e := range s.entries {
		if sel.Intersects(e.key) {
			fn(e)
		}
	}
}

// entry is a bounded FIFO over the most recent samples of one stored key,
// kept as a fixed-capacity ring.
type entry struct {
	key     *keyexpr.KeyExpr
	buf     []mesh.Sample
	head, n int
}

func newEntry(key *keyexpr.KeyExpr, history int) *entry {
	return &entry{key: key, buf: make([]mesh.Sample, history)}
}

// push appends |sample|, evicting the oldest retained sample when full,
// and returns whether an eviction occurred.
func (e *entry) push(sample mesh.Sample) bool {
	if e.n == len(e.buf) {
		e.buf[e.head] = sample
		e.head = (e.head + 1) % len(e.buf)
		return true
	}
	e.buf[(e.head+e.n)%len(e.buf)] = sample
	e.n++
	return false
}

// each invokes |fn| over retained samples in insertion order.
func (e *entry) each(fn func(mesh.Sample)) {
	for i := 0; i != e.n; i++ {
		fn(e.buf[(e.head+i)%len(e.buf)])
	}
}
