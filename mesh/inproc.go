package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshwire/meshwire/keyexpr"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/message"
)

// subscriberChannelCap bounds each subscriber's delivery channel.
// A subscriber which falls further behind than this drops samples.
const subscriberChannelCap = 256

// queryableChannelCap bounds each queryable's delivery channel.
const queryableChannelCap = 64

// ErrQueryComplete is returned by Reply once a query has completed and
// can accept no further replies.
var ErrQueryComplete = errors.New("query already completed")

// Mesh is an in-process pub/sub fabric. Samples published by any member
// session are routed to every intersecting subscriber, and queries fan out
// to every intersecting queryable. It stands in for a networked fabric in
// tests, examples, and single-process deployments.
type Mesh struct {
	mu         sync.RWMutex
	clock      message.Clock
	subs       map[*subscriber]struct{}
	queryables map[*queryable]struct{}
}

// New returns an empty Mesh.
func New() *Mesh {
	return &Mesh{
		subs:       make(map[*subscriber]struct{}),
		queryables: make(map[*queryable]struct{}),
	}
}

// Member is one session of an in-process Mesh.
type Member struct {
	id   uuid.UUID
	mesh *Mesh
}

var _ Session = &Member{}

// Join creates a new session of this Mesh.
func (m *Mesh) Join() *Member {
	return &Member{id: uuid.New(), mesh: m}
}

// ID is the unique identity of this session, used for Locality filtering.
func (p *Member) ID() uuid.UUID { return p.id }

// DeclareSubscriber declares a subscription over |key|, admitting samples
// published from the given origin.
func (p *Member) DeclareSubscriber(key *keyexpr.KeyExpr, origin Locality) (Subscriber, error) {
	if key == nil {
		return nil, fmt.Errorf("subscriber key expression is required")
	}
	var sub = &subscriber{
		mesh:  p.mesh,
		owner: p.id,
		key:   key,
		orig:  origin,
		ch:    make(chan Sample, subscriberChannelCap),
	}
	p.mesh.mu.Lock()
	p.mesh.subs[sub] = struct{}{}
	p.mesh.mu.Unlock()
	return sub, nil
}

// DeclareQueryable declares a query endpoint over |key|, admitting queries
// issued from the given origin.
func (p *Member) DeclareQueryable(key *keyexpr.KeyExpr, origin Locality) (Queryable, error) {
	if key == nil {
		return nil, fmt.Errorf("queryable key expression is required")
	}
	var qa = &queryable{
		mesh:  p.mesh,
		owner: p.id,
		key:   key,
		orig:  origin,
		ch:    make(chan Query, queryableChannelCap),
	}
	p.mesh.mu.Lock()
	p.mesh.queryables[qa] = struct{}{}
	p.mesh.mu.Unlock()
	return qa, nil
}

// Put publishes |payload| under the concrete key |key|.
func (p *Member) Put(key *keyexpr.KeyExpr, payload []byte) error {
	return p.publish(key, payload, Put)
}

// Delete publishes a retraction of the concrete key |key|.
func (p *Member) Delete(key *keyexpr.KeyExpr) error {
	return p.publish(key, nil, Delete)
}

func (p *Member) publish(key *keyexpr.KeyExpr, payload []byte, kind SampleKind) error {
	if key == nil {
		return fmt.Errorf("publication key expression is required")
	} else if key.IsWild() {
		return fmt.Errorf("cannot publish under wildcard key expression %s", key)
	}
	var m = p.mesh

	// Publications are serialized by the mesh lock: the clock stamp order
	// is also the delivery order into every subscriber channel.
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock.Update(time.Now())
	m.clock.Tick()
	var sample = Sample{
		Key:     key,
		Payload: payload,
		Kind:    kind,
		Clock:   m.clock,
	}

	for sub := range m.subs {
		if !admits(sub.orig, sub.owner, p.id) || !sub.key.Intersects(key) {
			continue
		}
		select {
		case sub.ch <- sample:
		default:
			log.WithFields(log.Fields{
				"keyExpr":    key.String(),
				"subscriber": sub.key.String(),
			}).Warn("subscriber channel is full, dropping sample")
		}
	}
	return nil
}

// Get queries the mesh with |sel|, returning a channel of replies.
// The channel is closed when |ctx| ends, which completes the query.
func (p *Member) Get(ctx context.Context, sel Selector) <-chan Sample {
	var q = &query{
		sel:     sel,
		ctx:     ctx,
		replies: make(chan Sample, queryableChannelCap),
	}
	var m = p.mesh

	m.mu.RLock()
	var targets []*queryable
	for qa := range m.queryables {
		if admits(qa.orig, qa.owner, p.id) && qa.key.Intersects(sel.Key) {
			targets = append(targets, qa)
		}
	}
	m.mu.RUnlock()

	for _, qa := range targets {
		go func(qa *queryable) {
			select {
			case qa.ch <- q:
			case <-ctx.Done():
			}
		}(qa)
	}

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.done = true
		q.mu.Unlock()
		close(q.replies)
	}()
	return q.replies
}

// admits applies a Locality filter of |owner| against origin |from|.
func admits(l Locality, owner, from uuid.UUID) bool {
	switch l {
	case SessionLocal:
		return owner == from
	case Remote:
		return owner != from
	default:
		return true
	}
}

type subscriber struct {
	mesh  *Mesh
	owner uuid.UUID
	key   *keyexpr.KeyExpr
	orig  Locality
	ch    chan Sample
}

func (s *subscriber) Receiver() <-chan Sample { return s.ch }

// Undeclare removes the subscription. The receiver channel is left open but
// no further samples are delivered to it.
func (s *subscriber) Undeclare(context.Context) error {
	s.mesh.mu.Lock()
	defer s.mesh.mu.Unlock()

	if _, ok := s.mesh.subs[s]; !ok {
		return fmt.Errorf("subscriber %s is already undeclared", s.key)
	}
	delete(s.mesh.subs, s)
	return nil
}

type queryable struct {
	mesh  *Mesh
	owner uuid.UUID
	key   *keyexpr.KeyExpr
	orig  Locality
	ch    chan Query
}

func (q *queryable) Receiver() <-chan Query { return q.ch }

// Undeclare removes the endpoint. The receiver channel is left open but
// no further queries are delivered to it.
func (q *queryable) Undeclare(context.Context) error {
	q.mesh.mu.Lock()
	defer q.mesh.mu.Unlock()

	if _, ok := q.mesh.queryables[q]; !ok {
		return fmt.Errorf("queryable %s is already undeclared", q.key)
	}
	delete(q.mesh.queryables, q)
	return nil
}

// query is a Get in flight. Replies flow to the caller until the query
// context ends, at which point further replies fail with ErrQueryComplete.
type query struct {
	sel     Selector
	ctx     context.Context
	replies chan Sample

	mu   sync.Mutex
	done bool
}

func (q *query) Selector() Selector { return q.sel }

func (q *query) Reply(ctx context.Context, sample Sample) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done {
		return ErrQueryComplete
	}
	select {
	case q.replies <- sample:
		return nil
	case <-q.ctx.Done():
		return ErrQueryComplete
	case <-ctx.Done():
		return ctx.Err()
	}
}
