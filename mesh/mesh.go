// Package mesh defines the pub/sub fabric surface consumed by middleware
// components: samples, queries, selectors, and the Session capabilities for
// declaring subscribers and queryables. It also provides an in-process Mesh
// implementation which routes between sessions of one process.
package mesh

import (
	"context"
	"strings"

	"github.com/meshwire/meshwire/keyexpr"
	"go.gazette.dev/core/message"
)

// SampleKind is the kind of a published Sample.
type SampleKind int

const (
	// Put publishes a new value of the sample's key.
	Put SampleKind = iota
	// Delete retracts the sample's key.
	Delete
)

func (k SampleKind) String() string {
	if k == Delete {
		return "delete"
	}
	return "put"
}

// Locality filters the admitted origins of samples or queries.
type Locality int

const (
	// Any admits every origin.
	Any Locality = iota
	// SessionLocal admits only origins of the declaring session.
	SessionLocal
	// Remote admits only origins of other sessions.
	Remote
)

func (l Locality) String() string {
	switch l {
	case SessionLocal:
		return "session-local"
	case Remote:
		return "remote"
	default:
		return "any"
	}
}

// Sample is a single published value: a concrete key, its payload, the
// publication kind, and the mesh clock at which it was published
// (zero if the publisher didn't stamp one).
type Sample struct {
	Key     *keyexpr.KeyExpr
	Payload []byte
	Kind    SampleKind
	Clock   message.Clock
}

// Clone returns a deep copy of the Sample which doesn't alias its payload.
func (s Sample) Clone() Sample {
	var out = s
	if s.Payload != nil {
		out.Payload = append([]byte(nil), s.Payload...)
	}
	return out
}

// Selector addresses a query: a key expression, plus free-form parameters
// which components may interpret (and which the cache ignores).
type Selector struct {
	Key        *keyexpr.KeyExpr
	Parameters string
}

// ParseSelector parses `<key-expr>[?<parameters>]`.
func ParseSelector(s string) (Selector, error) {
	var params string
	if i := strings.IndexByte(s, '?'); i != -1 {
		s, params = s[:i], s[i+1:]
	}
	var key, err = keyexpr.New(s)
	if err != nil {
		return Selector{}, err
	}
	return Selector{Key: key, Parameters: params}, nil
}

func (s Selector) String() string {
	if s.Parameters == "" {
		return s.Key.String()
	}
	return s.Key.String() + "?" + s.Parameters
}

// Query is a received query to be answered with zero or more replies.
// Reply returns an error if this particular reply could not be delivered,
// for example because the query already completed. Reply errors don't
// invalidate the Query: further replies may still be attempted.
type Query interface {
	Selector() Selector
	Reply(ctx context.Context, sample Sample) error
}

// Subscriber is a declared subscription. Samples matching its key expression
// are delivered to Receiver until the subscription is undeclared.
type Subscriber interface {
	Receiver() <-chan Sample
	Undeclare(ctx context.Context) error
}

// Queryable is a declared query endpoint. Queries intersecting its key
// expression are delivered to Receiver until the endpoint is undeclared.
type Queryable interface {
	Receiver() <-chan Query
	Undeclare(ctx context.Context) error
}

// Session is the capability surface which middleware components consume.
// The Session must out-live every component built on top of it.
type Session interface {
	DeclareSubscriber(key *keyexpr.KeyExpr, origin Locality) (Subscriber, error)
	DeclareQueryable(key *keyexpr.KeyExpr, origin Locality) (Queryable, error)
}
