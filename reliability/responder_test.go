package reliability

import (
	"context"
	"errors"
	"testing"

	"github.com/meshwire/meshwire/keyexpr"
	"github.com/meshwire/meshwire/mesh"
	"github.com/stretchr/testify/require"
)

// stubStore is a storeView over a fixed set of entries.
type stubStore struct {
	entries []*entry
}

func (s *stubStore) lookupExact(key *keyexpr.KeyExpr) *entry {
	for _, e := range s.entries {
		if e.key.Equal(key) {
			return e
		}
	}
	return nil
}

func (s *stubStore) scanIntersecting(sel *keyexpr.KeyExpr, fn func(*entry)) {
	for _, e := range s.entries {
		if sel.Intersects(e.key) {
			fn(e)
		}
	}
}

// stubQuery records replies, optionally failing one of them.
type stubQuery struct {
	sel     mesh.Selector
	calls   int
	failAt  int // 1-indexed Reply call which fails; 0 to never fail.
	replies []mesh.Sample
}

func (q *stubQuery) Selector() mesh.Selector { return q.sel }

func (q *stubQuery) Reply(_ context.Context, s mesh.Sample) error {
	q.calls++
	if q.calls == q.failAt {
		return errors.New("reply send failed")
	}
	q.replies = append(q.replies, s)
	return nil
}

func stubEntry(key string, payloads ...string) *entry {
	var e = newEntry(keyexpr.MustNew(key), len(payloads)+1)
	for _, p := range payloads {
		e.push(sampleOf(key, p))
	}
	return e
}

func payloadsOf(samples []mesh.Sample) (out []string) {
	for _, s := range samples {
		out = append(out, string(s.Payload))
	}
	return
}

func TestExactSelectorResponse(t *testing.T) {
	var view = &stubStore{entries: []*entry{
		stubEntry("a/x", "1", "3"),
		stubEntry("a/y", "2"),
	}}

	var q = &stubQuery{sel: mesh.Selector{Key: keyexpr.MustNew("a/x")}}
	respond(context.Background(), view, q)
	require.Equal(t, []string{"1", "3"}, payloadsOf(q.replies))

	// A selector of an absent key draws no replies.
	q = &stubQuery{sel: mesh.Selector{Key: keyexpr.MustNew("a/z")}}
	respond(context.Background(), view, q)
	require.Empty(t, q.replies)
}

func TestWildcardSelectorResponse(t *testing.T) {
	var view = &stubStore{entries: []*entry{
		stubEntry("a/x", "1", "3"),
		stubEntry("a/y", "2"),
		stubEntry("b/x", "4"),
	}}

	var q = &stubQuery{sel: mesh.Selector{Key: keyexpr.MustNew("a/*")}}
	respond(context.Background(), view, q)

	// Replies cover exactly the intersecting entries, and replies of one
	// entry preserve its insertion order.
	require.ElementsMatch(t, []string{"1", "3", "2"}, payloadsOf(q.replies))

	var xs []string
	for _, s := range q.replies {
		if s.Key.String() == "a/x" {
			xs = append(xs, string(s.Payload))
		}
	}
	require.Equal(t, []string{"1", "3"}, xs)
}

func TestReplyFailureContinuesReplay(t *testing.T) {
	var view = &stubStore{entries: []*entry{
		stubEntry("a/x", "1", "2", "3"),
	}}

	var q = &stubQuery{sel: mesh.Selector{Key: keyexpr.MustNew("a/x")}, failAt: 2}
	respond(context.Background(), view, q)

	require.Equal(t, 3, q.calls)
	require.Equal(t, []string{"1", "3"}, payloadsOf(q.replies))
}

func TestRepliesAreClones(t *testing.T) {
	var e = stubEntry("a/x", "abc")
	var view = &stubStore{entries: []*entry{e}}

	var q = &stubQuery{sel: mesh.Selector{Key: keyexpr.MustNew("a/x")}}
	respond(context.Background(), view, q)
	require.Len(t, q.replies, 1)

	q.replies[0].Payload[0] = 'X'
	require.Equal(t, []string{"abc"}, entryPayloads(e))
}
