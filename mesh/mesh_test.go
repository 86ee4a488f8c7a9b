package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/meshwire/meshwire/keyexpr"
	"github.com/stretchr/testify/require"
)

func TestPubSubRouting(t *testing.T) {
	var m = New()
	var alice, bob = m.Join(), m.Join()

	var sub, err = bob.DeclareSubscriber(keyexpr.MustNew("demo/**"), Any)
	require.NoError(t, err)

	require.NoError(t, alice.Put(keyexpr.MustNew("demo/a"), []byte("1")))
	require.NoError(t, alice.Put(keyexpr.MustNew("other/a"), []byte("x")))
	require.NoError(t, alice.Delete(keyexpr.MustNew("demo/a")))

	var s = <-sub.Receiver()
	require.Equal(t, "demo/a", s.Key.String())
	require.Equal(t, []byte("1"), s.Payload)
	require.Equal(t, Put, s.Kind)
	var first = s.Clock

	s = <-sub.Receiver()
	require.Equal(t, Delete, s.Kind)
	require.True(t, s.Clock > first)

	// The publication of other/a was not routed to this subscriber.
	select {
	case s = <-sub.Receiver():
		t.Fatalf("unexpected sample of %s", s.Key)
	default:
	}

	require.NoError(t, sub.Undeclare(context.Background()))
	require.Error(t, sub.Undeclare(context.Background()))

	// Samples published after undeclare are not delivered.
	require.NoError(t, alice.Put(keyexpr.MustNew("demo/a"), []byte("2")))
	select {
	case s = <-sub.Receiver():
		t.Fatalf("unexpected sample of %s", s.Key)
	default:
	}
}

func TestPublishValidation(t *testing.T) {
	var m = New()
	var p = m.Join()

	require.Error(t, p.Put(keyexpr.MustNew("demo/**"), []byte("x")))
	require.Error(t, p.Put(nil, []byte("x")))
}

func TestLocalityFiltering(t *testing.T) {
	var m = New()
	var alice, bob = m.Join(), m.Join()
	var key = keyexpr.MustNew("demo/local")

	var local, err = alice.DeclareSubscriber(key, SessionLocal)
	require.NoError(t, err)
	remote, err := alice.DeclareSubscriber(key, Remote)
	require.NoError(t, err)

	require.NoError(t, alice.Put(key, []byte("from-alice")))
	require.NoError(t, bob.Put(key, []byte("from-bob")))

	require.Equal(t, []byte("from-alice"), (<-local.Receiver()).Payload)
	require.Equal(t, []byte("from-bob"), (<-remote.Receiver()).Payload)

	select {
	case <-local.Receiver():
		t.Fatal("local subscriber saw a remote sample")
	case <-remote.Receiver():
		t.Fatal("remote subscriber saw a session-local sample")
	default:
	}
}

func TestQueryFanOutAndCompletion(t *testing.T) {
	var m = New()
	var server, client = m.Join(), m.Join()

	var qa, err = server.DeclareQueryable(keyexpr.MustNew("demo/**"), Any)
	require.NoError(t, err)

	var ctx, cancel = context.WithCancel(context.Background())
	var replies = client.Get(ctx, Selector{Key: keyexpr.MustNew("demo/a"), Parameters: "limit=3"})

	var q = <-qa.Receiver()
	require.Equal(t, "demo/a", q.Selector().Key.String())
	require.Equal(t, "limit=3", q.Selector().Parameters)

	require.NoError(t, q.Reply(context.Background(), Sample{
		Key:     keyexpr.MustNew("demo/a"),
		Payload: []byte("1"),
		Kind:    Put,
	}))
	require.Equal(t, []byte("1"), (<-replies).Payload)

	// Completing the query closes the reply channel, and fails later replies.
	cancel()
	var _, ok = <-replies
	require.False(t, ok)
	require.ErrorIs(t, q.Reply(context.Background(), Sample{
		Key: keyexpr.MustNew("demo/a"),
	}), ErrQueryComplete)
}

func TestQueryRouting(t *testing.T) {
	var m = New()
	var server, client = m.Join(), m.Join()

	var qa, err = server.DeclareQueryable(keyexpr.MustNew("demo/**"), Any)
	require.NoError(t, err)

	var ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// A selector which doesn't intersect the queryable is not delivered.
	for range client.Get(ctx, Selector{Key: keyexpr.MustNew("other/a")}) {
		t.Fatal("unexpected reply")
	}
	select {
	case <-qa.Receiver():
		t.Fatal("unexpected query delivery")
	default:
	}

	// A wildcard selector intersecting the queryable is.
	var ctx2, cancel2 = context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	_ = client.Get(ctx2, Selector{Key: keyexpr.MustNew("demo/*")})

	var q = <-qa.Receiver()
	require.Equal(t, "demo/*", q.Selector().Key.String())
}

func TestSelectorParsing(t *testing.T) {
	var sel, err = ParseSelector("demo/**?limit=3")
	require.NoError(t, err)
	require.Equal(t, "demo/**", sel.Key.String())
	require.Equal(t, "limit=3", sel.Parameters)
	require.Equal(t, "demo/**?limit=3", sel.String())

	sel, err = ParseSelector("demo/a")
	require.NoError(t, err)
	require.Equal(t, "demo/a", sel.String())

	_, err = ParseSelector("demo//a")
	require.Error(t, err)
}

func TestSampleClone(t *testing.T) {
	var s = Sample{Key: keyexpr.MustNew("a"), Payload: []byte("abc"), Kind: Put}
	var c = s.Clone()
	c.Payload[0] = 'X'
	require.Equal(t, []byte("abc"), s.Payload)
}
