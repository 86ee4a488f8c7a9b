package reliability

import (
	"context"

	"github.com/meshwire/meshwire/keyexpr"
	"github.com/meshwire/meshwire/mesh"
	log "github.com/sirupsen/logrus"
)

// storeView is the read-only store surface required to answer queries.
type storeView interface {
	lookupExact(key *keyexpr.KeyExpr) *entry
	scanIntersecting(sel *keyexpr.KeyExpr, fn func(*entry))
}

// respond answers |query| from the store: an exact selector replays its
// single entry, while a wildcard selector replays every entry whose stored
// key intersects it. Replies of one entry are sent in insertion order.
// A failed reply is logged and doesn't stop the replay.
func respond(ctx context.Context, view storeView, query mesh.Query) {
	var sel = query.Selector()

	// An exact selector hits its entry directly, skipping intersection
	// work against every stored key.
	if !sel.Key.IsWild() {
		if e := view.lookupExact(sel.Key); e != nil {
			replyEntry(ctx, query, e)
		}
		return
	}

	view.scanIntersecting(sel.Key, func(e *entry) {
		replyEntry(ctx, query, e)
	})
}

func replyEntry(ctx context.Context, query mesh.Query, e *entry) {
	e.each(func(sample mesh.Sample) {
		if err := query.Reply(ctx, sample.Clone()); err != nil {
			queryReplyErrorsTotal.Inc()
			log.WithFields(log.Fields{
				"err":       err,
				"storedKey": e.key.String(),
			}).Warn("failed to reply to query")
		} else {
			queryRepliesTotal.Inc()
		}
	})
}
