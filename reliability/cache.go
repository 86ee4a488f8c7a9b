package reliability

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshwire/meshwire/keyexpr"
	"github.com/meshwire/meshwire/mesh"
	log "github.com/sirupsen/logrus"
)

// Cache is a running reliability cache. A single cooperative task owns its
// sample store and multiplexes sample intake, query service, and shutdown,
// so the store needs no locking.
type Cache struct {
	prefix    *keyexpr.KeyExpr // Nil without a queryable prefix.
	sub       mesh.Subscriber
	queryable mesh.Queryable
	store     *store

	stopCh chan struct{} // Closed to stop the task.
	doneCh chan struct{} // Closed when the task has exited.

	stopOnce      sync.Once
	undeclareOnce sync.Once
}

// serve is the cache task. Select chooses ready branches pseudo-randomly,
// so neither sample intake nor query service can starve the other.
func (c *Cache) serve(ctx context.Context) {
	defer close(c.doneCh)

	var samples, queries = c.sub.Receiver(), c.queryable.Receiver()
	for {
		select {
		case sample, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			c.onSample(sample)

		case query, ok := <-queries:
			if !ok {
				queries = nil
				continue
			}
			respond(ctx, c.store, query)

		case <-c.stopCh:
			return

		case <-ctx.Done():
			// The Cache was dropped without Close.
			if err := c.undeclare(context.Background()); err != nil {
				log.WithField("err", err).Warn("failed to undeclare cache endpoints")
			}
			return
		}
	}
}

func (c *Cache) onSample(sample mesh.Sample) {
	var stored = sample.Key

	if c.prefix != nil {
		var err error
		if stored, err = c.prefix.Join(sample.Key); err != nil {
			// Unreachable while publication keys are concrete and valid.
			log.WithFields(log.Fields{
				"err":     err,
				"keyExpr": sample.Key.String(),
			}).Warn("cannot derive the stored key of a sample, dropping it")
			return
		}
	}
	c.store.insert(stored, sample)
}

// Close stops the cache task, awaits its exit, and undeclares the cache's
// queryable and subscriber. |ctx| bounds how long Close waits for the task.
// Closing an already-closed Cache is a no-op.
func (c *Cache) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	select {
	case <-c.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.undeclare(ctx)
}

func (c *Cache) undeclare(ctx context.Context) error {
	var err error
	c.undeclareOnce.Do(func() {
		if uerr := c.queryable.Undeclare(ctx); uerr != nil {
			err = fmt.Errorf("undeclaring cache queryable: %w", uerr)
		}
		if uerr := c.sub.Undeclare(ctx); uerr != nil && err == nil {
			err = fmt.Errorf("undeclaring cache subscriber: %w", uerr)
		}
	})
	return err
}
