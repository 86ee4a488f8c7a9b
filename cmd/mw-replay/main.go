package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/meshwire/meshwire/keyexpr"
	"github.com/meshwire/meshwire/mesh"
	"github.com/meshwire/meshwire/reliability"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"golang.org/x/sync/errgroup"
)

const iniFilename = "mw-replay.ini"

type cmdRun struct {
	Keys    int    `long:"keys" default:"8" description:"Number of distinct keys published under demo/"`
	Publish int    `long:"publish" default:"64" description:"Number of samples to publish"`
	Workers int    `long:"workers" default:"4" description:"Number of concurrent publishing workers"`
	History int    `long:"history" default:"16" description:"Samples retained per key"`
	Limit   int    `long:"resources-limit" default:"0" description:"Bound on distinct cached keys (0 is unbounded)"`
	Prefix  string `long:"prefix" default:"" description:"Optional queryable prefix for replayed samples"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd *cmdRun) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var fabric = mesh.New()
	var publisher, querier = fabric.Join(), fabric.Join()

	var builder = reliability.NewCacheBuilder(publisher, "demo/**").
		History(cmd.History)
	if cmd.Limit != 0 {
		builder.ResourcesLimit(cmd.Limit)
	}
	if cmd.Prefix != "" {
		builder.QueryablePrefix(cmd.Prefix)
	}

	cache, err := builder.Build(ctx)
	if err != nil {
		return fmt.Errorf("building reliability cache: %w", err)
	}

	log.WithFields(log.Fields{
		"keys":    cmd.Keys,
		"publish": cmd.Publish,
		"workers": cmd.Workers,
	}).Info("publishing burst")

	var group, _ = errgroup.WithContext(ctx)
	for w := 0; w != cmd.Workers; w++ {
		group.Go(func() error {
			for i := w; i < cmd.Publish; i += cmd.Workers {
				var key, err = keyexpr.New("demo/key-" + strconv.Itoa(i%cmd.Keys))
				if err != nil {
					return err
				}
				if err = publisher.Put(key, []byte(strconv.Itoa(i))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err = group.Wait(); err != nil {
		return fmt.Errorf("publishing: %w", err)
	}

	// Let the cache absorb the burst before replaying it.
	time.Sleep(100 * time.Millisecond)

	var selector = "demo/**"
	if cmd.Prefix != "" {
		selector = cmd.Prefix + "/" + selector
	}
	sel, err := mesh.ParseSelector(selector)
	if err != nil {
		return fmt.Errorf("parsing selector: %w", err)
	}

	var getCtx, getCancel = context.WithTimeout(ctx, time.Second)
	defer getCancel()

	var replayed int
	for sample := range querier.Get(getCtx, sel) {
		log.WithFields(log.Fields{
			"key":     sample.Key.String(),
			"kind":    sample.Kind.String(),
			"clock":   sample.Clock,
			"payload": string(sample.Payload),
		}).Info("replayed sample")
		replayed++
	}
	log.WithField("count", replayed).Info("replay complete")

	return cache.Close(context.Background())
}

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	var _, err = parser.AddCommand("run", "Run the replay demo", `
Run an in-process mesh with a reliability cache: publish a burst of samples
from concurrent workers, then query the cache and log the replayed history.
`, new(cmdRun))
	mbp.Must(err, "failed to add flags parser command")

	mbp.MustParseConfig(parser, iniFilename)
}
