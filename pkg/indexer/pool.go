// Package indexer runs the background worker pool that keeps an endpoint's
// secondary indexes caught up with its operation log: one goroutine per
// index, each pulling a chunk of unread operations, applying them, and
// persisting its catch-up cursor, retrying with exponential backoff when a
// chunk apply fails.
package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cuemby/dozer/pkg/dozererr"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/log"
	"github.com/cuemby/dozer/pkg/metrics"
	"github.com/cuemby/dozer/pkg/oplog"
	"github.com/cuemby/dozer/pkg/secondaryindex"
)

// Target pairs one secondary index with the schema it indexes, so the pool
// can turn an oplog.Operation into the index keys to add or remove.
type Target struct {
	Index  *secondaryindex.Index
	Schema field.Schema
}

// Pool runs one catch-up worker per Target against a shared operation log.
type Pool struct {
	endpoint string
	source   *oplog.Log
	targets  []Target
	chunk    int
	interval time.Duration

	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Pool.
type Options struct {
	// ChunkSize bounds how many operations a single catch-up iteration
	// reads before persisting its cursor.
	ChunkSize int
	// PollInterval is how long a worker blocks in oplog.Log.Read waiting
	// for new operations before looping to check for shutdown.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 256
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	return o
}

// NewPool constructs a Pool. endpoint names the owning endpoint for
// logging and metrics labels.
func NewPool(endpoint string, source *oplog.Log, targets []Target, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		endpoint: endpoint,
		source:   source,
		targets:  targets,
		chunk:    opts.ChunkSize,
		interval: opts.PollInterval,
		logger:   log.WithEndpoint(endpoint),
		stopCh:   make(chan struct{}),
	}
}

// Start launches one worker goroutine per target.
func (p *Pool) Start() {
	for _, t := range p.targets {
		p.wg.Add(1)
		go p.runWorker(t)
	}
}

// Stop signals every worker to exit and waits for them to do so.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) runWorker(t Target) {
	defer p.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely; the pool only stops on Stop()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		err := backoff.Retry(func() error {
			select {
			case <-p.stopCh:
				return backoff.Permanent(context.Canceled)
			default:
			}
			return p.catchUpOnce(t)
		}, b)
		if err != nil && err != context.Canceled {
			metrics.IndexerFailuresTotal.WithLabelValues(p.endpoint, t.Schema.Name).Inc()
			p.logger.Error().Err(err).Str("index", t.Schema.Name).Msg("index catch-up chunk failed permanently")
		}
		b.Reset()

		select {
		case <-p.stopCh:
			return
		default:
		}
	}
}

// catchUpOnce reads up to one chunk of unread operations starting at the
// index's cursor, applies them, and advances the cursor. A timed-out read
// (no new operations yet) is not an error.
func (p *Pool) catchUpOnce(t Target) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IndexerCatchupDuration, p.endpoint, t.Schema.Name)

	start, err := t.Index.NextOperationID()
	if err != nil {
		return err
	}
	end := start + uint64(p.chunk)

	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	ops, err := p.source.Read(ctx, start, end, p.interval)
	if err != nil {
		kind := dozererr.KindOf(err)
		if kind == dozererr.KindLogReadTimeout || kind == dozererr.KindCancelled {
			return nil
		}
		return err
	}

	for _, op := range ops {
		if err := applyOperation(t, op); err != nil {
			return err
		}
	}

	lastSeen := start
	if len(ops) > 0 {
		lastSeen = ops[len(ops)-1].ID + 1
	}
	if err := t.Index.SetNextOperationID(lastSeen); err != nil {
		return err
	}

	metrics.IndexerLag.WithLabelValues(p.endpoint, t.Schema.Name).Set(float64(p.source.Tail() - lastSeen))
	return nil
}

func applyOperation(t Target, op oplog.Operation) error {
	switch op.Kind {
	case oplog.Insert:
		return t.Index.Add(t.Schema, *op.New, op.RecordID)
	case oplog.Delete:
		return t.Index.Remove(t.Schema, *op.Old, op.RecordID)
	case oplog.Update:
		if err := t.Index.Remove(t.Schema, *op.Old, op.RecordID); err != nil {
			return err
		}
		return t.Index.Add(t.Schema, *op.New, op.RecordID)
	default:
		return nil
	}
}

