package collector

// Package collector polls the fleet API for every tracked entity and feeds
// the readings into the time-series store.
//
// Each target gets its own goroutine and ticker (services and nodes poll at
// different rates). Fetches are bounded by a per-attempt timeout and a small
// retry budget. Readings travel to the store over sharded channels keyed by
// entity, so one entity's samples are always ingested in the order they were
// collected while different entities ingest in parallel.

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/exchange-agent/internal/analytics/timeseries"
	"github.com/kubilitics/exchange-agent/internal/integration/exchange"
	"github.com/kubilitics/exchange-agent/internal/metrics"
	"github.com/kubilitics/exchange-agent/internal/models"
	"github.com/kubilitics/exchange-agent/internal/retry"
)

// Fetcher returns raw metric readings for an entity.
type Fetcher interface {
	FetchRawMetrics(ctx context.Context, entity models.Entity) (map[string]interface{}, error)
}

// Sink stores parsed samples.
type Sink interface {
	AddSample(entity models.Entity, sample models.Sample) error
}

// Options configures a Collector.
type Options struct {
	// Intervals is the polling period per entity kind.
	Intervals map[models.EntityKind]time.Duration
	// Timeout bounds each fetch attempt.
	Timeout time.Duration
	// Retry bounds the attempts per collection. Retryable defaults to
	// exchange.Retryable.
	Retry retry.Policy
	// Workers is the number of ingest shards.
	Workers int
	// BufferSize is the per-shard channel capacity.
	BufferSize int
	Logger     *zap.Logger
	Now        func() time.Time
}

type reading struct {
	entity models.Entity
	sample models.Sample
}

// Collector runs the polling and ingest goroutines.
type Collector struct {
	fetcher Fetcher
	sink    Sink
	opts    Options
	log     *zap.Logger
	now     func() time.Time

	availMu sync.RWMutex
	avail   map[string]models.Availability

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	shards  []chan reading
	pollers sync.WaitGroup
	ingest  sync.WaitGroup
}

// New creates a Collector.
func New(fetcher Fetcher, sink Sink, opts Options) (*Collector, error) {
	if fetcher == nil || sink == nil {
		return nil, fmt.Errorf("collector requires a fetcher and a sink")
	}
	for kind, d := range opts.Intervals {
		if d <= 0 {
			return nil, fmt.Errorf("interval for %s must be positive, got %s", kind, d)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = exchange.Retryable
	}
	opts.Retry.AttemptTimeout = opts.Timeout
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		fetcher: fetcher,
		sink:    sink,
		opts:    opts,
		log:     opts.Logger.With(zap.String("component", "collector")),
		now:     opts.Now,
		avail:   make(map[string]models.Availability),
	}, nil
}

// Start launches one poller per target and the ingest shards. The first
// collection for every target happens immediately.
func (c *Collector) Start(ctx context.Context, targets []models.Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("collector is already running")
	}
	for _, t := range targets {
		if _, ok := c.opts.Intervals[t.Kind]; !ok {
			return fmt.Errorf("no collection interval configured for %s %q", t.Kind, t.ID)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.shards = make([]chan reading, c.opts.Workers)
	for i := range c.shards {
		ch := make(chan reading, c.opts.BufferSize)
		c.shards[i] = ch
		c.ingest.Add(1)
		go c.runIngest(ch)
	}
	for _, t := range targets {
		c.pollers.Add(1)
		go c.poll(ctx, t)
	}
	c.running = true

	c.log.Info("collector started", zap.Int("targets", len(targets)), zap.Int("workers", c.opts.Workers))
	return nil
}

// Stop cancels in-flight fetches and waits for every goroutine to exit.
// Readings already queued are still ingested.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.pollers.Wait()
	for _, ch := range c.shards {
		close(ch)
	}
	c.ingest.Wait()
	c.log.Info("collector stopped")
}

func (c *Collector) poll(ctx context.Context, target models.Entity) {
	defer c.pollers.Done()

	ticker := time.NewTicker(c.opts.Intervals[target.Kind])
	defer ticker.Stop()

	c.collectAsync(ctx, target)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectAsync(ctx, target)
		}
	}
}

func (c *Collector) collectAsync(ctx context.Context, target models.Entity) {
	sample, err := c.fetch(ctx, target)
	if err != nil {
		return
	}
	select {
	case c.shards[shardFor(target.ID, len(c.shards))] <- reading{entity: target, sample: sample}:
	case <-ctx.Done():
	}
}

// CollectOnce fetches every target once and stores the results directly.
// It returns the number of samples stored and the joined per-target errors.
func (c *Collector) CollectOnce(ctx context.Context, targets []models.Entity) (int, error) {
	var errs []error
	stored := 0
	for _, t := range targets {
		sample, err := c.fetch(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", t.Kind, t.ID, err))
			continue
		}
		if err := c.store(reading{entity: t, sample: sample}); err != nil {
			errs = append(errs, err)
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

// fetch performs one collection with retries and records availability.
// Failures are logged here; callers only decide whether to store.
func (c *Collector) fetch(ctx context.Context, target models.Entity) (models.Sample, error) {
	kind := string(target.Kind)
	start := time.Now()

	raw, err := retry.DoValue(ctx, c.opts.Retry, func(ctx context.Context) (map[string]interface{}, error) {
		return c.fetcher.FetchRawMetrics(ctx, target)
	})
	metrics.CollectionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Shutting down; not a failure of the target.
			return models.Sample{}, err
		}
		c.recordFailure(target, err)
		metrics.CollectionsTotal.WithLabelValues(kind, "failure").Inc()
		c.log.Warn("collection failed",
			zap.String("entity_id", target.ID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return models.Sample{}, err
	}

	at := c.now()
	c.recordSuccess(target, at)
	metrics.CollectionsTotal.WithLabelValues(kind, "success").Inc()

	sample, err := timeseries.ParseSample(target.ID, at, raw)
	if err != nil {
		metrics.SamplesRejected.WithLabelValues("parse").Inc()
		c.log.Warn("dropping unparsable reading", zap.String("entity_id", target.ID), zap.Error(err))
		return models.Sample{}, err
	}
	return sample, nil
}

func (c *Collector) runIngest(ch <-chan reading) {
	defer c.ingest.Done()
	for r := range ch {
		if err := c.store(r); err != nil {
			c.log.Warn("dropping sample", zap.String("entity_id", r.entity.ID), zap.Error(err))
		}
	}
}

func (c *Collector) store(r reading) error {
	if err := c.sink.AddSample(r.entity, r.sample); err != nil {
		metrics.SamplesRejected.WithLabelValues("store").Inc()
		return err
	}
	metrics.SamplesIngested.WithLabelValues(string(r.entity.Kind)).Inc()
	if s, ok := c.sink.(interface{ Len(string) int }); ok {
		metrics.SeriesSamples.WithLabelValues(r.entity.ID).Set(float64(s.Len(r.entity.ID)))
	}
	return nil
}

func (c *Collector) recordSuccess(target models.Entity, at time.Time) {
	c.availMu.Lock()
	c.avail[target.ID] = models.Availability{LastSuccess: at, LastAttempt: at}
	c.availMu.Unlock()
	metrics.CollectionFailureStreak.WithLabelValues(target.ID).Set(0)
}

func (c *Collector) recordFailure(target models.Entity, err error) {
	at := c.now()
	c.availMu.Lock()
	av := c.avail[target.ID]
	av.LastAttempt = at
	av.FailureStreak++
	if av.FailureStreak == 1 {
		av.FailingSince = at
	}
	av.LastError = err.Error()
	c.avail[target.ID] = av
	streak := av.FailureStreak
	c.availMu.Unlock()
	metrics.CollectionFailureStreak.WithLabelValues(target.ID).Set(float64(streak))
}

// Availability returns the collection record for an entity.
func (c *Collector) Availability(entityID string) (models.Availability, bool) {
	c.availMu.RLock()
	defer c.availMu.RUnlock()
	av, ok := c.avail[entityID]
	return av, ok
}

// shardFor maps an entity to an ingest shard.
func shardFor(entityID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(n))
}
