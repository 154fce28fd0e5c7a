package timeseries

// Package timeseries holds the bounded, per-entity sample history that feeds
// the analytics pipeline.
//
// Every entity owns one series: a ring buffer capped at MaxHistory samples
// whose entries are also evicted once they are older than Retention. Each
// series carries its own lock so collectors for different entities never
// contend, and readers always get a snapshot they can iterate freely.

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kubilitics/exchange-agent/internal/models"
)

// Options configures a Store.
type Options struct {
	// MaxHistory caps the number of samples kept per entity.
	MaxHistory int
	// Retention is the maximum sample age.
	Retention time.Duration
	// ClockSkew is how far behind the newest stored sample an incoming
	// sample may be and still be accepted.
	ClockSkew time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Store is the in-memory time-series store.
type Store struct {
	mu     sync.RWMutex
	series map[string]*series

	maxHistory int
	retention  time.Duration
	clockSkew  time.Duration
	now        func() time.Time
}

type series struct {
	mu   sync.RWMutex
	kind models.EntityKind
	buf  *ringBuffer
}

// NewStore creates an empty Store.
func NewStore(opts Options) (*Store, error) {
	if opts.MaxHistory <= 0 {
		return nil, fmt.Errorf("max history must be positive, got %d", opts.MaxHistory)
	}
	if opts.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", opts.Retention)
	}
	if opts.ClockSkew < 0 {
		return nil, fmt.Errorf("clock skew must not be negative, got %s", opts.ClockSkew)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		series:     make(map[string]*series),
		maxHistory: opts.MaxHistory,
		retention:  opts.Retention,
		clockSkew:  opts.ClockSkew,
		now:        now,
	}, nil
}

func (s *Store) getOrCreate(entity models.Entity) *series {
	s.mu.RLock()
	sr, ok := s.series[entity.ID]
	s.mu.RUnlock()
	if ok {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.series[entity.ID]; ok {
		return sr
	}
	sr = &series{kind: entity.Kind, buf: newRingBuffer(s.maxHistory)}
	s.series[entity.ID] = sr
	return sr
}

func (s *Store) lookup(entityID string) (*series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.series[entityID]
	return sr, ok
}

// AddSample appends sample to the entity's series, creating it on first use.
// Insertion, capacity trimming and age eviction happen under one lock, so
// readers never observe a series that violates either bound.
func (s *Store) AddSample(entity models.Entity, sample models.Sample) error {
	if entity.ID == "" {
		return newInvalidSample(entity.ID, "empty entity id")
	}
	if err := validateSample(entity.ID, sample); err != nil {
		return err
	}

	sr := s.getOrCreate(entity)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.buf.size > 0 {
		newest := sr.buf.newest().Timestamp()
		if sample.Timestamp().Before(newest.Add(-s.clockSkew)) {
			return newInvalidSample(entity.ID, fmt.Sprintf(
				"timestamp %s is older than newest sample %s beyond skew tolerance %s",
				sample.Timestamp().Format(time.RFC3339Nano), newest.Format(time.RFC3339Nano), s.clockSkew))
		}
	}

	if !sr.buf.insert(sample) {
		return newInvalidSample(entity.ID, fmt.Sprintf(
			"timestamp %s is older than every sample in a full series",
			sample.Timestamp().Format(time.RFC3339Nano)))
	}
	sr.buf.dropOlderThan(s.cutoff(s.retention))
	return nil
}

func validateSample(entityID string, sample models.Sample) error {
	if sample.Timestamp().IsZero() {
		return newInvalidSample(entityID, "missing timestamp")
	}
	if sample.Len() == 0 {
		return newInvalidSample(entityID, "no metric fields")
	}
	for _, name := range sample.Metrics() {
		v, _ := sample.Value(name)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return newInvalidSample(entityID, fmt.Sprintf("field %q is not a finite number", name))
		}
	}
	return nil
}

func (s *Store) cutoff(age time.Duration) int64 {
	return s.now().Add(-age).UnixNano()
}

// Window returns the entity's samples newer than d, oldest first. Unknown
// entities yield an empty window. Expired samples are evicted before the
// snapshot is taken.
func (s *Store) Window(entityID string, d time.Duration) Window {
	sr, ok := s.lookup(entityID)
	if !ok {
		return Window{}
	}
	if d <= 0 || d > s.retention {
		d = s.retention
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.buf.dropOlderThan(s.cutoff(s.retention))
	return Window{samples: sr.buf.since(s.cutoff(d))}
}

// Len returns the number of samples currently held for entityID.
func (s *Store) Len(entityID string) int {
	sr, ok := s.lookup(entityID)
	if !ok {
		return 0
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.buf.size
}

// Entities returns every entity with a series, sorted by ID.
func (s *Store) Entities() []models.Entity {
	s.mu.RLock()
	out := make([]models.Entity, 0, len(s.series))
	for id, sr := range s.series {
		out = append(out, models.Entity{ID: id, Kind: sr.kind})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cleanup evicts expired samples from every series and returns the number
// of samples removed.
func (s *Store) Cleanup() int {
	s.mu.RLock()
	all := make([]*series, 0, len(s.series))
	for _, sr := range s.series {
		all = append(all, sr)
	}
	s.mu.RUnlock()

	cutoff := s.cutoff(s.retention)
	removed := 0
	for _, sr := range all {
		sr.mu.Lock()
		removed += sr.buf.dropOlderThan(cutoff)
		sr.mu.Unlock()
	}
	return removed
}

// Run evicts expired samples every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// ErrInvalidSample is matched by every *InvalidSampleError.
var ErrInvalidSample = errors.New("invalid sample")

// InvalidSampleError reports a sample the store refused.
type InvalidSampleError struct {
	EntityID string
	Reason   string
}

func newInvalidSample(entityID, reason string) *InvalidSampleError {
	return &InvalidSampleError{EntityID: entityID, Reason: reason}
}

func (e *InvalidSampleError) Error() string {
	return fmt.Sprintf("invalid sample for %q: %s", e.EntityID, e.Reason)
}

func (e *InvalidSampleError) Is(target error) bool {
	return target == ErrInvalidSample
}
