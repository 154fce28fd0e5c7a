package timeseries

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/exchange-agent/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var svc = models.Entity{ID: "svc-a", Kind: models.KindService}

func newTestStore(t *testing.T, maxHistory int, retention time.Duration) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := NewStore(Options{
		MaxHistory: maxHistory,
		Retention:  retention,
		ClockSkew:  5 * time.Second,
		Now:        clock.Now,
	})
	require.NoError(t, err)
	return s, clock
}

func cpu(ts time.Time, v float64) models.Sample {
	return models.NewSample(ts, map[string]float64{"cpu_usage": v})
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(Options{MaxHistory: 0, Retention: time.Hour})
	assert.Error(t, err)
	_, err = NewStore(Options{MaxHistory: 10, Retention: 0})
	assert.Error(t, err)
	_, err = NewStore(Options{MaxHistory: 10, Retention: time.Hour, ClockSkew: -time.Second})
	assert.Error(t, err)
}

func TestAddSample_CapacityBound(t *testing.T) {
	s, clock := newTestStore(t, 3, time.Hour)
	base := clock.Now()
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		require.NoError(t, s.AddSample(svc, cpu(base.Add(time.Duration(i+1)*time.Second), float64(i))))
	}

	assert.Equal(t, 3, s.Len(svc.ID))
	w := s.Window(svc.ID, time.Hour)
	assert.Equal(t, []float64{2, 3, 4}, w.Values("cpu_usage"))
}

func TestAddSample_RetentionEviction(t *testing.T) {
	s, clock := newTestStore(t, 100, 10*time.Minute)
	start := clock.Now()
	require.NoError(t, s.AddSample(svc, cpu(start, 1)))

	clock.Advance(11 * time.Minute)
	require.NoError(t, s.AddSample(svc, cpu(clock.Now(), 2)))

	w := s.Window(svc.ID, time.Hour)
	assert.Equal(t, []float64{2}, w.Values("cpu_usage"))
}

func TestWindow_EvictsBeforeReturning(t *testing.T) {
	s, clock := newTestStore(t, 100, 10*time.Minute)
	require.NoError(t, s.AddSample(svc, cpu(clock.Now(), 1)))
	clock.Advance(5 * time.Minute)
	require.NoError(t, s.AddSample(svc, cpu(clock.Now(), 2)))

	clock.Advance(6 * time.Minute)
	w := s.Window(svc.ID, 0)
	require.Equal(t, 1, w.Len())
	for sample := range w.All() {
		assert.False(t, sample.Timestamp().Before(clock.Now().Add(-10*time.Minute)))
	}
	assert.Equal(t, 1, s.Len(svc.ID))
}

func TestWindow_FiltersByDuration(t *testing.T) {
	s, clock := newTestStore(t, 100, time.Hour)
	base := clock.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, s.AddSample(svc, cpu(base.Add(time.Duration(i)*time.Minute), float64(i))))
	}
	clock.Advance(5 * time.Minute)

	w := s.Window(svc.ID, 2*time.Minute)
	assert.Equal(t, []float64{3, 4, 5}, w.Values("cpu_usage"))
}

func TestWindow_UnknownEntity(t *testing.T) {
	s, _ := newTestStore(t, 10, time.Hour)
	w := s.Window("nope", time.Hour)
	assert.Equal(t, 0, w.Len())
	assert.Empty(t, w.Metrics())
}

func TestWindow_Restartable(t *testing.T) {
	s, clock := newTestStore(t, 10, time.Hour)
	require.NoError(t, s.AddSample(svc, cpu(clock.Now(), 1)))
	require.NoError(t, s.AddSample(svc, cpu(clock.Now().Add(time.Second), 2)))

	w := s.Window(svc.ID, time.Hour)
	first, second := 0, 0
	for range w.All() {
		first++
	}
	for range w.All() {
		second++
	}
	assert.Equal(t, 2, first)
	assert.Equal(t, first, second)
}

func TestAddSample_Rejections(t *testing.T) {
	s, clock := newTestStore(t, 10, time.Hour)
	now := clock.Now()
	require.NoError(t, s.AddSample(svc, cpu(now, 1)))

	tests := []struct {
		name   string
		entity models.Entity
		sample models.Sample
	}{
		{"out of order beyond skew", svc, cpu(now.Add(-time.Minute), 1)},
		{"zero timestamp", svc, cpu(time.Time{}, 1)},
		{"no fields", svc, models.NewSample(now, nil)},
		{"nan", svc, cpu(now, math.NaN())},
		{"inf", svc, cpu(now, math.Inf(1))},
		{"empty entity", models.Entity{}, cpu(now, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AddSample(tt.entity, tt.sample)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSample))
			var ise *InvalidSampleError
			assert.True(t, errors.As(err, &ise))
		})
	}
	assert.Equal(t, 1, s.Len(svc.ID))
}

func TestAddSample_WithinSkewKeepsOrder(t *testing.T) {
	s, clock := newTestStore(t, 10, time.Hour)
	now := clock.Now()
	require.NoError(t, s.AddSample(svc, cpu(now, 1)))
	require.NoError(t, s.AddSample(svc, cpu(now.Add(3*time.Second), 3)))
	require.NoError(t, s.AddSample(svc, cpu(now.Add(time.Second), 2)))

	clock.Advance(10 * time.Second)
	w := s.Window(svc.ID, time.Hour)
	assert.Equal(t, []float64{1, 2, 3}, w.Values("cpu_usage"))

	var prev time.Time
	for sample := range w.All() {
		assert.False(t, sample.Timestamp().Before(prev))
		prev = sample.Timestamp()
	}
}

func TestAddSample_FullSeriesRejectsOlderThanOldest(t *testing.T) {
	s, clock := newTestStore(t, 3, time.Hour)
	now := clock.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddSample(svc, cpu(now.Add(time.Duration(i)*time.Second), float64(i))))
	}

	// Within the skew tolerance of the newest sample, but older than all.
	err := s.AddSample(svc, cpu(now.Add(-time.Second), 99))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSample)
	assert.Contains(t, err.Error(), "full series")

	assert.Equal(t, []float64{0, 1, 2}, s.Window(svc.ID, time.Hour).Values("cpu_usage"))

	// A late sample that still fits is stored.
	require.NoError(t, s.AddSample(svc, cpu(now.Add(500*time.Millisecond), 5)))
	assert.Equal(t, []float64{5, 1, 2}, s.Window(svc.ID, time.Hour).Values("cpu_usage"))
}

func TestParseSample(t *testing.T) {
	ts := time.Now()
	sample, err := ParseSample("svc", ts, map[string]interface{}{
		"cpu_usage":    85.5,
		"memory_usage": "42",
		"requests":     int64(7),
	})
	require.NoError(t, err)
	v, ok := sample.Value("memory_usage")
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	_, err = ParseSample("svc", ts, map[string]interface{}{"status": "ok"})
	assert.ErrorIs(t, err, ErrInvalidSample)

	_, err = ParseSample("svc", ts, map[string]interface{}{"nested": map[string]interface{}{}})
	assert.ErrorIs(t, err, ErrInvalidSample)
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s, clock := newTestStore(t, 50, time.Hour)
	base := clock.Now()
	entities := []models.Entity{
		{ID: "svc-1", Kind: models.KindService},
		{ID: "svc-2", Kind: models.KindService},
		{ID: "node-1", Kind: models.KindNode},
	}

	var wg sync.WaitGroup
	for _, e := range entities {
		wg.Add(1)
		go func(e models.Entity) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = s.AddSample(e, cpu(base.Add(time.Duration(i)*time.Millisecond), float64(i)))
				_ = s.Window(e.ID, time.Hour)
			}
		}(e)
	}
	wg.Wait()

	for _, e := range entities {
		assert.Equal(t, 50, s.Len(e.ID))
	}
	assert.Len(t, s.Entities(), 3)
}

func TestCleanup(t *testing.T) {
	s, clock := newTestStore(t, 10, time.Minute)
	require.NoError(t, s.AddSample(svc, cpu(clock.Now(), 1)))
	require.NoError(t, s.AddSample(models.Entity{ID: "n", Kind: models.KindNode}, cpu(clock.Now(), 1)))
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 2, s.Cleanup())
	assert.Equal(t, 0, s.Len(svc.ID))
}
