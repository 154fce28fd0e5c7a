package timeseries

import "github.com/kubilitics/exchange-agent/internal/models"

// ringBuffer is a fixed-capacity circular buffer of samples kept in
// timestamp order.
type ringBuffer struct {
	data     []models.Sample
	head     int
	size     int
	capacity int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		data:     make([]models.Sample, capacity),
		capacity: capacity,
	}
}

func (rb *ringBuffer) at(i int) models.Sample {
	return rb.data[(rb.head+i)%rb.capacity]
}

func (rb *ringBuffer) set(i int, s models.Sample) {
	rb.data[(rb.head+i)%rb.capacity] = s
}

// newest returns the most recent sample. Callers check size first.
func (rb *ringBuffer) newest() models.Sample {
	return rb.at(rb.size - 1)
}

// insert places s in timestamp order, dropping the oldest sample when full.
// A sample older than everything in a full buffer is itself the one dropped;
// insert reports false in that case.
func (rb *ringBuffer) insert(s models.Sample) bool {
	if rb.size == rb.capacity && rb.size > 0 && s.Timestamp().Before(rb.at(0).Timestamp()) {
		return false
	}

	idx := (rb.head + rb.size) % rb.capacity
	rb.data[idx] = s
	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}

	// Bubble back into place; only samples within the skew tolerance move.
	for i := rb.size - 1; i > 0; i-- {
		prev := rb.at(i - 1)
		if !prev.Timestamp().After(rb.at(i).Timestamp()) {
			break
		}
		cur := rb.at(i)
		rb.set(i-1, cur)
		rb.set(i, prev)
	}
	return true
}

// dropOlderThan removes leading samples whose timestamp is before cutoff and
// returns how many were removed.
func (rb *ringBuffer) dropOlderThan(cutoff int64) int {
	n := 0
	for rb.size > 0 && rb.at(0).Timestamp().UnixNano() < cutoff {
		rb.data[rb.head] = models.Sample{}
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		n++
	}
	return n
}

// since returns samples with timestamp >= cutoff in chronological order.
func (rb *ringBuffer) since(cutoff int64) []models.Sample {
	start := 0
	for start < rb.size && rb.at(start).Timestamp().UnixNano() < cutoff {
		start++
	}
	out := make([]models.Sample, 0, rb.size-start)
	for i := start; i < rb.size; i++ {
		out = append(out, rb.at(i))
	}
	return out
}
