package agent

import (
	"sync"

	"github.com/kubilitics/exchange-agent/internal/models"
)

// history is a fixed-capacity FIFO of records shared by analysis reports
// and action records. The oldest record is evicted first.
type history struct {
	mu    sync.RWMutex
	buf   []models.HistoryRecord
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{buf: make([]models.HistoryRecord, capacity)}
}

func (h *history) add(rec models.HistoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = rec
		h.size++
		return
	}
	h.buf[h.start] = rec
	h.start = (h.start + 1) % len(h.buf)
}

// list returns matching records oldest first. An empty filter matches every
// type; limit <= 0 means no limit, otherwise the newest limit matches.
func (h *history) list(filter models.RecordType, limit int) []models.HistoryRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.HistoryRecord, 0, h.size)
	for i := 0; i < h.size; i++ {
		rec := h.buf[(h.start+i)%len(h.buf)]
		if filter == "" || rec.Type == filter {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.buf)
	h.start, h.size = 0, 0
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}
