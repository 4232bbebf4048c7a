package settlement

import (
	"container/heap"
	"time"

	"github.com/neurolov/swarmd/internal/domain"
)

// ─── Retry Queue ────────────────────────────────────────────────────────────
// Failed settlements are re-queued with exponential backoff. The min-heap
// orders entries by next attempt time.

type retryEntry struct {
	req      domain.SettlementRequest
	attempt  int
	next     time.Time
	lastErr  string
	position int
}

type retryHeap []*retryEntry

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	if !h[i].next.Equal(h[j].next) {
		return h[i].next.Before(h[j].next)
	}
	return h[i].req.TaskID < h[j].req.TaskID
}

func (h retryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].position = i
	h[j].position = j
}

func (h *retryHeap) Push(x any) {
	e := x.(*retryEntry)
	e.position = len(*h)
	*h = append(*h, e)
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// popDue removes and returns the earliest entry if it is due at now.
func (h *retryHeap) popDue(now time.Time) (*retryEntry, bool) {
	if h.Len() == 0 || (*h)[0].next.After(now) {
		return nil, false
	}
	return heap.Pop(h).(*retryEntry), true
}

// Backoff returns the delay before the given attempt:
// base * 2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
