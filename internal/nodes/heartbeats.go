package nodes

import (
	"sync"
	"time"
)

// heartbeats 是单实例运行态（仅内存）；多实例部署时各实例各自计时。
type heartbeats struct {
	mu   sync.Mutex
	seen map[int64]time.Time
}

func newHeartbeats() *heartbeats {
	return &heartbeats{seen: make(map[int64]time.Time)}
}

func (h *heartbeats) touch(id int64, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.seen[id]; ok && prev.After(at) {
		return
	}
	h.seen[id] = at
}

func (h *heartbeats) last(id int64) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.seen[id]
	return t, ok
}

func (h *heartbeats) forget(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.seen, id)
}
