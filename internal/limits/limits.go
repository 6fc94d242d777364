// Package limits 提供单实例的最小护栏：按节点限制并发上报请求数。
package limits

import "sync"

type NodeLimits struct {
	maxInflight int

	mu       sync.Mutex
	inflight map[int64]int
}

// NewNodeLimits 创建按节点计数的并发护栏；maxInflight <= 0 表示不限制。
func NewNodeLimits(maxInflight int) *NodeLimits {
	return &NodeLimits{
		maxInflight: maxInflight,
		inflight:    make(map[int64]int),
	}
}

func (l *NodeLimits) Acquire(nodeID int64) bool {
	if l == nil || l.maxInflight <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[nodeID] >= l.maxInflight {
		return false
	}
	l.inflight[nodeID]++
	return true
}

func (l *NodeLimits) Release(nodeID int64) {
	if l == nil || l.maxInflight <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[nodeID] > 0 {
		l.inflight[nodeID]--
	}
	if l.inflight[nodeID] == 0 {
		delete(l.inflight, nodeID)
	}
}

func (l *NodeLimits) Inflight(nodeID int64) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight[nodeID]
}
