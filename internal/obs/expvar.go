package obs

import (
	"expvar"
	"sync"
	"sync/atomic"
	"time"
)

var (
	usageReportsAccepted int64
	usageReportsRejected int64
	usageEntriesApplied  int64
	usageDuplicates      int64
	usageUnentitled      int64
	usageBilledBytes     int64

	mapsMu sync.Mutex

	userTransitions   = expvar.NewMap("user_status_transitions_total")
	nodeTransitions   = expvar.NewMap("node_status_transitions_total")
	notifyResults     = expvar.NewMap("notifications_total")
	sweepLastOKUnix   = expvar.NewMap("sweep_last_ok_unix")
	sweepErrorsByLoop = expvar.NewMap("sweep_errors_total")
)

func init() {
	expvar.Publish("usage_reports_accepted_total", expvar.Func(func() any {
		return atomic.LoadInt64(&usageReportsAccepted)
	}))
	expvar.Publish("usage_reports_rejected_total", expvar.Func(func() any {
		return atomic.LoadInt64(&usageReportsRejected)
	}))
	expvar.Publish("usage_entries_applied_total", expvar.Func(func() any {
		return atomic.LoadInt64(&usageEntriesApplied)
	}))
	expvar.Publish("usage_entries_duplicate_total", expvar.Func(func() any {
		return atomic.LoadInt64(&usageDuplicates)
	}))
	expvar.Publish("usage_entries_unentitled_total", expvar.Func(func() any {
		return atomic.LoadInt64(&usageUnentitled)
	}))
	expvar.Publish("usage_billed_bytes_total", expvar.Func(func() any {
		return atomic.LoadInt64(&usageBilledBytes)
	}))
}

// RecordUsageReport 记录一次上报的处理结果；rejected 的批次不计入条目数。
func RecordUsageReport(applied, duplicates, unentitled int, billedBytes int64, rejected bool) {
	if rejected {
		atomic.AddInt64(&usageReportsRejected, 1)
		return
	}
	atomic.AddInt64(&usageReportsAccepted, 1)
	atomic.AddInt64(&usageEntriesApplied, int64(applied))
	atomic.AddInt64(&usageDuplicates, int64(duplicates))
	atomic.AddInt64(&usageUnentitled, int64(unentitled))
	if billedBytes > 0 {
		atomic.AddInt64(&usageBilledBytes, billedBytes)
	}
}

func RecordUserTransition(from, to string) {
	addToMap(userTransitions, from+"->"+to)
}

func RecordNodeTransition(from, to string) {
	addToMap(nodeTransitions, from+"->"+to)
}

// RecordNotification 按 "类型:结果" 计数，例如 data_usage:sent、expired:failed。
func RecordNotification(kind, result string) {
	addToMap(notifyResults, kind+":"+result)
}

// RecordSweep 记录后台巡检循环的一次执行。
func RecordSweep(loop string, ok bool) {
	if loop == "" {
		return
	}
	if !ok {
		addToMap(sweepErrorsByLoop, loop)
		return
	}
	v := new(expvar.Int)
	v.Set(time.Now().Unix())
	mapsMu.Lock()
	sweepLastOKUnix.Set(loop, v)
	mapsMu.Unlock()
}

func addToMap(m *expvar.Map, key string) {
	if key == "" {
		return
	}
	mapsMu.Lock()
	defer mapsMu.Unlock()
	if v := m.Get(key); v != nil {
		v.(*expvar.Int).Add(1)
		return
	}
	i := new(expvar.Int)
	i.Add(1)
	m.Set(key, i)
}
