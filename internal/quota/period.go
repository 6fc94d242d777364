package quota

import (
	"time"

	"fleetplane/internal/store"
)

// NextResetAt 返回 now 之后（严格大于）的下一个周期边界，按 loc 的本地日历计算，结果为 UTC。
// no_reset 或未知策略返回 ok=false。周以周一 00:00 为边界。
func NextResetAt(strategy store.ResetStrategy, now time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	y, m, d := t.Date()
	var next time.Time
	switch strategy {
	case store.ResetDay:
		next = time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	case store.ResetWeek:
		// time.Weekday: Sunday=0；换算成距下一个周一的天数（1..7）。
		days := (8 - int(t.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		next = time.Date(y, m, d+days, 0, 0, 0, 0, loc)
	case store.ResetMonth:
		next = time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
	case store.ResetYear:
		next = time.Date(y+1, time.January, 1, 0, 0, 0, 0, loc)
	default:
		return time.Time{}, false
	}
	return next.UTC(), true
}

func periodic(strategy store.ResetStrategy) bool {
	switch strategy {
	case store.ResetDay, store.ResetWeek, store.ResetMonth, store.ResetYear:
		return true
	default:
		return false
	}
}
