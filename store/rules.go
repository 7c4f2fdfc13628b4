package store

import (
	"fmt"
	"sort"
	"time"
)

// actionLimits holds the per-minute/hour/day ceilings for one action kind.
type actionLimits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

var rateLimits = map[string]actionLimits{
	"task_create": {PerMinute: 2, PerHour: 10, PerDay: 50},
	"command":     {PerMinute: 10, PerHour: 100, PerDay: 500},
	"message":     {PerMinute: 20, PerHour: 200, PerDay: 1000},
}

// limitsFor returns the ceilings for an action; unknown actions get the
// loosest (message) tier rather than failing open entirely.
func limitsFor(action string) actionLimits {
	if l, ok := rateLimits[action]; ok {
		return l
	}
	return rateLimits["message"]
}

// rollRateWindows zeroes any counter whose window has elapsed.
func rollRateWindows(rec *RateLimitRecord, now time.Time) {
	if now.Sub(rec.MinuteResetAt) >= time.Minute {
		rec.CountMinute = 0
		rec.MinuteResetAt = now
	}
	if now.Sub(rec.HourResetAt) >= time.Hour {
		rec.CountHour = 0
		rec.HourResetAt = now
	}
	if now.Sub(rec.DayResetAt) >= 24*time.Hour {
		rec.CountDay = 0
		rec.DayResetAt = now
	}
}

// rateVerdict checks the rolled counters against the ceilings. On pass it
// increments all three counters; on deny it leaves the record untouched.
func rateVerdict(rec *RateLimitRecord, action string, now time.Time) (bool, string) {
	l := limitsFor(action)
	if rec.CountMinute >= l.PerMinute {
		return false, fmt.Sprintf("Rate limit exceeded: %d %s per minute", l.PerMinute, action)
	}
	if rec.CountHour >= l.PerHour {
		return false, fmt.Sprintf("Rate limit exceeded: %d %s per hour", l.PerHour, action)
	}
	if rec.CountDay >= l.PerDay {
		return false, fmt.Sprintf("Rate limit exceeded: %d %s per day", l.PerDay, action)
	}
	rec.CountMinute++
	rec.CountHour++
	rec.CountDay++
	rec.LastActionAt = now
	return true, "OK"
}

// analysisRank orders the analysis statuses for the monotonic transition
// check.
func analysisRank(status string) int {
	switch status {
	case AnalysisAnalyzed:
		return 0
	case AnalysisQueued:
		return 1
	case AnalysisNotified:
		return 2
	}
	return -1
}

// dailyResetDue reports whether the user's daily counter should roll over.
func dailyResetDue(u *User, now time.Time) bool {
	return now.Sub(u.LastDailyReset) >= 24*time.Hour
}

// admissionVerdict evaluates the plan gates in order. The daily reset must
// already have been applied; activeCount is the number of the user's tasks
// in queued or processing status.
func admissionVerdict(u *User, activeCount int, now time.Time) (bool, string) {
	if u.IsBanned {
		reason := u.BanReason
		if reason == "" {
			reason = "Violation of terms"
		}
		return false, fmt.Sprintf("Account banned: %s", reason)
	}
	if !u.IsActive {
		return false, "Account deactivated"
	}
	if u.Plan == PlanPremium && u.PlanExpiresAt != nil && now.After(*u.PlanExpiresAt) {
		return false, "Premium plan expired"
	}
	if u.DailyTasksCreated >= u.DailyTaskLimit {
		return false, fmt.Sprintf("Daily task limit reached (%d)", u.DailyTaskLimit)
	}
	if activeCount >= u.ConcurrentTaskLimit {
		return false, fmt.Sprintf("Concurrent task limit reached (%d)", u.ConcurrentTaskLimit)
	}
	return true, "OK"
}

// taskTitle derives the short title from the description.
func taskTitle(description string) string {
	r := []rune(description)
	if len(r) > 100 {
		return string(r[:100]) + "..."
	}
	return description
}

// applyCycleStats folds one finished cycle into the global statistics.
// The median stays a cheap three-sample midpoint of (min, last, max).
func applyCycleStats(st *TaskStatistics, seconds float64, success bool, now time.Time) {
	if success {
		st.TotalTasksProcessed++
		st.RecentCompletedTasks++
		st.TotalProcessingSecs += int(seconds)
		if st.TotalTasksProcessed > 0 {
			st.AvgProcessingTime = float64(st.TotalProcessingSecs) / float64(st.TotalTasksProcessed)
		}
		if seconds < st.MinProcessingTime {
			st.MinProcessingTime = seconds
		}
		if seconds > st.MaxProcessingTime {
			st.MaxProcessingTime = seconds
		}
		samples := []float64{st.MinProcessingTime, seconds, st.MaxProcessingTime}
		sort.Float64s(samples)
		st.MedianProcessingTime = samples[1]
		st.RecentAvgTime = (st.RecentAvgTime + seconds) / 2
	} else {
		st.RecentFailedTasks++
	}
	st.LastUpdated = now
}

// recomputePositions renumbers waiting queue entries by (priority, created_at)
// and refreshes each ETA from the median processing time. Entries claimed by
// a worker keep position 0.
func recomputePositions(entries []*QueueEntry, st *TaskStatistics, now time.Time) {
	waiting := make([]*QueueEntry, 0, len(entries))
	for _, e := range entries {
		if e.WorkerID == "" {
			waiting = append(waiting, e)
		} else {
			e.QueuePosition = 0
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		if waiting[i].Priority != waiting[j].Priority {
			return waiting[i].Priority < waiting[j].Priority
		}
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})
	workers := st.ActiveWorkers
	if workers < 1 {
		workers = 1
	}
	for i, e := range waiting {
		e.QueuePosition = i + 1
		wait := st.MedianProcessingTime * float64(i) / float64(workers)
		eta := now.Add(time.Duration(wait * float64(time.Second)))
		e.EstimatedStartTime = &eta
		e.UpdatedAt = now
	}
}
