package store

import (
	"time"
)

// Plan names and their limits. Limits are denormalized onto the user row so
// that a plan change is an explicit rewrite, not a lookup.
const (
	PlanFree    = "free"
	PlanPremium = "premium"
)

// PlanLimits returns (daily, concurrent, maxCycles) for a plan.
func PlanLimits(plan string) (int, int, int) {
	if plan == PlanPremium {
		return 100, 5, 100
	}
	return 5, 1, 5
}

// PlanPriority returns the queue priority for a plan. Lower is earlier.
func PlanPriority(plan string) int {
	if plan == PlanPremium {
		return 50
	}
	return 100
}

// Task statuses.
const (
	TaskQueued     = "queued"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
	TaskPaused     = "paused"
)

// IsTerminal reports whether a task status admits no further cycles.
func IsTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailed || status == TaskCancelled
}

// Analysis statuses. Transitions are monotonic: analyzed -> queued -> notified.
const (
	AnalysisAnalyzed = "analyzed"
	AnalysisQueued   = "queued"
	AnalysisNotified = "notified"
)

// workerLivenessWindow bounds how stale a heartbeat may be before the
// worker stops counting toward active_workers.
const workerLivenessWindow = 2 * time.Minute

// Outbound message statuses. The delivery component owns the
// completed -> sent transition.
const (
	OutboundPending   = "pending"
	OutboundCompleted = "completed"
	OutboundSent      = "sent"
	OutboundFailed    = "failed"
)

// Outbound message kinds understood by the delivery component.
const (
	KindAgentReport       = "agent_report"
	KindCycleLimit        = "cycle_limit_notification"
	KindMonitoringStarted = "monitoring_started"
	KindStartMonitoring   = "start_monitoring"
	KindRestartMonitoring = "restart_monitoring"
	KindAnalysisComplete  = "analysis_complete"
)

// User is a chat-service user with plan-based quotas.
type User struct {
	ID                  int64      `json:"id" db:"id"`
	ExternalID          int64      `json:"external_id" db:"external_id"`
	Username            string     `json:"username" db:"username"`
	FirstName           string     `json:"first_name" db:"first_name"`
	LastName            string     `json:"last_name" db:"last_name"`
	Plan                string     `json:"plan" db:"plan"`
	DailyTaskLimit      int        `json:"daily_task_limit" db:"daily_task_limit"`
	ConcurrentTaskLimit int        `json:"concurrent_task_limit" db:"concurrent_task_limit"`
	DailyTasksCreated   int        `json:"daily_tasks_created" db:"daily_tasks_created"`
	LastDailyReset      time.Time  `json:"last_daily_reset" db:"last_daily_reset"`
	PlanExpiresAt       *time.Time `json:"plan_expires_at" db:"plan_expires_at"`
	IsActive            bool       `json:"is_active" db:"is_active"`
	IsBanned            bool       `json:"is_banned" db:"is_banned"`
	BanReason           string     `json:"ban_reason" db:"ban_reason"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// UserProfile carries the display fields upserted on every contact.
type UserProfile struct {
	Username  string
	FirstName string
	LastName  string
}

// Task is one research task owned by a user.
type Task struct {
	ID                    int64      `json:"id" db:"id"`
	UserID                int64      `json:"user_id" db:"user_id"`
	Title                 string     `json:"title" db:"title"`
	Description           string     `json:"description" db:"description"`
	Status                string     `json:"status" db:"status"`
	CyclesCompleted       int        `json:"cycles_completed" db:"cycles_completed"`
	MaxCycles             int        `json:"max_cycles" db:"max_cycles"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at" db:"processing_started_at"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at" db:"processing_completed_at"`
	ErrorMessage          string     `json:"error_message" db:"error_message"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// QueueEntry is the 1:1 queue row for a non-terminal task.
type QueueEntry struct {
	ID                 int64      `json:"id" db:"id"`
	TaskID             int64      `json:"task_id" db:"task_id"`
	Priority           int        `json:"priority" db:"priority"`
	QueuePosition      int        `json:"queue_position" db:"queue_position"`
	EstimatedStartTime *time.Time `json:"estimated_start_time" db:"estimated_start_time"`
	WorkerID           string     `json:"worker_id" db:"worker_id"`
	StartedAt          *time.Time `json:"started_at" db:"started_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// RateLimitRecord keeps the three sliding counters for one (user, action).
type RateLimitRecord struct {
	ID            int64     `json:"id" db:"id"`
	UserID        int64     `json:"user_id" db:"user_id"`
	ActionKind    string    `json:"action_kind" db:"action_kind"`
	CountMinute   int       `json:"count_per_minute" db:"count_per_minute"`
	CountHour     int       `json:"count_per_hour" db:"count_per_hour"`
	CountDay      int       `json:"count_per_day" db:"count_per_day"`
	MinuteResetAt time.Time `json:"minute_reset_at" db:"minute_reset_at"`
	HourResetAt   time.Time `json:"hour_reset_at" db:"hour_reset_at"`
	DayResetAt    time.Time `json:"day_reset_at" db:"day_reset_at"`
	LastActionAt  time.Time `json:"last_action_at" db:"last_action_at"`
}

// TaskStatistics is the singleton global processing record used for ETAs.
type TaskStatistics struct {
	TotalTasksProcessed  int       `json:"total_tasks_processed" db:"total_tasks_processed"`
	TotalProcessingSecs  int       `json:"total_processing_time_seconds" db:"total_processing_time_seconds"`
	MedianProcessingTime float64   `json:"median_processing_time" db:"median_processing_time"`
	AvgProcessingTime    float64   `json:"avg_processing_time" db:"avg_processing_time"`
	MinProcessingTime    float64   `json:"min_processing_time" db:"min_processing_time"`
	MaxProcessingTime    float64   `json:"max_processing_time" db:"max_processing_time"`
	CurrentQueueLength   int       `json:"current_queue_length" db:"current_queue_length"`
	ActiveWorkers        int       `json:"active_workers" db:"active_workers"`
	RecentCompletedTasks int       `json:"recent_completed_tasks" db:"recent_completed_tasks"`
	RecentFailedTasks    int       `json:"recent_failed_tasks" db:"recent_failed_tasks"`
	RecentAvgTime        float64   `json:"recent_avg_time" db:"recent_avg_time"`
	LastUpdated          time.Time `json:"last_updated" db:"last_updated"`
}

// DefaultStatistics seeds the singleton before any task has run.
func DefaultStatistics() TaskStatistics {
	return TaskStatistics{
		MedianProcessingTime: 300,
		AvgProcessingTime:    300,
		MinProcessingTime:    60,
		MaxProcessingTime:    1800,
		ActiveWorkers:        1,
		RecentAvgTime:        300,
		LastUpdated:          time.Now(),
	}
}

// Paper is a durable record of a retrieved item, unique by source id.
type Paper struct {
	ID              int64      `json:"id" db:"id"`
	SourceID        string     `json:"source_id" db:"source_id"`
	Title           string     `json:"title" db:"title"`
	Summary         string     `json:"summary" db:"summary"`
	Categories      string     `json:"categories" db:"categories"` // JSON list
	Published       *time.Time `json:"published" db:"published"`
	Updated         *time.Time `json:"updated" db:"updated"`
	PDFURL          string     `json:"pdf_url" db:"pdf_url"`
	AbsURL          string     `json:"abs_url" db:"abs_url"`
	DOI             string     `json:"doi" db:"doi"`
	PrimaryCategory string     `json:"primary_category" db:"primary_category"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// Analysis is one LLM (or heuristic) judgment of a paper for a task.
// Unique per (paper, task).
type Analysis struct {
	ID           int64     `json:"id" db:"id"`
	PaperID      int64     `json:"paper_id" db:"paper_id"`
	TaskID       int64     `json:"task_id" db:"task_id"`
	Relevance    float64   `json:"relevance" db:"relevance"`
	Summary      string    `json:"summary" db:"summary"`
	KeyFragments string    `json:"key_fragments" db:"key_fragments"`
	Reasoning    string    `json:"contextual_reasoning" db:"contextual_reasoning"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Finding links a task to a paper that passed selection in some cycle.
type Finding struct {
	ID         int64      `json:"id" db:"id"`
	TaskID     int64      `json:"task_id" db:"task_id"`
	PaperID    int64      `json:"paper_id" db:"paper_id"`
	Relevance  float64    `json:"relevance" db:"relevance"`
	Summary    string     `json:"summary" db:"summary"`
	NotifiedAt *time.Time `json:"notified_at" db:"notified_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// SearchQuery is an explicit, user-provided query attached to a task.
type SearchQuery struct {
	ID        int64     `json:"id" db:"id"`
	TaskID    int64     `json:"task_id" db:"task_id"`
	QueryText string    `json:"query_text" db:"query_text"`
	Rationale string    `json:"rationale" db:"rationale"`
	Status    string    `json:"status" db:"status"` // active | disabled
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UserSettings holds per-user pipeline thresholds.
type UserSettings struct {
	UserID       int64   `json:"user_id" db:"user_id"`
	MinRelevance float64 `json:"min_relevance" db:"min_relevance"`
	GroupChatID  *int64  `json:"group_chat_id" db:"group_chat_id"`
}

// OutboundMessage is the handoff row consumed by the delivery component.
type OutboundMessage struct {
	ID             int64     `json:"id" db:"id"`
	Kind           string    `json:"kind" db:"kind"`
	UserExternalID int64     `json:"user_external_id" db:"user_external_id"`
	PayloadText    string    `json:"payload_text" db:"payload_text"`
	Status         string    `json:"status" db:"status"`
	Result         string    `json:"result" db:"result"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// AgentStatus is the single-row heartbeat per worker id.
type AgentStatus struct {
	WorkerID      string    `json:"worker_id" db:"worker_id"`
	Status        string    `json:"status" db:"status"` // idle | running | error
	Activity      string    `json:"activity" db:"activity"`
	CurrentUserID *int64    `json:"current_user_id" db:"current_user_id"`
	LastActivity  time.Time `json:"last_activity" db:"last_activity"`
	SessionStart  time.Time `json:"session_start" db:"session_start"`
}
