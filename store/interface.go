package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that require the row to exist.
var ErrNotFound = errors.New("store: not found")

// CycleResult reports what CompleteCycle did so the caller can decide
// whether to notify the user.
type CycleResult struct {
	Status          string
	CyclesCompleted int
	MaxCycles       int
	LimitReached    bool
}

// Store defines the methods required for a storage backend.
// It abstracts over Postgres (durable) and memory (tests, dev).
type Store interface {
	// User Operations
	GetOrCreateUser(ctx context.Context, externalID int64, profile UserProfile) (*User, error)
	GetUser(ctx context.Context, userID int64) (*User, error)
	UpgradePlan(ctx context.Context, userID int64, plan string, expiresAt *time.Time) error
	SetUserBanned(ctx context.Context, userID int64, banned bool, reason string) error

	// Admission checks plan quotas for a new task. It applies the lazy daily
	// reset as a side effect. The string is a user-facing denial reason.
	CheckAdmission(ctx context.Context, userID int64) (bool, string, error)

	// Task Operations
	CreateTaskAndEnqueue(ctx context.Context, userID int64, description string) (*Task, *QueueEntry, error)
	GetTask(ctx context.Context, taskID int64) (*Task, error)
	ListUserTasks(ctx context.Context, userID int64, limit int) ([]*Task, error)
	// SetTaskStatusForUser changes status only when the task belongs to the
	// user and the transition is allowed. Returns false when it did nothing.
	SetTaskStatusForUser(ctx context.Context, userID int64, taskID int64, status string) (bool, error)

	// Dispatch Operations
	NextQueuedTask(ctx context.Context) (*Task, error)
	// StartProcessing is the dispatch CAS: it succeeds only from queued,
	// stamping the worker id and start time on the queue entry.
	StartProcessing(ctx context.Context, taskID int64, workerID string) (bool, error)
	// CompleteCycle finishes one processing pass. On success it increments
	// the cycle counter and either re-queues the task or completes it at the
	// cycle limit. On failure it marks the task failed. It folds the
	// processing time into the global statistics. A task not in processing
	// is a no-op returning nil.
	CompleteCycle(ctx context.Context, taskID int64, success bool, processingSeconds float64, errorMessage string) (*CycleResult, error)

	// Queue Operations
	GetQueueEntry(ctx context.Context, taskID int64) (*QueueEntry, error)
	QueueLength(ctx context.Context) (int, error)
	// CleanupOrphanedQueueEntries deletes queue rows whose task reached a
	// terminal status. Returns the number removed.
	CleanupOrphanedQueueEntries(ctx context.Context) (int, error)

	// Rate Limit Operations
	// CheckRateLimit enforces the per-minute/hour/day sliding windows for an
	// action. The string is a user-facing denial reason.
	CheckRateLimit(ctx context.Context, userID int64, action string) (bool, string, error)

	// Statistics Operations
	GetStatistics(ctx context.Context) (*TaskStatistics, error)

	// Paper Operations
	UpsertPaper(ctx context.Context, p *Paper) (*Paper, error)
	GetPaperBySourceID(ctx context.Context, sourceID string) (*Paper, error)
	// CreateAnalysis inserts a judgment unique per (paper, task); a duplicate
	// returns the existing row unchanged.
	CreateAnalysis(ctx context.Context, a *Analysis) (*Analysis, error)
	// SetAnalysisStatus advances the monotonic analyzed -> queued -> notified
	// chain; a backward transition is a logged no-op returning false.
	SetAnalysisStatus(ctx context.Context, analysisID int64, status string) (bool, error)
	CreateFinding(ctx context.Context, f *Finding) (*Finding, error)
	ListFindings(ctx context.Context, taskID int64) ([]*Finding, error)

	// Settings Operations
	GetUserSettings(ctx context.Context, userID int64) (*UserSettings, error)
	SetUserSettings(ctx context.Context, s *UserSettings) error

	// Search Query Operations
	AddSearchQuery(ctx context.Context, q *SearchQuery) (*SearchQuery, error)
	ListActiveSearchQueries(ctx context.Context, taskID int64) ([]*SearchQuery, error)

	// Agent Status Operations
	UpdateAgentStatus(ctx context.Context, st *AgentStatus) error

	// Outbound Operations
	EnqueueOutbound(ctx context.Context, m *OutboundMessage) (*OutboundMessage, error)
	ListOutboundAfter(ctx context.Context, lastID int64, limit int) ([]*OutboundMessage, error)
	MarkOutboundSent(ctx context.Context, ids []int64) error

	Close()
}
