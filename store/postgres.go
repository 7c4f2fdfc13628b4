package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and makes sure the schema and the statistics singleton exist.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const userColumns = `id, external_id, username, first_name, last_name, plan,
	daily_task_limit, concurrent_task_limit, daily_tasks_created, last_daily_reset,
	plan_expires_at, is_active, is_banned, ban_reason, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.ExternalID, &u.Username, &u.FirstName, &u.LastName, &u.Plan,
		&u.DailyTaskLimit, &u.ConcurrentTaskLimit, &u.DailyTasksCreated, &u.LastDailyReset,
		&u.PlanExpiresAt, &u.IsActive, &u.IsBanned, &u.BanReason, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const taskColumns = `id, user_id, title, description, status, cycles_completed, max_cycles,
	processing_started_at, processing_completed_at, error_message, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.UserID, &t.Title, &t.Description, &t.Status, &t.CyclesCompleted, &t.MaxCycles,
		&t.ProcessingStartedAt, &t.ProcessingCompletedAt, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- User Operations ---

func (s *PostgresStore) GetOrCreateUser(ctx context.Context, externalID int64, profile UserProfile) (*User, error) {
	daily, concurrent, _ := PlanLimits(PlanFree)
	query := `
		INSERT INTO app_user (external_id, username, first_name, last_name, plan,
			daily_task_limit, concurrent_task_limit, last_daily_reset, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), TRUE, NOW(), NOW())
		ON CONFLICT (external_id) DO UPDATE SET
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			updated_at = NOW()
		RETURNING ` + userColumns
	return scanUser(s.pool.QueryRow(ctx, query,
		externalID, profile.Username, profile.FirstName, profile.LastName, PlanFree, daily, concurrent))
}

func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM app_user WHERE id = $1`
	return scanUser(s.pool.QueryRow(ctx, query, userID))
}

func (s *PostgresStore) UpgradePlan(ctx context.Context, userID int64, plan string, expiresAt *time.Time) error {
	daily, concurrent, _ := PlanLimits(plan)
	query := `
		UPDATE app_user
		SET plan = $2, daily_task_limit = $3, concurrent_task_limit = $4,
			plan_expires_at = $5, updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, userID, plan, daily, concurrent, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetUserBanned(ctx context.Context, userID int64, banned bool, reason string) error {
	query := `UPDATE app_user SET is_banned = $2, ban_reason = $3, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, userID, banned, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Admission ---

func (s *PostgresStore) CheckAdmission(ctx context.Context, userID int64) (bool, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback(ctx)

	u, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM app_user WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		return false, "", err
	}
	if u == nil {
		return false, "", ErrNotFound
	}

	now := time.Now()
	if dailyResetDue(u, now) {
		u.DailyTasksCreated = 0
		u.LastDailyReset = now
		if _, err := tx.Exec(ctx,
			`UPDATE app_user SET daily_tasks_created = 0, last_daily_reset = $2, updated_at = NOW() WHERE id = $1`,
			userID, now); err != nil {
			return false, "", err
		}
	}

	var active int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_task WHERE user_id = $1 AND status IN ($2, $3)`,
		userID, TaskQueued, TaskProcessing).Scan(&active)
	if err != nil {
		return false, "", err
	}

	ok, reason := admissionVerdict(u, active, now)
	if err := tx.Commit(ctx); err != nil {
		return false, "", err
	}
	return ok, reason, nil
}

// --- Task Operations ---

func (s *PostgresStore) CreateTaskAndEnqueue(ctx context.Context, userID int64, description string) (*Task, *QueueEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	u, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM app_user WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, nil, err
	}
	if u == nil {
		return nil, nil, ErrNotFound
	}
	_, _, maxCycles := PlanLimits(u.Plan)

	t, err := scanTask(tx.QueryRow(ctx, `
		INSERT INTO user_task (user_id, title, description, status, max_cycles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING `+taskColumns,
		userID, taskTitle(description), description, TaskQueued, maxCycles))
	if err != nil {
		return nil, nil, err
	}

	var e QueueEntry
	err = tx.QueryRow(ctx, `
		INSERT INTO task_queue (task_id, priority, worker_id, created_at, updated_at)
		VALUES ($1, $2, '', NOW(), NOW())
		RETURNING id, task_id, priority, queue_position, estimated_start_time, worker_id, started_at, created_at, updated_at`,
		t.ID, PlanPriority(u.Plan)).Scan(
		&e.ID, &e.TaskID, &e.Priority, &e.QueuePosition, &e.EstimatedStartTime,
		&e.WorkerID, &e.StartedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE app_user SET daily_tasks_created = daily_tasks_created + 1, updated_at = NOW() WHERE id = $1`,
		userID); err != nil {
		return nil, nil, err
	}
	if err := refreshQueueTx(ctx, tx); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return t, &e, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	return scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM user_task WHERE id = $1`, taskID))
}

func (s *PostgresStore) ListUserTasks(ctx context.Context, userID int64, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM user_task WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) SetTaskStatusForUser(ctx context.Context, userID int64, taskID int64, status string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE user_task SET status = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status NOT IN ($4, $5, $6)`,
		taskID, userID, status, TaskCompleted, TaskFailed, TaskCancelled)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	switch status {
	case TaskQueued:
		_, err = tx.Exec(ctx, `
			INSERT INTO task_queue (task_id, priority, worker_id, created_at, updated_at)
			SELECT t.id, CASE WHEN u.plan = $2 THEN 50 ELSE 100 END, '', NOW(), NOW()
			FROM user_task t JOIN app_user u ON u.id = t.user_id
			WHERE t.id = $1
			ON CONFLICT (task_id) DO NOTHING`, taskID, PlanPremium)
	case TaskCancelled, TaskPaused:
		_, err = tx.Exec(ctx, `DELETE FROM task_queue WHERE task_id = $1`, taskID)
	}
	if err != nil {
		return false, err
	}
	if err := refreshQueueTx(ctx, tx); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// --- Dispatch Operations ---

func (s *PostgresStore) NextQueuedTask(ctx context.Context) (*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM user_task t
		JOIN task_queue q ON q.task_id = t.id
		WHERE t.status = $1 AND q.worker_id = ''
		ORDER BY q.priority, q.created_at
		LIMIT 1`
	return scanTask(s.pool.QueryRow(ctx, query, TaskQueued))
}

func (s *PostgresStore) StartProcessing(ctx context.Context, taskID int64, workerID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	// Dispatch CAS: only a queued task can be claimed.
	tag, err := tx.Exec(ctx, `
		UPDATE user_task SET status = $2, processing_started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		taskID, TaskProcessing, TaskQueued)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE task_queue SET worker_id = $2, started_at = NOW(), updated_at = NOW()
		WHERE task_id = $1`,
		taskID, workerID); err != nil {
		return false, err
	}
	if err := refreshQueueTx(ctx, tx); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PostgresStore) CompleteCycle(ctx context.Context, taskID int64, success bool, processingSeconds float64, errorMessage string) (*CycleResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := scanTask(tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM user_task WHERE id = $1 FOR UPDATE`, taskID))
	if err != nil {
		return nil, err
	}
	if t == nil || t.Status != TaskProcessing {
		// Idempotent: a second completion of the same cycle does nothing.
		return nil, tx.Commit(ctx)
	}

	res := &CycleResult{MaxCycles: t.MaxCycles}
	if success {
		t.CyclesCompleted++
		if t.CyclesCompleted >= t.MaxCycles {
			res.LimitReached = true
			if _, err := tx.Exec(ctx, `
				UPDATE user_task SET status = $2, cycles_completed = $3,
					processing_completed_at = NOW(), updated_at = NOW()
				WHERE id = $1`, taskID, TaskCompleted, t.CyclesCompleted); err != nil {
				return nil, err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM task_queue WHERE task_id = $1`, taskID); err != nil {
				return nil, err
			}
			res.Status = TaskCompleted
		} else {
			if _, err := tx.Exec(ctx, `
				UPDATE user_task SET status = $2, cycles_completed = $3, updated_at = NOW()
				WHERE id = $1`, taskID, TaskQueued, t.CyclesCompleted); err != nil {
				return nil, err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE task_queue SET worker_id = '', started_at = NULL, updated_at = NOW()
				WHERE task_id = $1`, taskID); err != nil {
				return nil, err
			}
			res.Status = TaskQueued
		}
	} else {
		if _, err := tx.Exec(ctx, `
			UPDATE user_task SET status = $2, error_message = $3,
				processing_completed_at = NOW(), updated_at = NOW()
			WHERE id = $1`, taskID, TaskFailed, errorMessage); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM task_queue WHERE task_id = $1`, taskID); err != nil {
			return nil, err
		}
		res.Status = TaskFailed
	}
	res.CyclesCompleted = t.CyclesCompleted

	st, err := lockStatisticsTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	applyCycleStats(st, processingSeconds, success, time.Now())
	if err := writeStatisticsTx(ctx, tx, st); err != nil {
		return nil, err
	}
	if err := refreshQueueTx(ctx, tx); err != nil {
		return nil, err
	}
	return res, tx.Commit(ctx)
}

// --- Queue Operations ---

func (s *PostgresStore) GetQueueEntry(ctx context.Context, taskID int64) (*QueueEntry, error) {
	var e QueueEntry
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, priority, queue_position, estimated_start_time, worker_id, started_at, created_at, updated_at
		FROM task_queue WHERE task_id = $1`, taskID).Scan(
		&e.ID, &e.TaskID, &e.Priority, &e.QueuePosition, &e.EstimatedStartTime,
		&e.WorkerID, &e.StartedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) QueueLength(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM task_queue`).Scan(&n)
	return n, err
}

func (s *PostgresStore) CleanupOrphanedQueueEntries(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM task_queue q
		USING user_task t
		WHERE t.id = q.task_id AND t.status IN ($1, $2, $3)`,
		TaskCompleted, TaskFailed, TaskCancelled)
	if err != nil {
		return 0, err
	}
	if err := refreshQueueTx(ctx, tx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), tx.Commit(ctx)
}

// refreshQueueTx renumbers waiting entries by (priority, created_at), writes
// fresh ETAs from the statistics row, and updates the queue-length gauge.
func refreshQueueTx(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `
		WITH s AS (
			SELECT median_processing_time, GREATEST(active_workers, 1) AS workers
			FROM task_statistics LIMIT 1
		),
		ranked AS (
			SELECT id, ROW_NUMBER() OVER (ORDER BY priority, created_at) AS pos
			FROM task_queue WHERE worker_id = ''
		)
		UPDATE task_queue q
		SET queue_position = r.pos,
			estimated_start_time = NOW() + make_interval(secs => s.median_processing_time * (r.pos - 1) / s.workers),
			updated_at = NOW()
		FROM ranked r, s
		WHERE q.id = r.id`)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE task_queue SET queue_position = 0 WHERE worker_id <> ''`); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE task_statistics SET current_queue_length = (SELECT COUNT(*) FROM task_queue), last_updated = NOW()`)
	return err
}

// --- Rate Limit Operations ---

func (s *PostgresStore) CheckRateLimit(ctx context.Context, userID int64, action string) (bool, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	var rec RateLimitRecord
	err = tx.QueryRow(ctx, `
		SELECT id, user_id, action_kind, count_per_minute, count_per_hour, count_per_day,
			minute_reset_at, hour_reset_at, day_reset_at, last_action_at
		FROM rate_limit_record WHERE user_id = $1 AND action_kind = $2 FOR UPDATE`,
		userID, action).Scan(
		&rec.ID, &rec.UserID, &rec.ActionKind, &rec.CountMinute, &rec.CountHour, &rec.CountDay,
		&rec.MinuteResetAt, &rec.HourResetAt, &rec.DayResetAt, &rec.LastActionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// First action for this (user, action): count it and pass.
		_, err = tx.Exec(ctx, `
			INSERT INTO rate_limit_record (user_id, action_kind, count_per_minute, count_per_hour, count_per_day,
				minute_reset_at, hour_reset_at, day_reset_at, last_action_at)
			VALUES ($1, $2, 1, 1, 1, $3, $3, $3, $3)`,
			userID, action, now)
		if err != nil {
			return false, "", err
		}
		return true, "OK", tx.Commit(ctx)
	}
	if err != nil {
		return false, "", err
	}

	rollRateWindows(&rec, now)
	ok, reason := rateVerdict(&rec, action, now)
	if _, err := tx.Exec(ctx, `
		UPDATE rate_limit_record
		SET count_per_minute = $2, count_per_hour = $3, count_per_day = $4,
			minute_reset_at = $5, hour_reset_at = $6, day_reset_at = $7, last_action_at = $8
		WHERE id = $1`,
		rec.ID, rec.CountMinute, rec.CountHour, rec.CountDay,
		rec.MinuteResetAt, rec.HourResetAt, rec.DayResetAt, rec.LastActionAt); err != nil {
		return false, "", err
	}
	return ok, reason, tx.Commit(ctx)
}

// --- Statistics Operations ---

const statisticsColumns = `total_tasks_processed, total_processing_time_seconds, median_processing_time,
	avg_processing_time, min_processing_time, max_processing_time, current_queue_length,
	active_workers, recent_completed_tasks, recent_failed_tasks, recent_avg_time, last_updated`

func scanStatistics(row pgx.Row) (*TaskStatistics, error) {
	var st TaskStatistics
	err := row.Scan(
		&st.TotalTasksProcessed, &st.TotalProcessingSecs, &st.MedianProcessingTime,
		&st.AvgProcessingTime, &st.MinProcessingTime, &st.MaxProcessingTime, &st.CurrentQueueLength,
		&st.ActiveWorkers, &st.RecentCompletedTasks, &st.RecentFailedTasks, &st.RecentAvgTime, &st.LastUpdated)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) GetStatistics(ctx context.Context) (*TaskStatistics, error) {
	return scanStatistics(s.pool.QueryRow(ctx,
		`SELECT `+statisticsColumns+` FROM task_statistics LIMIT 1`))
}

func lockStatisticsTx(ctx context.Context, tx pgx.Tx) (*TaskStatistics, error) {
	return scanStatistics(tx.QueryRow(ctx,
		`SELECT `+statisticsColumns+` FROM task_statistics LIMIT 1 FOR UPDATE`))
}

func writeStatisticsTx(ctx context.Context, tx pgx.Tx, st *TaskStatistics) error {
	_, err := tx.Exec(ctx, `
		UPDATE task_statistics
		SET total_tasks_processed = $1, total_processing_time_seconds = $2, median_processing_time = $3,
			avg_processing_time = $4, min_processing_time = $5, max_processing_time = $6,
			current_queue_length = $7, active_workers = $8, recent_completed_tasks = $9,
			recent_failed_tasks = $10, recent_avg_time = $11, last_updated = $12`,
		st.TotalTasksProcessed, st.TotalProcessingSecs, st.MedianProcessingTime,
		st.AvgProcessingTime, st.MinProcessingTime, st.MaxProcessingTime,
		st.CurrentQueueLength, st.ActiveWorkers, st.RecentCompletedTasks,
		st.RecentFailedTasks, st.RecentAvgTime, st.LastUpdated)
	return err
}

// --- Paper Operations ---

const paperColumns = `id, source_id, title, summary, categories, published, updated,
	pdf_url, abs_url, doi, primary_category, created_at`

func scanPaper(row pgx.Row) (*Paper, error) {
	var p Paper
	err := row.Scan(
		&p.ID, &p.SourceID, &p.Title, &p.Summary, &p.Categories, &p.Published, &p.Updated,
		&p.PDFURL, &p.AbsURL, &p.DOI, &p.PrimaryCategory, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) UpsertPaper(ctx context.Context, p *Paper) (*Paper, error) {
	got, err := scanPaper(s.pool.QueryRow(ctx, `
		INSERT INTO paper (source_id, title, summary, categories, published, updated,
			pdf_url, abs_url, doi, primary_category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (source_id) DO NOTHING
		RETURNING `+paperColumns,
		p.SourceID, p.Title, p.Summary, p.Categories, p.Published, p.Updated,
		p.PDFURL, p.AbsURL, p.DOI, p.PrimaryCategory))
	if err != nil {
		return nil, err
	}
	if got != nil {
		return got, nil
	}
	return s.GetPaperBySourceID(ctx, p.SourceID)
}

func (s *PostgresStore) GetPaperBySourceID(ctx context.Context, sourceID string) (*Paper, error) {
	return scanPaper(s.pool.QueryRow(ctx,
		`SELECT `+paperColumns+` FROM paper WHERE source_id = $1`, sourceID))
}

const analysisColumns = `id, paper_id, task_id, relevance, summary, key_fragments,
	contextual_reasoning, status, created_at, updated_at`

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var a Analysis
	err := row.Scan(
		&a.ID, &a.PaperID, &a.TaskID, &a.Relevance, &a.Summary, &a.KeyFragments,
		&a.Reasoning, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *Analysis) (*Analysis, error) {
	status := a.Status
	if status == "" {
		status = AnalysisAnalyzed
	}
	got, err := scanAnalysis(s.pool.QueryRow(ctx, `
		INSERT INTO paper_analysis (paper_id, task_id, relevance, summary, key_fragments,
			contextual_reasoning, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (paper_id, task_id) DO NOTHING
		RETURNING `+analysisColumns,
		a.PaperID, a.TaskID, a.Relevance, a.Summary, a.KeyFragments, a.Reasoning, status))
	if err != nil {
		return nil, err
	}
	if got != nil {
		return got, nil
	}
	return scanAnalysis(s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM paper_analysis WHERE paper_id = $1 AND task_id = $2`,
		a.PaperID, a.TaskID))
}

func (s *PostgresStore) SetAnalysisStatus(ctx context.Context, analysisID int64, status string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM paper_analysis WHERE id = $1 FOR UPDATE`, analysisID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if analysisRank(status) <= analysisRank(current) {
		return false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE paper_analysis SET status = $2, updated_at = NOW() WHERE id = $1`,
		analysisID, status); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// CreateFinding inserts at most one finding per (task, paper); replaying a
// cycle after a crash returns the existing row instead of duplicating it.
func (s *PostgresStore) CreateFinding(ctx context.Context, f *Finding) (*Finding, error) {
	var out Finding
	err := s.pool.QueryRow(ctx, `
		INSERT INTO finding (task_id, paper_id, relevance, summary, notified_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (task_id, paper_id) DO NOTHING
		RETURNING id, task_id, paper_id, relevance, summary, notified_at, created_at`,
		f.TaskID, f.PaperID, f.Relevance, f.Summary, f.NotifiedAt).Scan(
		&out.ID, &out.TaskID, &out.PaperID, &out.Relevance, &out.Summary, &out.NotifiedAt, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx, `
			SELECT id, task_id, paper_id, relevance, summary, notified_at, created_at
			FROM finding WHERE task_id = $1 AND paper_id = $2`,
			f.TaskID, f.PaperID).Scan(
			&out.ID, &out.TaskID, &out.PaperID, &out.Relevance, &out.Summary, &out.NotifiedAt, &out.CreatedAt)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) ListFindings(ctx context.Context, taskID int64) ([]*Finding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, paper_id, relevance, summary, notified_at, created_at
		FROM finding WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.ID, &f.TaskID, &f.PaperID, &f.Relevance, &f.Summary, &f.NotifiedAt, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// --- Settings Operations ---

func (s *PostgresStore) GetUserSettings(ctx context.Context, userID int64) (*UserSettings, error) {
	var st UserSettings
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, min_relevance, group_chat_id FROM user_settings WHERE user_id = $1`,
		userID).Scan(&st.UserID, &st.MinRelevance, &st.GroupChatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &UserSettings{UserID: userID, MinRelevance: 50}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) SetUserSettings(ctx context.Context, st *UserSettings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_settings (user_id, min_relevance, group_chat_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			min_relevance = EXCLUDED.min_relevance,
			group_chat_id = EXCLUDED.group_chat_id`,
		st.UserID, st.MinRelevance, st.GroupChatID)
	return err
}

// --- Search Query Operations ---

func (s *PostgresStore) AddSearchQuery(ctx context.Context, q *SearchQuery) (*SearchQuery, error) {
	status := q.Status
	if status == "" {
		status = "active"
	}
	var out SearchQuery
	err := s.pool.QueryRow(ctx, `
		INSERT INTO search_query (task_id, query_text, rationale, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, task_id, query_text, rationale, status, created_at`,
		q.TaskID, q.QueryText, q.Rationale, status).Scan(
		&out.ID, &out.TaskID, &out.QueryText, &out.Rationale, &out.Status, &out.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) ListActiveSearchQueries(ctx context.Context, taskID int64) ([]*SearchQuery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, query_text, rationale, status, created_at
		FROM search_query WHERE task_id = $1 AND status = 'active' ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SearchQuery
	for rows.Next() {
		var q SearchQuery
		if err := rows.Scan(&q.ID, &q.TaskID, &q.QueryText, &q.Rationale, &q.Status, &q.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &q)
	}
	return out, rows.Err()
}

// --- Agent Status Operations ---

func (s *PostgresStore) UpdateAgentStatus(ctx context.Context, st *AgentStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_status (worker_id, status, activity, current_user_id, last_activity, session_start)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			status = EXCLUDED.status,
			activity = EXCLUDED.activity,
			current_user_id = EXCLUDED.current_user_id,
			last_activity = NOW()`,
		st.WorkerID, st.Status, st.Activity, st.CurrentUserID)
	if err != nil {
		return err
	}
	// ETA estimates divide the queue by active_workers, so refresh it from
	// heartbeats seen within the liveness window.
	_, err = s.pool.Exec(ctx, `
		UPDATE task_statistics SET active_workers = GREATEST(1, (
			SELECT COUNT(*) FROM agent_status
			WHERE last_activity > NOW() - make_interval(secs => $1)
		)), last_updated = NOW()`,
		workerLivenessWindow.Seconds())
	return err
}

// --- Outbound Operations ---

func (s *PostgresStore) EnqueueOutbound(ctx context.Context, m *OutboundMessage) (*OutboundMessage, error) {
	status := m.Status
	if status == "" {
		status = OutboundCompleted
	}
	result := m.Result
	if result == "" {
		result = m.PayloadText
	}
	var out OutboundMessage
	err := s.pool.QueryRow(ctx, `
		INSERT INTO outbound_message (kind, user_external_id, payload_text, status, result, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING id, kind, user_external_id, payload_text, status, result, created_at, updated_at`,
		m.Kind, m.UserExternalID, m.PayloadText, status, result).Scan(
		&out.ID, &out.Kind, &out.UserExternalID, &out.PayloadText, &out.Status, &out.Result,
		&out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) ListOutboundAfter(ctx context.Context, lastID int64, limit int) ([]*OutboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, user_external_id, payload_text, status, result, created_at, updated_at
		FROM outbound_message
		WHERE id > $1 AND status = $2
		ORDER BY id
		LIMIT $3`, lastID, OutboundCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboundMessage
	for rows.Next() {
		var m OutboundMessage
		if err := rows.Scan(&m.ID, &m.Kind, &m.UserExternalID, &m.PayloadText, &m.Status, &m.Result,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkOutboundSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE outbound_message SET status = $1, updated_at = NOW() WHERE id = ANY($2)`,
		OutboundSent, ids)
	return err
}
