package store

import "context"

// ensureSchema creates the tables and the statistics singleton when they are
// missing. Runs at startup; every statement is idempotent.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS app_user (
			id BIGSERIAL PRIMARY KEY,
			external_id BIGINT NOT NULL UNIQUE,
			username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			daily_task_limit INT NOT NULL DEFAULT 5,
			concurrent_task_limit INT NOT NULL DEFAULT 1,
			daily_tasks_created INT NOT NULL DEFAULT 0,
			last_daily_reset TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			plan_expires_at TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_banned BOOLEAN NOT NULL DEFAULT FALSE,
			ban_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS user_task (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES app_user(id),
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			cycles_completed INT NOT NULL DEFAULT 0,
			max_cycles INT NOT NULL DEFAULT 5,
			processing_started_at TIMESTAMPTZ,
			processing_completed_at TIMESTAMPTZ,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_task_user_status ON user_task (user_id, status)`,
		`CREATE TABLE IF NOT EXISTS task_queue (
			id BIGSERIAL PRIMARY KEY,
			task_id BIGINT NOT NULL UNIQUE REFERENCES user_task(id) ON DELETE CASCADE,
			priority INT NOT NULL DEFAULT 100,
			queue_position INT NOT NULL DEFAULT 0,
			estimated_start_time TIMESTAMPTZ,
			worker_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_queue_dispatch ON task_queue (priority, created_at)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_record (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			action_kind TEXT NOT NULL,
			count_per_minute INT NOT NULL DEFAULT 0,
			count_per_hour INT NOT NULL DEFAULT 0,
			count_per_day INT NOT NULL DEFAULT 0,
			minute_reset_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			hour_reset_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			day_reset_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_action_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, action_kind)
		)`,
		`CREATE TABLE IF NOT EXISTS task_statistics (
			total_tasks_processed INT NOT NULL DEFAULT 0,
			total_processing_time_seconds INT NOT NULL DEFAULT 0,
			median_processing_time DOUBLE PRECISION NOT NULL DEFAULT 300,
			avg_processing_time DOUBLE PRECISION NOT NULL DEFAULT 300,
			min_processing_time DOUBLE PRECISION NOT NULL DEFAULT 60,
			max_processing_time DOUBLE PRECISION NOT NULL DEFAULT 1800,
			current_queue_length INT NOT NULL DEFAULT 0,
			active_workers INT NOT NULL DEFAULT 1,
			recent_completed_tasks INT NOT NULL DEFAULT 0,
			recent_failed_tasks INT NOT NULL DEFAULT 0,
			recent_avg_time DOUBLE PRECISION NOT NULL DEFAULT 300,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS paper (
			id BIGSERIAL PRIMARY KEY,
			source_id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			categories TEXT NOT NULL DEFAULT '[]',
			published TIMESTAMPTZ,
			updated TIMESTAMPTZ,
			pdf_url TEXT NOT NULL DEFAULT '',
			abs_url TEXT NOT NULL DEFAULT '',
			doi TEXT NOT NULL DEFAULT '',
			primary_category TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS paper_analysis (
			id BIGSERIAL PRIMARY KEY,
			paper_id BIGINT NOT NULL REFERENCES paper(id),
			task_id BIGINT NOT NULL REFERENCES user_task(id),
			relevance DOUBLE PRECISION NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			key_fragments TEXT NOT NULL DEFAULT '',
			contextual_reasoning TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'analyzed',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (paper_id, task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS finding (
			id BIGSERIAL PRIMARY KEY,
			task_id BIGINT NOT NULL REFERENCES user_task(id),
			paper_id BIGINT NOT NULL REFERENCES paper(id),
			relevance DOUBLE PRECISION NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			notified_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (task_id, paper_id)
		)`,
		`CREATE TABLE IF NOT EXISTS search_query (
			id BIGSERIAL PRIMARY KEY,
			task_id BIGINT NOT NULL REFERENCES user_task(id) ON DELETE CASCADE,
			query_text TEXT NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id BIGINT PRIMARY KEY REFERENCES app_user(id),
			min_relevance DOUBLE PRECISION NOT NULL DEFAULT 50,
			group_chat_id BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS agent_status (
			worker_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'idle',
			activity TEXT NOT NULL DEFAULT '',
			current_user_id BIGINT,
			last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			session_start TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS outbound_message (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			user_external_id BIGINT NOT NULL,
			payload_text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'completed',
			result TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_message (status, id)`,
		`INSERT INTO task_statistics (total_tasks_processed)
			SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM task_statistics)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
