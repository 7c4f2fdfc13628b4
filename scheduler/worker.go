// Package scheduler runs the worker loop that dispatches queued tasks
// through the research pipeline.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/avelins/paperscout/notify"
	"github.com/avelins/paperscout/observability"
	"github.com/avelins/paperscout/pipeline"
	"github.com/avelins/paperscout/store"
)

// Runner executes one pipeline cycle. Satisfied by *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, task pipeline.Task) (*pipeline.Output, error)
}

// Config holds the worker knobs.
type Config struct {
	WorkerID     string
	PollInterval time.Duration
	// ErrorBackoff caps the pause after a failed cycle.
	ErrorBackoff time.Duration
	// DryRun skips paper/analysis/finding persistence; notifications still
	// go out.
	DryRun     bool
	MaxAnalyze int
}

func DefaultConfig() Config {
	return Config{
		WorkerID:     DefaultWorkerID(),
		PollInterval: 10 * time.Second,
		ErrorBackoff: time.Minute,
		MaxAnalyze:   pipeline.DefaultMaxAnalyze,
	}
}

// DefaultWorkerID is hostname plus a short random suffix, so replicas stay
// distinguishable in the queue and agent status tables.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Worker claims queued tasks one at a time and runs cycles until its
// context is cancelled.
type Worker struct {
	store    store.Store
	runner   Runner
	notifier *notify.Notifier
	cfg      Config
}

func NewWorker(st store.Store, runner Runner, notifier *notify.Notifier, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Minute
	}
	if cfg.MaxAnalyze == 0 {
		cfg.MaxAnalyze = pipeline.DefaultMaxAnalyze
	}
	return &Worker{store: st, runner: runner, notifier: notifier, cfg: cfg}
}

// Run is the main loop. Orphaned queue entries from a previous crash are
// cleared once at startup.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.store.CleanupOrphanedQueueEntries(ctx); err != nil {
		log.WithField("err", err).Warn("orphan cleanup failed")
	} else if n > 0 {
		log.WithField("removed", n).Info("cleaned up orphaned queue entries")
	}
	w.setStatus(ctx, "running", "starting", nil)

	for {
		select {
		case <-ctx.Done():
			w.setStatus(context.Background(), "idle", "stopped", nil)
			return ctx.Err()
		default:
		}
		worked, err := w.Step(ctx)
		switch {
		case err != nil:
			w.pause(ctx, w.errorPause())
		case !worked:
			w.setStatus(ctx, "idle", "waiting for tasks", nil)
			w.pause(ctx, w.cfg.PollInterval)
		}
	}
}

// Step claims and processes at most one task. It reports whether a task
// was processed and any cycle error, which has already been recorded
// against the task.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	w.observeQueueDepth(ctx)

	task, err := w.store.NextQueuedTask(ctx)
	if err != nil {
		log.WithField("err", err).Error("queue poll failed")
		return false, err
	}
	if task == nil {
		return false, nil
	}
	claimed, err := w.store.StartProcessing(ctx, task.ID, w.cfg.WorkerID)
	if err != nil {
		log.WithFields(log.Fields{"task_id": task.ID, "err": err}).Error("claim failed")
		return false, err
	}
	if !claimed {
		// Another worker got there first.
		return false, nil
	}

	started := time.Now()
	cycleErr := w.runCycle(ctx, task)
	seconds := time.Since(started).Seconds()

	if cycleErr != nil {
		log.WithFields(log.Fields{"task_id": task.ID, "err": cycleErr}).Error("cycle failed")
		if _, err := w.store.CompleteCycle(ctx, task.ID, false, seconds, cycleErr.Error()); err != nil {
			log.WithFields(log.Fields{"task_id": task.ID, "err": err}).Error("failure completion failed")
		}
		observability.CyclesTotal.WithLabelValues("failure").Inc()
		w.setStatus(ctx, "error", fmt.Sprintf("cycle failed for task #%d", task.ID), &task.UserID)
		return true, cycleErr
	}

	result, err := w.store.CompleteCycle(ctx, task.ID, true, seconds, "")
	if err != nil {
		log.WithFields(log.Fields{"task_id": task.ID, "err": err}).Error("completion failed")
		return true, err
	}
	observability.CyclesTotal.WithLabelValues("success").Inc()
	observability.CycleDuration.Observe(seconds)

	if result != nil && result.LimitReached {
		w.notifyCycleLimit(ctx, task)
	}
	w.setStatus(ctx, "running", "between tasks", nil)
	return true, nil
}

func (w *Worker) runCycle(ctx context.Context, task *store.Task) error {
	user, err := w.store.GetUser(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", task.UserID, err)
	}
	w.setStatus(ctx, "running", fmt.Sprintf("processing task #%d", task.ID), &task.UserID)

	if task.CyclesCompleted == 0 {
		if _, err := w.notifier.SendMonitoringStarted(ctx, user, task); err != nil {
			log.WithFields(log.Fields{"task_id": task.ID, "err": err}).Warn("monitoring-started notice failed")
		}
	}

	pt, err := w.composeTask(ctx, task)
	if err != nil {
		return err
	}
	out, err := w.runner.Run(ctx, pt)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	// The user may cancel or pause while the pipeline runs; drop the
	// cycle's side effects if the task left processing in the meantime.
	fresh, err := w.store.GetTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("recheck task %d: %w", task.ID, err)
	}
	if fresh == nil || fresh.Status != store.TaskProcessing {
		log.WithFields(log.Fields{"task_id": task.ID, "status": taskStatusOf(fresh)}).
			Info("task no longer processing, discarding cycle output")
		return nil
	}

	if !out.ShouldNotify || out.ReportText == "" {
		return nil
	}

	var analysisIDs []int64
	if w.cfg.DryRun {
		log.WithFields(log.Fields{"task_id": task.ID, "selected": len(out.Selected)}).
			Info("dry run, skipping persistence")
	} else {
		analysisIDs, err = w.persistSelected(ctx, task, out.Selected)
		if err != nil {
			return err
		}
	}
	if _, err := w.notifier.SendReport(ctx, user, out.ReportText, analysisIDs); err != nil {
		return err
	}
	return nil
}

func taskStatusOf(t *store.Task) string {
	if t == nil {
		return "missing"
	}
	return t.Status
}

// composeTask builds the pipeline task from durable state: the description,
// the user's relevance threshold and any persisted search queries.
func (w *Worker) composeTask(ctx context.Context, task *store.Task) (pipeline.Task, error) {
	settings, err := w.store.GetUserSettings(ctx, task.UserID)
	if err != nil {
		return pipeline.Task{}, fmt.Errorf("load settings: %w", err)
	}
	stored, err := w.store.ListActiveSearchQueries(ctx, task.ID)
	if err != nil {
		return pipeline.Task{}, fmt.Errorf("load search queries: %w", err)
	}
	queries := make([]string, 0, len(stored))
	for _, q := range stored {
		queries = append(queries, q.QueryText)
	}
	return pipeline.Task{
		TaskID:       task.ID,
		Query:        task.Description,
		MaxAnalyze:   w.cfg.MaxAnalyze,
		MinRelevance: settings.MinRelevance,
		Queries:      queries,
	}, nil
}

func (w *Worker) persistSelected(ctx context.Context, task *store.Task, selected []pipeline.Scored) ([]int64, error) {
	now := time.Now().UTC()
	ids := make([]int64, 0, len(selected))
	for _, s := range selected {
		c := s.Result.Candidate
		published := c.Published
		if published == nil {
			published = c.Updated
		}
		if published == nil {
			published = &now
		}
		categories := ""
		if len(c.Categories) > 0 {
			if raw, err := json.Marshal(c.Categories); err == nil {
				categories = string(raw)
			}
		}
		paper, err := w.store.UpsertPaper(ctx, &store.Paper{
			SourceID:        c.SourceID,
			Title:           c.Title,
			Summary:         c.Summary,
			Categories:      categories,
			Published:       published,
			Updated:         c.Updated,
			PDFURL:          c.PDFURL,
			AbsURL:          c.AbsURL,
			DOI:             c.DOI,
			PrimaryCategory: c.PrimaryCategory,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert paper %s: %w", c.SourceID, err)
		}
		analysis, err := w.store.CreateAnalysis(ctx, &store.Analysis{
			PaperID:      paper.ID,
			TaskID:       task.ID,
			Relevance:    s.OverallScore,
			Summary:      s.Result.Summary,
			KeyFragments: s.Result.KeyFragments,
			Reasoning:    s.Result.ContextualReasoning,
			Status:       store.AnalysisAnalyzed,
		})
		if err != nil {
			return nil, fmt.Errorf("create analysis for paper %d: %w", paper.ID, err)
		}
		if _, err := w.store.CreateFinding(ctx, &store.Finding{
			TaskID:    task.ID,
			PaperID:   paper.ID,
			Relevance: s.OverallScore,
			Summary:   s.Result.Summary,
		}); err != nil {
			return nil, fmt.Errorf("create finding for paper %d: %w", paper.ID, err)
		}
		ids = append(ids, analysis.ID)
	}
	return ids, nil
}

func (w *Worker) notifyCycleLimit(ctx context.Context, task *store.Task) {
	fresh, err := w.store.GetTask(ctx, task.ID)
	if err != nil || fresh == nil {
		fresh = task
	}
	user, err := w.store.GetUser(ctx, task.UserID)
	if err != nil {
		log.WithFields(log.Fields{"task_id": task.ID, "err": err}).Warn("cycle-limit notice skipped")
		return
	}
	findings, err := w.store.ListFindings(ctx, task.ID)
	if err != nil {
		log.WithFields(log.Fields{"task_id": task.ID, "err": err}).Warn("findings lookup failed")
	}
	if _, err := w.notifier.SendCycleLimit(ctx, user, fresh, len(findings) > 0); err != nil {
		log.WithFields(log.Fields{"task_id": task.ID, "err": err}).Warn("cycle-limit notice failed")
	}
}

func (w *Worker) setStatus(ctx context.Context, status, activity string, userID *int64) {
	err := w.store.UpdateAgentStatus(ctx, &store.AgentStatus{
		WorkerID:      w.cfg.WorkerID,
		Status:        status,
		Activity:      activity,
		CurrentUserID: userID,
	})
	if err != nil {
		log.WithField("err", err).Debug("agent status update failed")
	}
}

func (w *Worker) observeQueueDepth(ctx context.Context) {
	if n, err := w.store.QueueLength(ctx); err == nil {
		observability.QueueDepth.Set(float64(n))
	}
}

func (w *Worker) errorPause() time.Duration {
	if w.cfg.PollInterval < w.cfg.ErrorBackoff {
		return w.cfg.PollInterval
	}
	return w.cfg.ErrorBackoff
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
