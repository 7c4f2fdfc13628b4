package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelins/paperscout/notify"
	"github.com/avelins/paperscout/pipeline"
	"github.com/avelins/paperscout/sources"
	"github.com/avelins/paperscout/store"
)

type fakeRunner struct {
	out   *pipeline.Output
	err   error
	tasks []pipeline.Task
}

func (f *fakeRunner) Run(_ context.Context, t pipeline.Task) (*pipeline.Output, error) {
	f.tasks = append(f.tasks, t)
	if f.err != nil {
		return nil, f.err
	}
	out := *f.out
	out.Task = t
	return &out, nil
}

func testConfig() Config {
	return Config{
		WorkerID:     "test-worker",
		PollInterval: time.Millisecond,
		ErrorBackoff: time.Millisecond,
	}
}

func newWorker(t *testing.T, runner Runner) (*Worker, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewWorker(st, runner, notify.New(st, 0), testConfig()), st
}

func createTask(t *testing.T, st *store.MemoryStore, description string) (*store.User, *store.Task) {
	t.Helper()
	ctx := context.Background()
	user, err := st.GetOrCreateUser(ctx, 555001, store.UserProfile{Username: "researcher"})
	require.NoError(t, err)
	task, _, err := st.CreateTaskAndEnqueue(ctx, user.ID, description)
	require.NoError(t, err)
	return user, task
}

func reportOutput() *pipeline.Output {
	return &pipeline.Output{
		Selected: []pipeline.Scored{{
			Result: pipeline.AnalysisResult{
				Candidate: sources.Candidate{
					SourceID: "2402.0007",
					Title:    "Medical imaging with transformers",
					Summary:  "Benchmarks and code included.",
					AbsURL:   "https://arxiv.org/abs/2402.0007",
				},
				Relevance: 88,
				Summary:   "Benchmarks and code included.",
			},
			OverallScore: 93,
		}},
		ShouldNotify: true,
		ReportText:   "Findings for your task: AI for medical imaging",
	}
}

func outbound(t *testing.T, st *store.MemoryStore) []*store.OutboundMessage {
	t.Helper()
	msgs, err := st.ListOutboundAfter(context.Background(), 0, 100)
	require.NoError(t, err)
	return msgs
}

func TestStepIdleOnEmptyQueue(t *testing.T) {
	w, _ := newWorker(t, &fakeRunner{out: reportOutput()})
	worked, err := w.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestStepProcessesAndRequeues(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{out: reportOutput()}
	w, st := newWorker(t, runner)
	user, task := createTask(t, st, "AI for medical imaging")

	worked, err := w.Step(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	// One successful cycle: the task goes back to queued.
	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskQueued, got.Status)
	assert.Equal(t, 1, got.CyclesCompleted)

	// Paper, analysis and finding were persisted.
	paper, err := st.GetPaperBySourceID(ctx, "2402.0007")
	require.NoError(t, err)
	require.NotNil(t, paper)
	findings, err := st.ListFindings(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, 93.0, findings[0].Relevance)

	// Monitoring-started notice, then the report, both addressed to the user.
	msgs := outbound(t, st)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.KindMonitoringStarted, msgs[0].Kind)
	assert.Equal(t, store.KindAgentReport, msgs[1].Kind)
	assert.Equal(t, user.ExternalID, msgs[1].UserExternalID)
	assert.Equal(t, "Findings for your task: AI for medical imaging", msgs[1].PayloadText)
}

func TestStepComposesTaskFromDurableState(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{out: &pipeline.Output{}}
	w, st := newWorker(t, runner)
	user, task := createTask(t, st, "AI for medical imaging")

	require.NoError(t, st.SetUserSettings(ctx, &store.UserSettings{UserID: user.ID, MinRelevance: 72}))
	_, err := st.AddSearchQuery(ctx, &store.SearchQuery{TaskID: task.ID, QueryText: "medical imaging transformers", Status: "active"})
	require.NoError(t, err)
	_, err = st.AddSearchQuery(ctx, &store.SearchQuery{TaskID: task.ID, QueryText: "stale", Status: "disabled"})
	require.NoError(t, err)

	_, err = w.Step(ctx)
	require.NoError(t, err)

	require.Len(t, runner.tasks, 1)
	pt := runner.tasks[0]
	assert.Equal(t, task.ID, pt.TaskID)
	assert.Equal(t, "AI for medical imaging", pt.Query)
	assert.Equal(t, 72.0, pt.MinRelevance)
	assert.Equal(t, []string{"medical imaging transformers"}, pt.Queries)
	assert.Equal(t, pipeline.DefaultMaxAnalyze, pt.MaxAnalyze)
}

func TestCycleLimitWithoutFindings(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{out: &pipeline.Output{}}
	w, st := newWorker(t, runner)
	_, task := createTask(t, st, "obscure topic nobody writes about")

	for i := 0; i < 5; i++ {
		worked, err := w.Step(ctx)
		require.NoError(t, err)
		require.True(t, worked, "cycle %d", i+1)
	}

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status)
	assert.Equal(t, 5, got.CyclesCompleted)

	msgs := outbound(t, st)
	var limit *store.OutboundMessage
	for _, m := range msgs {
		if m.Kind == store.KindCycleLimit {
			limit = m
		}
	}
	require.NotNil(t, limit)
	assert.True(t, strings.HasPrefix(limit.PayloadText, "🔄 Task #"), limit.PayloadText)
}

func TestCycleLimitWithFindings(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{out: reportOutput()}
	w, st := newWorker(t, runner)
	_, task := createTask(t, st, "AI for medical imaging")

	for i := 0; i < 5; i++ {
		_, err := w.Step(ctx)
		require.NoError(t, err)
	}

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status)

	msgs := outbound(t, st)
	var limit *store.OutboundMessage
	for _, m := range msgs {
		if m.Kind == store.KindCycleLimit {
			limit = m
		}
	}
	require.NotNil(t, limit)
	assert.True(t, strings.HasPrefix(limit.PayloadText, "🎉 Task #"), limit.PayloadText)
	assert.Contains(t, limit.PayloadText, "completed!")
}

// cancellingRunner cancels the task while the pipeline is in flight.
type cancellingRunner struct {
	st     *store.MemoryStore
	userID int64
	taskID int64
	out    *pipeline.Output
}

func (r *cancellingRunner) Run(ctx context.Context, _ pipeline.Task) (*pipeline.Output, error) {
	ok, err := r.st.SetTaskStatusForUser(ctx, r.userID, r.taskID, store.TaskCancelled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("cancel was rejected")
	}
	return r.out, nil
}

func TestCancelDuringCycleDiscardsSideEffects(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	user, task := createTask(t, st, "AI for medical imaging")
	runner := &cancellingRunner{st: st, userID: user.ID, taskID: task.ID, out: reportOutput()}
	w := NewWorker(st, runner, notify.New(st, 0), testConfig())

	worked, err := w.Step(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCancelled, got.Status)
	assert.Equal(t, 0, got.CyclesCompleted)

	// Nothing from the abandoned cycle was persisted or reported.
	paper, err := st.GetPaperBySourceID(ctx, "2402.0007")
	require.NoError(t, err)
	assert.Nil(t, paper)
	findings, err := st.ListFindings(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, findings)
	for _, m := range outbound(t, st) {
		assert.NotEqual(t, store.KindAgentReport, m.Kind)
	}
}

func TestStepRecordsFailure(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{err: errors.New("source exploded")}
	w, st := newWorker(t, runner)
	_, task := createTask(t, st, "doomed task")

	worked, err := w.Step(ctx)
	assert.True(t, worked)
	require.Error(t, err)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "source exploded")
	assert.Equal(t, 0, got.CyclesCompleted)

	// Failed tasks leave the queue.
	entry, err := st.GetQueueEntry(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDryRunSkipsPersistenceButStillNotifies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := testConfig()
	cfg.DryRun = true
	w := NewWorker(st, &fakeRunner{out: reportOutput()}, notify.New(st, 0), cfg)
	_, task := createTask(t, st, "AI for medical imaging")

	_, err := w.Step(ctx)
	require.NoError(t, err)

	paper, err := st.GetPaperBySourceID(ctx, "2402.0007")
	require.NoError(t, err)
	assert.Nil(t, paper)
	findings, err := st.ListFindings(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, findings)

	msgs := outbound(t, st)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.KindAgentReport, msgs[1].Kind)
}

func TestSecondWorkerCannotDoubleClaim(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	createTask(t, st, "contested task")

	task, err := st.NextQueuedTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	claimed, err := st.StartProcessing(ctx, task.ID, "other-worker")
	require.NoError(t, err)
	require.True(t, claimed)

	w := NewWorker(st, &fakeRunner{out: reportOutput()}, notify.New(st, 0), testConfig())
	worked, err := w.Step(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestDefaultWorkerID(t *testing.T) {
	id := DefaultWorkerID()
	assert.NotEmpty(t, id)
	assert.Contains(t, id, "-")
	assert.NotEqual(t, id, DefaultWorkerID())
}
