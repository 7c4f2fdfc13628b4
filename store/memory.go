package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds the full state in process memory. It implements the
// Store interface and backs tests and dev runs.
type MemoryStore struct {
	mu              sync.Mutex
	users           map[int64]*User
	usersByExternal map[int64]int64
	tasks           map[int64]*Task
	queue           map[int64]*QueueEntry // keyed by task id
	rates           map[string]*RateLimitRecord
	stats           TaskStatistics
	papers          map[int64]*Paper
	papersBySource  map[string]int64
	analyses        map[string]*Analysis // keyed by paper/task
	findings        []*Finding
	settings        map[int64]*UserSettings
	queries         map[int64][]*SearchQuery // keyed by task id
	agentStatus     map[string]*AgentStatus
	outbound        []*OutboundMessage
	seq             map[string]int64

	// now is swapped in tests that exercise window math.
	now func() time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:           make(map[int64]*User),
		usersByExternal: make(map[int64]int64),
		tasks:           make(map[int64]*Task),
		queue:           make(map[int64]*QueueEntry),
		rates:           make(map[string]*RateLimitRecord),
		stats:           DefaultStatistics(),
		papers:          make(map[int64]*Paper),
		papersBySource:  make(map[string]int64),
		analyses:        make(map[string]*Analysis),
		settings:        make(map[int64]*UserSettings),
		queries:         make(map[int64][]*SearchQuery),
		agentStatus:     make(map[string]*AgentStatus),
		seq:             make(map[string]int64),
		now:             time.Now,
	}
}

func (s *MemoryStore) nextID(kind string) int64 {
	s.seq[kind]++
	return s.seq[kind]
}

func analysisKey(paperID, taskID int64) string {
	return fmt.Sprintf("%d/%d", paperID, taskID)
}

// --- User Operations ---

func (s *MemoryStore) GetOrCreateUser(ctx context.Context, externalID int64, profile UserProfile) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.usersByExternal[externalID]; ok {
		u := s.users[id]
		u.Username = profile.Username
		u.FirstName = profile.FirstName
		u.LastName = profile.LastName
		u.UpdatedAt = now
		cp := *u
		return &cp, nil
	}

	daily, concurrent, _ := PlanLimits(PlanFree)
	u := &User{
		ID:                  s.nextID("user"),
		ExternalID:          externalID,
		Username:            profile.Username,
		FirstName:           profile.FirstName,
		LastName:            profile.LastName,
		Plan:                PlanFree,
		DailyTaskLimit:      daily,
		ConcurrentTaskLimit: concurrent,
		LastDailyReset:      now,
		IsActive:            true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.users[u.ID] = u
	s.usersByExternal[externalID] = u.ID
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpgradePlan(ctx context.Context, userID int64, plan string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	daily, concurrent, _ := PlanLimits(plan)
	u.Plan = plan
	u.DailyTaskLimit = daily
	u.ConcurrentTaskLimit = concurrent
	u.PlanExpiresAt = expiresAt
	u.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetUserBanned(ctx context.Context, userID int64, banned bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsBanned = banned
	u.BanReason = reason
	u.UpdatedAt = s.now()
	return nil
}

// --- Admission ---

func (s *MemoryStore) CheckAdmission(ctx context.Context, userID int64) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return false, "", ErrNotFound
	}
	now := s.now()
	if dailyResetDue(u, now) {
		u.DailyTasksCreated = 0
		u.LastDailyReset = now
	}
	ok2, reason := admissionVerdict(u, s.activeTaskCount(userID), now)
	return ok2, reason, nil
}

func (s *MemoryStore) activeTaskCount(userID int64) int {
	n := 0
	for _, t := range s.tasks {
		if t.UserID == userID && (t.Status == TaskQueued || t.Status == TaskProcessing) {
			n++
		}
	}
	return n
}

// --- Task Operations ---

func (s *MemoryStore) CreateTaskAndEnqueue(ctx context.Context, userID int64, description string) (*Task, *QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	now := s.now()
	_, _, maxCycles := PlanLimits(u.Plan)

	t := &Task{
		ID:          s.nextID("task"),
		UserID:      userID,
		Title:       taskTitle(description),
		Description: description,
		Status:      TaskQueued,
		MaxCycles:   maxCycles,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[t.ID] = t

	e := &QueueEntry{
		ID:        s.nextID("queue"),
		TaskID:    t.ID,
		Priority:  PlanPriority(u.Plan),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.queue[t.ID] = e
	u.DailyTasksCreated++

	s.refreshQueueLocked(now)
	tc, ec := *t, *e
	return &tc, &ec, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListUserTasks(ctx context.Context, userID int64, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetTaskStatusForUser(ctx context.Context, userID int64, taskID int64, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.UserID != userID {
		return false, nil
	}
	if IsTerminal(t.Status) {
		return false, nil
	}
	now := s.now()
	t.Status = status
	t.UpdatedAt = now

	switch status {
	case TaskQueued:
		// Resume: re-create the queue entry if it is gone.
		if _, ok := s.queue[taskID]; !ok {
			u := s.users[userID]
			s.queue[taskID] = &QueueEntry{
				ID:        s.nextID("queue"),
				TaskID:    taskID,
				Priority:  PlanPriority(u.Plan),
				CreatedAt: now,
				UpdatedAt: now,
			}
		}
	case TaskCancelled, TaskPaused:
		delete(s.queue, taskID)
	}
	s.refreshQueueLocked(now)
	return true, nil
}

// --- Dispatch Operations ---

func (s *MemoryStore) NextQueuedTask(ctx context.Context) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *QueueEntry
	for _, e := range s.queue {
		t, ok := s.tasks[e.TaskID]
		if !ok || t.Status != TaskQueued || e.WorkerID != "" {
			continue
		}
		if best == nil ||
			e.Priority < best.Priority ||
			(e.Priority == best.Priority && e.CreatedAt.Before(best.CreatedAt)) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *s.tasks[best.TaskID]
	return &cp, nil
}

func (s *MemoryStore) StartProcessing(ctx context.Context, taskID int64, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != TaskQueued {
		return false, nil
	}
	now := s.now()
	t.Status = TaskProcessing
	t.ProcessingStartedAt = &now
	t.UpdatedAt = now
	if e, ok := s.queue[taskID]; ok {
		e.WorkerID = workerID
		e.StartedAt = &now
		e.UpdatedAt = now
	}
	s.refreshQueueLocked(now)
	return true, nil
}

func (s *MemoryStore) CompleteCycle(ctx context.Context, taskID int64, success bool, processingSeconds float64, errorMessage string) (*CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != TaskProcessing {
		return nil, nil
	}
	now := s.now()
	res := &CycleResult{MaxCycles: t.MaxCycles}

	if success {
		t.CyclesCompleted++
		if t.CyclesCompleted >= t.MaxCycles {
			t.Status = TaskCompleted
			t.ProcessingCompletedAt = &now
			delete(s.queue, taskID)
			res.LimitReached = true
		} else {
			t.Status = TaskQueued
			if e, ok := s.queue[taskID]; ok {
				e.WorkerID = ""
				e.StartedAt = nil
				e.UpdatedAt = now
			}
		}
	} else {
		t.Status = TaskFailed
		t.ErrorMessage = errorMessage
		t.ProcessingCompletedAt = &now
		delete(s.queue, taskID)
	}
	t.UpdatedAt = now
	res.Status = t.Status
	res.CyclesCompleted = t.CyclesCompleted

	applyCycleStats(&s.stats, processingSeconds, success, now)
	s.refreshQueueLocked(now)
	return res, nil
}

// --- Queue Operations ---

func (s *MemoryStore) GetQueueEntry(ctx context.Context, taskID int64) (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[taskID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) QueueLength(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

func (s *MemoryStore) CleanupOrphanedQueueEntries(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for taskID := range s.queue {
		t, ok := s.tasks[taskID]
		if !ok || IsTerminal(t.Status) {
			delete(s.queue, taskID)
			removed++
		}
	}
	if removed > 0 {
		s.refreshQueueLocked(s.now())
	}
	return removed, nil
}

// refreshQueueLocked renumbers positions and keeps the queue-length gauge in
// the statistics row current. Callers hold the lock.
func (s *MemoryStore) refreshQueueLocked(now time.Time) {
	entries := make([]*QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		entries = append(entries, e)
	}
	recomputePositions(entries, &s.stats, now)
	s.stats.CurrentQueueLength = len(s.queue)
}

// --- Rate Limit Operations ---

func (s *MemoryStore) CheckRateLimit(ctx context.Context, userID int64, action string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := fmt.Sprintf("%d/%s", userID, action)
	rec, ok := s.rates[key]
	if !ok {
		s.rates[key] = &RateLimitRecord{
			ID:            s.nextID("rate"),
			UserID:        userID,
			ActionKind:    action,
			CountMinute:   1,
			CountHour:     1,
			CountDay:      1,
			MinuteResetAt: now,
			HourResetAt:   now,
			DayResetAt:    now,
			LastActionAt:  now,
		}
		return true, "OK", nil
	}
	rollRateWindows(rec, now)
	ok2, reason := rateVerdict(rec, action, now)
	return ok2, reason, nil
}

// --- Statistics Operations ---

func (s *MemoryStore) GetStatistics(ctx context.Context) (*TaskStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.stats
	return &cp, nil
}

// --- Paper Operations ---

func (s *MemoryStore) UpsertPaper(ctx context.Context, p *Paper) (*Paper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.papersBySource[p.SourceID]; ok {
		cp := *s.papers[id]
		return &cp, nil
	}
	cp := *p
	cp.ID = s.nextID("paper")
	cp.CreatedAt = s.now()
	s.papers[cp.ID] = &cp
	s.papersBySource[cp.SourceID] = cp.ID
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetPaperBySourceID(ctx context.Context, sourceID string) (*Paper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.papersBySource[sourceID]
	if !ok {
		return nil, nil
	}
	cp := *s.papers[id]
	return &cp, nil
}

func (s *MemoryStore) CreateAnalysis(ctx context.Context, a *Analysis) (*Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := analysisKey(a.PaperID, a.TaskID)
	if existing, ok := s.analyses[key]; ok {
		cp := *existing
		return &cp, nil
	}
	now := s.now()
	cp := *a
	cp.ID = s.nextID("analysis")
	if cp.Status == "" {
		cp.Status = AnalysisAnalyzed
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.analyses[key] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) SetAnalysisStatus(ctx context.Context, analysisID int64, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.analyses {
		if a.ID != analysisID {
			continue
		}
		if analysisRank(status) <= analysisRank(a.Status) {
			return false, nil
		}
		a.Status = status
		a.UpdatedAt = s.now()
		return true, nil
	}
	return false, ErrNotFound
}

func (s *MemoryStore) CreateFinding(ctx context.Context, f *Finding) (*Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// One finding per (task, paper); a replayed cycle converges instead of
	// duplicating rows.
	for _, existing := range s.findings {
		if existing.TaskID == f.TaskID && existing.PaperID == f.PaperID {
			cp := *existing
			return &cp, nil
		}
	}
	cp := *f
	cp.ID = s.nextID("finding")
	cp.CreatedAt = s.now()
	s.findings = append(s.findings, &cp)
	out := cp
	return &out, nil
}

func (s *MemoryStore) ListFindings(ctx context.Context, taskID int64) ([]*Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Finding, 0)
	for _, f := range s.findings {
		if f.TaskID == taskID {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Settings Operations ---

func (s *MemoryStore) GetUserSettings(ctx context.Context, userID int64) (*UserSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.settings[userID]; ok {
		cp := *st
		return &cp, nil
	}
	return &UserSettings{UserID: userID, MinRelevance: 50}, nil
}

func (s *MemoryStore) SetUserSettings(ctx context.Context, st *UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	s.settings[st.UserID] = &cp
	return nil
}

// --- Search Query Operations ---

func (s *MemoryStore) AddSearchQuery(ctx context.Context, q *SearchQuery) (*SearchQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *q
	cp.ID = s.nextID("query")
	if cp.Status == "" {
		cp.Status = "active"
	}
	cp.CreatedAt = s.now()
	s.queries[q.TaskID] = append(s.queries[q.TaskID], &cp)
	out := cp
	return &out, nil
}

func (s *MemoryStore) ListActiveSearchQueries(ctx context.Context, taskID int64) ([]*SearchQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*SearchQuery, 0)
	for _, q := range s.queries[taskID] {
		if q.Status == "active" {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Agent Status Operations ---

func (s *MemoryStore) UpdateAgentStatus(ctx context.Context, st *AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.agentStatus[st.WorkerID]
	if !ok {
		cp := *st
		cp.SessionStart = now
		cp.LastActivity = now
		s.agentStatus[st.WorkerID] = &cp
	} else {
		existing.Status = st.Status
		existing.Activity = st.Activity
		existing.CurrentUserID = st.CurrentUserID
		existing.LastActivity = now
	}

	// ETA estimates divide the queue by active_workers, so keep it in sync
	// with heartbeats seen within the liveness window.
	active := 0
	for _, a := range s.agentStatus {
		if now.Sub(a.LastActivity) <= workerLivenessWindow {
			active++
		}
	}
	if active < 1 {
		active = 1
	}
	s.stats.ActiveWorkers = active
	return nil
}

// --- Outbound Operations ---

func (s *MemoryStore) EnqueueOutbound(ctx context.Context, m *OutboundMessage) (*OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cp := *m
	cp.ID = s.nextID("outbound")
	if cp.Status == "" {
		cp.Status = OutboundCompleted
	}
	if cp.Result == "" {
		cp.Result = cp.PayloadText
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.outbound = append(s.outbound, &cp)
	out := cp
	return &out, nil
}

func (s *MemoryStore) ListOutboundAfter(ctx context.Context, lastID int64, limit int) ([]*OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*OutboundMessage, 0)
	for _, m := range s.outbound {
		if m.ID > lastID && m.Status == OutboundCompleted {
			cp := *m
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkOutboundSent(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, m := range s.outbound {
		if want[m.ID] {
			m.Status = OutboundSent
			m.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) Close() {}
