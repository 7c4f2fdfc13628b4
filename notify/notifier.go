// Package notify turns cycle results into OutboundMessage rows for the
// external chat component to deliver.
package notify

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/avelins/paperscout/observability"
	"github.com/avelins/paperscout/store"
)

// Notifier enqueues outbound messages. It never talks to the chat service
// itself; delivery is the consumer's job.
type Notifier struct {
	store store.Store
	// testUserOverride redirects every message to one external user id
	// when non-zero.
	testUserOverride int64
}

func New(st store.Store, testUserOverride int64) *Notifier {
	return &Notifier{store: st, testUserOverride: testUserOverride}
}

// targetFor picks the effective chat: the test override wins, then the
// user's configured group chat, then the user directly.
func (n *Notifier) targetFor(ctx context.Context, user *store.User) int64 {
	if n.testUserOverride != 0 {
		return n.testUserOverride
	}
	settings, err := n.store.GetUserSettings(ctx, user.ID)
	if err == nil && settings.GroupChatID != nil && *settings.GroupChatID != 0 {
		return *settings.GroupChatID
	}
	return user.ExternalID
}

func (n *Notifier) enqueue(ctx context.Context, kind string, target int64, body string) (*store.OutboundMessage, error) {
	msg, err := n.store.EnqueueOutbound(ctx, &store.OutboundMessage{
		Kind:           kind,
		UserExternalID: target,
		PayloadText:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	observability.NotificationsTotal.WithLabelValues(kind).Inc()
	log.WithFields(log.Fields{"kind": kind, "message_id": msg.ID, "target": target}).
		Debug("outbound message enqueued")
	return msg, nil
}

// SendReport enqueues an agent report. The analyses backing the report are
// moved to queued first so a retried cycle cannot enqueue them twice.
func (n *Notifier) SendReport(ctx context.Context, user *store.User, report string, analysisIDs []int64) (*store.OutboundMessage, error) {
	for _, id := range analysisIDs {
		if _, err := n.store.SetAnalysisStatus(ctx, id, store.AnalysisQueued); err != nil {
			return nil, fmt.Errorf("queue analysis %d: %w", id, err)
		}
	}
	return n.enqueue(ctx, store.KindAgentReport, n.targetFor(ctx, user), report)
}

// SendCycleLimit enqueues the end-of-task message. The body congratulates
// when findings exist and suggests refinements otherwise.
func (n *Notifier) SendCycleLimit(ctx context.Context, user *store.User, task *store.Task, hasFindings bool) (*store.OutboundMessage, error) {
	body := cycleLimitBody(task, planName(user.Plan), hasFindings)
	return n.enqueue(ctx, store.KindCycleLimit, n.targetFor(ctx, user), body)
}

// SendMonitoringStarted tells the user their task has been picked up for
// its first cycle.
func (n *Notifier) SendMonitoringStarted(ctx context.Context, user *store.User, task *store.Task) (*store.OutboundMessage, error) {
	body := fmt.Sprintf("🔍 Task #%d monitoring started\n\n%s\n\nYou will receive a report when relevant results are found.",
		task.ID, task.Title)
	return n.enqueue(ctx, store.KindMonitoringStarted, n.targetFor(ctx, user), body)
}

func planName(plan string) string {
	if plan == store.PlanPremium {
		return "Premium"
	}
	return "Free"
}

func cycleLimitBody(task *store.Task, plan string, hasFindings bool) string {
	if hasFindings {
		return fmt.Sprintf(`🎉 Task #%d completed!

Results found for your query:
%s

Cycles completed: %d/%d (Plan: %s)

Want to continue research?
• Create a new task with a refined query
• Or get a Premium subscription for unlimited search cycles`,
			task.ID, task.Title, task.CyclesCompleted, task.MaxCycles, plan)
	}
	return fmt.Sprintf(`🔄 Task #%d completed

%s

Cycles completed: %d/%d (Plan: %s)

Unfortunately, no results found for this query.

Recommendations:
• Try reformulating the query more specifically
• Use different keywords
• Or get a Premium subscription for more search cycles`,
		task.ID, task.Title, task.CyclesCompleted, task.MaxCycles, plan)
}
