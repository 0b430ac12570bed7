// Package notification fans control-plane events out to humans over a
// pluggable backend. Delivery failures are logged and recorded in the
// notification ledger, never propagated to the operation that triggered
// them.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

// Email is one outbound message.
type Email struct {
	To       []string
	Subject  string
	BodyText string
	BodyHTML string
}

// Backend delivers an Email somewhere.
type Backend interface {
	Name() string
	Send(ctx context.Context, email Email) error
}

// MockBackend records sends in memory, for tests and lab deployments
// with no SMTP relay.
type MockBackend struct {
	mu   sync.Mutex
	Sent []Email
}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Send(_ context.Context, email Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, email)
	return nil
}

// Messages returns a copy of everything delivered so far.
func (m *MockBackend) Messages() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Email, len(m.Sent))
	copy(out, m.Sent)
	return out
}

type ledgerStore interface {
	CreateNotificationLog(ctx context.Context, n *model.NotificationLog) error
}

// Notifier builds templated messages for control-plane events and sends
// them through the backend, recording every attempt in the ledger.
type Notifier struct {
	backend    Backend
	ledger     ledgerStore
	recipients []string
	baseURL    string
	log        *log.PrefixLogger
	now        func() time.Time
}

func NewNotifier(backend Backend, ledger ledgerStore, recipients []string, baseURL string, logger *log.PrefixLogger) *Notifier {
	if logger == nil {
		logger = log.NewPrefixLogger("notification")
	}
	return &Notifier{
		backend:    backend,
		ledger:     ledger,
		recipients: recipients,
		baseURL:    strings.TrimRight(baseURL, "/"),
		log:        logger,
		now:        time.Now,
	}
}

func (n *Notifier) planURL(planID string) string {
	return n.baseURL + "/plans/" + planID
}

// ApprovalRequested notifies approvers that a plan needs a decision.
func (n *Notifier) ApprovalRequested(ctx context.Context, planID, requestedBy, notes string) {
	n.send(ctx, "approval_requested", Email{
		To:      n.recipients,
		Subject: fmt.Sprintf("Approval requested for plan %s", planID),
		BodyText: fmt.Sprintf("%s requested approval for plan %s.\n\nNotes: %s\n\nReview: %s\n",
			requestedBy, planID, notes, n.planURL(planID)),
	})
}

// ApprovalDecided notifies the configured recipients of a decision.
func (n *Notifier) ApprovalDecided(ctx context.Context, planID, approver, decision, notes string) {
	n.send(ctx, "approval_"+decision, Email{
		To:      n.recipients,
		Subject: fmt.Sprintf("Plan %s %s", planID, decision),
		BodyText: fmt.Sprintf("%s marked plan %s as %s.\n\nNotes: %s\n\nDetails: %s\n",
			approver, planID, decision, notes, n.planURL(planID)),
	})
}

// JobCompleted reports a terminal successful (or partially successful)
// job.
func (n *Notifier) JobCompleted(ctx context.Context, jobID string, planID *string, summary string) {
	body := fmt.Sprintf("Job %s completed: %s\n", jobID, summary)
	if planID != nil {
		body += "Plan: " + n.planURL(*planID) + "\n"
	}
	n.send(ctx, "job_completed", Email{
		To:       n.recipients,
		Subject:  fmt.Sprintf("Job %s completed", jobID),
		BodyText: body,
	})
}

// JobFailed reports a failed job.
func (n *Notifier) JobFailed(ctx context.Context, jobID string, planID *string, errMsg string) {
	body := fmt.Sprintf("Job %s failed: %s\n", jobID, errMsg)
	if planID != nil {
		body += "Plan: " + n.planURL(*planID) + "\n"
	}
	n.send(ctx, "job_failed", Email{
		To:       n.recipients,
		Subject:  fmt.Sprintf("Job %s failed", jobID),
		BodyText: body,
	})
}

// send delivers one message and records the attempt. Missing recipients
// and backend failures degrade to a log line plus a ledger row.
func (n *Notifier) send(ctx context.Context, template string, email Email) {
	entry := &model.NotificationLog{
		ID:       "notif-" + uuid.New().String()[:12],
		Backend:  n.backend.Name(),
		Template: template,
		To:       strings.Join(email.To, ","),
		SentAt:   n.now().UTC(),
	}

	if len(email.To) == 0 {
		entry.Success = false
		entry.Error = "no recipients configured"
		n.log.Warnf("dropping %s notification: no recipients configured", template)
	} else if err := n.backend.Send(ctx, email); err != nil {
		entry.Success = false
		entry.Error = err.Error()
		n.log.WithError(err).Warnf("delivering %s notification", template)
	} else {
		entry.Success = true
	}

	if n.ledger != nil {
		if err := n.ledger.CreateNotificationLog(ctx, entry); err != nil {
			n.log.WithError(err).Warnf("recording notification ledger entry")
		}
	}
}
