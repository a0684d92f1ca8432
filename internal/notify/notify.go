// Package notify publishes run lifecycle events to NATS so downstream
// tooling can react to mirror updates. Notification is best effort:
// callers degrade publish failures to warnings.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/pipmirror/internal/logfields"
)

// Event types published on the configured subject.
const (
	EventRunStarted   = "run-started"
	EventBranchFailed = "branch-failed"
	EventRunFinished  = "run-finished"
)

// Event is the JSON payload for every notification.
type Event struct {
	Type           string    `json:"type"`
	RunID          string    `json:"run_id"`
	Timestamp      time.Time `json:"timestamp"`
	Mirror         string    `json:"mirror,omitempty"`
	Project        string    `json:"project,omitempty"`
	Branch         string    `json:"branch,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	FailedBranches int       `json:"failed_branches,omitempty"`
	Status         string    `json:"status,omitempty"`
}

// Notifier publishes run events.
type Notifier interface {
	RunStarted(runID string)
	BranchFailed(runID, mirror, project, branch, detail string)
	RunFinished(runID, status string, failedBranches int)
	Close()
}

// NoopNotifier is the default when notification is not configured.
type NoopNotifier struct{}

func (NoopNotifier) RunStarted(string)                                   {}
func (NoopNotifier) BranchFailed(string, string, string, string, string) {}
func (NoopNotifier) RunFinished(string, string, int)                     {}
func (NoopNotifier) Close()                                              {}

// NATSNotifier publishes events to a NATS subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	now     func() time.Time

	// publish is the seam for tests; defaults to conn.Publish.
	publish func(subject string, data []byte) error
}

// NewNATSNotifier connects to the NATS server. A connection failure is
// returned to the caller, which typically logs a warning and falls back
// to NoopNotifier.
func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url, nats.Name("pipmirror"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	slog.Info("NATS notifier connected", logfields.URL(url), slog.String("subject", subject))
	return &NATSNotifier{
		conn:    conn,
		subject: subject,
		now:     time.Now,
		publish: conn.Publish,
	}, nil
}

func (n *NATSNotifier) RunStarted(runID string) {
	n.emit(Event{Type: EventRunStarted, RunID: runID})
}

func (n *NATSNotifier) BranchFailed(runID, mirror, project, branch, detail string) {
	n.emit(Event{
		Type:    EventBranchFailed,
		RunID:   runID,
		Mirror:  mirror,
		Project: project,
		Branch:  branch,
		Detail:  detail,
	})
}

func (n *NATSNotifier) RunFinished(runID, status string, failedBranches int) {
	n.emit(Event{
		Type:           EventRunFinished,
		RunID:          runID,
		Status:         status,
		FailedBranches: failedBranches,
	})
}

func (n *NATSNotifier) emit(event Event) {
	event.Timestamp = n.now()
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Failed to marshal notification", logfields.Error(err))
		return
	}
	if err := n.publish(n.subject, data); err != nil {
		slog.Warn("Failed to publish notification",
			slog.String("type", event.Type), logfields.Error(err))
	}
}

// Close flushes pending publishes and closes the connection. Without the
// flush a buffered run-finished event can be lost on process exit.
func (n *NATSNotifier) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Flush(); err != nil {
		slog.Warn("Failed to flush notifications", logfields.Error(err))
	}
	n.conn.Close()
}
