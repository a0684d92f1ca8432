package notify

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureNotifier(events *[]Event, subjects *[]string) *NATSNotifier {
	return &NATSNotifier{
		subject: "pipmirror.runs",
		now:     func() time.Time { return time.Date(2014, 3, 1, 12, 0, 0, 0, time.UTC) },
		publish: func(subject string, data []byte) error {
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			*events = append(*events, ev)
			*subjects = append(*subjects, subject)
			return nil
		},
	}
}

func TestEventPayloads(t *testing.T) {
	var events []Event
	var subjects []string
	n := captureNotifier(&events, &subjects)

	n.RunStarted("run-1")
	n.BranchFailed("run-1", "openstack", "nova", "origin/master", "install marker missing")
	n.RunFinished("run-1", "partial", 1)

	require.Len(t, events, 3)
	for _, subj := range subjects {
		assert.Equal(t, "pipmirror.runs", subj)
	}

	assert.Equal(t, EventRunStarted, events[0].Type)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.False(t, events[0].Timestamp.IsZero())

	assert.Equal(t, EventBranchFailed, events[1].Type)
	assert.Equal(t, "openstack", events[1].Mirror)
	assert.Equal(t, "nova", events[1].Project)
	assert.Equal(t, "origin/master", events[1].Branch)
	assert.Equal(t, "install marker missing", events[1].Detail)

	assert.Equal(t, EventRunFinished, events[2].Type)
	assert.Equal(t, "partial", events[2].Status)
	assert.Equal(t, 1, events[2].FailedBranches)
}

func TestPublishFailureDoesNotPanic(t *testing.T) {
	n := &NATSNotifier{
		subject: "pipmirror.runs",
		now:     time.Now,
		publish: func(string, []byte) error { return fmt.Errorf("connection closed") },
	}
	n.RunStarted("run-1")
	n.RunFinished("run-1", "healthy", 0)
}

func TestCloseWithoutConnection(t *testing.T) {
	n := &NATSNotifier{subject: "pipmirror.runs", now: time.Now}
	n.Close()
}

func TestNoopNotifier(t *testing.T) {
	var n Notifier = NoopNotifier{}
	n.RunStarted("run-1")
	n.BranchFailed("run-1", "m", "p", "b", "d")
	n.RunFinished("run-1", "healthy", 0)
	n.Close()
}
