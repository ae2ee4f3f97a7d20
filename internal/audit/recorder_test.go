package audit

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"policy-llm/backend/internal/decision"
)

type memorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *memorySink) Write(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memorySink) all() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Write(ctx context.Context, entry Entry) error {
	<-b.release
	return nil
}

type failingSink struct{}

func (failingSink) Write(ctx context.Context, entry Entry) error {
	return errors.New("disk full")
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func sampleEntry() Entry {
	return Entry{
		Request:          decision.DecideRequest{AgentID: "agent-1", Endpoint: "/api/reports"},
		Action:           decision.ModelAction{Action: "read", RequiresApproval: false},
		Decision:         decision.Allow,
		PolicyEvaluation: decision.PolicyEvaluation{"result": true},
	}
}

func TestRecordReturnsDistinctIDs(t *testing.T) {
	sink := &memorySink{}
	rec := NewAsyncRecorder(AsyncConfig{}, quietLogger(), sink)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := rec.Record(context.Background(), sampleEntry())
		if !strings.HasPrefix(id, "audit_") {
			t.Fatalf("unexpected id format %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	rec.Close()

	entries := sink.all()
	if len(entries) != 50 {
		t.Fatalf("expected 50 persisted entries, got %d", len(entries))
	}
	for _, e := range entries {
		if !seen[e.AuditID] {
			t.Fatalf("persisted entry has unknown id %q", e.AuditID)
		}
		if e.RecordedAt.IsZero() {
			t.Fatalf("expected recorded timestamp")
		}
	}
}

func TestRecordDoesNotBlockOnSlowSink(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{})}
	log, hook := test.NewNullLogger()
	rec := NewAsyncRecorder(AsyncConfig{QueueSize: 1}, log, slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			if id := rec.Record(context.Background(), sampleEntry()); id == "" {
				t.Errorf("expected id even when dropping")
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Record blocked on a slow sink")
	}
	close(slow.release)
	rec.Close()

	dropped := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "audit queue full, entry not persisted" {
			dropped = true
		}
	}
	if !dropped {
		t.Fatalf("expected dropped entries to be logged")
	}
}

func TestRecordContinuesPastFailingSink(t *testing.T) {
	sink := &memorySink{}
	rec := NewAsyncRecorder(AsyncConfig{}, quietLogger(), failingSink{}, sink)
	rec.Record(context.Background(), sampleEntry())
	rec.Close()
	if len(sink.all()) != 1 {
		t.Fatalf("expected later sinks to still receive the entry")
	}
}

func TestRecordAfterClose(t *testing.T) {
	rec := NewAsyncRecorder(AsyncConfig{}, quietLogger())
	rec.Close()
	rec.Close()
	if id := rec.Record(context.Background(), sampleEntry()); id == "" {
		t.Fatalf("expected id after close")
	}
}

func TestToRecord(t *testing.T) {
	entry := sampleEntry()
	entry.AuditID = "audit_x"
	entry.Action.ApprovalsNeeded = []string{"ciso"}
	entry.PolicyEvaluation = decision.FailOpenEvaluation()

	record, err := ToRecord(entry)
	if err != nil {
		t.Fatalf("to record: %v", err)
	}
	if record.AuditID != "audit_x" || record.AgentID != "agent-1" || record.Decision != "ALLOW" {
		t.Fatalf("unexpected record %+v", record)
	}
	if !record.PolicyFailOpen || !record.PolicyResult {
		t.Fatalf("expected fail-open flags, got %+v", record)
	}
	if record.ApprovalsJSON != `["ciso"]` {
		t.Fatalf("unexpected approvals %s", record.ApprovalsJSON)
	}
	if !strings.Contains(record.ActionJSON, `"action":"read"`) {
		t.Fatalf("unexpected action json %s", record.ActionJSON)
	}
}
