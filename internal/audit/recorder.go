package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"policy-llm/backend/internal/decision"
)

// Entry is the pre-signature record of one decision.
type Entry struct {
	AuditID          string
	Request          decision.DecideRequest
	Action           decision.ModelAction
	Decision         decision.Decision
	PolicyEvaluation decision.PolicyEvaluation
	RecordedAt       time.Time
}

// Recorder assigns an audit id to an entry and persists it. Record must not
// block on the durable write.
type Recorder interface {
	Record(ctx context.Context, entry Entry) string
}

// Sink durably stores entries.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// NewID returns a fresh audit identifier.
func NewID() string {
	return "audit_" + uuid.NewString()
}

// AsyncConfig tunes the background writer.
type AsyncConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
}

// AsyncRecorder hands entries to a single background worker that writes them
// to every sink in order. When the queue is full the write is dropped and
// logged; the caller still gets its id.
type AsyncRecorder struct {
	sinks   []Sink
	queue   chan Entry
	timeout time.Duration
	log     logrus.FieldLogger
	newID   func() string
	now     func() time.Time

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
}

// NewAsyncRecorder starts the background writer.
func NewAsyncRecorder(cfg AsyncConfig, log logrus.FieldLogger, sinks ...Sink) *AsyncRecorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &AsyncRecorder{
		sinks:   sinks,
		queue:   make(chan Entry, cfg.QueueSize),
		timeout: cfg.WriteTimeout,
		log:     log.WithField("component", "audit"),
		newID:   NewID,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record stamps the entry with a new audit id and enqueues it.
func (r *AsyncRecorder) Record(ctx context.Context, entry Entry) string {
	entry.AuditID = r.newID()
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = r.now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.log.WithField("audit_id", entry.AuditID).Error("audit recorder closed, entry not persisted")
		return entry.AuditID
	}
	select {
	case r.queue <- entry:
	default:
		r.log.WithFields(logrus.Fields{
			"audit_id": entry.AuditID,
			"agent_id": entry.Request.AgentID,
		}).Error("audit queue full, entry not persisted")
	}
	return entry.AuditID
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		for _, sink := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := sink.Write(ctx, entry); err != nil {
				r.log.WithError(err).WithField("audit_id", entry.AuditID).Error("audit write failed")
			}
			cancel()
		}
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (r *AsyncRecorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	<-r.done
}
