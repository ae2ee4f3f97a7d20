package util

import (
	"time"

	"github.com/sirupsen/logrus"
)

// StageTimer measures a sequence of named stages.
type StageTimer struct {
	start  time.Time
	last   time.Time
	stages []stage
}

type stage struct {
	name string
	ms   int64
}

// StartStageTimer creates a timer starting at the current time.
func StartStageTimer() *StageTimer {
	now := time.Now()
	return &StageTimer{start: now, last: now}
}

// Lap closes the current stage under name.
func (t *StageTimer) Lap(name string) {
	now := time.Now()
	t.stages = append(t.stages, stage{name: name, ms: now.Sub(t.last).Milliseconds()})
	t.last = now
}

// ElapsedMs returns the elapsed milliseconds since start.
func (t *StageTimer) ElapsedMs() int64 {
	if t == nil || t.start.IsZero() {
		return 0
	}
	return time.Since(t.start).Milliseconds()
}

// Fields renders stage durations as "<name>_ms" log fields plus "total_ms".
func (t *StageTimer) Fields() logrus.Fields {
	fields := logrus.Fields{"total_ms": t.ElapsedMs()}
	for _, s := range t.stages {
		fields[s.name+"_ms"] = s.ms
	}
	return fields
}
