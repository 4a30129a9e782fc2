package journal

import (
	"errors"
	"testing"
	"time"

	"scenecollab/server/internal/telemetry"
)

func TestJournalUpdatesCopyAndEvict(t *testing.T) {
	counters := &telemetry.Counters{}
	j := New(Options{UpdateCapacity: 2, Metrics: counters})

	payload := []byte{1, 2, 3}
	if seq := j.AppendUpdate("peer-a", payload); seq != 1 {
		t.Fatalf("expected first sequence 1, got %d", seq)
	}
	payload[0] = 9
	j.AppendUpdate("peer-b", []byte{4})
	j.AppendUpdate("peer-a", []byte{5})

	updates, ok := j.UpdatesSince(1)
	if !ok {
		t.Fatalf("expected updates after 1 to be retained")
	}
	if len(updates) != 2 || updates[0].Seq != 2 || updates[1].Seq != 3 {
		t.Fatalf("unexpected updates %+v", updates)
	}
	updates[0].Data[0] = 42
	again, _ := j.UpdatesSince(1)
	if again[0].Data[0] != 4 {
		t.Fatalf("expected journal to hand out copies, got %v", again[0].Data)
	}

	if _, ok := j.UpdatesSince(0); ok {
		t.Fatalf("expected evicted range to report a gap")
	}
	if updates, ok := j.UpdatesSince(3); !ok || len(updates) != 0 {
		t.Fatalf("expected caught-up caller to receive nothing, got %v %v", updates, ok)
	}
	if got := counters.Snapshot()[metricUpdatesEvicted]; got != 1 {
		t.Fatalf("expected one eviction, got %d", got)
	}
}

func TestJournalZeroCapacityOnlyCounts(t *testing.T) {
	j := New(Options{})
	j.AppendUpdate("peer", []byte{1})
	if j.Seq() != 1 {
		t.Fatalf("expected sequence to advance, got %d", j.Seq())
	}
	if _, ok := j.UpdatesSince(0); ok {
		t.Fatalf("expected no retained updates")
	}
}

func TestJournalRecordKeyframeRetention(t *testing.T) {
	now := time.Unix(100, 0)
	j := New(Options{KeyframeCapacity: 2, MaxAge: time.Minute, Clock: func() time.Time { return now }})

	j.AppendUpdate("peer", nil)
	j.RecordKeyframe([]byte("one"))
	now = now.Add(2 * time.Minute)
	j.AppendUpdate("peer", nil)
	result := j.RecordKeyframe([]byte("two"))
	if len(result.Evicted) != 1 || result.Evicted[0].Reason != "expired" || result.Evicted[0].Sequence != 1 {
		t.Fatalf("expected first keyframe to expire, got %+v", result.Evicted)
	}

	j.AppendUpdate("peer", nil)
	j.RecordKeyframe([]byte("three"))
	j.AppendUpdate("peer", nil)
	result = j.RecordKeyframe([]byte("four"))
	if len(result.Evicted) != 1 || result.Evicted[0].Reason != "count" {
		t.Fatalf("expected count eviction, got %+v", result.Evicted)
	}
	size, oldest, newest := j.KeyframeWindow()
	if size != 2 || oldest != 3 || newest != 4 {
		t.Fatalf("unexpected window size=%d oldest=%d newest=%d", size, oldest, newest)
	}

	frame, ok := j.LatestKeyframe()
	if !ok || string(frame.State) != "four" {
		t.Fatalf("unexpected latest keyframe %+v", frame)
	}
	frame.State[0] = 'x'
	if again, _ := j.LatestKeyframe(); string(again.State) != "four" {
		t.Fatalf("expected keyframe copy, got %q", again.State)
	}
}

func TestJournalCorruptionPolicySignalsOncePerStreak(t *testing.T) {
	j := New(Options{FailureThreshold: 2})
	failure := errors.New("bad replica")

	j.NoteReconstruction(failure)
	if _, ok := j.ConsumeCorruption(); ok {
		t.Fatalf("expected no signal below threshold")
	}
	j.NoteReconstruction(failure)
	signal, ok := j.ConsumeCorruption()
	if !ok {
		t.Fatalf("expected signal at threshold")
	}
	if signal.Failures != 2 || len(signal.Reasons) != 2 || signal.Summary() == "" {
		t.Fatalf("unexpected signal %+v", signal)
	}

	j.NoteReconstruction(failure)
	if _, ok := j.ConsumeCorruption(); ok {
		t.Fatalf("expected streak to signal once")
	}

	j.NoteReconstruction(nil)
	j.NoteReconstruction(failure)
	j.NoteReconstruction(failure)
	if _, ok := j.ConsumeCorruption(); !ok {
		t.Fatalf("expected a new streak to signal again")
	}
}
