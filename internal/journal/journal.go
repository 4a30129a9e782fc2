package journal

import (
	"sync"
	"time"

	"scenecollab/server/internal/telemetry"
)

// Update is one replica update relayed through a room.
type Update struct {
	Seq        uint64
	From       string
	Data       []byte
	RecordedAt time.Time
}

// Keyframe is a full replica state captured at a sequence.
type Keyframe struct {
	Sequence   uint64
	State      []byte
	RecordedAt time.Time
}

type KeyframeEviction struct {
	Sequence uint64
	Reason   string
}

type KeyframeRecordResult struct {
	Size           int
	OldestSequence uint64
	NewestSequence uint64
	Evicted        []KeyframeEviction
}

const (
	metricUpdatesEvicted   = "journal_updates_evicted_total"
	metricKeyframesEvicted = "journal_keyframes_evicted_total"
	metricUpdatesRecorded  = "journal_updates_total"
)

// Journal keeps a bounded log of recent updates and a rolling buffer of
// keyframes for a room, plus the failure policy for reconstructions.
type Journal struct {
	mu         sync.RWMutex
	seq        uint64
	updates    []Update
	maxUpdates int
	keyframes  []Keyframe
	maxFrames  int
	maxAge     time.Duration
	now        func() time.Time
	metrics    telemetry.Metrics
	failures   *Policy
}

// Options configures a Journal. Zero values disable the matching buffer.
type Options struct {
	UpdateCapacity   int
	KeyframeCapacity int
	MaxAge           time.Duration
	FailureThreshold int
	Metrics          telemetry.Metrics
	Clock            func() time.Time
}

// New constructs a journal with the configured retention limits.
func New(opts Options) *Journal {
	j := &Journal{
		maxUpdates: max(opts.UpdateCapacity, 0),
		maxFrames:  max(opts.KeyframeCapacity, 0),
		maxAge:     max(opts.MaxAge, 0),
		now:        opts.Clock,
		metrics:    opts.Metrics,
		failures:   NewPolicy(opts.FailureThreshold),
	}
	if j.now == nil {
		j.now = time.Now
	}
	if j.metrics == nil {
		j.metrics = telemetry.NopMetrics()
	}
	return j
}

// AppendUpdate records an update and returns its sequence. The oldest
// updates are dropped once capacity is reached.
func (j *Journal) AppendUpdate(from string, data []byte) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	if j.maxUpdates == 0 {
		return j.seq
	}
	j.updates = append(j.updates, Update{
		Seq:        j.seq,
		From:       from,
		Data:       append([]byte(nil), data...),
		RecordedAt: j.now(),
	})
	if overflow := len(j.updates) - j.maxUpdates; overflow > 0 {
		copy(j.updates, j.updates[overflow:])
		j.updates = j.updates[:len(j.updates)-overflow]
		j.metrics.Add(metricUpdatesEvicted, uint64(overflow))
	}
	j.metrics.Add(metricUpdatesRecorded, 1)
	return j.seq
}

// Seq returns the sequence of the latest update.
func (j *Journal) Seq() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.seq
}

// UpdatesSince returns copies of the retained updates after seq. ok is false
// when updates after seq have already been evicted and the caller needs a
// keyframe instead.
func (j *Journal) UpdatesSince(seq uint64) (updates []Update, ok bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if seq >= j.seq {
		return nil, true
	}
	if len(j.updates) == 0 || j.updates[0].Seq > seq+1 {
		return nil, false
	}
	for _, u := range j.updates {
		if u.Seq <= seq {
			continue
		}
		u.Data = append([]byte(nil), u.Data...)
		updates = append(updates, u)
	}
	return updates, true
}

// RecordKeyframe stores a keyframe in the buffer enforcing retention limits
// by count and age.
func (j *Journal) RecordKeyframe(state []byte) KeyframeRecordResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.maxFrames == 0 {
		j.keyframes = j.keyframes[:0]
		return KeyframeRecordResult{}
	}

	frame := Keyframe{Sequence: j.seq, State: append([]byte(nil), state...), RecordedAt: j.now()}
	j.keyframes = append(j.keyframes, frame)

	var evicted []KeyframeEviction
	if j.maxAge > 0 {
		cutoff := frame.RecordedAt.Add(-j.maxAge)
		idx := 0
		for idx < len(j.keyframes) && j.keyframes[idx].RecordedAt.Before(cutoff) {
			evicted = append(evicted, KeyframeEviction{Sequence: j.keyframes[idx].Sequence, Reason: "expired"})
			idx++
		}
		if idx > 0 {
			copy(j.keyframes, j.keyframes[idx:])
			j.keyframes = j.keyframes[:len(j.keyframes)-idx]
		}
	}

	if overflow := len(j.keyframes) - j.maxFrames; overflow > 0 {
		for i := 0; i < overflow; i++ {
			evicted = append(evicted, KeyframeEviction{Sequence: j.keyframes[i].Sequence, Reason: "count"})
		}
		copy(j.keyframes, j.keyframes[overflow:])
		j.keyframes = j.keyframes[:len(j.keyframes)-overflow]
	}
	if len(evicted) > 0 {
		j.metrics.Add(metricKeyframesEvicted, uint64(len(evicted)))
	}

	size := len(j.keyframes)
	result := KeyframeRecordResult{Size: size, Evicted: evicted}
	if size > 0 {
		result.OldestSequence = j.keyframes[0].Sequence
		result.NewestSequence = j.keyframes[size-1].Sequence
	}
	return result
}

// LatestKeyframe returns the newest retained keyframe.
func (j *Journal) LatestKeyframe() (Keyframe, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.keyframes) == 0 {
		return Keyframe{}, false
	}
	frame := j.keyframes[len(j.keyframes)-1]
	frame.State = append([]byte(nil), frame.State...)
	return frame, true
}

// KeyframeWindow reports the current retention window.
func (j *Journal) KeyframeWindow() (size int, oldest, newest uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	size = len(j.keyframes)
	if size == 0 {
		return size, 0, 0
	}
	return size, j.keyframes[0].Sequence, j.keyframes[size-1].Sequence
}

// NoteReconstruction feeds a reconstruction outcome to the failure policy.
func (j *Journal) NoteReconstruction(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err == nil {
		j.failures.NoteSuccess()
		return
	}
	j.failures.NoteFailure(j.seq, err.Error())
}

// ConsumeCorruption reports whether reconstructions have failed often enough
// in a row to treat the session as corrupted. A streak signals once.
func (j *Journal) ConsumeCorruption() (CorruptionSignal, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failures.Consume()
}
