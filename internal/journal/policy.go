package journal

import (
	"fmt"
)

type FailureReason struct {
	Seq    uint64
	Reason string
}

// CorruptionSignal summarizes a burst of failed reconstructions.
type CorruptionSignal struct {
	Failures uint64
	Attempts uint64
	Reasons  []FailureReason
}

// Policy decides when repeated reconstruction failures should be surfaced
// as a corrupted session. A single success resets the streak.
type Policy struct {
	threshold uint64
	attempts  uint64
	failures  uint64
	pending   bool
	fired     bool
	reasons   []FailureReason
}

// DefaultFailureThreshold is the number of consecutive failed
// reconstructions that marks a session as corrupted.
const DefaultFailureThreshold = 3

const failureReasonLimit = 8

func NewPolicy(threshold int) *Policy {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Policy{threshold: uint64(threshold), reasons: make([]FailureReason, 0, failureReasonLimit)}
}

func (p *Policy) NoteSuccess() {
	if p == nil {
		return
	}
	p.bump()
	p.failures = 0
	p.fired = false
	p.reasons = p.reasons[:0]
}

func (p *Policy) NoteFailure(seq uint64, reason string) {
	if p == nil {
		return
	}
	p.bump()
	p.failures++
	if len(p.reasons) < failureReasonLimit {
		p.reasons = append(p.reasons, FailureReason{Seq: seq, Reason: reason})
	}
	p.evaluate()
}

func (p *Policy) bump() {
	if p.attempts == ^uint64(0) {
		p.attempts = p.attempts / 2
	}
	p.attempts++
}

// evaluate raises at most one signal per failure streak.
func (p *Policy) evaluate() {
	if p.pending || p.fired {
		return
	}
	if p.failures >= p.threshold {
		p.pending = true
	}
}

// Consume returns the pending signal, if any.
func (p *Policy) Consume() (CorruptionSignal, bool) {
	if p == nil || !p.pending {
		return CorruptionSignal{}, false
	}
	signal := CorruptionSignal{
		Failures: p.failures,
		Attempts: p.attempts,
		Reasons:  append([]FailureReason(nil), p.reasons...),
	}
	p.pending = false
	p.fired = true
	return signal, true
}

func (s CorruptionSignal) Summary() string {
	if s.Failures == 0 && s.Attempts == 0 {
		return ""
	}
	return fmt.Sprintf("failures=%d attempts=%d reasons=%v", s.Failures, s.Attempts, s.Reasons)
}
