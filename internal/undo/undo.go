// Package undo scopes history to the local user. Only transactions carrying
// the local origin are captured, so undoing never reverts a collaborator's
// edit and remote updates never land on the local stack.
package undo

import (
	"time"

	"scenecollab/server/internal/bridge"
	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/telemetry"
)

// TrackedContainers are the replica containers covered by local history.
// Meta, wiring and metadata edits are not undoable.
var TrackedContainers = []string{
	bridge.ContainerEntities,
	bridge.ContainerAssets,
	bridge.ContainerEnvironment,
}

// Options configures a Manager.
type Options struct {
	// CaptureTimeout merges local transactions committed within the window
	// into one undo step. Multi-user sessions use zero.
	CaptureTimeout time.Duration
	// Containers overrides TrackedContainers.
	Containers []string
	Metrics    telemetry.Metrics
	Clock      func() time.Time
}

// Manager is the undo handle exposed to the editor.
type Manager struct {
	um      *replica.UndoManager
	metrics telemetry.Metrics
}

// New tracks transactions tagged localOrigin on r.
func New(r *replica.Doc, localOrigin any, opts Options) *Manager {
	containers := opts.Containers
	if len(containers) == 0 {
		containers = TrackedContainers
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Manager{
		um: replica.NewUndoManager(r, containers, replica.UndoOptions{
			TrackedOrigins: []any{localOrigin},
			CaptureTimeout: opts.CaptureTimeout,
			Clock:          opts.Clock,
		}),
		metrics: metrics,
	}
}

// Undo reverts the latest local step that still has an effect and reports
// whether the replica changed.
func (m *Manager) Undo() bool {
	if !m.um.Undo() {
		return false
	}
	m.metrics.Add("undo_applied_total", 1)
	return true
}

// Redo re-applies the latest undone step.
func (m *Manager) Redo() bool {
	if !m.um.Redo() {
		return false
	}
	m.metrics.Add("redo_applied_total", 1)
	return true
}

func (m *Manager) CanUndo() bool { return m.um.CanUndo() }

func (m *Manager) CanRedo() bool { return m.um.CanRedo() }

// StopCapturing closes the current undo step.
func (m *Manager) StopCapturing() { m.um.StopCapturing() }

func (m *Manager) Clear() { m.um.Clear() }

// Owns reports whether a transaction origin was produced by this manager.
func (m *Manager) Owns(origin any) bool { return m.um.Owns(origin) }

// Close stops capturing. The stacks are discarded.
func (m *Manager) Close() {
	m.um.Close()
	m.um.Clear()
}
