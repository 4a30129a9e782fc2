package bridge

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/scene"
)

func rename(t *testing.T, r *replica.Doc, origin any, name string) {
	t.Helper()
	require.NoError(t, r.Transact(origin, func(tx *replica.Txn) error {
		return tx.Map(ContainerEntities).SetLeaf("b", "name", name)
	}))
}

func TestObserverIgnoresLocalAndInit(t *testing.T) {
	adapter := New(Options{Debounce: 5 * time.Millisecond})
	r := replica.New("peer-a")
	require.NoError(t, adapter.Initialize(r, sampleDocument(t)))

	var calls atomic.Int32
	stop := adapter.ObserveRemoteChanges(r, func(scene.Document) { calls.Add(1) })
	defer stop()

	rename(t, r, replica.OriginLocal, "local")
	rename(t, r, replica.OriginInit, "init")
	assert.Never(t, func() bool { return calls.Load() > 0 }, 60*time.Millisecond, 5*time.Millisecond)
}

func TestObserverFiresForRemoteAndCustomOrigins(t *testing.T) {
	adapter := New(Options{Debounce: 5 * time.Millisecond})
	r := replica.New("peer-a")
	require.NoError(t, adapter.Initialize(r, sampleDocument(t)))

	var latest atomic.Value
	var calls atomic.Int32
	stop := adapter.ObserveRemoteChanges(r, func(doc scene.Document) {
		latest.Store(doc.Entities["b"].Name)
		calls.Add(1)
	})
	defer stop()

	rename(t, r, replica.Remote("peer-b"), "remote")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "remote", latest.Load())

	rename(t, r, "undo", "custom")
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "custom", latest.Load())
}

func TestObserverCollapsesBursts(t *testing.T) {
	adapter := New(Options{Debounce: 30 * time.Millisecond})
	r := replica.New("peer-a")
	require.NoError(t, adapter.Initialize(r, sampleDocument(t)))

	var calls atomic.Int32
	var latest atomic.Value
	stop := adapter.ObserveRemoteChanges(r, func(doc scene.Document) {
		latest.Store(doc.Entities["b"].Name)
		calls.Add(1)
	})
	defer stop()

	for i := 0; i < 10; i++ {
		rename(t, r, replica.Remote("peer-b"), string(rune('a'+i)))
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "j", latest.Load())
	assert.Never(t, func() bool { return calls.Load() > 1 }, 80*time.Millisecond, 5*time.Millisecond)
}

func TestObserverStopCancelsPending(t *testing.T) {
	adapter := New(Options{Debounce: 20 * time.Millisecond})
	r := replica.New("peer-a")
	require.NoError(t, adapter.Initialize(r, sampleDocument(t)))

	var calls atomic.Int32
	stop := adapter.ObserveRemoteChanges(r, func(scene.Document) { calls.Add(1) })
	rename(t, r, replica.Remote("peer-b"), "pending")
	stop()

	rename(t, r, replica.Remote("peer-b"), "after")
	assert.Never(t, func() bool { return calls.Load() > 0 }, 80*time.Millisecond, 5*time.Millisecond)
}

func TestObserverReportsFailuresWithoutCallingBack(t *testing.T) {
	var failures atomic.Int32
	adapter := New(Options{
		Debounce:  5 * time.Millisecond,
		OnFailure: func(error) { failures.Add(1) },
	})
	r := replica.New("peer-a")
	require.NoError(t, adapter.Initialize(r, sampleDocument(t)))

	var calls atomic.Int32
	stop := adapter.ObserveRemoteChanges(r, func(scene.Document) { calls.Add(1) })
	defer stop()

	require.NoError(t, r.Transact(replica.Remote("evil"), func(tx *replica.Txn) error {
		return tx.Map(ContainerEntities).SetLeaf("b", "parentId", "nowhere")
	}))
	require.Eventually(t, func() bool { return failures.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.Zero(t, calls.Load())
}
