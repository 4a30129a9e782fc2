package bridge

import (
	"context"
	"sync"
	"time"

	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/scene"
	"scenecollab/server/logging"
	"scenecollab/server/logging/replication"
)

// ObserveRemoteChanges calls onChange with a freshly reconstructed document
// after remote changes settle. Transactions tagged replica.OriginLocal or
// replica.OriginInit are ignored. Failed reconstructions are logged and never
// reach onChange. The returned function unsubscribes and cancels any pending
// reconstruction.
func ObserveRemoteChanges(r *replica.Doc, onChange func(scene.Document)) func() {
	return defaultAdapter.ObserveRemoteChanges(r, onChange)
}

// ObserveRemoteChanges is the package function bound to a.
func (a *Adapter) ObserveRemoteChanges(r *replica.Doc, onChange func(scene.Document)) func() {
	obs := &remoteObserver{adapter: a, replica: r, onChange: onChange}
	for _, name := range Containers {
		obs.unsubscribe = append(obs.unsubscribe, r.ObserveDeep(name, obs.handle))
	}
	return obs.stop
}

type remoteObserver struct {
	adapter     *Adapter
	replica     *replica.Doc
	onChange    func(scene.Document)
	unsubscribe []func()

	mu      sync.Mutex
	timer   *time.Timer
	batched int
	stopped bool
}

func (o *remoteObserver) handle(_ []replica.Event, txn *replica.Transaction) {
	if txn.Origin == replica.OriginLocal || txn.Origin == replica.OriginInit {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.batched++
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = time.AfterFunc(o.adapter.debounce, o.fire)
}

func (o *remoteObserver) fire() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	batched := o.batched
	o.batched = 0
	o.timer = nil
	o.mu.Unlock()

	doc, err := o.adapter.Reconstruct(o.replica)
	if err != nil {
		if o.adapter.onFailure != nil {
			o.adapter.onFailure(err)
		}
		return
	}
	replication.RemoteApplied(context.Background(), o.adapter.pub, 0, logging.Document(doc.ID), replication.RemoteAppliedPayload{
		Entities: len(doc.Entities),
		Batched:  batched,
	}, nil)
	if o.adapter.onSuccess != nil {
		o.adapter.onSuccess()
	}
	if o.onChange != nil {
		o.onChange(doc)
	}
}

func (o *remoteObserver) stop() {
	o.mu.Lock()
	o.stopped = true
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.mu.Unlock()
	for _, unsubscribe := range o.unsubscribe {
		unsubscribe()
	}
}
