package bridge

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenecollab/server/internal/replica"
	"scenecollab/server/internal/scene"
)

type sentUpdate struct {
	from int
	data []byte
}

type network struct {
	sent []sentUpdate
}

type testPeer struct {
	index int
	id    string
	r     *replica.Doc
	doc   scene.Document
}

func (p *testPeer) edit(t *testing.T, op scene.Op) {
	t.Helper()
	next, touched, err := scene.Apply(p.doc, op)
	require.NoError(t, err)
	require.NoError(t, PushLocalChange(p.r, next, ScopeFor(touched)))
	p.doc = next
}

func (p *testPeer) refresh(t *testing.T) {
	t.Helper()
	doc, err := ReconstructDocument(p.r)
	require.NoError(t, err)
	p.doc = doc
}

// deliver applies every update accepted by filter to p, shuffled, with some
// updates delivered twice.
func (n *network) deliver(t *testing.T, rng *rand.Rand, p *testPeer, filter func(from int) bool) {
	t.Helper()
	var batch [][]byte
	for _, u := range n.sent {
		if u.from == p.index || !filter(u.from) {
			continue
		}
		batch = append(batch, u.data)
		if rng.Intn(4) == 0 {
			batch = append(batch, u.data)
		}
	}
	rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	for _, data := range batch {
		require.NoError(t, p.r.ApplyUpdate(data, replica.Remote(fmt.Sprintf("net-%d", p.index))))
	}
}

func largeDocument(t *testing.T) scene.Document {
	t.Helper()
	doc := scene.New("doc-big", "Big", "root")
	var ops []scene.Op
	for g := 0; g < 4; g++ {
		group := fmt.Sprintf("g%d", g)
		ops = append(ops, scene.CreateEntity(scene.Entity{ID: group, Name: group, Transform: scene.IdentityTransform()}, "root"))
		for i := 0; i < 49; i++ {
			id := fmt.Sprintf("g%d-e%d", g, i)
			ops = append(ops, scene.CreateEntity(scene.Entity{ID: id, Name: id, Transform: scene.IdentityTransform()}, group))
		}
	}
	return mustApply(t, doc, scene.Batch(ops...))
}

func setupPeers(t *testing.T, n int, doc scene.Document) ([]*testPeer, *network) {
	t.Helper()
	net := &network{}
	peers := make([]*testPeer, n)
	for i := range peers {
		p := &testPeer{index: i, id: fmt.Sprintf("peer-%d", i), r: replica.New(fmt.Sprintf("peer-%d", i))}
		index := i
		p.r.OnUpdate(func(update []byte, origin any) {
			if origin == replica.OriginLocal {
				net.sent = append(net.sent, sentUpdate{from: index, data: update})
			}
		})
		peers[i] = p
	}
	require.NoError(t, InitializeReplica(peers[0].r, doc))
	state, err := peers[0].r.EncodeState()
	require.NoError(t, err)
	for _, p := range peers[1:] {
		require.NoError(t, p.r.ApplyUpdate(state, replica.Remote("bootstrap")))
	}
	for _, p := range peers {
		p.refresh(t)
	}
	return peers, net
}

func TestConvergenceAcrossFourPeers(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	peers, net := setupPeers(t, 4, largeDocument(t))
	require.Len(t, peers[0].doc.Entities, 201)

	// Disjoint edits: each peer renames and moves entities of its own group.
	for i, p := range peers {
		for k := 0; k < 10; k++ {
			id := fmt.Sprintf("g%d-e%d", i, k)
			p.edit(t, scene.Rename(id, fmt.Sprintf("%s-by-%s", id, p.id)))
			p.edit(t, scene.SetTransform(id, scene.Transform{Position: scene.Vec3{X: float64(k)}, Scale: scene.Vec3{X: 1, Y: 1, Z: 1}}))
		}
	}

	// Same entity, different leaves.
	peers[0].edit(t, scene.Rename("g0-e40", "renamed-by-0"))
	peers[1].edit(t, scene.SetTags("g0-e40", []string{"tagged-by-1"}))

	// Same leaf on two peers.
	peers[2].edit(t, scene.Rename("g1-e40", "two"))
	peers[3].edit(t, scene.Rename("g1-e40", "three"))

	// Rapid sequential edits from one peer.
	for k := 0; k < 15; k++ {
		peers[1].edit(t, scene.SetTransform("g1-e41", scene.Transform{Position: scene.Vec3{Y: float64(k)}}))
	}

	// Partition: {0,1} and {2,3} only hear each other.
	groupOf := func(i int) int { return i / 2 }
	for _, p := range peers {
		self := groupOf(p.index)
		net.deliver(t, rng, p, func(from int) bool { return groupOf(from) == self })
		p.refresh(t)
	}

	// Structural edits inside the partition, on disjoint subtrees.
	peers[0].edit(t, scene.CreateEntity(scene.Entity{ID: "new-0", Name: "new"}, "g0"))
	peers[2].edit(t, scene.DeleteEntity("g2-e48"))
	peers[3].edit(t, scene.Reparent("g3-e1", "g3-e0", nil))

	// Final full sync.
	for _, p := range peers {
		net.deliver(t, rng, p, func(int) bool { return true })
	}

	docs := make([]scene.Document, len(peers))
	for i, p := range peers {
		doc, err := ReconstructDocument(p.r)
		require.NoError(t, err)
		docs[i] = doc
	}
	for i := 1; i < len(docs); i++ {
		assert.Equal(t, docs[0], docs[i], "peer %d diverged", i)
	}

	final := docs[0]
	assert.Equal(t, "renamed-by-0", final.Entities["g0-e40"].Name)
	assert.Equal(t, []string{"tagged-by-1"}, final.Entities["g0-e40"].Tags)
	assert.Contains(t, []string{"two", "three"}, final.Entities["g1-e40"].Name)
	assert.Equal(t, float64(14), final.Entities["g1-e41"].Transform.Position.Y)
	assert.Equal(t, "g2-e3-by-peer-2", final.Entities["g2-e3"].Name)
	assert.Contains(t, final.Entities, "new-0")
	assert.NotContains(t, final.Entities, "g2-e48")
	require.NotNil(t, final.Entities["g3-e1"].ParentID)
	assert.Equal(t, "g3-e0", *final.Entities["g3-e1"].ParentID)
}

func TestConcurrentDifferentLeavesBothSurvive(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	peers, net := setupPeers(t, 2, sampleDocument(t))

	peers[0].edit(t, scene.Rename("b", "from-a"))
	transform := scene.Transform{Position: scene.Vec3{X: 3, Y: 2, Z: 1}, Scale: scene.Vec3{X: 1, Y: 1, Z: 1}}
	peers[1].edit(t, scene.SetTransform("b", transform))

	for _, p := range peers {
		net.deliver(t, rng, p, func(int) bool { return true })
		p.refresh(t)
	}
	assert.Equal(t, peers[0].doc, peers[1].doc)
	assert.Equal(t, "from-a", peers[0].doc.Entities["b"].Name)
	assert.Equal(t, transform, peers[0].doc.Entities["b"].Transform)
}

func TestConcurrentSameLeafPicksOneWinner(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	peers, net := setupPeers(t, 3, sampleDocument(t))

	peers[0].edit(t, scene.Rename("b", "zero"))
	peers[1].edit(t, scene.Rename("b", "one"))
	peers[2].edit(t, scene.Rename("b", "two"))

	for _, p := range peers {
		net.deliver(t, rng, p, func(int) bool { return true })
		p.refresh(t)
	}
	winner := peers[0].doc.Entities["b"].Name
	assert.Contains(t, []string{"zero", "one", "two"}, winner)
	for _, p := range peers[1:] {
		assert.Equal(t, winner, p.doc.Entities["b"].Name)
	}
}
