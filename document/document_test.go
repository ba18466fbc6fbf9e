package document

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDocument(t *testing.T, actor string) (*Document, *[][]byte) {
	t.Helper()

	doc, err := NewDocument("room-1", actor, nil)
	require.NoError(t, err)

	var deltas [][]byte
	doc.SetBroadcast(func(update []byte) {
		deltas = append(deltas, append([]byte(nil), update...))
	})
	return doc, &deltas
}

func liveState(t *testing.T, doc *Document, namespace string) map[string]string {
	t.Helper()

	m := doc.Map(namespace)
	state := make(map[string]string)
	for _, key := range m.Keys() {
		value, ok := m.Get(key)
		require.True(t, ok)
		state[key] = string(value)
	}
	return state
}

func TestLocalWriteVisibleImmediately(t *testing.T) {
	doc, deltas := newTestDocument(t, "peer-a")
	files := doc.Map(NamespaceSharedFiles)

	require.NoError(t, files.Set("f1", []byte(`{"name":"a.txt"}`)))

	value, ok := files.Get("f1")
	require.True(t, ok, "local caller must see its own write without a network round trip")
	assert.Equal(t, `{"name":"a.txt"}`, string(value))
	assert.Len(t, *deltas, 1)
}

func TestApplyRemoteIdempotent(t *testing.T) {
	source, deltas := newTestDocument(t, "peer-a")
	require.NoError(t, source.Map(NamespaceSharedFiles).Set("f1", []byte(`"v1"`)))
	require.NoError(t, source.Map(NamespaceSharedFiles).Delete("f1"))
	require.NoError(t, source.Map(NamespaceSharedFiles).Set("f2", []byte(`"v2"`)))

	target, _ := newTestDocument(t, "peer-b")
	for _, d := range *deltas {
		require.NoError(t, target.ApplyRemote(d))
	}
	once := liveState(t, target, NamespaceSharedFiles)

	for _, d := range *deltas {
		require.NoError(t, target.ApplyRemote(d))
	}
	twice := liveState(t, target, NamespaceSharedFiles)

	assert.Equal(t, once, twice, "applying the same delta twice must be a no-op")
}

func TestApplyRemoteOrderIndependent(t *testing.T) {
	writerA, deltasA := newTestDocument(t, "peer-a")
	writerB, deltasB := newTestDocument(t, "peer-b")

	require.NoError(t, writerA.Map(NamespaceSharedFiles).Set("shared", []byte(`"from-a"`)))
	require.NoError(t, writerA.Map(NamespaceSharedFiles).Set("only-a", []byte(`"a"`)))
	require.NoError(t, writerB.Map(NamespaceSharedFiles).Set("shared", []byte(`"from-b"`)))
	require.NoError(t, writerB.Map(NamespaceSharedFiles).Set("only-b", []byte(`"b"`)))

	all := append(append([][]byte{}, *deltasA...), *deltasB...)

	forward, _ := newTestDocument(t, "peer-c")
	for _, d := range all {
		require.NoError(t, forward.ApplyRemote(d))
	}

	reverse, _ := newTestDocument(t, "peer-d")
	for i := len(all) - 1; i >= 0; i-- {
		require.NoError(t, reverse.ApplyRemote(all[i]))
	}

	assert.Equal(t,
		liveState(t, forward, NamespaceSharedFiles),
		liveState(t, reverse, NamespaceSharedFiles),
		"merge order must not change the converged state")
}

func TestConcurrentWritesConvergeAcrossPeers(t *testing.T) {
	writerA, deltasA := newTestDocument(t, "peer-a")
	writerB, deltasB := newTestDocument(t, "peer-b")

	// Both peers write the same key at the same clock; the actor id breaks
	// the tie identically everywhere.
	require.NoError(t, writerA.Map(NamespaceSharedFiles).Set("shared", []byte(`"from-a"`)))
	require.NoError(t, writerB.Map(NamespaceSharedFiles).Set("shared", []byte(`"from-b"`)))

	for _, d := range *deltasB {
		require.NoError(t, writerA.ApplyRemote(d))
	}
	for _, d := range *deltasA {
		require.NoError(t, writerB.ApplyRemote(d))
	}

	assert.Equal(t,
		liveState(t, writerA, NamespaceSharedFiles),
		liveState(t, writerB, NamespaceSharedFiles))
}

func TestClearTombstonesAllKeys(t *testing.T) {
	doc, deltas := newTestDocument(t, "peer-a")
	chunks := doc.Map(NamespaceFileChunks)

	require.NoError(t, chunks.Set("f1-0", []byte(`"c0"`)))
	require.NoError(t, chunks.Set("f1-1", []byte(`"c1"`)))
	require.NoError(t, chunks.Clear())
	assert.Zero(t, chunks.Len())

	// The clear must replicate as one delta covering every key.
	target, _ := newTestDocument(t, "peer-b")
	for _, d := range *deltas {
		require.NoError(t, target.ApplyRemote(d))
	}
	assert.Zero(t, target.Map(NamespaceFileChunks).Len())
}

func TestMalformedDeltaDropped(t *testing.T) {
	doc, _ := newTestDocument(t, "peer-a")
	require.NoError(t, doc.Map(NamespaceSharedFiles).Set("f1", []byte(`"v1"`)))

	assert.ErrorIs(t, doc.ApplyRemote([]byte{0x00, '{', 'x'}), ErrMalformedDelta)
	assert.ErrorIs(t, doc.ApplyRemote(nil), ErrMalformedDelta)

	value, ok := doc.Map(NamespaceSharedFiles).Get("f1")
	require.True(t, ok, "a bad delta must not corrupt the local map")
	assert.Equal(t, `"v1"`, string(value))
}

func TestObserverFiresOnLocalAndRemoteChanges(t *testing.T) {
	source, deltas := newTestDocument(t, "peer-a")
	target, _ := newTestDocument(t, "peer-b")

	var fired int
	target.Map(NamespaceSharedFiles).Observe(func() { fired++ })

	require.NoError(t, target.Map(NamespaceSharedFiles).Set("local", []byte(`"x"`)))
	assert.Equal(t, 1, fired)

	require.NoError(t, source.Map(NamespaceSharedFiles).Set("remote", []byte(`"y"`)))
	for _, d := range *deltas {
		require.NoError(t, target.ApplyRemote(d))
	}
	assert.Equal(t, 2, fired)
}

func TestLateObserverGetsInitialLoadSignal(t *testing.T) {
	source, err := NewDocument("room-1", "peer-a", nil)
	require.NoError(t, err)
	require.NoError(t, source.Map(NamespaceSharedFiles).Set("f1", []byte(`"v1"`)))
	snap, err := source.Snapshot()
	require.NoError(t, err)

	restored, err := NewDocument("room-1", "peer-b", nil)
	require.NoError(t, err)
	require.NoError(t, restored.LoadSnapshot(snap))

	var fired int
	restored.Map(NamespaceSharedFiles).Observe(func() { fired++ })
	assert.Equal(t, 1, fired, "observer attached after snapshot load must get a synthetic notification")

	fresh, err := NewDocument("room-2", "peer-b", nil)
	require.NoError(t, err)
	fresh.Map(NamespaceSharedFiles).Observe(func() { fired++ })
	assert.Equal(t, 1, fired, "no synthetic notification without a loaded snapshot")
}

func TestSetRejectsInvalidJSONValue(t *testing.T) {
	doc, deltas := newTestDocument(t, "peer-a")
	files := doc.Map(NamespaceSharedFiles)

	var fired int
	files.Observe(func() { fired++ })

	assert.ErrorIs(t, files.Set("f1", []byte("not json")), ErrInvalidValue)
	assert.ErrorIs(t, files.Set("f2", nil), ErrInvalidValue)

	assert.Zero(t, files.Len(), "a rejected value must not touch the map")
	assert.Zero(t, fired, "a rejected value must not notify observers")
	assert.Empty(t, *deltas, "a rejected value must not broadcast")
}

func TestSnapshotBatchesBoundedAndConverge(t *testing.T) {
	source, _ := newTestDocument(t, "peer-a")
	files := source.Map(NamespaceSharedFiles)
	chunks := source.Map(NamespaceFileChunks)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("f%02d", i)
		value := `"` + strings.Repeat("x", 100) + `"`
		require.NoError(t, files.Set(key, []byte(value)))
	}
	require.NoError(t, chunks.Set("f00-0", []byte(`"chunk"`)))
	require.NoError(t, files.Delete("f00"))

	const maxBytes = 512
	batches, err := source.SnapshotBatches(maxBytes)
	require.NoError(t, err)
	require.Greater(t, len(batches), 1, "state this large must split into multiple batches")
	for i, batch := range batches {
		assert.LessOrEqual(t, len(batch), maxBytes, "batch %d exceeds the bound", i)
	}

	target, _ := newTestDocument(t, "peer-b")
	var fired int
	target.Map(NamespaceSharedFiles).Observe(func() { fired++ })
	for _, batch := range batches {
		require.NoError(t, target.ApplyRemoteSnapshot(batch))
	}

	assert.Equal(t,
		liveState(t, source, NamespaceSharedFiles),
		liveState(t, target, NamespaceSharedFiles),
		"batched snapshots must converge to the full state")
	assert.Equal(t,
		liveState(t, source, NamespaceFileChunks),
		liveState(t, target, NamespaceFileChunks))
	assert.Greater(t, fired, 0, "merged batches must notify observers")

	_, ok := target.Map(NamespaceSharedFiles).Get("f00")
	assert.False(t, ok, "tombstones must replicate through batched snapshots")
}

func TestSnapshotBatchesEmptyDocument(t *testing.T) {
	source, _ := newTestDocument(t, "peer-a")

	batches, err := source.SnapshotBatches(1024)
	require.NoError(t, err)
	require.Len(t, batches, 1, "an empty document yields one batch so the clock still propagates")

	target, _ := newTestDocument(t, "peer-b")
	require.NoError(t, target.ApplyRemoteSnapshot(batches[0]))
	assert.Zero(t, target.Map(NamespaceSharedFiles).Len())
}

func TestSnapshotEmbedsValuesVerbatim(t *testing.T) {
	source, _ := newTestDocument(t, "peer-a")
	value := `{"name":"a.txt","content":"` + strings.Repeat("A", 4096) + `"}`
	require.NoError(t, source.Map(NamespaceSharedFiles).Set("f1", []byte(value)))

	snap, err := source.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, string(snap), `"name":"a.txt"`,
		"snapshot must embed values as raw JSON, not re-encoded")
	assert.Less(t, len(snap), len(value)*2,
		"snapshot overhead must stay linear, not re-encode the value")
}

func TestSnapshotRoundTripPreservesTombstones(t *testing.T) {
	source, _ := newTestDocument(t, "peer-a")
	require.NoError(t, source.Map(NamespaceSharedFiles).Set("kept", []byte(`"v"`)))
	require.NoError(t, source.Map(NamespaceSharedFiles).Set("removed", []byte(`"v"`)))
	require.NoError(t, source.Map(NamespaceSharedFiles).Delete("removed"))

	snap, err := source.Snapshot()
	require.NoError(t, err)

	restored, err := NewDocument("room-1", "peer-b", nil)
	require.NoError(t, err)
	require.NoError(t, restored.LoadSnapshot(snap))

	assert.Equal(t, []string{"kept"}, restored.Map(NamespaceSharedFiles).Keys())

	// The tombstone must survive so a stale re-announce of "removed" from an
	// old delta cannot resurrect it.
	_, ok := restored.Map(NamespaceSharedFiles).Get("removed")
	assert.False(t, ok)
}
