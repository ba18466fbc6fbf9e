package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryPersister struct {
	snapshots map[string][]byte
}

func (p *memoryPersister) SaveSnapshot(docID string, snapshot []byte) error {
	if p.snapshots == nil {
		p.snapshots = make(map[string][]byte)
	}
	p.snapshots[docID] = append([]byte(nil), snapshot...)
	return nil
}

func (p *memoryPersister) LoadSnapshot(docID string) ([]byte, bool, error) {
	raw, ok := p.snapshots[docID]
	return raw, ok, nil
}

func TestStoreDocumentIsStablePerRoom(t *testing.T) {
	store, err := NewStore("peer-a", nil, nil)
	require.NoError(t, err)

	first, err := store.Document("room-1")
	require.NoError(t, err)
	second, err := store.Document("room-1")
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := store.Document("room-2")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestStorePersistAndRestore(t *testing.T) {
	persist := &memoryPersister{}

	store, err := NewStore("peer-a", persist, nil)
	require.NoError(t, err)
	files, err := store.Map("room-1", NamespaceSharedFiles)
	require.NoError(t, err)
	require.NoError(t, files.Set("f1", []byte(`"v1"`)))
	require.NoError(t, store.Persist("room-1"))

	// A fresh store sees the snapshot on first document access.
	restoredStore, err := NewStore("peer-a", persist, nil)
	require.NoError(t, err)
	restored, err := restoredStore.Map("room-1", NamespaceSharedFiles)
	require.NoError(t, err)

	value, ok := restored.Get("f1")
	require.True(t, ok)
	assert.Equal(t, `"v1"`, string(value))
}
