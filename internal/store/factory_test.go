package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLocal(t *testing.T) {
	st, err := Open(Config{Backend: BackendLocal, DataDir: t.TempDir()}, nil)
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, "local", st.Name())
	assert.False(t, st.SupportsHybrid())
}

func TestOpenQdrant(t *testing.T) {
	st, err := Open(Config{Backend: BackendQdrant, QdrantURL: "http://localhost:6333"}, nil)
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, "qdrant", st.Name())
	assert.True(t, st.SupportsHybrid())
}

func TestOpenQdrantRRFOverride(t *testing.T) {
	st, err := Open(Config{Backend: BackendQdrant, QdrantURL: "http://localhost:6333", RRFConstant: 10}, nil)
	require.NoError(t, err)
	defer st.Close()

	qs, ok := st.(*QdrantStore)
	require.True(t, ok)
	assert.Equal(t, 10, qs.rrfK)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "pinecone"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown vector store backend")
}
