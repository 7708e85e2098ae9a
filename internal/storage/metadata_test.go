package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTempMetadata(t *testing.T) (*MetadataStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")

	store, err := OpenMetadataStore(path)
	require.NoError(t, err)
	require.NotNil(t, store)

	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestMetadataStore_CurrentTerm(t *testing.T) {
	store, _ := createTempMetadata(t)

	t.Run("defaults to zero", func(t *testing.T) {
		term, err := store.CurrentTerm()
		require.NoError(t, err)
		assert.Equal(t, uint64(0), term)
	})

	t.Run("round-trips", func(t *testing.T) {
		require.NoError(t, store.SetCurrentTerm(7))

		term, err := store.CurrentTerm()
		require.NoError(t, err)
		assert.Equal(t, uint64(7), term)
	})
}

func TestMetadataStore_VotedFor(t *testing.T) {
	store, _ := createTempMetadata(t)

	t.Run("defaults to nil", func(t *testing.T) {
		votedFor, err := store.VotedFor()
		require.NoError(t, err)
		assert.Nil(t, votedFor)
	})

	t.Run("round-trips", func(t *testing.T) {
		candidate := "server-2"
		require.NoError(t, store.SetVotedFor(&candidate))

		votedFor, err := store.VotedFor()
		require.NoError(t, err)
		require.NotNil(t, votedFor)
		assert.Equal(t, "server-2", *votedFor)
	})

	t.Run("nil clears the vote", func(t *testing.T) {
		require.NoError(t, store.SetVotedFor(nil))

		votedFor, err := store.VotedFor()
		require.NoError(t, err)
		assert.Nil(t, votedFor)
	})
}

func TestMetadataStore_SurvivesReopen(t *testing.T) {
	store, path := createTempMetadata(t)

	candidate := "server-3"
	require.NoError(t, store.SetCurrentTerm(12))
	require.NoError(t, store.SetVotedFor(&candidate))
	require.NoError(t, store.Close())

	reopened, err := OpenMetadataStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	term, err := reopened.CurrentTerm()
	require.NoError(t, err)
	assert.Equal(t, uint64(12), term)

	votedFor, err := reopened.VotedFor()
	require.NoError(t, err)
	require.NotNil(t, votedFor)
	assert.Equal(t, "server-3", *votedFor)
}
