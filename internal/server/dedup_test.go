package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTable_LookupAndRecord(t *testing.T) {
	table := newRequestTable()

	t.Run("unknown requests are not seen", func(t *testing.T) {
		_, seen := table.lookup("client-1", 1)
		assert.False(t, seen)
	})

	t.Run("recorded requests return their response", func(t *testing.T) {
		table.record("client-1", 1, []byte("OK"), 0)

		response, seen := table.lookup("client-1", 1)
		require.True(t, seen)
		assert.Equal(t, []byte("OK"), response)
	})

	t.Run("clients are independent", func(t *testing.T) {
		_, seen := table.lookup("client-2", 1)
		assert.False(t, seen)
	})
}

func TestRequestTable_Eviction(t *testing.T) {
	table := newRequestTable()
	table.record("client-1", 1, []byte("r1"), 0)
	table.record("client-1", 2, []byte("r2"), 0)
	table.record("client-1", 3, []byte("r3"), 2)

	t.Run("acknowledged responses are evicted but still counted as seen", func(t *testing.T) {
		response, seen := table.lookup("client-1", 1)
		assert.True(t, seen)
		assert.Nil(t, response)

		response, seen = table.lookup("client-1", 2)
		assert.True(t, seen)
		assert.Nil(t, response)
	})

	t.Run("responses above the ack survive", func(t *testing.T) {
		response, seen := table.lookup("client-1", 3)
		require.True(t, seen)
		assert.Equal(t, []byte("r3"), response)
	})

	t.Run("the ack position never regresses", func(t *testing.T) {
		table.record("client-1", 4, []byte("r4"), 1)

		_, seen := table.lookup("client-1", 2)
		assert.True(t, seen)
		response, seen := table.lookup("client-1", 3)
		require.True(t, seen)
		assert.Equal(t, []byte("r3"), response)
	})
}

func TestRequestTable_SnapshotRestore(t *testing.T) {
	table := newRequestTable()
	table.record("client-1", 5, []byte("r5"), 3)
	table.record("client-2", 1, []byte("other"), 0)

	restored := newRequestTable()
	restored.restoreState(table.snapshotState())

	response, seen := restored.lookup("client-1", 5)
	require.True(t, seen)
	assert.Equal(t, []byte("r5"), response)

	// The ack boundary travels with the snapshot.
	_, seen = restored.lookup("client-1", 2)
	assert.True(t, seen)

	response, seen = restored.lookup("client-2", 1)
	require.True(t, seen)
	assert.Equal(t, []byte("other"), response)

	_, seen = restored.lookup("client-3", 1)
	assert.False(t, seen)
}
