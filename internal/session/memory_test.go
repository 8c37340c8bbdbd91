package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newRecord("app", "k1", "alice", "", time.Now().Add(time.Hour))))

	got, err := s.Get(ctx, "app", "k1")
	require.NoError(t, err)
	got.Ticket[0] = 'X'
	got.SubjectID = "mallory"

	again, err := s.Get(ctx, "app", "k1")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.SubjectID)
	assert.Equal(t, []byte("ticket-k1"), again.Ticket)
	assert.Equal(t, 1, s.Len())
}
