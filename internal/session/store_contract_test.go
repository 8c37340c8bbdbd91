package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(app, key, sub, sid string, expires time.Time) *Record {
	return &Record{
		ApplicationName: app,
		Key:             key,
		SubjectID:       sub,
		SessionID:       sid,
		Ticket:          []byte("ticket-" + key),
		Expires:         expires,
	}
}

// runStoreContract exercises the behavior every Store implementation shares
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	future := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("app", "k1", "alice", "sid-1", future)))

		got, err := s.Get(ctx, "app", "k1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.SubjectID)
		assert.Equal(t, "sid-1", got.SessionID)
		assert.Equal(t, []byte("ticket-k1"), got.Ticket)
		assert.True(t, got.Expires.Equal(future))
		assert.False(t, got.Created.IsZero())
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "app", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid record", func(t *testing.T) {
		s := newStore(t)
		err := s.Create(ctx, &Record{ApplicationName: "app", Key: "k"})
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})

	t.Run("duplicate key conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("app", "k1", "alice", "sid-1", future)))
		err := s.Create(ctx, newRecord("app", "k1", "bob", "sid-2", future))
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.Get(ctx, "app", "k1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.SubjectID, "existing record must not be overwritten")
	})

	t.Run("duplicate session id conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("app", "k1", "alice", "sid-1", future)))
		err := s.Create(ctx, newRecord("app", "k2", "alice", "sid-1", future))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("application names are separate namespaces", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("app-a", "k1", "alice", "sid-1", future)))
		require.NoError(t, s.Create(ctx, newRecord("app-b", "k1", "alice", "sid-1", future)))
	})

	t.Run("records without session id", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("app", "k1", "alice", "", future)))
		require.NoError(t, s.Create(ctx, newRecord("app", "k2", "alice", "", future)))
	})

	t.Run("concurrent create of same key", func(t *testing.T) {
		s := newStore(t)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.Create(ctx, newRecord("app", "same", "alice", "", future))
			}(i)
		}
		wg.Wait()

		var ok, conflict int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, ErrConflict):
				conflict++
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, conflict)
	})

	t.Run("update ticket", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("app", "k1", "alice", "sid-1", future)))

		later := future.Add(time.Hour)
		require.NoError(t, s.UpdateTicket(ctx, "app", "k1", []byte("new"), later))

		got, err := s.Get(ctx, "app", "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), got.Ticket)
		assert.True(t, got.Expires.Equal(later))

		err = s.UpdateTicket(ctx, "app", "missing", []byte("x"), later)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete by key", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("app", "k1", "alice", "sid-1", future)))
		require.NoError(t, s.DeleteByKey(ctx, "app", "k1"))
		require.NoError(t, s.DeleteByKey(ctx, "app", "k1"))

		_, err := s.Get(ctx, "app", "k1")
		assert.ErrorIs(t, err, ErrNotFound)

		// the session id is free again
		require.NoError(t, s.Create(ctx, newRecord("app", "k2", "alice", "sid-1", future)))
	})

	t.Run("delete by subject and session is idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("app", "k1", "alice", "sid-1", future)))
		require.NoError(t, s.Create(ctx, newRecord("app", "k2", "alice", "sid-2", future)))

		n, err := s.DeleteBySubjectAndSession(ctx, "app", "alice", "sid-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.DeleteBySubjectAndSession(ctx, "app", "alice", "sid-1")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, err = s.Get(ctx, "app", "k2")
		assert.NoError(t, err)
	})

	t.Run("delete by session requires matching subject", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("app", "k1", "alice", "sid-1", future)))

		n, err := s.DeleteBySubjectAndSession(ctx, "app", "mallory", "sid-1")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, err = s.Get(ctx, "app", "k1")
		assert.NoError(t, err)
	})

	t.Run("delete by subject only", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("app", "k1", "alice", "sid-1", future)))
		require.NoError(t, s.Create(ctx, newRecord("app", "k2", "alice", "", future)))
		require.NoError(t, s.Create(ctx, newRecord("app", "k3", "bob", "sid-3", future)))

		n, err := s.DeleteBySubjectAndSession(ctx, "app", "alice", "")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.Get(ctx, "app", "k3")
		assert.NoError(t, err)
	})

	t.Run("sweep expired", func(t *testing.T) {
		s := newStore(t)
		past := time.Now().Add(-time.Minute)
		require.NoError(t, s.Create(ctx, newRecord("app", "old", "alice", "sid-1", past)))
		require.NoError(t, s.Create(ctx, newRecord("app", "new", "bob", "sid-2", future)))

		// expired records stay readable until swept
		got, err := s.Get(ctx, "app", "old")
		require.NoError(t, err)
		assert.True(t, got.Expired(time.Now()))

		n, err := s.SweepExpired(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "app", "old")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "app", "new")
		assert.NoError(t, err)
	})
}
