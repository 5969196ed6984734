package repository

import (
	"context"
	"testing"
	"time"

	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRepository_SaveAndGet(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewSessionRepository(db)
	ctx := context.Background()

	t.Run("save new session", func(t *testing.T) {
		s := &model.Session{
			SessionID: "tenant-1",
			Status:    model.SessionStatusConnecting,
		}
		require.NoError(t, repo.Save(ctx, s))

		got, err := repo.Get(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusConnecting, got.Status)
		assert.Nil(t, got.PhoneNumber)
	})

	t.Run("save overwrites previous snapshot", func(t *testing.T) {
		phone := "6281234567890"
		now := time.Now()
		s := &model.Session{
			SessionID:       "tenant-1",
			Status:          model.SessionStatusConnected,
			PhoneNumber:     &phone,
			LastConnectedAt: &now,
		}
		require.NoError(t, repo.Save(ctx, s))

		got, err := repo.Get(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusConnected, got.Status)
		require.NotNil(t, got.PhoneNumber)
		assert.Equal(t, phone, *got.PhoneNumber)
		assert.NotNil(t, got.LastConnectedAt)
	})

	t.Run("get unknown session", func(t *testing.T) {
		_, err := repo.Get(ctx, "never-seen")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestSessionRepository_List(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewSessionRepository(db)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Save(ctx, &model.Session{
			SessionID: id,
			Status:    model.SessionStatusDisconnected,
		}))
	}

	sessions, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
	assert.Equal(t, "a", sessions[0].SessionID)
}

func TestSessionRepository_Delete(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &model.Session{
		SessionID: "tenant-2",
		Status:    model.SessionStatusConnected,
	}))
	require.NoError(t, repo.Delete(ctx, "tenant-2"))

	_, err := repo.Get(ctx, "tenant-2")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
