package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotification(t *testing.T, repo *NotificationRepository, channel model.NotificationChannel) *model.Notification {
	t.Helper()
	n := &model.Notification{
		ID:        uuid.NewString(),
		SessionID: "tenant-1",
		Channel:   channel,
		Recipient: "6281234567890",
		Body:      "Invoice INV-001 is due",
		Status:    model.NotificationStatusPending,
	}
	created, err := repo.Create(context.Background(), n)
	require.NoError(t, err)
	return created
}

func TestNotificationRepository_Create(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewNotificationRepository(db)

	n := newTestNotification(t, repo, model.ChannelChat)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, model.NotificationStatusPending, n.Status)
	assert.NotZero(t, n.CreatedAt)
}

func TestNotificationRepository_MarkSent(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	n := newTestNotification(t, repo, model.ChannelChat)

	ok, err := repo.MarkSent(ctx, n.ID, "abc123", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, got.Status)
	require.NotNil(t, got.ExternalMessageID)
	assert.Equal(t, "abc123", *got.ExternalMessageID)
	assert.NotNil(t, got.SentAt)

	t.Run("second mark sent is a no-op", func(t *testing.T) {
		ok, err := repo.MarkSent(ctx, n.ID, "other", time.Now())
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.Get(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, "abc123", *got.ExternalMessageID)
	})
}

func TestNotificationRepository_AdvanceStatus_Monotonic(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	n := newTestNotification(t, repo, model.ChannelChat)
	_, err := repo.MarkSent(ctx, n.ID, "ext-1", time.Now())
	require.NoError(t, err)

	ok, err := repo.AdvanceStatus(ctx, n.ID, model.NotificationStatusDelivered, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("sent after delivered is a no-op", func(t *testing.T) {
		ok, err := repo.AdvanceStatus(ctx, n.ID, model.NotificationStatusSent, time.Now())
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.Get(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, model.NotificationStatusDelivered, got.Status)
	})

	t.Run("read advances from delivered", func(t *testing.T) {
		ok, err := repo.AdvanceStatus(ctx, n.ID, model.NotificationStatusRead, time.Now())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("nothing advances from read", func(t *testing.T) {
		for _, next := range []model.NotificationStatus{
			model.NotificationStatusSent,
			model.NotificationStatusDelivered,
			model.NotificationStatusFailed,
		} {
			ok, err := repo.AdvanceStatus(ctx, n.ID, next, time.Now())
			require.NoError(t, err)
			assert.False(t, ok, "read -> %s must not apply", next)
		}
	})
}

func TestNotificationRepository_AdvanceStatus_ReadSkipsDelivered(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	n := newTestNotification(t, repo, model.ChannelChat)
	_, err := repo.MarkSent(ctx, n.ID, "ext-2", time.Now())
	require.NoError(t, err)

	// The network does not guarantee a delivered event before read.
	ok, err := repo.AdvanceStatus(ctx, n.ID, model.NotificationStatusRead, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusRead, got.Status)
	assert.Nil(t, got.DeliveredAt)
}

func TestNotificationRepository_MarkFailed(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	n := newTestNotification(t, repo, model.ChannelChat)

	ok, err := repo.MarkFailed(ctx, n.ID, "timed out", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "timed out", *got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)

	t.Run("failed is terminal for the tracker", func(t *testing.T) {
		ok, err := repo.AdvanceStatus(ctx, n.ID, model.NotificationStatusDelivered, time.Now())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestNotificationRepository_FindByExternalID(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	chat := newTestNotification(t, repo, model.ChannelChat)
	email := newTestNotification(t, repo, model.ChannelEmail)

	_, err := repo.MarkSent(ctx, chat.ID, "shared-ext", time.Now())
	require.NoError(t, err)
	_, err = repo.MarkSent(ctx, email.ID, "shared-ext", time.Now())
	require.NoError(t, err)

	t.Run("filters by channel", func(t *testing.T) {
		found, err := repo.FindByExternalID(ctx, "shared-ext", model.ChannelChat)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, chat.ID, found[0].ID)
	})

	t.Run("unknown external id yields empty slice", func(t *testing.T) {
		found, err := repo.FindByExternalID(ctx, "no-such-id", model.ChannelChat)
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}

func TestNotificationRepository_ListWithReceipts(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewNotificationRepository(db)
	receipts := NewReadReceiptRepository(db)
	ctx := context.Background()

	n := newTestNotification(t, repo, model.ChannelChat)
	for i := 0; i < 2; i++ {
		_, err := receipts.Append(ctx, &model.ReadReceipt{
			NotificationID: n.ID,
			Source:         model.ReceiptSourceHTTPPixel,
			ReadAt:         time.Now(),
		})
		require.NoError(t, err)
	}

	sessionID := "tenant-1"
	items, total, err := repo.ListWithReceipts(ctx, model.NotificationFilter{SessionID: &sessionID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, items, 1)
	assert.Len(t, items[0].ReadReceipts, 2)
}
