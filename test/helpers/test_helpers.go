package helpers

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kostpay/chat-gateway/internal/repository"
	"github.com/kostpay/chat-gateway/pkg/pg"
	"github.com/kostpay/chat-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&repository.SessionEntity{},
		&repository.NotificationEntity{},
		&repository.ReadReceiptEntity{},
		&repository.PaymentOrderEntity{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return pgDB
}

// SetupTestRedis runs a miniredis instance and an adapter pointed at it.
// The adapter cache is keyed by connection name, so each call uses a
// unique one.
func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	connName := fmt.Sprintf("test-%d", time.Now().UnixNano())
	adapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func CreateTestSession(t *testing.T, db *pg.DB, sessionID, status string) *repository.SessionEntity {
	ctx := context.Background()
	s := &repository.SessionEntity{
		SessionID: sessionID,
		Status:    status,
		UpdatedAt: time.Now(),
	}
	err := db.Write(ctx).Create(s).Error
	require.NoError(t, err)
	return s
}

func CreateTestNotification(t *testing.T, db *pg.DB, id, sessionID, channel, status string, externalID *string) *repository.NotificationEntity {
	ctx := context.Background()
	n := &repository.NotificationEntity{
		ID:                id,
		SessionID:         sessionID,
		Channel:           channel,
		Recipient:         "628123456789",
		Body:              "test notification body",
		Status:            status,
		ExternalMessageID: externalID,
		CreatedAt:         time.Now(),
	}
	err := db.Write(ctx).Create(n).Error
	require.NoError(t, err)
	return n
}

func CreateTestReadReceipt(t *testing.T, db *pg.DB, notificationID, source string) *repository.ReadReceiptEntity {
	ctx := context.Background()
	rr := &repository.ReadReceiptEntity{
		NotificationID: notificationID,
		Source:         source,
		ReadAt:         time.Now(),
	}
	err := db.Write(ctx).Create(rr).Error
	require.NoError(t, err)
	return rr
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func Ptr[T any](v T) *T {
	return &v
}
