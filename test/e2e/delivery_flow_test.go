package e2e

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kostpay/chat-gateway/internal/dispatcher"
	"github.com/kostpay/chat-gateway/internal/ledger"
	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/internal/queue"
	"github.com/kostpay/chat-gateway/internal/repository"
	"github.com/kostpay/chat-gateway/internal/tracker"
	"github.com/kostpay/chat-gateway/pkg/pg"
	"github.com/kostpay/chat-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testDB = pg.DB

// fakeSender stands in for a connected session. It hands back a stable
// external message id so receipt events can be correlated.
type fakeSender struct {
	externalID string
	sendErr    error
	sent       []dispatcher.Message
}

func (f *fakeSender) Send(ctx context.Context, sessionID string, msg dispatcher.Message) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, msg)
	return f.externalID, nil
}

type TestEnvironment struct {
	DB               *pg.DB
	Redis            *miniredis.Miniredis
	RedisAdapter     redis.RedisAdapter
	Queue            *queue.Queue
	NotificationRepo *repository.NotificationRepository
	ReceiptRepo      *repository.ReadReceiptRepository
	Sender           *fakeSender
	Ledger           *ledger.Service
	Processor        *tracker.DeliveryEventProcessor
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&repository.SessionEntity{},
		&repository.NotificationEntity{},
		&repository.ReadReceiptEntity{},
		&repository.PaymentOrderEntity{},
	)
	require.NoError(t, err)

	pgDB := &testDB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Use unique connection name per test to avoid global adapter caching issues
	connName := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	redisAdapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	queueConfig := queue.QueueConfig{
		Name:              "test:delivery:events",
		ConsumerGroup:     "test-tracker",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      50 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}

	q, err := queue.NewQueue(redisAdapter, queueConfig)
	require.NoError(t, err)

	notificationRepo := repository.NewNotificationRepository(pgDB)
	receiptRepo := repository.NewReadReceiptRepository(pgDB)

	sender := &fakeSender{externalID: "ext-msg-1"}
	ledgerService := ledger.NewService(notificationRepo, receiptRepo, sender)

	dedup := tracker.NewEventDeduper(redisAdapter, time.Hour)
	processor := tracker.NewDeliveryEventProcessor(notificationRepo, receiptRepo, dedup, 1, time.Millisecond)

	return &TestEnvironment{
		DB:               pgDB,
		Redis:            mr,
		RedisAdapter:     redisAdapter,
		Queue:            q,
		NotificationRepo: notificationRepo,
		ReceiptRepo:      receiptRepo,
		Sender:           sender,
		Ledger:           ledgerService,
		Processor:        processor,
	}
}

func (env *TestEnvironment) Cleanup() {
	if env.Queue != nil {
		_ = env.Queue.Stop(5 * time.Second)
	}
	time.Sleep(100 * time.Millisecond)
	if env.Redis != nil {
		env.Redis.Close()
	}
}

func (env *TestEnvironment) startTracker(t *testing.T) {
	err := env.Queue.Consume(func(ctx context.Context, msg *queue.Message) error {
		return env.Processor.Process(ctx, msg)
	})
	require.NoError(t, err)
}

func (env *TestEnvironment) publishEvent(t *testing.T, ev model.DeliveryEvent) {
	_, err := env.Queue.PublishJSON(context.Background(), ev, map[string]string{"session_id": ev.SessionID})
	require.NoError(t, err)
}

func (env *TestEnvironment) waitForStatus(t *testing.T, id string, want model.NotificationStatus) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n, err := env.NotificationRepo.Get(context.Background(), id)
		require.NoError(t, err)
		if n.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	n, _ := env.NotificationRepo.Get(context.Background(), id)
	t.Fatalf("notification %s never reached %s, last status %s", id, want, n.Status)
}

func TestE2E_SendAndNetworkDelivery(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	n, err := env.Ledger.SendChat(ctx, "session-1", "081234567890", "hello there", nil)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, n.Status)
	require.NotNil(t, n.ExternalMessageID)
	assert.Equal(t, "ext-msg-1", *n.ExternalMessageID)

	env.startTracker(t)

	env.publishEvent(t, model.DeliveryEvent{
		EventID:           "ev-delivered-1",
		SessionID:         "session-1",
		ExternalMessageID: "ext-msg-1",
		Stage:             model.StageDelivered,
		Timestamp:         time.Now(),
	})

	env.waitForStatus(t, n.ID, model.NotificationStatusDelivered)
}

func TestE2E_StaleSentEventIsAbsorbed(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	n, err := env.Ledger.SendChat(ctx, "session-1", "081234567890", "late ack", nil)
	require.NoError(t, err)

	env.startTracker(t)

	env.publishEvent(t, model.DeliveryEvent{
		EventID:           "ev-delivered-2",
		SessionID:         "session-1",
		ExternalMessageID: "ext-msg-1",
		Stage:             model.StageDelivered,
		Timestamp:         time.Now(),
	})
	env.waitForStatus(t, n.ID, model.NotificationStatusDelivered)

	// the sent ack arriving after delivered must not move the row backwards
	env.publishEvent(t, model.DeliveryEvent{
		EventID:           "ev-sent-late",
		SessionID:         "session-1",
		ExternalMessageID: "ext-msg-1",
		Stage:             model.StageSent,
		Timestamp:         time.Now(),
	})

	time.Sleep(500 * time.Millisecond)
	got, err := env.NotificationRepo.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusDelivered, got.Status)
}

func TestE2E_ReadFromBothSources(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	n, err := env.Ledger.SendChat(ctx, "session-1", "081234567890", "read me", nil)
	require.NoError(t, err)

	env.startTracker(t)

	// Source A: network read ack
	env.publishEvent(t, model.DeliveryEvent{
		EventID:           "ev-read-1",
		SessionID:         "session-1",
		ExternalMessageID: "ext-msg-1",
		Stage:             model.StageRead,
		Timestamp:         time.Now(),
	})
	env.waitForStatus(t, n.ID, model.NotificationStatusRead)

	// Source B: the pixel fires after the network already moved the row to
	// read; the status stays put but a second receipt is recorded
	ip := "10.0.0.1"
	err = env.Ledger.MarkRead(ctx, n.ID, model.ReceiptContext{IPAddress: &ip})
	require.NoError(t, err)

	receipts, err := env.ReceiptRepo.ListByNotification(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 2)

	sources := map[string]bool{}
	for _, r := range receipts {
		sources[r.Source] = true
	}
	assert.True(t, sources[model.ReceiptSourceNetworkAck])
	assert.True(t, sources[model.ReceiptSourceHTTPPixel])

	got, err := env.NotificationRepo.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusRead, got.Status)
}

func TestE2E_DuplicateEventAppliesOnce(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	n, err := env.Ledger.SendChat(ctx, "session-1", "081234567890", "dup test", nil)
	require.NoError(t, err)

	env.startTracker(t)

	ev := model.DeliveryEvent{
		EventID:           "ev-read-dup",
		SessionID:         "session-1",
		ExternalMessageID: "ext-msg-1",
		Stage:             model.StageRead,
		Timestamp:         time.Now(),
	}
	env.publishEvent(t, ev)
	env.publishEvent(t, ev)

	env.waitForStatus(t, n.ID, model.NotificationStatusRead)
	time.Sleep(500 * time.Millisecond)

	// the redelivered event is dropped by the dedup marker, so only one
	// network receipt lands
	receipts, err := env.ReceiptRepo.ListByNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestE2E_SendFailureMarksFailed(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.Sender.sendErr = fmt.Errorf("bridge unreachable")

	n, err := env.Ledger.SendChat(ctx, "session-1", "081234567890", "doomed", nil)
	require.Error(t, err)
	require.NotNil(t, n)
	assert.Equal(t, model.NotificationStatusFailed, n.Status)

	got, err := env.NotificationRepo.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
}
