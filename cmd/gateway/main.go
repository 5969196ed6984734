package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kostpay/chat-gateway/internal/config"
	"github.com/kostpay/chat-gateway/internal/dispatcher"
	"github.com/kostpay/chat-gateway/internal/handlers"
	"github.com/kostpay/chat-gateway/internal/ledger"
	"github.com/kostpay/chat-gateway/internal/payments"
	"github.com/kostpay/chat-gateway/internal/queue"
	"github.com/kostpay/chat-gateway/internal/repository"
	"github.com/kostpay/chat-gateway/internal/session"
	"github.com/kostpay/chat-gateway/internal/transport"
	xhttp "github.com/kostpay/chat-gateway/pkg/http"
	"github.com/kostpay/chat-gateway/pkg/logger"
	"github.com/kostpay/chat-gateway/pkg/pg"
	"github.com/kostpay/chat-gateway/pkg/prom"
	"github.com/kostpay/chat-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	// receipt events flow to the tracker process over this stream
	deliveryQueue, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:              config.Get().QueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating delivery queue", "error", err)
		return
	}

	credStore, err := transport.NewCredentialStore(config.Get().SessionStoreDir)
	if err != nil {
		logger.Error("failed creating credential store", "error", err)
		return
	}

	factory := transport.NewBridgeFactory(transport.BridgeConfig{
		BaseURL: config.Get().BridgeUrl,
	}, func(creds *transport.Credentials) {
		if err := credStore.Save(creds); err != nil {
			logger.Error("failed saving rotated credentials", "session_id", creds.SessionID, "error", err)
		}
	})

	sessionRepo := repository.NewSessionRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	receiptRepo := repository.NewReadReceiptRepository(db)
	paymentRepo := repository.NewPaymentOrderRepository(db)

	registry := session.NewRegistry(
		factory,
		credStore,
		sessionRepo,
		deliveryQueue,
		dispatcher.New(config.Get().DefaultCountryCode),
		session.Options{
			QRTTL:          config.Get().QRCodeTTL,
			ConnectTimeout: config.Get().ConnectTimeout,
			ReconnectDelay: config.Get().ReconnectDelay,
			SettleWindow:   config.Get().ConnectSettleWindow,
		},
	)

	// reconnect the sessions that were live before the last shutdown
	if err := registry.RestoreAll(context.Background()); err != nil {
		logger.Error("session restore failed", "error", err)
	}

	ledgerService := ledger.NewService(notificationRepo, receiptRepo, registry)
	paymentService := payments.NewHandler(config.Get().PaymentServerKey, paymentRepo)

	sessionHandler := handlers.NewSessionHandler(registry)
	notificationHandler := handlers.NewNotificationHandler(ledgerService)
	pixelHandler := handlers.NewPixelHandler(ledgerService)
	paymentHandler := handlers.NewPaymentHandler(paymentService)
	healthHandler := handlers.NewHealthHandler()

	g := s.Router.Group("/api/v1")
	handlers.RegisterSessionRoutes(g, sessionHandler)
	handlers.RegisterNotificationRoutes(g, notificationHandler)
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	// pixel URLs are embedded in emails; they live at the root
	handlers.RegisterPixelRoutes(s.Router, pixelHandler)

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
	}
	if addr := config.Get().AppDebugMetricsAddr; addr != "" {
		go prom.ListenAndServer(addr, "/metrics")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
		registry.Shutdown()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
