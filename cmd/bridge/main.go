package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// bridgeEvent is the wire shape consumed by the gateway's event pump.
type bridgeEvent struct {
	Type        string `json:"type"`
	QRPayload   string `json:"qr_payload,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	CloseCode   string `json:"close_code,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Ack         string `json:"ack,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
}

type connectRequest struct {
	DeviceToken string `json:"device_token"`
}

type sendRequest struct {
	To       string `json:"to"`
	Body     string `json:"body"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
}

// mockSession holds the per-session state of the simulated device: its
// pending event queue and whether a device token has been paired.
type mockSession struct {
	mu      sync.Mutex
	events  []bridgeEvent
	wake    chan struct{}
	token   string
	phone   string
	online  bool
	closing bool
}

func (s *mockSession) push(events ...bridgeEvent) {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *mockSession) drain() []bridgeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

// MockBridge simulates the device side of the messaging network: pairing,
// connection lifecycle and delivery receipts with realistic delays.
type MockBridge struct {
	mu       sync.Mutex
	sessions map[string]*mockSession

	pairDelay    time.Duration
	ackDelay     time.Duration
	readDelay    time.Duration
	readRate     float64
	failConnects bool
	rng          *rand.Rand
}

func NewMockBridge(pairDelay, ackDelay, readDelay time.Duration, readRate float64) *MockBridge {
	return &MockBridge{
		sessions:  make(map[string]*mockSession),
		pairDelay: pairDelay,
		ackDelay:  ackDelay,
		readDelay: readDelay,
		readRate:  readRate,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *MockBridge) session(id string) *mockSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		s = &mockSession{wake: make(chan struct{}, 1)}
		b.sessions[id] = s
	}
	return s
}

func (b *MockBridge) phoneFor(id string) string {
	return fmt.Sprintf("62811%07d", b.rng.Intn(10_000_000))
}

// Connect opens a session. A request carrying a known device token goes
// straight online; an unknown or missing token walks the pairing flow:
// a qr event, then after pairDelay rotated credentials and open.
func (b *MockBridge) Connect(id string, deviceToken string) {
	s := b.session(id)

	s.mu.Lock()
	paired := deviceToken != "" && deviceToken == s.token
	firstPair := s.token == ""
	s.mu.Unlock()

	// a token we never issued is treated as paired too, so the gateway can
	// be restarted against a fresh bridge without re-pairing every session
	if deviceToken != "" && firstPair {
		s.mu.Lock()
		s.token = deviceToken
		paired = true
		s.mu.Unlock()
	}

	if paired {
		s.mu.Lock()
		if s.phone == "" {
			s.phone = b.phoneFor(id)
		}
		phone := s.phone
		s.online = true
		s.mu.Unlock()

		s.push(bridgeEvent{Type: "open", PhoneNumber: phone})
		log.Info().Str("session_id", id).Msg("session resumed with device token")
		return
	}

	qr := uuid.New().String()
	s.push(bridgeEvent{Type: "qr", QRPayload: qr})
	log.Info().Str("session_id", id).Msg("session needs pairing, QR issued")

	// simulate the user scanning the code
	go func() {
		time.Sleep(b.pairDelay)

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return
		}
		s.token = uuid.New().String()
		if s.phone == "" {
			s.phone = b.phoneFor(id)
		}
		token := s.token
		phone := s.phone
		s.online = true
		s.mu.Unlock()

		s.push(
			bridgeEvent{Type: "credentials", DeviceToken: token},
			bridgeEvent{Type: "open", PhoneNumber: phone},
		)
		log.Info().Str("session_id", id).Msg("pairing complete")
	}()
}

func (b *MockBridge) Disconnect(id string) {
	s := b.session(id)
	s.mu.Lock()
	s.online = false
	s.closing = true
	s.mu.Unlock()
}

// Logout invalidates the device token so the next connect requires pairing.
func (b *MockBridge) Logout(id string) {
	s := b.session(id)
	s.mu.Lock()
	s.online = false
	s.closing = true
	s.token = ""
	s.phone = ""
	s.mu.Unlock()
}

// Deliver accepts one outbound message and schedules its receipt events.
// Read receipts only arrive for a fraction of messages, matching how real
// recipients behave.
func (b *MockBridge) Deliver(id string) string {
	s := b.session(id)
	messageID := uuid.New().String()

	shouldRead := b.rng.Float64() < b.readRate

	go func() {
		time.Sleep(b.ackDelay)
		now := time.Now().Unix()
		s.push(
			bridgeEvent{Type: "receipt", EventID: uuid.New().String(), MessageID: messageID, Ack: "SERVER_ACK", Timestamp: now},
		)

		time.Sleep(b.ackDelay)
		s.push(
			bridgeEvent{Type: "receipt", EventID: uuid.New().String(), MessageID: messageID, Ack: "DELIVERY_ACK", Timestamp: time.Now().Unix()},
		)

		if shouldRead {
			time.Sleep(b.readDelay)
			s.push(
				bridgeEvent{Type: "receipt", EventID: uuid.New().String(), MessageID: messageID, Ack: "READ", Timestamp: time.Now().Unix()},
			)
		}
	}()

	return messageID
}

// Handler exposes the bridge over HTTP.
type Handler struct {
	bridge *MockBridge
}

func NewHandler(bridge *MockBridge) *Handler {
	return &Handler{bridge: bridge}
}

func (h *Handler) Connect(c *gin.Context) {
	id := c.Param("id")

	var req connectRequest
	_ = c.ShouldBindJSON(&req)

	h.bridge.Connect(id, req.DeviceToken)
	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

func (h *Handler) Disconnect(c *gin.Context) {
	h.bridge.Disconnect(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (h *Handler) Logout(c *gin.Context) {
	h.bridge.Logout(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

func (h *Handler) SendMessage(c *gin.Context) {
	id := c.Param("id")

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if req.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to is required"})
		return
	}

	s := h.bridge.session(id)
	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	if !online {
		c.JSON(http.StatusConflict, gin.H{"error": "session is not connected"})
		return
	}

	messageID := h.bridge.Deliver(id)

	log.Info().
		Str("session_id", id).
		Str("message_id", messageID).
		Str("to", req.To).
		Msg("message accepted")

	c.JSON(http.StatusOK, gin.H{"message_id": messageID})
}

// Events long-polls the session's event queue. Returns 204 when nothing
// arrives within the wait window.
func (h *Handler) Events(c *gin.Context) {
	id := c.Param("id")
	wait := 30 * time.Second
	if w := c.Query("wait"); w != "" {
		if d, err := time.ParseDuration(w); err == nil && d > 0 {
			wait = d
		}
	}

	s := h.bridge.session(id)

	if events := s.drain(); len(events) > 0 {
		c.JSON(http.StatusOK, events)
		return
	}

	select {
	case <-s.wake:
		if events := s.drain(); len(events) > 0 {
			c.JSON(http.StatusOK, events)
			return
		}
	case <-time.After(wait):
	case <-c.Request.Context().Done():
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request processed")
	})

	router.POST("/sessions/:id/connect", handler.Connect)
	router.POST("/sessions/:id/disconnect", handler.Disconnect)
	router.POST("/sessions/:id/logout", handler.Logout)
	router.POST("/sessions/:id/messages", handler.SendMessage)
	router.POST("/sessions/:id/documents", handler.SendMessage)
	router.GET("/sessions/:id/events", handler.Events)
	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8089")
	pairDelay := getEnvDuration("PAIR_DELAY", 3*time.Second)
	ackDelay := getEnvDuration("ACK_DELAY", 500*time.Millisecond)
	readDelay := getEnvDuration("READ_DELAY", 5*time.Second)
	readRate := getEnvFloat("READ_RATE", 0.7)

	log.Info().
		Str("port", port).
		Dur("pair_delay", pairDelay).
		Dur("ack_delay", ackDelay).
		Float64("read_rate", readRate).
		Msg("Starting mock device bridge")

	bridge := NewMockBridge(pairDelay, ackDelay, readDelay, readRate)
	handler := NewHandler(bridge)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
