package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/captionrelay/captionrelay/internals/config"
	appmetrics "github.com/captionrelay/captionrelay/internals/metrics"
	"github.com/captionrelay/captionrelay/internals/presence"
	"github.com/captionrelay/captionrelay/internals/room"
	"github.com/captionrelay/captionrelay/internals/signaling"
	"github.com/captionrelay/captionrelay/internals/translation"
	"github.com/captionrelay/captionrelay/internals/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server wires the presence, room and session directories behind one
// WebSocket dispatcher. All state mutation is serialized by stateMu: command
// handlers, the heartbeat sweep and the room GC sweep all take it, and no
// network I/O happens while it is held; outbound sends only enqueue onto
// per-connection buffers.
type Server struct {
	config *config.Config
	logger *zap.Logger

	hub      *signaling.Hub
	users    *presence.Directory
	rooms    *room.Directory
	sessions *translation.Manager

	stateMu sync.Mutex

	httpServer *http.Server
	startedAt  time.Time

	rateLimiters   map[string]*rate.Limiter
	rateLimitersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg *config.Config) *Server {
	logger := utils.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())

	rooms := room.NewDirectory(cfg.Room.MaxRooms, cfg.Room.IdleTimeout, logger)

	s := &Server{
		config:       cfg,
		logger:       logger,
		hub:          signaling.NewHub(logger),
		users:        presence.NewDirectory(logger),
		rooms:        rooms,
		sessions:     translation.NewManager(rooms, logger),
		rateLimiters: make(map[string]*rate.Limiter),
		startedAt:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting relay server",
		zap.String("host", s.config.Server.Host),
		zap.Int("port", s.config.Server.Port),
		zap.Duration("heartbeatInterval", s.config.Heartbeat.Interval),
		zap.Duration("heartbeatTimeout", s.config.Heartbeat.Timeout),
		zap.Duration("roomIdleTimeout", s.config.Room.IdleTimeout),
	)

	go s.hub.Run()
	go s.heartbeatLoop()
	go s.roomGCLoop()

	mux := http.NewServeMux()
	mux.HandleFunc("/translation", s.handleWebSocket)
	mux.HandleFunc("/health", s.corsMiddleware(s.handleHealth))

	if s.config.Metrics.Enabled {
		mux.Handle(s.config.Metrics.Path, promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      mux,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		<-s.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer shutdownCancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Relay server started")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop() {
	s.logger.Info("Stopping relay server")
	for _, client := range s.hub.Clients() {
		if client.Conn != nil {
			client.Conn.Close()
		}
	}
	s.hub.Close()
	s.cancel()
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.config.Server.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range s.config.Server.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := signaling.NewClient(
		uuid.New().String(),
		conn,
		signaling.ClientOptions{
			ReadLimit:    s.config.Relay.WSReadLimit,
			WriteTimeout: s.config.Relay.WSWriteTimeout,
			PongWait:     s.config.Heartbeat.Timeout,
			PingInterval: s.config.Heartbeat.Interval,
		},
		s.logger,
	)
	client.OnMessage = s.handleMessage
	client.OnDisconnect = s.handleClientDisconnect

	s.hub.RegisterClient(client)
	appmetrics.ConnectionsTotal.Inc()

	go client.WritePump()
	go client.ReadPump()

	client.SendEvent(signaling.MessageTypeConnected, map[string]any{
		"clientId":  client.ID,
		"timestamp": time.Now().UnixMilli(),
	})
}

// heartbeatLoop sweeps once per heartbeat interval and evicts every
// connection silent longer than the timeout. A sweep tick is just another
// serialized event: the eviction path takes stateMu like any handler.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.config.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepHeartbeats(time.Now())
		}
	}
}

func (s *Server) sweepHeartbeats(now time.Time) {
	evicted := 0
	for _, client := range s.hub.Clients() {
		if client.SilentFor(now) <= s.config.Heartbeat.Timeout {
			continue
		}

		s.logger.Warn("Heartbeat timeout, evicting connection",
			zap.String("clientID", client.ID),
			zap.String("userID", client.UserID()),
			zap.Duration("silent", client.SilentFor(now)),
		)
		appmetrics.HeartbeatEvictions.Inc()

		s.stateMu.Lock()
		s.removeUserState(client)
		s.stateMu.Unlock()

		if client.Conn != nil {
			client.Conn.Close()
		}
		s.hub.UnregisterClient(client)
		s.removeClientRateLimiter(client.ID)
		evicted++
	}

	if evicted > 0 {
		s.updateMetrics()
	}
}

// roomGCLoop reclaims rooms idle longer than the configured timeout, even
// when they still have members registered.
func (s *Server) roomGCLoop() {
	ticker := time.NewTicker(s.config.Room.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdleRooms(time.Now())
		}
	}
}

func (s *Server) sweepIdleRooms(now time.Time) {
	s.stateMu.Lock()
	expired := s.rooms.GCSweep(now)
	for _, ex := range expired {
		s.sessions.DropRoom(ex.RoomID)
		for _, userID := range ex.Members {
			s.users.RemoveUser(userID)
			if client, ok := s.hub.GetClientByUserID(userID); ok {
				client.ClearIdentity()
				if client.Conn != nil {
					client.Conn.Close()
				}
			}
		}
		appmetrics.RoomsExpired.Inc()
	}
	s.stateMu.Unlock()

	if len(expired) > 0 {
		s.updateMetrics()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Seconds(),
		"stats": map[string]any{
			"activeRooms":      s.rooms.Count(),
			"activeUsers":      s.users.Count(),
			"totalConnections": s.hub.Count(),
		},
	})
}

func (s *Server) updateMetrics() {
	appmetrics.ActiveRooms.Set(float64(s.rooms.Count()))
	appmetrics.ActiveUsers.Set(float64(s.users.Count()))
	appmetrics.ActiveSessions.Set(float64(s.sessions.Count()))
}

func (s *Server) getClientRateLimiter(clientID string) *rate.Limiter {
	s.rateLimitersMu.Lock()
	defer s.rateLimitersMu.Unlock()
	if limiter, ok := s.rateLimiters[clientID]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(s.config.Relay.RateLimitPerSec), s.config.Relay.RateLimitBurst)
	s.rateLimiters[clientID] = limiter
	return limiter
}

func (s *Server) removeClientRateLimiter(clientID string) {
	s.rateLimitersMu.Lock()
	delete(s.rateLimiters, clientID)
	s.rateLimitersMu.Unlock()
}
