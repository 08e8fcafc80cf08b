// Package api exposes the REST and WebSocket control surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"overwatch/alarm"
	"overwatch/broadcast"
	"overwatch/service"
	"overwatch/util/goroutine"
)

// Server serves the alarm and rule APIs, the live WebSocket feed, and the
// metrics endpoint.
type Server struct {
	alarms   *alarm.Service
	rules    *service.RuleService
	hub      *broadcast.Hub
	auth     *Auth
	limiter  *ipRateLimiter
	logger   *zap.SugaredLogger
	server   *http.Server
	host     string
	port     int
}

// Config carries the server's listener and middleware settings.
type Config struct {
	Host        string
	Port        int
	JWTSecret   string
	RateLimit   int           // requests per window per client IP
	RateWindow  time.Duration
	AuthEnabled bool
}

// NewServer constructs the server. hub may be nil to disable /ws.
func NewServer(cfg Config, alarms *alarm.Service, rules *service.RuleService, hub *broadcast.Hub, logger *zap.SugaredLogger) *Server {
	var auth *Auth
	if cfg.AuthEnabled {
		auth = NewAuth(cfg.JWTSecret)
	}
	return &Server{
		alarms:  alarms,
		rules:   rules,
		hub:     hub,
		auth:    auth,
		limiter: newIPRateLimiter(cfg.RateLimit, cfg.RateWindow),
		logger:  logger,
		host:    cfg.Host,
		port:    cfg.Port,
	}
}

// Router builds the HTTP routing table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.limiter.middleware)

	// Unauthenticated surface.
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if s.auth != nil {
		v1.Use(s.auth.middleware)
	}

	v1.HandleFunc("/alarms", s.handleListAlarms).Methods(http.MethodGet)
	v1.HandleFunc("/alarms/{id}", s.handleGetAlarm).Methods(http.MethodGet)
	v1.HandleFunc("/alarms/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	v1.HandleFunc("/alarms/{id}/transition", s.handleTransition).Methods(http.MethodPost)
	v1.HandleFunc("/alarms/{id}/assign", s.handleAssign).Methods(http.MethodPost)
	v1.HandleFunc("/alarms/{id}/snooze", s.handleSnooze).Methods(http.MethodPost)
	v1.HandleFunc("/alarms/{id}/suppress", s.handleSuppress).Methods(http.MethodPost)
	v1.HandleFunc("/alarms/{id}/severity", s.handleSeverity).Methods(http.MethodPut)
	v1.HandleFunc("/alarms/{id}/runbook", s.handleRunbook).Methods(http.MethodPut)
	v1.HandleFunc("/alarms/{id}/escalation", s.handleEscalation).Methods(http.MethodPut)
	v1.HandleFunc("/alarms/{id}/watchers", s.handleAddWatcher).Methods(http.MethodPost)
	v1.HandleFunc("/alarms/{id}/watchers/{identity}", s.handleRemoveWatcher).Methods(http.MethodDelete)
	v1.HandleFunc("/alarms/{id}/notes", s.handleAddNote).Methods(http.MethodPost)

	v1.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	v1.HandleFunc("/rules/{id}", s.handleGetRule).Methods(http.MethodGet)
	v1.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods(http.MethodPut)
	v1.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods(http.MethodDelete)
	v1.HandleFunc("/rules/{id}/enable", s.handleEnableRule).Methods(http.MethodPost)
	v1.HandleFunc("/rules/{id}/disable", s.handleDisableRule).Methods(http.MethodPost)

	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
	}
	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		defer goroutine.Recover("api-server", s.logger)
		s.logger.Infof("API server started on %s", addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("API server error: %v", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and shuts down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
