// Package server is the supervisor's HTTP gateway: service status, census,
// and gossip diagnostics for operators and load balancer health checks,
// plus a WebSocket stream of status snapshots.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"gopkg.in/yaml.v3"

	"github.com/roost-sh/roost/internal/config"
	"github.com/roost-sh/roost/internal/logging"
	"github.com/roost-sh/roost/internal/supervisor"
	"github.com/roost-sh/roost/internal/types"
)

// eventInterval is how often the /events stream pushes a snapshot.
const eventInterval = 2 * time.Second

// Server is the HTTP gateway.
type Server struct {
	cfg     config.GatewayConfig
	sup     *supervisor.Supervisor
	logger  logging.Logger
	version string

	httpServer *http.Server
	listener   net.Listener
}

// New creates the gateway for a supervisor.
func New(cfg config.GatewayConfig, sup *supervisor.Supervisor, logger logging.Logger, version string) *Server {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Server{
		cfg:     cfg,
		sup:     sup,
		logger:  logger.WithComponent("gateway"),
		version: version,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error(context.Background(), err, "gateway stopped")
		}
	}()
	s.logger.Info(context.Background(), "gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the gateway.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /services", s.handleServices)
	mux.HandleFunc("GET /services/{name}", s.handleService)
	mux.HandleFunc("GET /services/{name}/{group}", s.handleServiceInGroup)
	mux.HandleFunc("GET /services/{name}/config", s.handleServiceConfig)
	mux.HandleFunc("PUT /services/{group}/config", s.handleConfigPush)
	mux.HandleFunc("GET /census", s.handleCensus)
	mux.HandleFunc("GET /butterfly", s.handleButterfly)
	mux.HandleFunc("POST /butterfly/depart/{member}", s.handleDepart)
	mux.HandleFunc("GET /errors", s.handleErrors)
	mux.HandleFunc("GET /events", s.handleEvents)
	return s.recover(s.requestLog(s.auth(mux)))
}

// auth enforces the bearer token on everything except /health.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start).String())
	})
}

func (s *Server) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error(r.Context(), fmt.Errorf("%v", rec), "handler panicked", "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status   string `json:"status" yaml:"status"`
	MemberID string `json:"member_id" yaml:"member_id"`
	Version  string `json:"version" yaml:"version"`
	Uptime   string `json:"uptime" yaml:"uptime"`
	Services int    `json:"services" yaml:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeBody(w, r, http.StatusOK, healthResponse{
		Status:   "ok",
		MemberID: s.sup.MemberID(),
		Version:  s.version,
		Uptime:   time.Since(s.sup.StartTime()).Round(time.Second).String(),
		Services: len(s.sup.Services()),
	})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeBody(w, r, http.StatusOK, s.sup.Services())
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	status, ok := s.sup.Service(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "service not loaded")
		return
	}
	writeBody(w, r, http.StatusOK, status)
}

// handleServiceInGroup resolves "service/group" paths, 404ing when the
// loaded service is in a different group.
func (s *Server) handleServiceInGroup(w http.ResponseWriter, r *http.Request) {
	status, ok := s.sup.Service(r.PathValue("name"))
	if !ok || status.Group != r.PathValue("group") {
		writeError(w, http.StatusNotFound, "service not loaded in that group")
		return
	}
	writeBody(w, r, http.StatusOK, status)
}

func (s *Server) handleServiceConfig(w http.ResponseWriter, r *http.Request) {
	merged, ok := s.sup.ServiceConfig(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "service not loaded")
		return
	}
	writeBody(w, r, http.StatusOK, merged)
}

// handleConfigPush applies a TOML config push to a service group and
// gossips it to the ring. The group path segment is "service.group".
func (s *Server) handleConfigPush(w http.ResponseWriter, r *http.Request) {
	sg, err := types.ParseServiceGroup(r.PathValue("group"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	incarnation, err := strconv.ParseUint(r.URL.Query().Get("incarnation"), 10, 64)
	if err != nil || incarnation == 0 {
		writeError(w, http.StatusBadRequest, "incarnation query parameter must be a positive integer")
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	if err := s.sup.PushConfig(sg, incarnation, raw); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeBody(w, r, http.StatusAccepted, map[string]interface{}{
		"service_group": sg.String(),
		"incarnation":   incarnation,
	})
}

func (s *Server) handleCensus(w http.ResponseWriter, r *http.Request) {
	groups := s.sup.Ring().Groups()
	out := make([]map[string]interface{}, 0, len(groups))
	for _, group := range groups {
		out = append(out, group.TemplateData())
	}
	writeBody(w, r, http.StatusOK, map[string]interface{}{
		"member_id": s.sup.MemberID(),
		"groups":    out,
	})
}

func (s *Server) handleButterfly(w http.ResponseWriter, r *http.Request) {
	writeBody(w, r, http.StatusOK, map[string]interface{}{
		"member_id":  s.sup.MemberID(),
		"gossip":     s.sup.Gossip().Addr(),
		"peer_count": s.sup.Gossip().PeerCount(),
	})
}

func (s *Server) handleDepart(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Depart(r.PathValue("member")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeBody(w, r, http.StatusAccepted, map[string]string{"departed": r.PathValue("member")})
}

type renderErrorView struct {
	Service  string `json:"service" yaml:"service"`
	Template string `json:"template" yaml:"template"`
	Line     int    `json:"line,omitempty" yaml:"line,omitempty"`
	Column   int    `json:"column,omitempty" yaml:"column,omitempty"`
	Message  string `json:"message" yaml:"message"`
	Severity string `json:"severity" yaml:"severity"`
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	collected := s.sup.Errors().RenderErrors()
	out := make([]renderErrorView, 0, len(collected))
	for _, e := range collected {
		out = append(out, renderErrorView{
			Service:  e.Service,
			Template: e.Template,
			Line:     e.Line,
			Column:   e.Column,
			Message:  e.Message,
			Severity: e.Severity.String(),
		})
	}
	writeBody(w, r, http.StatusOK, out)
}

// eventFrame is one message on the /events stream.
type eventFrame struct {
	Timestamp time.Time                  `json:"timestamp"`
	Services  []supervisor.ServiceStatus `json:"services"`
}

// handleEvents streams status snapshots over a WebSocket until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn(r.Context(), err, "rejecting events connection")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	send := func() error {
		payload, err := json.Marshal(eventFrame{Timestamp: time.Now().UTC(), Services: s.sup.Services()})
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return conn.Write(writeCtx, websocket.MessageText, payload)
	}

	if err := send(); err != nil {
		return
	}
	ticker := time.NewTicker(eventInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}

// writeBody renders the response as JSON, or YAML when ?format=yaml.
func writeBody(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	if r.URL.Query().Get("format") == "yaml" {
		raw, err := yaml.Marshal(body)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(status)
		_, _ = w.Write(raw)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
