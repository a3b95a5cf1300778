// Package admin implements the HTTP control-plane surface: ring
// lifecycle operations (create/join/leave), the key/value API, lookup
// introspection, and the WebSocket feed of ring topology events.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/meridian-dht/meridian/internal/chord"
	"github.com/meridian-dht/meridian/pkg/logging"
)

// Config controls the admin HTTP server.
type Config struct {
	HTTPPort int
}

// Server is the HTTP control-plane gateway in front of a ChordNode.
type Server struct {
	node       *chord.ChordNode
	httpServer *http.Server
	wsHub      *WebSocketHub
	logger     *logging.Logger
}

// NewServer builds an admin server for node. It also installs the
// server's WebSocket hub as node's ring-update broadcaster.
func NewServer(node *chord.ChordNode, logger *logging.Logger) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		logger = logging.Get()
	}

	wsHub := NewWebSocketHub(logger)
	node.SetBroadcaster(wsHub)

	return &Server{
		node:   node,
		wsHub:  wsHub,
		logger: logger.WithFields(logging.Fields{"component": "admin_http"}),
	}, nil
}

// Start begins serving on port in a background goroutine.
func (s *Server) Start(port int) error {
	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/info", s.handleInfo)
	mux.HandleFunc("POST /v1/create", s.handleCreate)
	mux.HandleFunc("POST /v1/join", s.handleJoin)
	mux.HandleFunc("POST /v1/leave", s.handleLeave)
	mux.HandleFunc("PUT /v1/kv/{key}", s.handlePut)
	mux.HandleFunc("GET /v1/kv/{key}", s.handleGet)
	mux.HandleFunc("DELETE /v1/kv/{key}", s.handleDelete)
	mux.HandleFunc("GET /v1/lookup/{key}", s.handleLookup)
	mux.HandleFunc("GET /v1/ws", s.wsHub.HandleWebSocket)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Int("port", port).Msg("starting admin HTTP server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("admin HTTP server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server and WebSocket hub.
func (s *Server) Stop() error {
	s.logger.Info().Msg("stopping admin HTTP server")
	s.wsHub.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown admin HTTP server: %w", err)
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type infoResponse struct {
	ID            string   `json:"id"`
	Address       string   `json:"address"`
	Predecessor   string   `json:"predecessor,omitempty"`
	SuccessorList []string `json:"successor_list"`
	KeyCount      int      `json:"key_count"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.node.Info(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := infoResponse{
		ID:       info.ID,
		Address:  info.Address,
		KeyCount: info.KeyCount,
	}
	if info.Predecessor != nil {
		resp.Predecessor = info.Predecessor.Address()
	}
	for _, succ := range info.SuccessorList {
		resp.SuccessorList = append(resp.SuccessorList, succ.Address())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Create(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "created"})
}

type joinRequest struct {
	Bootstrap string `json:"bootstrap"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	bootstrapAddr, err := parseHostPort(req.Bootstrap)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.node.Join(r.Context(), bootstrapAddr); err != nil {
		if errors.Is(err, chord.ErrIDCollision) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Leave(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

type putRequest struct {
	Value      string `json:"value"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.node.Set(r.Context(), key, []byte(req.Value), ttl); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, found, err := s.node.Get(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, chord.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": string(value)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.node.Delete(r.Context(), key); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type lookupResponse struct {
	Key             string `json:"key"`
	KeyID           string `json:"key_id"`
	ResponsibleNode string `json:"responsible_node"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	keyID := s.node.Ring().HashString(key)

	responsible, err := s.node.FindSuccessor(r.Context(), keyID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse{
		Key:             key,
		KeyID:           keyID.Text(16),
		ResponsibleNode: responsible.Address(),
	})
}

func parseHostPort(addr string) (*chord.NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid bootstrap address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid bootstrap port %q: %w", portStr, err)
	}
	return chord.NewNodeAddress(nil, host, port), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}
