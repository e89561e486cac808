package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/MEKXH/toolmesh/internal/agent"
	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/mcp"
	"github.com/MEKXH/toolmesh/internal/requestid"
	"github.com/MEKXH/toolmesh/internal/version"
)

// Servers is the part of the server manager exposed over HTTP.
type Servers interface {
	GetServerInfo() (mcp.ServerInfo, error)
	GetMetrics() []mcp.ServerMetrics
	TestConnections(ctx context.Context) (mcp.ConnectionTestResult, error)
	Catalog(servers []string) []mcp.CatalogEntry
	Invoke(ctx context.Context, tool, argsJSON string, servers []string) (mcp.InvokeResult, error)
}

// QueryRunner answers queries. *agent.Loop implements it.
type QueryRunner interface {
	Run(ctx context.Context, query string, opts agent.RunOptions) (agent.Result, error)
	RunStream(ctx context.Context, query string, opts agent.RunOptions) (<-chan agent.Event, error)
}

// Deps are the components served by the gateway. Nil members disable the
// routes that need them.
type Deps struct {
	Servers Servers
	Agent   QueryRunner
	Metrics http.Handler
}

type Server struct {
	cfg        config.GatewayConfig
	deps       Deps
	httpServer *http.Server
}

func New(cfg config.GatewayConfig, deps Deps) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port <= 0 {
		port = 18800
	}

	cfg.Host = host
	cfg.Port = port
	return &Server{
		cfg:  cfg,
		deps: deps,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           NewHandler(s.cfg, s.deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type queryRequest struct {
	Query     string   `json:"query"`
	MaxSteps  int      `json:"max_steps"`
	Timeout   int      `json:"timeout"`
	Servers   []string `json:"servers"`
	SessionID string   `json:"session_id"`
}

func (q queryRequest) options() agent.RunOptions {
	return agent.RunOptions{
		MaxSteps:  q.MaxSteps,
		Timeout:   q.Timeout,
		Servers:   q.Servers,
		SessionID: q.SessionID,
	}
}

// NewHandler builds the HTTP surface. The token, when set, guards the
// routes that run queries or touch servers.
func NewHandler(cfg config.GatewayConfig, deps Deps) http.Handler {
	token := strings.TrimSpace(cfg.Token)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		requestID := requestid.FromContext(r.Context())
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"request_id": requestID,
		})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		requestID := requestid.FromContext(r.Context())
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":    version.Version,
			"commit":     version.Commit,
			"request_id": requestID,
		})
	})
	mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		requestID := requestid.FromContext(r.Context())
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		if deps.Servers == nil {
			writeError(w, requestID, http.StatusServiceUnavailable, "unavailable", "server manager is not configured")
			return
		}
		info, err := deps.Servers.GetServerInfo()
		if err != nil {
			writeManagerError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	})
	mux.HandleFunc("/servers/metrics", func(w http.ResponseWriter, r *http.Request) {
		requestID := requestid.FromContext(r.Context())
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		if deps.Servers == nil {
			writeError(w, requestID, http.StatusServiceUnavailable, "unavailable", "server manager is not configured")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"servers":    deps.Servers.GetMetrics(),
			"request_id": requestID,
		})
	})
	mux.HandleFunc("/servers/test", func(w http.ResponseWriter, r *http.Request) {
		requestID := requestid.FromContext(r.Context())
		if r.Method != http.MethodPost {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		if !authorize(w, r, token) {
			return
		}
		if deps.Servers == nil {
			writeError(w, requestID, http.StatusServiceUnavailable, "unavailable", "server manager is not configured")
			return
		}
		result, err := deps.Servers.TestConnections(r.Context())
		if err != nil {
			writeManagerError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		requestID := requestid.FromContext(r.Context())
		req, ok := decodeQuery(w, r, token, deps.Agent)
		if !ok {
			return
		}
		result, err := deps.Agent.Run(r.Context(), req.Query, req.options())
		if err != nil {
			writeQueryError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"result":     result,
			"request_id": requestID,
		})
	})
	mux.HandleFunc("/query/stream", func(w http.ResponseWriter, r *http.Request) {
		requestID := requestid.FromContext(r.Context())
		req, ok := decodeQuery(w, r, token, deps.Agent)
		if !ok {
			return
		}
		events, err := deps.Agent.RunStream(r.Context(), req.Query, req.options())
		if err != nil {
			writeQueryError(w, requestID, err)
			return
		}
		streamEvents(w, r, events)
	})
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
	if deps.Servers != nil {
		mcpHandler := NewMCPHandler(deps.Servers)
		mux.Handle("/mcp", requireToken(token, mcpHandler))
	}

	return withCORS(cfg.CORSOrigins, withRequestID(mux))
}

func decodeQuery(w http.ResponseWriter, r *http.Request, token string, runner QueryRunner) (queryRequest, bool) {
	requestID := requestid.FromContext(r.Context())
	var req queryRequest
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return req, false
	}
	if !authorize(w, r, token) {
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return req, false
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "query is required")
		return req, false
	}
	if runner == nil {
		writeError(w, requestID, http.StatusServiceUnavailable, "unavailable", "agent is not configured")
		return req, false
	}
	return req, true
}

func authorize(w http.ResponseWriter, r *http.Request, token string) bool {
	if token == "" || isAuthorized(r, token) {
		return true
	}
	writeError(w, requestid.FromContext(r.Context()), http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
	return false
}

func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authorize(w, r, token) {
			next.ServeHTTP(w, r)
		}
	})
}

func isAuthorized(r *http.Request, expected string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return token == expected
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestid.Header))
		if rid == "" {
			rid = requestid.New()
		}
		w.Header().Set(requestid.Header, rid)
		next.ServeHTTP(w, r.WithContext(requestid.With(r.Context(), rid)))
	})
}

func withCORS(origins []string, next http.Handler) http.Handler {
	if len(origins) == 0 {
		return next
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", requestid.Header, "Mcp-Session-Id", "Mcp-Protocol-Version"},
		ExposedHeaders: []string{requestid.Header, "Mcp-Session-Id"},
	}).Handler(next)
}

func writeQueryError(w http.ResponseWriter, requestID string, err error) {
	var usage *agent.UsageError
	if errors.As(err, &usage) {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", usage.Error())
		return
	}
	writeManagerError(w, requestID, err)
}

func writeManagerError(w http.ResponseWriter, requestID string, err error) {
	var notFound *mcp.NotFoundError
	switch {
	case errors.Is(err, mcp.ErrManagerNotStarted):
		writeError(w, requestID, http.StatusServiceUnavailable, "not_started", err.Error())
	case errors.As(err, &notFound):
		writeError(w, requestID, http.StatusNotFound, "not_found", err.Error())
	default:
		slog.Error("gateway request failed", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
