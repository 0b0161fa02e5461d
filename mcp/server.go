package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nevindra/slackseek"
)

// maxBodyBytes caps the request body.
const maxBodyBytes = 1 << 20

// sessionHeader carries the session id on every request after initialize.
const sessionHeader = "Mcp-Session-Id"

// Server is the MCP endpoint: JSON-RPC 2.0 over HTTP POST with bearer-token
// auth. An unauthenticated initialize is rejected at the transport (HTTP
// 401); any other unauthenticated method gets a protocol-level -32001 so
// clients see a well-formed JSON-RPC error.
type Server struct {
	name     string
	version  string
	keyring  *Keyring
	sessions *Sessions
	registry *Registry
	logger   *slog.Logger
	origins  []string
	ready    func() bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger. Default discards.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithCORSOrigins sets the origins allowed on preflight. Default none.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// WithReadyCheck gates tool calls until the service reports ready; before
// that, tools/call answers -32004.
func WithReadyCheck(fn func() bool) ServerOption {
	return func(s *Server) { s.ready = fn }
}

// NewServer wires the endpoint over a keyring and a tool registry.
func NewServer(name, version string, keyring *Keyring, registry *Registry, opts ...ServerOption) *Server {
	s := &Server{
		name:     name,
		version:  version,
		keyring:  keyring,
		sessions: NewSessions(),
		registry: registry,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions exposes the session table so main can run its sweep loop.
func (s *Server) Sessions() *Sessions { return s.sessions }

// Handler returns the http.Handler serving the /mcp endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.serveHTTP)
	return mux
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		s.preflight(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusOK, errResponse(nil, errCodeInvalidRequest, "read body: "+err.Error()))
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, errResponse(nil, errCodeParse, "parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, http.StatusOK, errResponse(req.ID, errCodeInvalidRequest, "not a JSON-RPC 2.0 request"))
		return
	}

	authed := s.keyring != nil && !s.keyring.Empty() &&
		s.keyring.Accept(bearerToken(r.Header.Get("Authorization")))

	// initialize is the session handshake: without auth it fails at the
	// transport so misconfigured clients notice immediately.
	if req.Method == "initialize" {
		if !authed {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		s.handleInitialize(w, &req)
		return
	}
	if !authed {
		writeJSON(w, http.StatusOK, errResponse(req.ID, errCodeAuth, "Authentication failed"))
		return
	}

	sess, ok := s.sessions.Get(r.Header.Get(sessionHeader))
	if !ok {
		writeJSON(w, http.StatusOK, errResponse(req.ID, errCodeSessionInvalid, "Session invalid"))
		return
	}
	if !s.sessions.Admit(sess.ID) {
		writeJSON(w, http.StatusOK, errResponse(req.ID, errCodeInvalidRequest, "session rate limit exceeded"))
		return
	}

	resp := s.dispatch(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted) // notification
		return
	}
	writeJSON(w, http.StatusOK, *resp)
}

func (s *Server) handleInitialize(w http.ResponseWriter, req *request) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusOK, errResponse(req.ID, errCodeInvalidParams, "invalid params: "+err.Error()))
			return
		}
	}

	sess := s.sessions.Create(params.ClientInfo.Name)
	s.logger.Info("session created", "session", sess.ID, "client", params.ClientInfo.Name)

	w.Header().Set(sessionHeader, sess.ID)
	writeJSON(w, http.StatusOK, response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    serverCapabilities{Tools: &capability{}},
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
			SessionID:       sess.ID,
		},
	})
}

// dispatch routes an authenticated, session-bound request. Returns nil for
// notifications.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return respond(req.ID, struct{}{})
	case "tools/list":
		return respond(req.ID, toolsListResult{Tools: s.registry.Definitions()})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		if req.isNotification() {
			return nil
		}
		return respondError(req.ID, errCodeMethodNotFound, "Method not found")
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) (resp *response) {
	// A tool panic must not take the server down.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool handler panicked", "panic", r, "stack", string(debug.Stack()))
			resp = respondError(req.ID, errCodeInternal, "internal error")
		}
	}()

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	tool, ok := s.registry.Lookup(params.Name)
	if !ok {
		return respondError(req.ID, errCodeMethodNotFound, "Method not found")
	}
	if s.ready != nil && !s.ready() {
		return respondError(req.ID, errCodeNotReady, "service not ready")
	}

	start := time.Now()
	result, err := tool.Execute(ctx, params.Arguments)
	if err != nil {
		return respondError(req.ID, errCodeInvalidParams, err.Error())
	}
	s.logger.Debug("tool call served",
		"tool", params.Name, "duration", time.Since(start), "is_error", result.IsError)

	if result.IsError {
		if upstream := upstreamError(req.ID, result); upstream != nil {
			return upstream
		}
	}
	return respond(req.ID, result)
}

// upstreamError promotes tool failures caused by provider outages to the
// protocol level (-32003 with retryability), per the error contract. Other
// tool errors stay in the MCP result block.
func upstreamError(id json.RawMessage, result ToolCallResult) *response {
	if len(result.Content) == 0 {
		return nil
	}
	text := result.Content[0].Text
	for _, kind := range []slackseek.Kind{slackseek.KindThrottled, slackseek.KindTimeout, slackseek.KindAuthUpstream} {
		if strings.Contains(text, string(kind)) {
			return &response{
				JSONRPC: "2.0",
				ID:      id,
				Error: &rpcError{
					Code:    errCodeUpstream,
					Message: "upstream failure",
					Data: upstreamErrorData{
						Provider:  "vector_search",
						Retryable: kind != slackseek.KindAuthUpstream,
					},
				},
			}
		}
	}
	return nil
}

func (s *Server) preflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	for _, allowed := range s.origins {
		if allowed == origin || allowed == "*" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+sessionHeader)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func errResponse(id json.RawMessage, code int, message string) response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encode failures here mean the client went away; nothing to do.
	_ = json.NewEncoder(w).Encode(v)
}
