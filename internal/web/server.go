package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/consts"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/metrics"
	"github.com/codefionn/agentloop/internal/report"
	"github.com/codefionn/agentloop/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed static/*
var StaticFiles embed.FS

const (
	authTokenLength = 32
	defaultAddr     = "localhost:8936"
	// maxBodyBytes bounds JSON request bodies.
	maxBodyBytes = 1 << 20
)

// Options configures the web server.
type Options struct {
	Addr string
	// AuthToken is generated when empty.
	AuthToken string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Profiling exposes net/http/pprof under /debug/pprof/.
	Profiling bool
	Debug     bool
}

// Server serves the run API, the event websocket and the approval UI.
type Server struct {
	addr       string
	authToken  string
	router     *httprouter.Router
	httpServer *http.Server
	listener   net.Listener
	hub        *Hub
	runs       *RunManager
	store      *store.Store
	gatherer   prometheus.Gatherer
	stopHub    context.CancelFunc
	upgrader   websocket.Upgrader
	profiling  bool
	debug      bool
}

// NewServer creates a server and starts its hub. st and m may be nil, in
// which case reports are not persisted or metrics are not recorded.
func NewServer(opts Options, factory LoopFactory, st *store.Store, m *metrics.Metrics) (*Server, error) {
	if factory == nil {
		return nil, errors.New("loop factory is required")
	}
	// Ensure .js files are served with correct MIME type
	if err := mime.AddExtensionType(".js", "application/javascript"); err != nil {
		logger.Warn("Failed to register .js MIME type: %v", err)
	}

	token := opts.AuthToken
	if token == "" {
		var err error
		token, err = generateAuthToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate auth token: %w", err)
		}
	}
	addr := opts.Addr
	if addr == "" {
		addr = defaultAddr
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	hub := NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	s := &Server{
		addr:      addr,
		authToken: token,
		hub:       hub,
		runs:      NewRunManager(factory, hub, st, m),
		store:     st,
		gatherer:  gatherer,
		stopHub:   stopHub,
		profiling: opts.Profiling,
		debug:     opts.Debug,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // the token guards access
			},
		},
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := httprouter.New()

	r.GET("/health", s.handleHealth)
	r.GET("/", s.auth(s.handleIndex))
	r.GET("/static/*filepath", s.handleStatic)
	r.GET("/ws", s.handleWebSocket)

	r.GET("/api/runs", s.auth(s.handleListRuns))
	r.POST("/api/runs", s.auth(s.handleStartRun))
	r.DELETE("/api/runs/:id", s.auth(s.handleCancelRun))

	r.GET("/api/reports", s.auth(s.handleListReports))
	r.GET("/api/reports/:id", s.auth(s.handleGetReport))
	r.DELETE("/api/reports/:id", s.auth(s.handleDeleteReport))
	r.GET("/api/stats/tools", s.auth(s.handleToolStats))

	r.GET("/api/approvals", s.auth(s.handleListApprovals))
	r.POST("/api/approvals/:id", s.auth(s.handleResolveApproval))

	metricsHandler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	r.GET("/metrics", s.auth(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		metricsHandler.ServeHTTP(w, r)
	}))

	if s.profiling {
		r.GET("/debug/pprof/*item", s.auth(handlePprof))
	}

	s.router = r
}

func handlePprof(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	switch ps.ByName("item") {
	case "/cmdline":
		netpprof.Cmdline(w, r)
	case "/profile":
		netpprof.Profile(w, r)
	case "/symbol":
		netpprof.Symbol(w, r)
	case "/trace":
		netpprof.Trace(w, r)
	default:
		// Index serves named profiles such as /debug/pprof/heap
		netpprof.Index(w, r)
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Runs returns the run manager.
func (s *Server) Runs() *RunManager {
	return s.runs
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// AuthToken returns the token clients must present.
func (s *Server) AuthToken() string {
	return s.authToken
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: consts.Timeout10Seconds,
		ErrorLog:          logger.StdLogger(logger.Global(), slog.LevelWarn),
	}

	go func() {
		logger.Info("Web server listening on %s", s.addr)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop cancels active runs and shuts the server down.
func (s *Server) Stop() error {
	logger.Info("Stopping web server...")

	ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
	defer cancel()

	if err := s.runs.Shutdown(ctx); err != nil {
		logger.Warn("Runs did not stop in time: %v", err)
	}
	s.stopHub()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Addr returns the listen address, resolved once Start has run.
func (s *Server) Addr() string {
	return s.addr
}

// GetURL returns the server URL with auth token
func (s *Server) GetURL() string {
	return fmt.Sprintf("http://%s/?token=%s", s.addr, s.authToken)
}

func (s *Server) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func (s *Server) auth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"time":    time.Now().Format(time.RFC3339),
		"clients": s.hub.ClientCount(),
		"runs":    len(s.runs.Active()),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	data, err := StaticFiles.ReadFile("static/index.html")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sub, err := fs.Sub(StaticFiles, "static")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if strings.HasSuffix(ps.ByName("filepath"), ".js") {
		w.Header().Set("Content-Type", "application/javascript")
	}
	r.URL.Path = ps.ByName("filepath")
	http.FileServer(http.FS(sub)).ServeHTTP(w, r)
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.authorized(r) {
		logger.Warn("WebSocket connection rejected: invalid auth token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket: %v", err)
		return
	}

	client := NewClient(s.hub, conn, s.runs, s.debug)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	// Late joiners still need to see approvals that are already waiting
	for _, req := range s.runs.Pending().List() {
		req := req
		client.sendResponse(&WebMessage{Type: MessageTypeApprovalRequest, RunID: req.RunID, ApprovalID: req.ID, Approval: &req})
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.runs.Active())
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	info, err := s.runs.Start(req)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.runs.Cancel(ps.ByName("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "report store is not configured")
		return false
	}
	return true
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.requireStore(w) {
		return
	}
	query := r.URL.Query()
	limit := 50
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	status := report.Status(query.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	records, err := s.store.List(limit, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.requireStore(w) {
		return
	}
	rep, err := s.store.Get(ps.ByName("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(rep.Markdown()))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.requireStore(w) {
		return
	}
	err := s.store.Delete(ps.ByName("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToolStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.requireStore(w) {
		return
	}
	totals, err := s.store.ToolTotals()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.runs.Pending().List())
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var resp ApprovalResponse
	if !decodeBody(w, r, &resp) {
		return
	}
	if err := validate.Struct(resp); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.runs.Pending().Resolve(ps.ByName("id"), *resp.Approved, resp.Reason); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// generateAuthToken generates a random auth token
func generateAuthToken() (string, error) {
	bytes := make([]byte, authTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
