// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/ruinlab/internal/analysis"
	"github.com/atlas-desktop/ruinlab/internal/kelly"
	"github.com/atlas-desktop/ruinlab/internal/ledger"
	"github.com/atlas-desktop/ruinlab/internal/montecarlo"
	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Analysis states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// maxBodyBytes bounds request bodies; a ledger export of a few thousand
// trades fits comfortably.
const maxBodyBytes = 16 << 20

// maxSweepSizes bounds the position sizes compared in one sweep request.
const maxSweepSizes = 32

// ErrTooManyAnalyses is returned when the analysis table is full of runs
// that are still live.
var ErrTooManyAnalyses = errors.New("too many analyses")

// Deps are the collaborators a Server dispatches to.
type Deps struct {
	Analyzer *analysis.Analyzer
	Engine   *montecarlo.Engine
	Ledger   ledger.Ledger // Optional; analyses must carry trades without it
	Options  analysis.Options
	Gatherer prometheus.Gatherer // Optional; /metrics is off without it
}

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	deps       Deps
	calculator *kelly.Calculator
	analyses   map[uuid.UUID]*AnalysisState

	ctx    context.Context
	cancel context.CancelFunc
}

// AnalysisState tracks a submitted analysis.
type AnalysisState struct {
	ID       uuid.UUID
	Status   string
	Started  time.Time
	Finished time.Time
	Report   *analysis.Report
	Err      string

	events  [][]byte // Every message published so far, replayed to late subscribers
	clients map[*Client]bool
	cancel  context.CancelFunc
}

func (st *AnalysisState) done() bool { return st.Status != StatusRunning }

// Message represents a WebSocket message
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // event
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		logger:     logger,
		config:     config,
		router:     mux.NewRouter(),
		deps:       deps,
		calculator: kelly.NewCalculator(logger),
		analyses:   make(map[uuid.UUID]*AnalysisState),
		ctx:        ctx,
		cancel:     cancel,
	}
	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     server.checkOrigin,
	}

	server.setupRoutes()
	return server
}

// Router exposes the route table, e.g. for httptest.
func (s *Server) Router() http.Handler { return s.router }

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/kelly", s.handleKelly).Methods("POST")
	s.router.HandleFunc("/api/v1/simulate", s.handleSimulate).Methods("POST")

	s.router.HandleFunc("/api/v1/analyses", s.handleCreateAnalysis).Methods("POST")
	s.router.HandleFunc("/api/v1/analyses", s.handleListAnalyses).Methods("GET")
	s.router.HandleFunc("/api/v1/analyses/{id}", s.handleGetAnalysis).Methods("GET")
	s.router.HandleFunc("/api/v1/analyses/{id}", s.handleCancelAnalysis).Methods("DELETE")
	s.router.HandleFunc("/api/v1/analyses/{id}/stream", s.handleStream)

	if s.config.EnableMetrics && s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handler wraps the router with CORS.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop cancels running analyses, closes streams and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for _, st := range s.analyses {
		for client := range st.clients {
			s.detachLocked(st, client)
		}
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	running := 0
	for _, st := range s.analyses {
		if !st.done() {
			running++
		}
	}
	total := len(s.analyses)
	s.mu.RUnlock()

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"analyses":  total,
		"running":   running,
		"ledger":    s.deps.Ledger != nil,
	})
}

// SampleRequest carries a return sample either as raw fractional returns or
// as ledger trades. Trades win when both are present.
type SampleRequest struct {
	Returns []float64     `json:"returns,omitempty"`
	Trades  []types.Trade `json:"trades,omitempty"`
}

func (r SampleRequest) sample() (sample.ReturnSample, error) {
	if len(r.Trades) > 0 {
		return sample.FromTrades(r.Trades)
	}
	return sample.New(r.Returns)
}

// KellyResponse is the body of POST /api/v1/kelly.
type KellyResponse struct {
	Kelly     kelly.Result         `json:"kelly"`
	BreakEven kelly.BreakEvenPoint `json:"breakEven"`
	Summary   sample.Summary       `json:"sample"`
}

func (s *Server) handleKelly(w http.ResponseWriter, r *http.Request) {
	var req SampleRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	smp, err := req.sample()
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.calculator.Calculate(smp)
	jsonResponse(w, http.StatusOK, KellyResponse{
		Kelly:     res,
		BreakEven: kelly.BreakEven(res),
		Summary:   smp.Summarize(),
	})
}

// SimulateRequest is the body of POST /api/v1/simulate. Config fields left
// out keep the server's simulation defaults.
type SimulateRequest struct {
	SampleRequest
	Config montecarlo.Config `json:"config"`
	Sweep  []float64         `json:"sweep,omitempty"` // Position sizes to sweep instead of a single run
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	req := SimulateRequest{Config: s.deps.Options.Simulation}
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	smp, err := req.sample()
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if smp.IsEmpty() {
		errorResponse(w, http.StatusBadRequest, sample.ErrEmptySample.Error())
		return
	}
	if err := s.checkLimits(req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(req.Sweep) > 0 {
		rows, err := s.deps.Engine.Sweep(r.Context(), smp, req.Config, req.Sweep)
		if err != nil {
			s.simulationError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, map[string]interface{}{"sweep": rows})
		return
	}

	res, err := s.deps.Engine.Run(r.Context(), smp, req.Config)
	if err != nil {
		s.simulationError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

// checkLimits bounds the work one simulate request can ask for. A zero
// limit is unlimited.
func (s *Server) checkLimits(req SimulateRequest) error {
	if limit := s.config.MaxPaths; limit > 0 && req.Config.NumPaths > limit {
		return fmt.Errorf("numPaths %d exceeds the server limit of %d", req.Config.NumPaths, limit)
	}
	if limit := s.config.MaxTrades; limit > 0 && req.Config.NumTrades > limit {
		return fmt.Errorf("numTrades %d exceeds the server limit of %d", req.Config.NumTrades, limit)
	}
	if len(req.Sweep) > maxSweepSizes {
		return fmt.Errorf("sweep has %d position sizes, at most %d allowed", len(req.Sweep), maxSweepSizes)
	}
	return nil
}

func (s *Server) simulationError(w http.ResponseWriter, err error) {
	if errors.Is(err, montecarlo.ErrInvalidConfig) {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("Simulation failed", zap.Error(err))
	errorResponse(w, http.StatusInternalServerError, err.Error())
}

// AnalysisRequest is the body of POST /api/v1/analyses. Without trades the
// configured ledger is queried.
type AnalysisRequest struct {
	Trades      []types.Trade `json:"trades,omitempty"`
	Since       time.Time     `json:"since,omitempty"`
	Until       time.Time     `json:"until,omitempty"`
	BotVersions []string      `json:"botVersions,omitempty"`
}

func (s *Server) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	var req AnalysisRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	trades := req.Trades
	if len(trades) == 0 {
		if s.deps.Ledger == nil {
			errorResponse(w, http.StatusBadRequest, "no trades given and no ledger configured")
			return
		}
		var err error
		trades, err = s.deps.Ledger.Trades(r.Context(), ledger.Query{
			Since:       req.Since,
			Until:       req.Until,
			BotVersions: req.BotVersions,
		})
		if err != nil {
			s.logger.Error("Ledger query failed", zap.Error(err))
			errorResponse(w, http.StatusBadGateway, err.Error())
			return
		}
		if len(trades) == 0 {
			errorResponse(w, http.StatusBadRequest, "ledger returned no trades")
			return
		}
	}

	st, err := s.submit(trades)
	if err != nil {
		errorResponse(w, http.StatusTooManyRequests, err.Error())
		return
	}

	jsonResponse(w, http.StatusAccepted, map[string]interface{}{
		"id":      st.ID,
		"status":  StatusRunning,
		"started": st.Started.Unix(),
		"trades":  len(trades),
	})
}

// submit registers a new analysis and runs it in the background.
func (s *Server) submit(trades []types.Trade) (*AnalysisState, error) {
	ctx, cancel := context.WithCancel(s.ctx)
	st := &AnalysisState{
		ID:      uuid.New(),
		Status:  StatusRunning,
		Started: time.Now(),
		clients: make(map[*Client]bool),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.pruneLocked(st.Started)
	if s.config.MaxAnalyses > 0 && len(s.analyses) >= s.config.MaxAnalyses {
		s.mu.Unlock()
		cancel()
		return nil, ErrTooManyAnalyses
	}
	s.analyses[st.ID] = st
	s.mu.Unlock()

	go s.runAnalysis(ctx, st, trades)
	return st, nil
}

func (s *Server) runAnalysis(ctx context.Context, st *AnalysisState, trades []types.Trade) {
	defer st.cancel()

	report, err := s.deps.Analyzer.Run(ctx, analysis.Request{
		ID:      st.ID,
		Trades:  trades,
		Options: s.deps.Options,
		Progress: func(p analysis.Progress) {
			s.publish(st, "analysis:progress", p, "")
		},
	})

	s.mu.Lock()
	st.Finished = time.Now()
	if err != nil {
		st.Status = StatusFailed
		st.Err = err.Error()
		s.logger.Error("Analysis failed", zap.String("id", st.ID.String()), zap.Error(err))
	} else {
		st.Status = StatusCompleted
		st.Report = report
		s.logger.Info("Analysis completed",
			zap.String("id", st.ID.String()),
			zap.Duration("elapsed", report.Elapsed),
		)
	}
	s.publishLocked(st, "analysis:complete", map[string]interface{}{"id": st.ID, "status": st.Status}, st.Err)
	for client := range st.clients {
		s.detachLocked(st, client)
	}
	s.mu.Unlock()
}

// pruneLocked drops finished analyses older than the TTL.
func (s *Server) pruneLocked(now time.Time) {
	if s.config.AnalysisTTL <= 0 {
		return
	}
	for id, st := range s.analyses {
		if st.done() && now.Sub(st.Finished) > s.config.AnalysisTTL {
			delete(s.analyses, id)
		}
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*AnalysisState, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid analysis id")
		return nil, false
	}
	s.mu.RLock()
	st, ok := s.analyses[id]
	s.mu.RUnlock()
	if !ok {
		errorResponse(w, http.StatusNotFound, "analysis not found")
		return nil, false
	}
	return st, true
}

// AnalysisView is the JSON form of an AnalysisState.
type AnalysisView struct {
	ID       uuid.UUID        `json:"id"`
	Status   string           `json:"status"`
	Started  time.Time        `json:"started"`
	Finished *time.Time       `json:"finished,omitempty"`
	Error    string           `json:"error,omitempty"`
	Report   *analysis.Report `json:"report,omitempty"`
}

func (s *Server) view(st *AnalysisState, withReport bool) AnalysisView {
	v := AnalysisView{ID: st.ID, Status: st.Status, Started: st.Started, Error: st.Err}
	if st.done() {
		finished := st.Finished
		v.Finished = &finished
	}
	if withReport {
		v.Report = st.Report
	}
	return v
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.RLock()
	v := s.view(st, true)
	s.mu.RUnlock()
	jsonResponse(w, http.StatusOK, v)
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	views := make([]AnalysisView, 0, len(s.analyses))
	for _, st := range s.analyses {
		views = append(views, s.view(st, false))
	}
	s.mu.RUnlock()
	jsonResponse(w, http.StatusOK, map[string]interface{}{"analyses": views, "count": len(views)})
}

func (s *Server) handleCancelAnalysis(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.RLock()
	running := !st.done()
	s.mu.RUnlock()
	if !running {
		errorResponse(w, http.StatusConflict, "analysis not running")
		return
	}
	st.cancel()
	jsonResponse(w, http.StatusAccepted, map[string]interface{}{"id": st.ID, "status": "cancelling"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// jsonResponse writes a JSON response.
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorResponse writes an error response.
func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}
