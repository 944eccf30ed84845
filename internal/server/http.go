package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"StakeLedger/internal/core"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/projection"
	"StakeLedger/internal/query"
)

// Server is the HTTP API: synchronous operation submission,
// authoritative reads from the engine's in-memory state, and history
// reads from the projections.
type Server struct {
	engine    *core.Engine
	submitter *ingestion.OpSubmitter
	queries   *query.Service
	policy    core.CapabilityPolicy
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
	db        *sql.DB
}

func NewServer(
	engine *core.Engine,
	submitter *ingestion.OpSubmitter,
	queries *query.Service,
	policy core.CapabilityPolicy,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	db *sql.DB,
) *Server {
	return &Server{
		engine:    engine,
		submitter: submitter,
		queries:   queries,
		policy:    policy,
		health:    health,
		metrics:   metrics,
		logger:    logger,
		db:        db,
	}
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.health.ReadinessHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/stake", s.handleStake).Methods(http.MethodPost)
	v1.HandleFunc("/unstake", s.handleUnstake).Methods(http.MethodPost)
	v1.HandleFunc("/distribute", s.handleDistribute).Methods(http.MethodPost)

	v1.HandleFunc("/balances/{address}", s.handleGetBalance).Methods(http.MethodGet)
	v1.HandleFunc("/stakers", s.handleGetStakers).Methods(http.MethodGet)
	v1.HandleFunc("/stakers/count", s.handleGetStakerCount).Methods(http.MethodGet)
	v1.HandleFunc("/total", s.handleGetTotalStaked).Methods(http.MethodGet)

	v1.HandleFunc("/ops", s.handleListOps).Methods(http.MethodGet)
	v1.HandleFunc("/projected/balances/{address}", s.handleProjectedBalance).Methods(http.MethodGet)
	v1.HandleFunc("/projected/stakers", s.handleProjectedStakers).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	admin.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	admin.HandleFunc("/projections/rebuild", s.handleRebuildProjections).Methods(http.MethodPost)

	return handlers.RecoveryHandler()(handlers.CompressHandler(s.instrument(r)))
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.metrics != nil {
			route := r.URL.Path
			if m := mux.CurrentRoute(r); m != nil {
				if tmpl, err := m.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			s.metrics.QueryRequests.WithLabelValues(route).Inc()
			s.metrics.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// --- Write path ---

type stakeRequest struct {
	OpID   string `json:"op_id,omitempty"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type distributeRequest struct {
	OpID       string   `json:"op_id,omitempty"`
	Caller     string   `json:"caller"`
	Total      string   `json:"total"`
	Recipients []string `json:"recipients"`
	Amounts    []string `json:"amounts"`
}

type opAccepted struct {
	Status string `json:"status"`
	OpID   string `json:"op_id"`
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_json", map[string]interface{}{"detail": err.Error()})
		return
	}

	opID, caller, amount, ok := s.parseStakeRequest(w, r, req)
	if !ok {
		return
	}

	op := &event.StakeRequested{
		OpID:      opID,
		Caller:    caller,
		Amount:    amount,
		Timestamp: time.Now(),
	}
	s.submit(w, r, op, opID)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_json", map[string]interface{}{"detail": err.Error()})
		return
	}

	opID, caller, amount, ok := s.parseStakeRequest(w, r, req)
	if !ok {
		return
	}

	op := &event.UnstakeRequested{
		OpID:      opID,
		Caller:    caller,
		Amount:    amount,
		Timestamp: time.Now(),
	}
	s.submit(w, r, op, opID)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_json", map[string]interface{}{"detail": err.Error()})
		return
	}

	caller, err := ledger.ParseAddress(req.Caller)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_address", map[string]interface{}{"field": "caller"})
		return
	}
	if !s.policy.Allowed(caller, core.CapabilityDistribute) {
		s.writeError(w, r, http.StatusForbidden, "forbidden", map[string]interface{}{"capability": string(core.CapabilityDistribute)})
		return
	}

	opID, ok := s.parseOpID(w, r, req.OpID)
	if !ok {
		return
	}
	total, err := uint256.FromDecimal(req.Total)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_amount", map[string]interface{}{"field": "total"})
		return
	}

	recipients := make([]ledger.Address, len(req.Recipients))
	for i, rec := range req.Recipients {
		addr, err := ledger.ParseAddress(rec)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "bad_address", map[string]interface{}{"field": "recipients", "index": i})
			return
		}
		recipients[i] = addr
	}
	amounts := make([]*uint256.Int, len(req.Amounts))
	for i, a := range req.Amounts {
		amount, err := uint256.FromDecimal(a)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "bad_amount", map[string]interface{}{"field": "amounts", "index": i})
			return
		}
		amounts[i] = amount
	}

	op := &event.DistributeRequested{
		OpID:       opID,
		Caller:     caller,
		Total:      total,
		Recipients: recipients,
		Amounts:    amounts,
		Timestamp:  time.Now(),
	}
	s.submit(w, r, op, opID)
}

func (s *Server) parseStakeRequest(w http.ResponseWriter, r *http.Request, req stakeRequest) (uuid.UUID, ledger.Address, *uint256.Int, bool) {
	opID, ok := s.parseOpID(w, r, req.OpID)
	if !ok {
		return uuid.UUID{}, ledger.Address{}, nil, false
	}
	caller, err := ledger.ParseAddress(req.Caller)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_address", map[string]interface{}{"field": "caller"})
		return uuid.UUID{}, ledger.Address{}, nil, false
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_amount", map[string]interface{}{"field": "amount"})
		return uuid.UUID{}, ledger.Address{}, nil, false
	}
	return opID, caller, amount, true
}

// parseOpID accepts a client-supplied idempotency key or mints one.
func (s *Server) parseOpID(w http.ResponseWriter, r *http.Request, raw string) (uuid.UUID, bool) {
	if raw == "" {
		return uuid.New(), true
	}
	opID, err := uuid.Parse(raw)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_op_id", map[string]interface{}{"detail": err.Error()})
		return uuid.UUID{}, false
	}
	return opID, true
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, op event.Op, opID uuid.UUID) {
	if err := s.submitter.Submit(r.Context(), op); err != nil {
		s.writeOpError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opAccepted{Status: "applied", OpID: opID.String()})
}

// --- Read path (authoritative, from the engine) ---

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := ledger.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_address", nil)
		return
	}
	balance := s.engine.GetBalance(addr)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": addr.String(),
		"balance": balance.Dec(),
	})
}

func (s *Server) handleGetStakers(w http.ResponseWriter, r *http.Request) {
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_param", map[string]interface{}{"param": "offset"})
		return
	}
	count, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_param", map[string]interface{}{"param": "count"})
		return
	}

	stakers, err := s.engine.Stakers(offset, count)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}

	out := make([]string, len(stakers))
	for i, a := range stakers {
		out[i] = a.String()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stakers": out,
		"offset":  offset,
		"count":   count,
	})
}

func (s *Server) handleGetStakerCount(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"num_stakers": s.engine.NumStakers(),
	})
}

func (s *Server) handleGetTotalStaked(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_staked": s.engine.TotalStaked().Dec(),
		"sequence":     s.engine.GetSequence(),
	})
}

// --- Read path (projected, for history and indexers) ---

func (s *Server) handleListOps(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	ops, err := s.queries.ListOps(r.Context(), from, limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "query_failed", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ops": ops})
}

func (s *Server) handleProjectedBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := ledger.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_address", nil)
		return
	}
	rec, err := s.queries.GetBalance(r.Context(), addr.String())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "query_failed", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleProjectedStakers(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	if count == 0 {
		count = 100
	}

	page, err := s.queries.ListParticipants(r.Context(), offset, count)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "query_failed", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

// --- Admin surface ---

// adminCaller authenticates the admin caller from the X-Caller header
// and checks the capability.
func (s *Server) adminCaller(w http.ResponseWriter, r *http.Request, cap core.Capability) bool {
	caller, err := ledger.ParseAddress(r.Header.Get("X-Caller"))
	if err != nil {
		s.writeError(w, r, http.StatusUnauthorized, "bad_caller", nil)
		return false
	}
	if !s.policy.Allowed(caller, cap) {
		s.writeError(w, r, http.StatusForbidden, "forbidden", map[string]interface{}{"capability": string(cap)})
		return false
	}
	return true
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.adminCaller(w, r, core.CapabilityPause) {
		return
	}
	s.engine.Pause()
	s.logger.Warn().Msg("engine paused by admin")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.adminCaller(w, r, core.CapabilityPause) {
		return
	}
	s.engine.Resume()
	s.logger.Info().Msg("engine resumed by admin")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if !s.adminCaller(w, r, core.CapabilityRebuild) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	if err := projection.RebuildProjections(ctx, s.db, s.logger); err != nil {
		s.logger.Error().Err(err).Msg("projection rebuild failed")
		s.writeError(w, r, http.StatusInternalServerError, "rebuild_failed", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

// --- Responses ---

type apiError struct {
	Kind   string                 `json:"kind"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, kind string, fields map[string]interface{}) {
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(r.URL.Path, kind).Inc()
	}
	s.writeJSON(w, status, map[string]interface{}{"error": apiError{Kind: kind, Fields: fields}})
}

// writeOpError maps engine and ledger errors to HTTP responses with a
// structured kind plus the error's reported figures.
func (s *Server) writeOpError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, fields := classifyOpError(err)
	s.writeError(w, r, status, kind, fields)
}
