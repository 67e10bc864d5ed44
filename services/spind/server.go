package spind

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"spinwin/crypto"
	"spinwin/native/bank"
	"spinwin/native/spinwin"
	"spinwin/observability"
)

const maxRequestBody = 1 << 16

// Server exposes a Service over HTTP.
type Server struct {
	svc     *Service
	auth    *Authenticator
	limiter *RateLimiter
	audit   *AuditStore
	router  http.Handler
}

// NewServer builds the router. audit may be nil when the audit log is off.
func NewServer(svc *Service, auth *Authenticator, limiter *RateLimiter, audit *AuditStore) *Server {
	s := &Server{svc: svc, auth: auth, limiter: limiter, audit: audit}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router wrapped for tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "spind")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/catalogue", s.handleCatalogue)
		api.Get("/catalogue/entries/{index}", s.handleEntry)
		api.Group(func(ops chi.Router) {
			ops.Use(s.auth.RequireScope(ScopeCatalogueWrite))
			ops.Post("/catalogue/entries", s.handleAddEntry)
			ops.Put("/catalogue/entries/{index}", s.handleUpdateEntry)
			ops.Post("/entropy/rotate", s.handleRotateEntropy)
		})
		api.With(s.auth.RequireScope(ScopeAuditRead)).Get("/audit/events", s.handleAuditEvents)
		api.Post("/spin", s.handleSpin)
		api.Post("/settle", s.handleSettle)
		api.Get("/session", s.handleSession)
		api.Get("/vault", s.handleVault)
		api.Get("/entropy", s.handleEntropy)
		api.Get("/settlements", s.handleSettlements)
	})
	return r
}

type entryView struct {
	Index   int    `json:"index"`
	Ratio   uint8  `json:"ratio"`
	Kind    string `json:"kind"`
	Amount  uint64 `json:"amount"`
	Units   uint64 `json:"units"`
	Mint    string `json:"mint"`
	Source  string `json:"source"`
	Custody uint64 `json:"custody"`
	Empty   bool   `json:"empty,omitempty"`
}

func newEntryView(index int, entry spinwin.RewardEntry, custody uint64) entryView {
	return entryView{
		Index:   index,
		Ratio:   entry.Ratio,
		Kind:    entry.Reward.Kind.String(),
		Amount:  entry.Reward.Amount,
		Units:   entry.Reward.Units(),
		Mint:    entry.Mint,
		Source:  accountString(entry.Source),
		Custody: custody,
		Empty:   entry.Empty(),
	}
}

func accountString(handle [20]byte) string {
	return crypto.NewAddress(crypto.AccountPrefix, handle).String()
}

func (s *Server) handleCatalogue(w http.ResponseWriter, _ *http.Request) {
	engine := s.svc.Engine()
	entries := engine.Entries()
	custody := engine.Vault().Custody
	views := make([]entryView, 0, len(entries))
	for i, entry := range entries {
		views = append(views, newEntryView(i, entry, custody[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":    views,
		"totalRatio": engine.TotalRatio(),
		"capacity":   engine.Capacity(),
		"mode":       engine.Mode().String(),
	})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := s.svc.Engine().Get(index)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntryView(index, entry, s.svc.Engine().Vault().Custody[index]))
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	index, err := s.svc.AddEntry(req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	entry, err := s.svc.Engine().Get(index)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEntryView(index, entry, s.svc.Engine().Vault().Custody[index]))
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req EntryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.UpdateEntry(index, req); err != nil {
		writeEngineError(w, err)
		return
	}
	entry, err := s.svc.Engine().Get(index)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntryView(index, entry, s.svc.Engine().Vault().Custody[index]))
}

type spinRequest struct {
	Participant string `json:"participant"`
	// Destination is the only account the result can be paid to.
	Destination string `json:"destination"`
}

func (s *Server) handleSpin(w http.ResponseWriter, r *http.Request) {
	var req spinRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	participant := strings.TrimSpace(req.Participant)
	if participant == "" {
		writeError(w, http.StatusBadRequest, errors.New("participant required"))
		return
	}
	dest, err := crypto.ParseAddress(req.Destination)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("destination: %w", err))
		return
	}
	if !s.limiter.Allow(participant) {
		observability.HTTP().RecordThrottle("/v1/spin", "rate_limit")
		writeError(w, http.StatusTooManyRequests, errors.New("spin rate exceeded"))
		return
	}
	res, err := s.svc.Spin(participant, dest.Bytes())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round":       res.Round,
		"entropy":     res.Entropy,
		"draw":        res.Draw,
		"index":       res.Index,
		"entry":       newEntryView(res.Index, res.Entry, s.svc.Engine().Vault().Custody[res.Index]),
		"spunAt":      res.SpunAt,
		"destination": accountString(res.Destination),
	})
}

type settleRequest struct {
	Destination string `json:"destination,omitempty"`
	Index       *int   `json:"index,omitempty"`
}

// handleSettle pays the recorded result to the payee fixed at spin time. Naming
// an index, or running in caller-index mode, requires an operator token with
// ScopeSettleIndex and an explicit destination.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	privileged := req.Index != nil || s.svc.Engine().Mode() == spinwin.SettleCallerIndex
	if privileged {
		if _, status, err := s.auth.authorize(r, ScopeSettleIndex); err != nil {
			writeError(w, status, err)
			return
		}
	}
	var dest *[20]byte
	if strings.TrimSpace(req.Destination) != "" {
		addr, err := crypto.ParseAddress(req.Destination)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("destination: %w", err))
			return
		}
		handle := addr.Bytes()
		dest = &handle
	} else if privileged {
		writeError(w, http.StatusBadRequest, errors.New("destination required"))
		return
	}
	var (
		settlement *spinwin.Settlement
		err        error
	)
	if req.Index != nil {
		settlement, err = s.svc.SettleIndex(*req.Index, *dest)
	} else {
		settlement, err = s.svc.Settle(dest)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          hex.EncodeToString(settlement.ID[:]),
		"round":       settlement.Round,
		"index":       settlement.Index,
		"mint":        settlement.Entry.Mint,
		"kind":        settlement.Entry.Reward.Kind.String(),
		"units":       settlement.Units,
		"destination": accountString(settlement.Destination),
		"settledAt":   settlement.SettledAt,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	state := s.svc.Engine().State()
	body := map[string]any{
		"hasResult":   state.HasResult,
		"settled":     state.Settled,
		"round":       state.Round,
		"lastEntropy": state.LastEntropy,
		"spunAt":      state.SpunAt,
		"nonce":       state.Nonce,
	}
	if state.HasResult {
		body["lastResult"] = state.LastResult
	}
	if state.HasDestination {
		body["destination"] = accountString(state.Destination)
	}
	writeJSON(w, http.StatusOK, body)
}

type vaultAccountView struct {
	Mint     string `json:"mint"`
	Account  string `json:"account"`
	Balance  uint64 `json:"balance"`
	Orphaned uint64 `json:"orphaned"`
}

func (s *Server) handleVault(w http.ResponseWriter, _ *http.Request) {
	engine := s.svc.Engine()
	view := engine.Vault()
	mints := make(map[string]struct{})
	for _, entry := range engine.Entries() {
		if !entry.Empty() {
			mints[entry.Mint] = struct{}{}
		}
	}
	for mint := range view.Orphaned {
		mints[mint] = struct{}{}
	}
	accounts := make([]vaultAccountView, 0, len(mints))
	for mint := range mints {
		account, err := engine.VaultAccount(mint)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		balance, err := engine.VaultBalance(mint)
		if err != nil && !errors.Is(err, bank.ErrAccountNotFound) {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		accounts = append(accounts, vaultAccountView{
			Mint:     mint,
			Account:  crypto.NewAddress(crypto.VaultPrefix, account).String(),
			Balance:  balance,
			Orphaned: view.Orphaned[mint],
		})
	}
	custody := make(map[string]uint64, len(view.Custody))
	for index, units := range view.Custody {
		custody[strconv.Itoa(index)] = units
	}
	writeJSON(w, http.StatusOK, map[string]any{"custody": custody, "accounts": accounts})
}

func (s *Server) handleEntropy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Entropy())
}

func (s *Server) handleRotateEntropy(w http.ResponseWriter, _ *http.Request) {
	status, err := s.svc.RotateEntropy()
	if err != nil {
		if errors.Is(err, errEntropyNotSeeded) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, errors.New("audit log disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	destination := strings.TrimSpace(r.URL.Query().Get("destination"))
	if destination != "" {
		addr, err := crypto.ParseAddress(destination)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("destination: %w", err))
			return
		}
		destination = addr.String()
	}
	s.audit.Flush()
	rows, err := s.audit.Settlements(destination, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": rows})
}

type auditEventView struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, errors.New("audit log disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.audit.Flush()
	rows, err := s.audit.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]auditEventView, 0, len(rows))
	for _, row := range rows {
		view := auditEventView{ID: row.ID.String(), Type: row.Type, CreatedAt: row.CreatedAt}
		if err := json.Unmarshal([]byte(row.Attributes), &view.Attributes); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("decode audit row %s: %w", view.ID, err))
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func pathIndex(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q", raw)
	}
	return index, nil
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, spinwin.ErrInvalidRatio),
		errors.Is(err, spinwin.ErrInvalidReward),
		errors.Is(err, spinwin.ErrInvalidMint),
		errors.Is(err, spinwin.ErrRatioBudgetExceeded):
		return http.StatusBadRequest
	case errors.Is(err, spinwin.ErrIndexOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, spinwin.ErrCapacityExceeded),
		errors.Is(err, spinwin.ErrNotSpun),
		errors.Is(err, spinwin.ErrNoDestination),
		errors.Is(err, spinwin.ErrAlreadySettled),
		errors.Is(err, spinwin.ErrResultMismatch):
		return http.StatusConflict
	case errors.Is(err, spinwin.ErrAuthorityMismatch),
		errors.Is(err, spinwin.ErrDestinationMismatch):
		return http.StatusForbidden
	case errors.Is(err, spinwin.ErrTransferFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, spinwin.ErrEntropyUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requestID tags every response with an X-Request-ID, reusing the caller's
// when it is a valid UUID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		if err != nil {
			id = uuid.New()
		}
		w.Header().Set("X-Request-ID", id.String())
		next.ServeHTTP(w, r)
	})
}

func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, r.Method, status, time.Since(start))
	})
}
