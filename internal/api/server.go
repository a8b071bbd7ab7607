package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"empire/internal/captable"
	"empire/internal/config"
	"empire/internal/game"
	"empire/internal/kv"
	"empire/internal/ledger"
	"empire/internal/settlement"
	"empire/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultReportLimit      = 7
	maxListLimit            = 100
	idempotencyKeyTTL       = 24 * time.Hour
	defaultLeaderboardLimit = 10
	defaultBuffHours        = 24
	defaultAdHours          = 72
)

// Deps are the core services the router exposes.
type Deps struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	CapTable *captable.Engine
	Batch    *settlement.Batch
	KV       kv.Coordinator
}

type Server struct {
	cfg  config.APIConfig
	log  *slog.Logger
	deps Deps
	mux  *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:  cfg,
		log:  logger,
		deps: deps,
		mux:  chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/companies/{id}", s.handleCompany)
		r.Get("/companies/{id}/stakes", s.handleStakes)
		r.Get("/companies/{id}/reports", s.handleReports)
		r.Post("/companies/{id}/invest", s.handleInvest)
		r.Get("/companies/{id}/buffs", s.handleBuffs)
		r.Get("/users/{id}", s.handleUser)
		r.Get("/leaderboard/{board}", s.handleLeaderboard)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Post("/users", s.handleCreateUser)
			r.Post("/companies", s.handleCreateCompany)
			r.Post("/companies/{id}/buffs", s.handleGrantBuff)
			r.Post("/companies/{id}/ads", s.handleStartAd)
			r.Post("/accounts/{kind}/{id}/adjust", s.handleAdjust)
			r.Post("/settlement/run", s.handleSettlementRun)
		})
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if s.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusForbidden, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCompany(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := s.deps.Store.Company(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"company":   c,
		"valuation": s.deps.CapTable.Valuation(c),
	})
}

func (s *Server) handleStakes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.deps.Store.Company(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	stakes, err := s.deps.Store.Stakes(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stakes": stakes,
		"total":  game.SumPercent(stakes),
	})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, err := queryLimit(r, defaultReportLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.deps.Store.Company(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	reports, err := s.deps.Store.Reports(r.Context(), id, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		for _, rep := range reports {
			_, _ = io.WriteString(w, settlement.FormatReport(c.Name, rep)+"\n")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleInvest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in struct {
		HolderID int64 `json:"holder_id"`
		Amount   int64 `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.HolderID <= 0 {
		writeError(w, http.StatusBadRequest, "holder_id is required")
		return
	}
	idemKey := ""
	if key := idempotencyKey(r); key != "" {
		idemKey = "idem:invest:" + key
		fresh, err := s.deps.KV.SetIfAbsent(r.Context(), idemKey, strconv.FormatInt(id, 10), idempotencyKeyTTL)
		if err != nil {
			s.writeInternal(w, r, err)
			return
		}
		if !fresh {
			writeError(w, http.StatusConflict, "duplicate idempotency key")
			return
		}
	}

	result, err := s.deps.CapTable.Invest(r.Context(), id, in.HolderID, in.Amount)
	// A failed invest leaves balances and the cap table as they were, so the
	// key is released for a retry. A failed refund keeps it.
	if idemKey != "" && (err != nil || !result.OK()) && !errors.Is(err, captable.ErrRefundFailed) {
		if _, rerr := s.deps.KV.CompareAndDelete(context.WithoutCancel(r.Context()), idemKey, strconv.FormatInt(id, 10)); rerr != nil {
			s.log.Warn("release idempotency key", "key", idemKey, "err", rerr)
		}
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeResult(w, result.Result, result)
}

func (s *Server) handleBuffs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.deps.Store.Company(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	hedge, err := kv.HasBuff(r.Context(), s.deps.KV, id, kv.BuffRiskHedge)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	analysis, err := kv.ShopIncomeBuff(r.Context(), s.deps.KV, id)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	ad, err := kv.AdBoost(r.Context(), s.deps.KV, id)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"company_id":          id,
		kv.BuffRiskHedge:      hedge,
		kv.BuffMarketAnalysis: analysis,
		"ad_boost":            ad,
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	u, err := s.deps.Store.User(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	points, _, err := s.deps.KV.Get(r.Context(), kv.PointsKey(id))
	if err != nil {
		s.log.Warn("points lookup failed", "user_id", id, "err", err)
	}
	n, _ := strconv.ParseInt(points, 10, 64)
	writeJSON(w, http.StatusOK, map[string]any{"user": u, "points": n})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	board := chi.URLParam(r, "board")
	if !kv.ValidBoard(board) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown leaderboard %q", board))
		return
	}
	limit, err := queryLimit(r, defaultLeaderboardLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := kv.Leaderboard(r.Context(), s.deps.KV, board, limit)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"board": board, "rows": rows})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name    string `json:"name"`
		Balance int64  `json:"balance"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if in.Balance < 0 {
		writeError(w, http.StatusBadRequest, "balance must not be negative")
		return
	}
	u, err := s.deps.Store.CreateUser(r.Context(), strings.TrimSpace(in.Name), in.Balance)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OwnerID int64  `json:"owner_id"`
		Name    string `json:"name"`
		Type    string `json:"type"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.deps.CapTable.CreateCompany(r.Context(), in.OwnerID, in.Name, in.Type)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if result.OK() {
		writeJSON(w, http.StatusCreated, result)
		return
	}
	writeResult(w, result.Result, result)
}

// handleGrantBuff grants a shop item. risk_hedge is one-shot and lives until
// an event consumes it; market_analysis carries an income fraction and expires.
func (s *Server) handleGrantBuff(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in struct {
		Item  string  `json:"item"`
		Pct   float64 `json:"pct"`
		Hours int     `json:"hours"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var (
		value = "1"
		ttl   time.Duration
	)
	switch in.Item {
	case kv.BuffRiskHedge:
	case kv.BuffMarketAnalysis:
		if in.Pct <= 0 || in.Pct > 1 {
			writeError(w, http.StatusBadRequest, "pct must be in (0, 1]")
			return
		}
		if in.Hours <= 0 {
			in.Hours = defaultBuffHours
		}
		value = strconv.FormatFloat(in.Pct, 'f', -1, 64)
		ttl = time.Duration(in.Hours) * time.Hour
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown item %q", in.Item))
		return
	}
	if _, err := s.deps.Store.Company(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	granted, err := kv.GrantBuff(r.Context(), s.deps.KV, id, in.Item, value, ttl)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if !granted {
		writeError(w, http.StatusConflict, fmt.Sprintf("%s is already active", in.Item))
		return
	}
	s.log.Info("buff granted", "company_id", id, "item", in.Item, "value", value, "ttl", ttl.String())
	writeJSON(w, http.StatusCreated, map[string]any{"company_id": id, "item": in.Item, "value": value})
}

func (s *Server) handleStartAd(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in struct {
		Tier     string  `json:"tier"`
		BoostPct float64 `json:"boost_pct"`
		Hours    int     `json:"hours"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.BoostPct <= 0 || in.BoostPct > 1 {
		writeError(w, http.StatusBadRequest, "boost_pct must be in (0, 1]")
		return
	}
	if in.Hours <= 0 {
		in.Hours = defaultAdHours
	}
	if _, err := s.deps.Store.Company(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	started, err := kv.StartAd(r.Context(), s.deps.KV, id, strings.TrimSpace(in.Tier), in.BoostPct, time.Duration(in.Hours)*time.Hour)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if !started {
		writeError(w, http.StatusConflict, "an ad campaign is already running")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"company_id": id, "boost_pct": in.BoostPct, "hours": in.Hours})
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	kind, err := game.ParseAccountKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in struct {
		Delta   int64 `json:"delta"`
		Retries int   `json:"retries"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	policy := ledger.SingleAttempt()
	if in.Retries > 1 {
		policy = ledger.BoundedRetry(in.Retries)
	}
	out, err := s.deps.Ledger.Adjust(r.Context(), game.AccountRef{Kind: kind, ID: id}, in.Delta, policy)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if out.OK() {
		s.log.Info("admin balance adjustment", "account", out.Account.Ref.String(), "delta", in.Delta, "balance", out.Account.Balance)
	}
	writeResult(w, out.Result, out)
}

func (s *Server) handleSettlementRun(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Date string `json:"date"`
	}
	if err := decodeJSON(r, &in); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var (
		sum settlement.Summary
		err error
	)
	if in.Date == "" {
		sum, err = s.deps.Batch.RunCycle(r.Context())
	} else {
		if _, perr := time.Parse(settlement.DateLayout, in.Date); perr != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		sum, err = s.deps.Batch.SettleAll(r.Context(), in.Date)
	}
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func writeResult(w http.ResponseWriter, res game.Result, payload any) {
	status := http.StatusOK
	switch res.Kind {
	case game.InsufficientFunds, game.ConstraintViolation:
		status = http.StatusBadRequest
	case game.ConcurrencyConflict:
		status = http.StatusConflict
	case game.EntityNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, payload)
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, game.ErrInsufficientFunds), errors.Is(err, game.ErrConstraint):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, game.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrConflict), errors.Is(err, game.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeInternal(w, r, err)
	}
}

// writeInternal logs err and answers with a fixed message; store and
// transport faults are not shown to clients.
func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"err", err,
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
