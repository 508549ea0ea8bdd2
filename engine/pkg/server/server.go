// Package server exposes a read-only status API over the accounting state and
// the persisted cycle logs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sollama58/ASDev/engine/pkg/store"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 100
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg, router: chi.NewRouter()}

	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	s.router.Get("/readyz", s.readyzHandler)
	s.router.Get("/version", s.versionHandler)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/state", s.stateHandler)
		r.Get("/rewards/{address}", s.rewardHandler)
		r.Get("/cycles", s.cyclesHandler)
		r.Get("/airdrops", s.airdropsHandler)
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Readiness.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("cycles not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

type conservationResponse struct {
	CycleID         string    `json:"cycle_id"`
	EstimatedCost   uint64    `json:"estimated_cost"`
	MissingAccounts int       `json:"missing_accounts"`
	NativeBalance   uint64    `json:"native_balance"`
	Conserving      bool      `json:"conserving"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type stateResponse struct {
	PointsTotal         uint64                `json:"points_total"`
	Holders             int                   `json:"holders"`
	TreasuryBalance     uint64                `json:"treasury_balance"`
	Decimals            uint8                 `json:"decimals"`
	DistributablePot    uint64                `json:"distributable_pot"`
	BonusPot            uint64                `json:"bonus_pot"`
	CommunityPot        uint64                `json:"community_pot"`
	BonusCreator        string                `json:"bonus_creator,omitempty"`
	PointsUpdatedAt     *time.Time            `json:"points_updated_at,omitempty"`
	LoyaltyMembers      int                   `json:"loyalty_members"`
	LoyaltyUpdatedAt    *time.Time            `json:"loyalty_updated_at,omitempty"`
	Conservation        *conservationResponse `json:"conservation,omitempty"`
	LifetimeFeesClaimed string                `json:"lifetime_fees_claimed"`
	LifetimeDistributed string                `json:"lifetime_distributed"`
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	var resp stateResponse
	if p := s.cfg.State.Points(); p != nil {
		resp.PointsTotal = p.Total
		resp.Holders = len(p.Entries)
		resp.TreasuryBalance = p.TreasuryBalance
		resp.Decimals = p.Decimals
		resp.DistributablePot = p.Pots.Distributable
		resp.BonusPot = p.Pots.Bonus
		resp.CommunityPot = p.Pots.Community
		if p.HasBonusCreator() {
			resp.BonusCreator = p.BonusCreator.String()
		}
		resp.PointsUpdatedAt = &p.UpdatedAt
	}
	if l := s.cfg.State.Loyalty(); l != nil {
		resp.LoyaltyMembers = l.Len()
		resp.LoyaltyUpdatedAt = &l.UpdatedAt
	}
	if c := s.cfg.State.Conservation(); c != nil {
		resp.Conservation = &conservationResponse{
			CycleID:         c.CycleID,
			EstimatedCost:   c.EstimatedCost,
			MissingAccounts: c.MissingAccounts,
			NativeBalance:   c.NativeBalance,
			Conserving:      c.Conserving,
			UpdatedAt:       c.UpdatedAt,
		}
	}
	resp.LifetimeFeesClaimed = s.stat(r.Context(), store.StatLifetimeFeesClaimed)
	resp.LifetimeDistributed = s.stat(r.Context(), store.StatLifetimeDistributed)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stat(ctx context.Context, key string) string {
	v, err := s.cfg.Store.GetStat(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("server: failed to read stat", "key", key, "error", err)
		}
		return "0"
	}
	return v
}

type rewardResponse struct {
	Address        string `json:"address"`
	HolderPoints   uint64 `json:"holder_points"`
	CreatorPoints  uint64 `json:"creator_points"`
	Loyal          bool   `json:"loyal"`
	Points         uint64 `json:"points"`
	PointsTotal    uint64 `json:"points_total"`
	ExpectedReward uint64 `json:"expected_reward"`
	BonusCreator   bool   `json:"bonus_creator"`
}

func (s *Server) rewardHandler(w http.ResponseWriter, r *http.Request) {
	addr, err := solana.PublicKeyFromBase58(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	p := s.cfg.State.Points()
	if p == nil {
		s.writeError(w, http.StatusServiceUnavailable, "points not computed yet")
		return
	}
	e := p.Entries[addr]
	s.writeJSON(w, http.StatusOK, rewardResponse{
		Address:        addr.String(),
		HolderPoints:   e.HolderPoints,
		CreatorPoints:  e.CreatorPoints,
		Loyal:          e.Loyal,
		Points:         e.Total,
		PointsTotal:    p.Total,
		ExpectedReward: p.Expected[addr],
		BonusCreator:   p.HasBonusCreator() && p.BonusCreator == addr,
	})
}

type cycleResponse struct {
	ID        int64           `json:"id"`
	CycleID   string          `json:"cycle_id"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Server) cyclesHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	logs, err := s.cfg.Store.RecentCycleLogs(r.Context(), limit)
	if err != nil {
		s.log.Error("server: failed to load cycle logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load cycle logs")
		return
	}
	out := make([]cycleResponse, len(logs))
	for i, l := range logs {
		out[i] = cycleResponse{ID: l.ID, CycleID: l.CycleID.String(), Status: l.Status, Reason: l.Reason, Details: l.Details, CreatedAt: l.CreatedAt}
	}
	s.writeJSON(w, http.StatusOK, out)
}

type airdropResponse struct {
	ID             int64     `json:"id"`
	RunID          string    `json:"run_id"`
	Amount         uint64    `json:"amount"`
	RecipientCount int       `json:"recipient_count"`
	TotalPoints    uint64    `json:"total_points"`
	Signatures     []string  `json:"signatures"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Server) airdropsHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	logs, err := s.cfg.Store.RecentAirdropLogs(r.Context(), limit)
	if err != nil {
		s.log.Error("server: failed to load airdrop logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load airdrop logs")
		return
	}
	out := make([]airdropResponse, len(logs))
	for i, l := range logs {
		out[i] = airdropResponse{
			ID: l.ID, RunID: l.RunID.String(), Amount: l.Amount, RecipientCount: l.RecipientCount,
			TotalPoints: l.TotalPoints, Signatures: l.Signatures, CreatedAt: l.CreatedAt,
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLogLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxLogLimit), true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
