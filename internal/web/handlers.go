package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/dex_execution_engine/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func listLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return min(n, maxListLimit), true
}

type statusResponse struct {
	Time          time.Time             `json:"time"`
	Breakers      []domain.BreakerState `json:"breakers"`
	InFlight      int64                 `json:"in_flight"`
	OpenPositions int                   `json:"open_positions"`
	Pairs         []string              `json:"pairs"`
	BookConflicts int64                 `json:"book_conflicts"`
	CachedResults int                   `json:"cached_validations"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Time: time.Now().UTC(), Breakers: []domain.BreakerState{}}
	if s.deps.Validator != nil {
		resp.Breakers = append(resp.Breakers, s.deps.Validator.Breaker().State())
		resp.CachedResults = s.deps.Validator.CacheLen()
	}
	if s.deps.Executor != nil {
		resp.Breakers = append(resp.Breakers, s.deps.Executor.Breaker().State())
		resp.InFlight = s.deps.Executor.InFlight()
	}
	if s.deps.Positions != nil {
		resp.OpenPositions = s.deps.Positions.Count()
	}
	if s.deps.Books != nil {
		resp.Pairs = s.deps.Books.Pairs()
		resp.BookConflicts = s.deps.Books.Conflicts()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Positions == nil {
		s.writeJSON(w, http.StatusOK, []domain.Position{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Positions.List())
}

func (s *Server) handlePositionHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if s.deps.History == nil {
		s.writeError(w, http.StatusNotImplemented, "position history is not persisted")
		return
	}
	history, err := s.deps.History.ListPositionHistory(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list position history", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}
	if history == nil {
		history = []*domain.PositionHistory{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

type booksResponse struct {
	Pair  string                      `json:"pair"`
	Mid   *decimal.Decimal            `json:"mid,omitempty"`
	Books []*domain.OrderBookSnapshot `json:"books"`
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	pair := r.PathValue("base") + "/" + r.PathValue("quote")
	if s.deps.Books == nil {
		s.writeError(w, http.StatusNotFound, "no order book for "+pair)
		return
	}
	books := s.deps.Books.Snapshots(pair)
	if len(books) == 0 {
		s.writeError(w, http.StatusNotFound, "no order book for "+pair)
		return
	}
	resp := booksResponse{Pair: pair, Books: books}
	if mid, ok := s.deps.Books.MidPrice(pair); ok {
		resp.Mid = &mid
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if s.deps.Trades == nil {
		s.writeError(w, http.StatusNotImplemented, "trades are not persisted")
		return
	}
	trades, err := s.deps.Trades.ListTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []domain.TradeResult{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}
