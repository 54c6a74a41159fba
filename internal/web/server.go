package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitos/dex_execution_engine/internal/domain"
	"github.com/vitos/dex_execution_engine/internal/usecase"
	"go.uber.org/zap"
)

// ServerDeps are the read-only views exposed over HTTP. Trades, History and
// Metrics may be nil.
type ServerDeps struct {
	Books     *usecase.OrderBookStore
	Positions *usecase.PositionManager
	Validator *usecase.RiskValidator
	Executor  *usecase.TradeExecutor
	Trades    domain.TradeRepository
	History   domain.PositionHistoryRepository
	Metrics   http.Handler
}

// Server is the engine's status surface. It exposes no trading endpoints.
type Server struct {
	router *http.ServeMux
	server *http.Server
	deps   ServerDeps
	logger *zap.Logger
}

func NewServer(port int, deps ServerDeps, logger *zap.Logger) *Server {
	s := &Server{
		router: http.NewServeMux(),
		deps:   deps,
		logger: logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /status", s.handleStatus)
	s.router.HandleFunc("GET /positions", s.handlePositions)
	s.router.HandleFunc("GET /positions/history", s.handlePositionHistory)
	// Pairs contain a slash, so base and quote are separate segments.
	s.router.HandleFunc("GET /books/{base}/{quote}", s.handleBooks)
	s.router.HandleFunc("GET /trades", s.handleTrades)
	if s.deps.Metrics != nil {
		s.router.Handle("GET /metrics", s.deps.Metrics)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
