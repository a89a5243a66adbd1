// Package api is the HTTP/WebSocket surface of the exchange. Handlers
// translate JSON requests into engine and maker calls and map taxonomy
// errors onto HTTP statuses; a gorilla hub streams engine events to
// WebSocket subscribers.
//
// There is no auth layer here. An upstream gateway owns identity and the
// handlers take user ids explicitly, which also keeps tests trivial.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"satsbook/internal/config"
	"satsbook/internal/metrics"
	"satsbook/pkg/types"
)

// Exchange is the engine surface the handlers call. The concrete engine
// satisfies it; tests can substitute a stub.
type Exchange interface {
	EnsureUser(ctx context.Context, username string) (*types.User, error)
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetMarket(ctx context.Context, id string) (*types.Market, error)
	ListMarkets(ctx context.Context, status types.MarketStatus) ([]*types.Market, error)
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	OrdersOf(ctx context.Context, userID string, limit int) ([]*types.Order, error)
	BetsOf(ctx context.Context, userID string, limit int) ([]*types.Bet, error)
	TransactionsOf(ctx context.Context, userID string, limit int) ([]*types.Transaction, error)
	GetPositions(ctx context.Context, userID string) ([]types.Position, error)
	GetOrderBook(ctx context.Context, marketID string, depth int) (*types.BookSnapshot, error)
	Stats(ctx context.Context) (StatsSnapshot, error)

	PlaceOrder(ctx context.Context, userID, marketID string, side types.Side, priceCents int, amountSats int64) (*types.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, userID, orderID string) (*types.CancelResult, error)
	CancelAllOrders(ctx context.Context, userID, marketID string) (*types.CancelAllResult, error)

	CreateMarket(ctx context.Context, adminID, title string, typ types.MarketType, grandmasterID, eventID string, botEnabled bool) (*types.Market, error)
	HaltMarket(ctx context.Context, adminID, marketID string) (*types.Market, error)
	CancelMarket(ctx context.Context, adminID, marketID string) (*types.CancelAllResult, error)
	ResolveMarket(ctx context.Context, adminID, marketID string, winning types.Side, notes string) (*types.ResolveResult, error)
	SetMarketBotEnabled(ctx context.Context, adminID, marketID string, enabled bool) (*types.Market, error)

	CreditDeposit(ctx context.Context, userID string, amountSats int64, reference string) (*types.Transaction, bool, error)
	RequestWithdrawal(ctx context.Context, userID string, amountSats int64, invoice string) (*types.WithdrawalResult, error)
	SettleWithdrawal(ctx context.Context, txnID, proof string) error
	FailWithdrawal(ctx context.Context, txnID, reason string) error
	AdminAdjust(ctx context.Context, adminID, userID string, deltaSats int64, reason string) (*types.Transaction, error)

	Events() <-chan Event
}

// Maker is the house maker's operator surface.
type Maker interface {
	GetStatus(ctx context.Context) (*types.MakerStatus, error)
	Deploy(ctx context.Context, adminID string) (*types.MakerStatus, error)
	Withdraw(ctx context.Context, adminID string) (*types.MakerStatus, error)
	SetConfig(ctx context.Context, adminID string, maxLossSats int64, thresholdPct int, globalMult float64) (*types.BotConfig, error)
	SetOverride(ctx context.Context, adminID, marketID string, typ types.OverrideType, multiplier float64) error
	ClearOverride(ctx context.Context, adminID, marketID string) error
	SetCurve(ctx context.Context, adminID string, marketType types.MarketType, points []types.CurvePoint) error
	Curve(ctx context.Context, marketType types.MarketType) ([]types.CurvePoint, error)
	Activity(ctx context.Context, limit int) ([]types.ActivityEntry, error)
}

// Server runs the HTTP/WebSocket API.
type Server struct {
	eng      Exchange
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the mux. Every route goes through the wrap middleware,
// which stamps a request id and records latency under the route pattern.
func NewServer(cfg config.ServerConfig, eng Exchange, mm Maker, mets *metrics.Collector, logger *slog.Logger) *Server {
	hub := NewHub(mets, logger)
	h := NewHandlers(cfg, eng, mm, hub, mets, logger)

	mux := http.NewServeMux()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, h.wrap(pattern, fn))
	}

	handle("GET /health", h.handleHealth)
	handle("GET /api/stats", h.handleStats)

	handle("POST /api/users", h.handleEnsureUser)
	handle("GET /api/users/{id}", h.handleGetUser)
	handle("GET /api/users/{id}/orders", h.handleUserOrders)
	handle("GET /api/users/{id}/bets", h.handleUserBets)
	handle("GET /api/users/{id}/transactions", h.handleUserTransactions)
	handle("GET /api/users/{id}/positions", h.handleUserPositions)

	handle("POST /api/markets", h.handleCreateMarket)
	handle("GET /api/markets", h.handleListMarkets)
	handle("GET /api/markets/{id}", h.handleGetMarket)
	handle("GET /api/markets/{id}/book", h.handleOrderBook)
	handle("POST /api/markets/{id}/halt", h.handleHaltMarket)
	handle("POST /api/markets/{id}/cancel", h.handleCancelMarket)
	handle("POST /api/markets/{id}/resolve", h.handleResolveMarket)
	handle("POST /api/markets/{id}/maker", h.handleSetBotEnabled)

	handle("POST /api/orders", h.handlePlaceOrder)
	handle("GET /api/orders/{id}", h.handleGetOrder)
	handle("POST /api/orders/{id}/cancel", h.handleCancelOrder)
	handle("POST /api/orders/cancel-all", h.handleCancelAll)

	handle("POST /api/deposits", h.handleDeposit)
	handle("POST /api/withdrawals", h.handleWithdraw)
	handle("POST /api/withdrawals/{id}/settle", h.handleSettleWithdrawal)
	handle("POST /api/withdrawals/{id}/fail", h.handleFailWithdrawal)
	handle("POST /api/adjustments", h.handleAdjust)

	handle("GET /api/mm/status", h.handleMakerStatus)
	handle("POST /api/mm/deploy", h.handleMakerDeploy)
	handle("POST /api/mm/withdraw", h.handleMakerWithdraw)
	handle("POST /api/mm/config", h.handleMakerConfig)
	handle("PUT /api/mm/overrides/{marketID}", h.handleSetOverride)
	handle("DELETE /api/mm/overrides/{marketID}", h.handleClearOverride)
	handle("GET /api/mm/curves/{type}", h.handleGetCurve)
	handle("PUT /api/mm/curves/{type}", h.handleSetCurve)
	handle("GET /api/mm/activity", h.handleMakerActivity)

	mux.Handle("GET /metrics", mets.Handler())
	mux.HandleFunc("GET /ws", h.handleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		eng:      eng,
		hub:      hub,
		handlers: h,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the hub, the event feed and the listener. Blocks until the
// server stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents feeds committed engine events to the WebSocket hub.
func (s *Server) consumeEvents() {
	for evt := range s.eng.Events() {
		s.hub.Broadcast(evt)
	}
}
