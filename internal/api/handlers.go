package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"satsbook/internal/config"
	"satsbook/internal/metrics"
	"satsbook/pkg/types"
)

// Handlers holds every HTTP handler's dependencies.
type Handlers struct {
	cfg      config.ServerConfig
	eng      Exchange
	mm       Maker
	hub      *Hub
	metrics  *metrics.Collector
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers builds the handler set. The WebSocket upgrader checks
// origins against the server config.
func NewHandlers(cfg config.ServerConfig, eng Exchange, mm Maker, hub *Hub, mets *metrics.Collector, logger *slog.Logger) *Handlers {
	h := &Handlers{
		cfg:     cfg,
		eng:     eng,
		mm:      mm,
		hub:     hub,
		metrics: mets,
		logger:  logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed decides whether a browser origin may open a WebSocket.
// An explicit allowlist wins when set; otherwise local origins and the
// request's own host pass. Empty origins are non-browser clients.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// wrap stamps a request id, serves, and records latency under the route
// pattern so the histogram's label set stays bounded.
func (h *Handlers) wrap(pattern string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		start := time.Now()
		fn(w, r)
		elapsed := time.Since(start)

		h.metrics.HTTPDuration.WithLabelValues(pattern, r.Method).Observe(elapsed.Seconds())
		h.logger.Debug("request served",
			"route", pattern, "request_id", reqID, "elapsed", elapsed)
	}
}

// decode reads a JSON body strictly: unknown fields and trailing garbage
// are caller faults.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.NewError(types.CodeInvalidArgument, "bad request body: %v", err)
	}
	return nil
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error *types.Error `json:"error"`
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var te *types.Error
	if !errors.As(err, &te) {
		h.logger.Error("handler error", "path", r.URL.Path, "error", err)
		te = types.NewError(types.CodeInternal, "internal error")
	}
	h.writeJSON(w, httpStatus(te.Code), errorBody{Error: te})
}

// httpStatus maps taxonomy codes onto HTTP statuses. Validation faults
// are 400s, missing things 404, ownership 403, state conflicts 409,
// short balances 402, and contention 503 with retry implied.
func httpStatus(code types.Code) int {
	switch code {
	case types.CodeInvalidSide, types.CodeInvalidPrice, types.CodeAmountTooSmall, types.CodeInvalidArgument:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeNotOwner:
		return http.StatusForbidden
	case types.CodeOrderTerminal, types.CodeMarketUnavailable:
		return http.StatusConflict
	case types.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case types.CodeServiceBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requireAdmin gates handler-level admin routes whose engine calls don't
// carry the admin id themselves.
func (h *Handlers) requireAdmin(r *http.Request, adminID string) error {
	u, err := h.eng.GetUser(r.Context(), adminID)
	if err != nil {
		return err
	}
	if !u.IsAdmin {
		return types.NewError(types.CodeNotOwner, "operation requires an admin")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.eng.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) handleEnsureUser(w http.ResponseWriter, r *http.Request) {
	var req EnsureUserRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Username == "" {
		h.writeError(w, r, types.NewError(types.CodeInvalidArgument, "username is required"))
		return
	}
	user, err := h.eng.EnsureUser(r.Context(), req.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, user)
}

func (h *Handlers) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.eng.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, user)
}

func (h *Handlers) handleUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.eng.OrdersOf(r.Context(), r.PathValue("id"), queryInt(r, "limit", 50))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handlers) handleUserBets(w http.ResponseWriter, r *http.Request) {
	bets, err := h.eng.BetsOf(r.Context(), r.PathValue("id"), queryInt(r, "limit", 50))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, bets)
}

func (h *Handlers) handleUserTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := h.eng.TransactionsOf(r.Context(), r.PathValue("id"), queryInt(r, "limit", 50))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txns)
}

func (h *Handlers) handleUserPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.eng.GetPositions(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, positions)
}

func (h *Handlers) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	market, err := h.eng.CreateMarket(r.Context(), req.AdminID, req.Title,
		types.MarketType(req.Type), req.GrandmasterID, req.EventID, req.BotEnabled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, market)
}

func (h *Handlers) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	status := types.MarketStatus(r.URL.Query().Get("status"))
	markets, err := h.eng.ListMarkets(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, markets)
}

func (h *Handlers) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := h.eng.GetMarket(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, market)
}

func (h *Handlers) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.eng.GetOrderBook(r.Context(), r.PathValue("id"), queryInt(r, "depth", 0))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, book)
}

func (h *Handlers) handleHaltMarket(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	market, err := h.eng.HaltMarket(r.Context(), req.AdminID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, market)
}

func (h *Handlers) handleCancelMarket(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.eng.CancelMarket(r.Context(), req.AdminID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) handleResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveMarketRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	side, err := types.ParseSide(req.WinningSide)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.eng.ResolveMarket(r.Context(), req.AdminID, r.PathValue("id"), side, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) handleSetBotEnabled(w http.ResponseWriter, r *http.Request) {
	var req BotEnabledRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	market, err := h.eng.SetMarketBotEnabled(r.Context(), req.AdminID, r.PathValue("id"), req.Enabled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, market)
}

func (h *Handlers) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	side, err := types.ParseSide(req.Side)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.eng.PlaceOrder(r.Context(), req.UserID, req.MarketID, side, req.PriceCents, req.AmountSats)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

func (h *Handlers) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.eng.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.eng.CancelOrder(r.Context(), req.UserID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	var req CancelAllRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.eng.CancelAllOrders(r.Context(), req.UserID, req.MarketID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.requireAdmin(r, req.AdminID); err != nil {
		h.writeError(w, r, err)
		return
	}
	txn, credited, err := h.eng.CreditDeposit(r.Context(), req.UserID, req.AmountSats, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DepositResponse{Txn: txn, Credited: credited})
}

func (h *Handlers) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.eng.RequestWithdrawal(r.Context(), req.UserID, req.AmountSats, req.Invoice)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, res)
}

func (h *Handlers) handleSettleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalDecisionRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.requireAdmin(r, req.AdminID); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.eng.SettleWithdrawal(r.Context(), r.PathValue("id"), req.Proof); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

func (h *Handlers) handleFailWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalDecisionRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.requireAdmin(r, req.AdminID); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.eng.FailWithdrawal(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (h *Handlers) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	txn, err := h.eng.AdminAdjust(r.Context(), req.AdminID, req.UserID, req.DeltaSats, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

func (h *Handlers) handleMakerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.mm.GetStatus(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) handleMakerDeploy(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := h.mm.Deploy(r.Context(), req.AdminID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) handleMakerWithdraw(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := h.mm.Withdraw(r.Context(), req.AdminID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) handleMakerConfig(w http.ResponseWriter, r *http.Request) {
	var req MakerConfigRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cfg, err := h.mm.SetConfig(r.Context(), req.AdminID, req.MaxLossSats, req.ThresholdPercent, req.GlobalMultiplier)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	err := h.mm.SetOverride(r.Context(), req.AdminID, r.PathValue("marketID"),
		types.OverrideType(req.Type), req.Multiplier)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	adminID := r.URL.Query().Get("admin_id")
	if err := h.mm.ClearOverride(r.Context(), adminID, r.PathValue("marketID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleGetCurve(w http.ResponseWriter, r *http.Request) {
	points, err := h.mm.Curve(r.Context(), types.MarketType(r.PathValue("type")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, points)
}

func (h *Handlers) handleSetCurve(w http.ResponseWriter, r *http.Request) {
	var req CurveRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	typ := types.MarketType(r.PathValue("type"))
	for i := range req.Points {
		req.Points[i].MarketType = typ
	}
	if err := h.mm.SetCurve(r.Context(), req.AdminID, typ, req.Points); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleMakerActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := h.mm.Activity(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// handleWebSocket upgrades the connection and greets the client with a
// stats snapshot so dashboards render before the first live event.
func (h *Handlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	snap, err := h.eng.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats snapshot for new client failed", "error", err)
		return
	}
	data, err := json.Marshal(Event{Type: "snapshot", Timestamp: time.Now(), Data: snap})
	if err != nil {
		h.logger.Error("snapshot marshal failed", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("new client send buffer already full")
	}
}
