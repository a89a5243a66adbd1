// Package types defines the shared data structures used across the exchange.
//
// Everything here is plain data: enums for order, bet, market and ledger
// states, the persisted record shapes, and the integer price arithmetic the
// matching pipeline and the house maker both rely on. All monetary amounts
// are satoshis held in int64; prices are integer cents in [1, 99]. The
// package has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Pricing constants
// ————————————————————————————————————————————————————————————————————————

const (
	// MinPriceCents and MaxPriceCents bound every order and bet price.
	// A price of 0 or 100 would be a riskless transfer, not a bet.
	MinPriceCents = 1
	MaxPriceCents = 99

	// SharePayoutSats is what 100 sats of face value pays on a win. Face
	// amounts are always quoted in sats of payout, so a winning bet of
	// amount A credits exactly A.
	SharePayoutSats = 100

	// MinOrderSats is the smallest face amount an order may carry. Below
	// this, integer cost rounding distorts the effective price too much.
	MinOrderSats = 100
)

// CostSats returns the satoshis a buyer locks up for amountSats of face
// value at priceCents, rounded up. YES at 60 costs 60 sats per 100 sats of
// payout; rounding up keeps fractional-sat dust from ever being minted.
func CostSats(amountSats int64, priceCents int) int64 {
	return (amountSats*int64(priceCents) + 99) / 100
}

// ValidPrice reports whether p is a permitted order price.
func ValidPrice(p int) bool {
	return p >= MinPriceCents && p <= MaxPriceCents
}

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is which outcome of a binary market an order or bet backs.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Opposite returns the side a crossing order must carry.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Valid reports whether s is one of the two recognised sides.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// ParseSide converts a wire string to a Side.
func ParseSide(raw string) (Side, error) {
	switch Side(raw) {
	case SideYes:
		return SideYes, nil
	case SideNo:
		return SideNo, nil
	default:
		return "", NewError(CodeInvalidSide, "side must be yes or no, got %q", raw)
	}
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"      // no fills yet, resting
	OrderPartial   OrderStatus = "partial"   // some fills, remainder resting
	OrderFilled    OrderStatus = "filled"    // fully matched
	OrderCancelled OrderStatus = "cancelled" // withdrawn, unfilled remainder refunded
)

// Terminal reports whether the order can never match or be cancelled again.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// Resting reports whether the order still has book presence.
func (s OrderStatus) Resting() bool {
	return s == OrderOpen || s == OrderPartial
}

// BetResult is the settlement state of a matched bet.
type BetResult string

const (
	BetPending BetResult = "pending"
	BetWon     BetResult = "won"
	BetLost    BetResult = "lost"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketOpen              MarketStatus = "open"
	MarketPendingResolution MarketStatus = "pending_resolution"
	MarketResolved          MarketStatus = "resolved"
	MarketCancelled         MarketStatus = "cancelled"
)

// AcceptsOrders reports whether new orders may be placed.
func (s MarketStatus) AcceptsOrders() bool {
	return s == MarketOpen
}

// Resolvable reports whether the market may still be resolved.
func (s MarketStatus) Resolvable() bool {
	return s == MarketOpen || s == MarketPendingResolution
}

// MarketType classifies what a market asks. Buy curves are keyed by type,
// so the house maker sizes event, attendance and winner markets
// differently.
type MarketType string

const (
	MarketEvent      MarketType = "event"      // will X happen at the tournament
	MarketAttendance MarketType = "attendance" // will player X show up
	MarketWinner     MarketType = "winner"     // will player X win
)

// Valid reports whether t is a recognised market type.
func (t MarketType) Valid() bool {
	switch t {
	case MarketEvent, MarketAttendance, MarketWinner:
		return true
	}
	return false
}

// ParseMarketType converts a wire string to a MarketType.
func ParseMarketType(raw string) (MarketType, error) {
	t := MarketType(raw)
	if !t.Valid() {
		return "", NewError(CodeMarketUnavailable, "unknown market type %q", raw)
	}
	return t, nil
}

// ————————————————————————————————————————————————————————————————————————
// Ledger enums
// ————————————————————————————————————————————————————————————————————————

// TxnType labels every row in the transactions ledger.
type TxnType string

const (
	TxnDeposit        TxnType = "deposit"
	TxnWithdrawal     TxnType = "withdrawal"
	TxnOrderPlaced    TxnType = "order_placed"
	TxnOrderCancelled TxnType = "order_cancelled"
	TxnBetWon         TxnType = "bet_won"
	TxnBetLostPaid    TxnType = "bet_lost_paid"
	TxnAutoSettle     TxnType = "auto_settle"
	TxnAdminAdjust    TxnType = "admin_adjust"
)

// TxnStatus is the settlement state of a ledger row. Everything except
// withdrawals is written completed; withdrawals start pending and move to
// completed or failed once the payment outcome is known.
type TxnStatus string

const (
	TxnCompleted TxnStatus = "completed"
	TxnPending   TxnStatus = "pending"
	TxnFailed    TxnStatus = "failed"
)

// OverrideType is a per-market adjustment to the house maker.
type OverrideType string

const (
	// OverrideScale multiplies the maker's curve targets for one market.
	OverrideScale OverrideType = "scale"
	// OverrideDisable removes the maker from one market entirely.
	OverrideDisable OverrideType = "disable"
)

// BotAction labels rows in the maker's activity log.
type BotAction string

const (
	BotActionDeploy     BotAction = "deploy"
	BotActionWithdraw   BotAction = "withdraw"
	BotActionConfig     BotAction = "config"
	BotActionOverride   BotAction = "override"
	BotActionCurve      BotAction = "curve"
	BotActionTierChange BotAction = "tier_change"
	BotActionReconcile  BotAction = "reconcile"
)

// ————————————————————————————————————————————————————————————————————————
// Persisted records
// ————————————————————————————————————————————————————————————————————————

// User is an account that can hold a balance and trade.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	BalanceSats int64     `json:"balance_sats"`
	IsAdmin     bool      `json:"is_admin"`
	IsBot       bool      `json:"is_bot"`
	CreatedAt   time.Time `json:"created_at"`
}

// Market is a single binary question.
type Market struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Type            MarketType   `json:"type"`
	Status          MarketStatus `json:"status"`
	GrandmasterID   string       `json:"grandmaster_id,omitempty"` // subject player for attendance/winner markets
	EventID         string       `json:"event_id,omitempty"`       // tournament or round the market belongs to
	BotEnabled      bool         `json:"bot_enabled"`
	WinningSide     Side         `json:"winning_side,omitempty"` // set once resolved
	ResolutionNotes string       `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Order is a limit order. AmountSats is face value; FilledSats grows toward
// it as the order matches. ReservedSats is the cost debited at placement,
// of which the unspent remainder is refunded on cancel.
type Order struct {
	ID           string      `json:"id"`
	MarketID     string      `json:"market_id"`
	UserID       string      `json:"user_id"`
	Side         Side        `json:"side"`
	PriceCents   int         `json:"price_cents"`
	AmountSats   int64       `json:"amount_sats"`
	FilledSats   int64       `json:"filled_sats"`
	ReservedSats int64       `json:"reserved_sats"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// RemainingSats is the unmatched face value still available to match.
func (o *Order) RemainingSats() int64 {
	return o.AmountSats - o.FilledSats
}

// Bet is one side of a matched trade. Every fill creates exactly two bets,
// one per counterparty, whose costs sum to the face amount.
type Bet struct {
	ID                 string    `json:"id"`
	MarketID           string    `json:"market_id"`
	UserID             string    `json:"user_id"`
	CounterpartyUserID string    `json:"counterparty_user_id"`
	Side               Side      `json:"side"`
	PriceCents         int       `json:"price_cents"`
	AmountSats         int64     `json:"amount_sats"`
	CostSats           int64     `json:"cost_sats"`
	Result             BetResult `json:"result"`
	TakerOrderID       string    `json:"taker_order_id"`
	MakerOrderID       string    `json:"maker_order_id"`
	CreatedAt          time.Time `json:"created_at"`
}

// Transaction is one ledger row. AmountSats is signed: debits are negative.
// BalanceAfterSats snapshots the user balance after applying the row, which
// makes ledger audits a single scan.
type Transaction struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Type             TxnType   `json:"type"`
	Status           TxnStatus `json:"status"`
	AmountSats       int64     `json:"amount_sats"`
	BalanceAfterSats int64     `json:"balance_after_sats"`
	ReferenceID      string    `json:"reference_id,omitempty"` // order, bet, invoice or external ref
	Detail           string    `json:"detail,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Position is a user's aggregate pending stake in one market.
type Position struct {
	MarketID     string `json:"market_id"`
	YesFaceSats  int64  `json:"yes_face_sats"`
	NoFaceSats   int64  `json:"no_face_sats"`
	YesCostSats  int64  `json:"yes_cost_sats"`
	NoCostSats   int64  `json:"no_cost_sats"`
	PendingCount int    `json:"pending_count"`
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookLevel is aggregate resting face value at one price.
type BookLevel struct {
	PriceCents int   `json:"price_cents"`
	AmountSats int64 `json:"amount_sats"`
}

// BookSnapshot is both sides of a market's depth. Each side is sorted by
// its own price descending: a higher owner-side price is the more
// aggressive quote, so best appears first.
type BookSnapshot struct {
	MarketID  string      `json:"market_id"`
	Yes       []BookLevel `json:"yes"`
	No        []BookLevel `json:"no"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Operation results
// ————————————————————————————————————————————————————————————————————————

// Fill reports one maker matched during order placement. TakerPrice is the
// effective price the taker paid, which is 100 minus the maker's price and
// never worse than the taker's limit.
type Fill struct {
	MakerOrderID  string `json:"maker_order_id"`
	MakerUserID   string `json:"maker_user_id"`
	AmountSats    int64  `json:"amount_sats"`
	TakerPrice    int    `json:"taker_price_cents"`
	MakerPrice    int    `json:"maker_price_cents"`
	TakerCostSats int64  `json:"taker_cost_sats"`
}

// AutoSettleResult reports offsetting YES/NO exposure extinguished after a
// fill. PayoutSats equals the face removed from each side, credited back
// immediately because the pair pays out regardless of the outcome.
type AutoSettleResult struct {
	ExtinguishedSats int64 `json:"extinguished_sats"`
	PayoutSats       int64 `json:"payout_sats"`
}

// PlaceOrderResult is the outcome of the full placement pipeline.
type PlaceOrderResult struct {
	Order      *Order            `json:"order"`
	Fills      []Fill            `json:"fills,omitempty"`
	RefundSats int64             `json:"refund_sats,omitempty"` // price-improvement refund
	AutoSettle *AutoSettleResult `json:"auto_settle,omitempty"`
}

// CancelResult is the outcome of cancelling one order.
type CancelResult struct {
	Order      *Order `json:"order"`
	RefundSats int64  `json:"refund_sats"`
}

// CancelAllResult is the outcome of cancelling every resting order a user
// has, optionally scoped to one market.
type CancelAllResult struct {
	Cancelled  int   `json:"cancelled"`
	RefundSats int64 `json:"refund_sats"`
}

// ResolveResult is the outcome of resolving a market.
type ResolveResult struct {
	MarketID        string `json:"market_id"`
	WinningSide     Side   `json:"winning_side"`
	BetsWon         int    `json:"bets_won"`
	BetsLost        int    `json:"bets_lost"`
	PaidOutSats     int64  `json:"paid_out_sats"`
	OrdersCancelled int    `json:"orders_cancelled"`
	RefundSats      int64  `json:"refund_sats"`
}

// WithdrawalDecision is the funds layer's verdict on a withdrawal request.
type WithdrawalDecision string

const (
	// WithdrawalInstant means the dispatcher may pay it without review.
	WithdrawalInstant WithdrawalDecision = "instant"
	// WithdrawalApproval means the amount exceeds the instant threshold
	// and the row waits for an operator decision.
	WithdrawalApproval WithdrawalDecision = "approval"
)

// WithdrawalResult is the outcome of queueing a withdrawal.
type WithdrawalResult struct {
	Txn      *Transaction       `json:"txn"`
	Decision WithdrawalDecision `json:"decision"`
}

// ————————————————————————————————————————————————————————————————————————
// House maker records
// ————————————————————————————————————————————————————————————————————————

// BotConfig is the maker's single persisted configuration row.
type BotConfig struct {
	UserID           string    `json:"user_id"`
	IsActive         bool      `json:"is_active"`
	MaxLossSats      int64     `json:"max_loss_sats"`     // exposure ceiling
	ThresholdPercent int       `json:"threshold_percent"` // tier width as percent of the ceiling
	GlobalMultiplier float64   `json:"global_multiplier"` // scales every curve target
	UpdatedAt        time.Time `json:"updated_at"`
}

// BotExposure is the maker's singleton risk row, recomputed inside every
// commit that touches the maker's bets.
type BotExposure struct {
	TotalAtRiskSats int64     `json:"total_at_risk_sats"`
	CurrentTier     int       `json:"current_tier"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MarketOverride adjusts or disables the maker on one market.
type MarketOverride struct {
	MarketID   string       `json:"market_id"`
	Type       OverrideType `json:"type"`
	Multiplier float64      `json:"multiplier"` // scale overrides only
	UpdatedAt  time.Time    `json:"updated_at"`
}

// MakerStatus is the operator's view of the house maker.
type MakerStatus struct {
	Config        BotConfig        `json:"config"`
	Exposure      BotExposure      `json:"exposure"`
	PullbackRatio float64          `json:"pullback_ratio"`
	MarketsQuoted int              `json:"markets_quoted"`
	Overrides     []MarketOverride `json:"overrides,omitempty"`
}

// CurvePoint is one rung of a buy curve: desired face value at one price
// for markets of one type, before multipliers and pullback.
type CurvePoint struct {
	MarketType MarketType `json:"market_type"`
	PriceCents int        `json:"price_cents"`
	WeightSats int64      `json:"weight_sats"`
}

// ActivityEntry is one row of the maker's append-only audit log.
type ActivityEntry struct {
	ID             string    `json:"id"`
	Action         BotAction `json:"action"`
	MarketID       string    `json:"market_id,omitempty"`
	ExposureBefore int64     `json:"exposure_before_sats"`
	ExposureAfter  int64     `json:"exposure_after_sats"`
	TierBefore     int       `json:"tier_before"`
	TierAfter      int       `json:"tier_after"`
	Detail         string    `json:"detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// String renders an activity entry the way the operator log prints it.
func (a ActivityEntry) String() string {
	return fmt.Sprintf("%s market=%s exposure=%d->%d tier=%d->%d %s",
		a.Action, a.MarketID, a.ExposureBefore, a.ExposureAfter, a.TierBefore, a.TierAfter, a.Detail)
}
