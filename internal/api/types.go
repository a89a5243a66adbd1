package api

import (
	"time"

	"satsbook/pkg/types"
)

// StatsSnapshot summarizes exchange state for dashboards and monitoring.
// The ledger fields come straight from the audit query, so TotalBalanceSats
// already includes every reserve: a healthy exchange never shows a negative
// number anywhere here.
type StatsSnapshot struct {
	GeneratedAt time.Time `json:"generated_at"`

	OpenMarkets     int `json:"open_markets"`
	PendingMarkets  int `json:"pending_markets"`
	ResolvedMarkets int `json:"resolved_markets"`

	MakerActive       bool  `json:"maker_active"`
	MakerExposureSats int64 `json:"maker_exposure_sats"`
	MakerTier         int   `json:"maker_tier"`

	TotalBalanceSats   int64 `json:"total_balance_sats"`
	RestingReserveSats int64 `json:"resting_reserve_sats"`
	PendingFaceSats    int64 `json:"pending_face_sats"`
}

// Request bodies. Identity is explicit everywhere: there is no session
// layer, an upstream gateway authenticates and forwards user ids.

type EnsureUserRequest struct {
	Username string `json:"username"`
}

type PlaceOrderRequest struct {
	UserID     string `json:"user_id"`
	MarketID   string `json:"market_id"`
	Side       string `json:"side"`
	PriceCents int    `json:"price_cents"`
	AmountSats int64  `json:"amount_sats"`
}

type CancelOrderRequest struct {
	UserID string `json:"user_id"`
}

// CancelAllRequest pulls every resting order of a user, optionally scoped
// to one market.
type CancelAllRequest struct {
	UserID   string `json:"user_id"`
	MarketID string `json:"market_id,omitempty"`
}

type CreateMarketRequest struct {
	AdminID       string `json:"admin_id"`
	Title         string `json:"title"`
	Type          string `json:"type"`
	GrandmasterID string `json:"grandmaster_id,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	BotEnabled    bool   `json:"bot_enabled"`
}

// AdminRequest covers admin actions that need nothing but the caller.
type AdminRequest struct {
	AdminID string `json:"admin_id"`
}

type ResolveMarketRequest struct {
	AdminID     string `json:"admin_id"`
	WinningSide string `json:"winning_side"`
	Notes       string `json:"notes,omitempty"`
}

type BotEnabledRequest struct {
	AdminID string `json:"admin_id"`
	Enabled bool   `json:"enabled"`
}

// DepositRequest credits a user manually. The reference keys the ledger
// row, so replaying the same request is a no-op.
type DepositRequest struct {
	AdminID    string `json:"admin_id"`
	UserID     string `json:"user_id"`
	AmountSats int64  `json:"amount_sats"`
	Reference  string `json:"reference"`
}

type WithdrawRequest struct {
	UserID     string `json:"user_id"`
	AmountSats int64  `json:"amount_sats"`
	Invoice    string `json:"invoice,omitempty"`
}

// WithdrawalDecisionRequest settles or fails a pending withdrawal. Proof
// is the payment preimage on settle; Reason explains a fail.
type WithdrawalDecisionRequest struct {
	AdminID string `json:"admin_id"`
	Proof   string `json:"proof,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type AdjustRequest struct {
	AdminID   string `json:"admin_id"`
	UserID    string `json:"user_id"`
	DeltaSats int64  `json:"delta_sats"`
	Reason    string `json:"reason"`
}

type MakerConfigRequest struct {
	AdminID          string  `json:"admin_id"`
	MaxLossSats      int64   `json:"max_loss_sats"`
	ThresholdPercent int     `json:"threshold_percent"`
	GlobalMultiplier float64 `json:"global_multiplier"`
}

type OverrideRequest struct {
	AdminID    string  `json:"admin_id"`
	Type       string  `json:"type"`
	Multiplier float64 `json:"multiplier,omitempty"`
}

// CurveRequest replaces the buy curve for the market type in the URL.
// The market type on each point is ignored; the path decides.
type CurveRequest struct {
	AdminID string             `json:"admin_id"`
	Points  []types.CurvePoint `json:"points"`
}

// DepositResponse reports whether the credit was new or a replay.
type DepositResponse struct {
	Txn      *types.Transaction `json:"txn"`
	Credited bool               `json:"credited"`
}
