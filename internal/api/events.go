package api

import (
	"time"

	"satsbook/pkg/types"
)

// Event is the wrapper for everything pushed to WebSocket clients.
type Event struct {
	Type      string      `json:"type"`      // "order", "trade", "book", "settle", "resolution", "maker"
	Timestamp time.Time   `json:"timestamp"` // event time
	MarketID  string      `json:"market_id"` // empty for global events
	Data      interface{} `json:"data"`      // event-specific payload
}

// OrderEvent announces an order entering, filling or leaving the book.
type OrderEvent struct {
	OrderID    string `json:"order_id"`
	Side       string `json:"side"`
	PriceCents int    `json:"price_cents"`
	AmountSats int64  `json:"amount_sats"`
	FilledSats int64  `json:"filled_sats"`
	Status     string `json:"status"`
}

// TradeEvent announces one fill. Price is the taker's effective price on
// the taker's side.
type TradeEvent struct {
	TakerOrderID string `json:"taker_order_id"`
	MakerOrderID string `json:"maker_order_id"`
	TakerSide    string `json:"taker_side"`
	PriceCents   int    `json:"price_cents"`
	AmountSats   int64  `json:"amount_sats"`
}

// BookDeltaEvent carries the levels whose depth changed, with new totals.
type BookDeltaEvent struct {
	Levels []BookDelta `json:"levels"`
}

// BookDelta is one changed level. AmountSats is the new resting total, 0
// when the level drained.
type BookDelta struct {
	Side       string `json:"side"`
	PriceCents int    `json:"price_cents"`
	AmountSats int64  `json:"amount_sats"`
}

// SettleEvent announces an offset auto-settlement.
type SettleEvent struct {
	UserID           string `json:"user_id"`
	ExtinguishedSats int64  `json:"extinguished_sats"`
	PayoutSats       int64  `json:"payout_sats"`
}

// ResolutionEvent announces a market resolving.
type ResolutionEvent struct {
	WinningSide     string `json:"winning_side"`
	BetsWon         int    `json:"bets_won"`
	BetsLost        int    `json:"bets_lost"`
	PaidOutSats     int64  `json:"paid_out_sats"`
	OrdersCancelled int    `json:"orders_cancelled"`
}

// MakerEvent announces house maker state changes: deploys, withdrawals,
// tier moves.
type MakerEvent struct {
	Action       string `json:"action"`
	ExposureSats int64  `json:"exposure_sats"`
	Tier         int    `json:"tier"`
	Detail       string `json:"detail,omitempty"`
}

// NewOrderEvent wraps an order state change.
func NewOrderEvent(o *types.Order) Event {
	return Event{
		Type:      "order",
		Timestamp: time.Now(),
		MarketID:  o.MarketID,
		Data: OrderEvent{
			OrderID:    o.ID,
			Side:       string(o.Side),
			PriceCents: o.PriceCents,
			AmountSats: o.AmountSats,
			FilledSats: o.FilledSats,
			Status:     string(o.Status),
		},
	}
}

// NewTradeEvent wraps one fill.
func NewTradeEvent(marketID, takerOrderID string, takerSide types.Side, f types.Fill) Event {
	return Event{
		Type:      "trade",
		Timestamp: time.Now(),
		MarketID:  marketID,
		Data: TradeEvent{
			TakerOrderID: takerOrderID,
			MakerOrderID: f.MakerOrderID,
			TakerSide:    string(takerSide),
			PriceCents:   f.TakerPrice,
			AmountSats:   f.AmountSats,
		},
	}
}

// NewBookDeltaEvent wraps changed depth levels.
func NewBookDeltaEvent(marketID string, levels []BookDelta) Event {
	return Event{
		Type:      "book",
		Timestamp: time.Now(),
		MarketID:  marketID,
		Data:      BookDeltaEvent{Levels: levels},
	}
}

// NewSettleEvent wraps an auto-settlement.
func NewSettleEvent(marketID, userID string, r types.AutoSettleResult) Event {
	return Event{
		Type:      "settle",
		Timestamp: time.Now(),
		MarketID:  marketID,
		Data: SettleEvent{
			UserID:           userID,
			ExtinguishedSats: r.ExtinguishedSats,
			PayoutSats:       r.PayoutSats,
		},
	}
}

// NewResolutionEvent wraps a market resolution.
func NewResolutionEvent(r types.ResolveResult) Event {
	return Event{
		Type:      "resolution",
		Timestamp: time.Now(),
		MarketID:  r.MarketID,
		Data: ResolutionEvent{
			WinningSide:     string(r.WinningSide),
			BetsWon:         r.BetsWon,
			BetsLost:        r.BetsLost,
			PaidOutSats:     r.PaidOutSats,
			OrdersCancelled: r.OrdersCancelled,
		},
	}
}

// NewMakerEvent wraps a house maker state change.
func NewMakerEvent(action string, exposureSats int64, tier int, detail string) Event {
	return Event{
		Type:      "maker",
		Timestamp: time.Now(),
		Data: MakerEvent{
			Action:       action,
			ExposureSats: exposureSats,
			Tier:         tier,
			Detail:       detail,
		},
	}
}
