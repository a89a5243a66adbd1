// Package engine implements the exchange core: the order placement
// pipeline, offset settlement, market resolution, and the funds ledger.
//
// Every operation that moves money runs inside one store transaction:
//
//  1. PlaceOrder debits the order's full cost, sweeps the opposite side of
//     the book best price first, writes a bet pair per fill, settles any
//     offsetting exposure, and refunds whatever reservation went unspent.
//  2. CancelOrder and CancelAllOrders refund exactly what is still reserved.
//  3. ResolveMarket pays winning bets their face value and cancels the
//     market's resting orders.
//  4. Deposits and withdrawals post to the same ledger, keyed by external
//     reference so retries never double-pay.
//
// A transaction commits every row or none, so balances, orders, bets and
// the ledger cannot disagree. Only after the commit does the engine touch
// anything shared: it applies depth deltas to the in-memory book mirror,
// publishes events for the API stream, and wakes the house maker when the
// commit moved its exposure.
//
// Lifecycle: New() → Rebuild() → serve operations until the daemon stops.
package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"sync"
	"time"

	"satsbook/internal/api"
	"satsbook/internal/book"
	"satsbook/internal/config"
	"satsbook/internal/metrics"
	"satsbook/internal/risk"
	"satsbook/internal/store"
	"satsbook/pkg/types"
)

// MakerNotice tells the maker loop that a commit changed its exposure.
// The loop reconciles quotes only when the tier moved.
type MakerNotice struct {
	MarketID   string // market whose commit moved the exposure
	AtRiskSats int64
	Tier       int
	PrevTier   int
}

// TierChanged reports whether the notice crossed a ladder rung.
func (n MakerNotice) TierChanged() bool { return n.Tier != n.PrevTier }

// Engine owns the exchange state machine. All mutating operations are safe
// for concurrent use; placements in the same market serialize on a
// per-market lock so each sweep sees a stable book.
type Engine struct {
	cfg     config.Config
	store   *store.Store
	books   *book.Set
	metrics *metrics.Collector
	logger  *slog.Logger

	// locks maps marketID → placement mutex. Protected by locksMu.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex

	// events is drained by the API stream hub. Never blocks the pipeline.
	events chan api.Event

	// makerNotices wakes the house maker loop after exposure moves.
	makerNotices chan MakerNotice
}

// New wires the engine onto an open store.
func New(cfg config.Config, st *store.Store, books *book.Set, mets *metrics.Collector, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		store:        st,
		books:        books,
		metrics:      mets,
		logger:       logger.With("component", "engine"),
		locks:        make(map[string]*sync.Mutex),
		events:       make(chan api.Event, 256),
		makerNotices: make(chan MakerNotice, 64),
	}
}

// Rebuild loads resting depth for every non-terminal market into the book
// mirror. Runs once at boot, before the API starts serving reads.
func (e *Engine) Rebuild(ctx context.Context) error {
	levels, err := e.store.OpenLevels(ctx, "")
	if err != nil {
		return err
	}

	grouped := make(map[string][2][]types.BookLevel)
	for _, l := range levels {
		g := grouped[l.MarketID]
		if l.Side == types.SideYes {
			g[0] = append(g[0], types.BookLevel{PriceCents: l.PriceCents, AmountSats: l.AmountSats})
		} else {
			g[1] = append(g[1], types.BookLevel{PriceCents: l.PriceCents, AmountSats: l.AmountSats})
		}
		grouped[l.MarketID] = g
	}
	for id, g := range grouped {
		e.books.Get(id).Replace(g[0], g[1])
	}

	e.logger.Info("book mirror rebuilt", "markets", len(grouped))
	return nil
}

// Events returns the stream the API hub broadcasts from.
func (e *Engine) Events() <-chan api.Event {
	return e.events
}

// MakerNotices returns the channel the house maker loop blocks on.
func (e *Engine) MakerNotices() <-chan MakerNotice {
	return e.makerNotices
}

// lockMarket serializes placements in one market. Returns the unlock func.
func (e *Engine) lockMarket(id string) func() {
	e.locksMu.Lock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	e.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// lockMarkets acquires several market locks in sorted order so two
// multi-market holders cannot deadlock each other.
func (e *Engine) lockMarkets(ids []string) func() {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, id := range sorted {
		unlocks = append(unlocks, e.lockMarket(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// emit publishes an event to the API stream (non-blocking).
func (e *Engine) emit(evt api.Event) {
	select {
	case e.events <- evt:
	default:
		// Stream consumer can't keep up, drop event
		e.metrics.EventsDropped.Inc()
	}
}

func (e *Engine) emitAll(evts []api.Event) {
	for _, evt := range evts {
		e.emit(evt)
	}
}

// notifyMaker hands a committed exposure change to the maker loop
// (non-blocking). A dropped notice is safe: the next one carries the
// current tier, and the loop re-reads exposure from the store anyway.
func (e *Engine) notifyMaker(n *MakerNotice) {
	if n == nil {
		return
	}
	e.metrics.MakerExposureSats.Set(float64(n.AtRiskSats))
	e.metrics.MakerTier.Set(float64(n.Tier))
	if n.TierChanged() {
		e.emit(api.NewMakerEvent("tier_change", n.AtRiskSats, n.Tier, ""))
	}

	select {
	case e.makerNotices <- *n:
	default:
		e.logger.Warn("maker notice channel full, dropping", "market", n.MarketID)
	}
}

// updateMakerExposure recomputes the house maker's at-risk total inside the
// calling transaction and persists it when it moved. Returns a notice for
// post-commit delivery, or nil when nothing changed (including when no
// maker is configured).
//
// Exposure counts pending bet face only: per market the larger of the
// maker's YES and NO face, summed. Resting order reserves are refundable
// by cancel and so never at risk.
func (e *Engine) updateMakerExposure(tx *sql.Tx, marketID string) (*MakerNotice, error) {
	cfg, err := e.store.GetBotConfig(tx)
	if types.IsCode(err, types.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prev, err := e.store.GetBotExposure(tx)
	if err != nil {
		return nil, err
	}

	atRisk, err := e.store.MakerAtRisk(tx, cfg.UserID)
	if err != nil {
		return nil, err
	}
	tier := risk.Tier(atRisk, cfg.MaxLossSats, cfg.ThresholdPercent)
	if atRisk == prev.TotalAtRiskSats && tier == prev.CurrentTier {
		return nil, nil
	}

	if err := e.store.SetBotExposure(tx, atRisk, tier); err != nil {
		return nil, err
	}
	if tier != prev.CurrentTier {
		entry := types.ActivityEntry{
			ID:             e.store.NewID(),
			Action:         types.BotActionTierChange,
			MarketID:       marketID,
			ExposureBefore: prev.TotalAtRiskSats,
			ExposureAfter:  atRisk,
			TierBefore:     prev.CurrentTier,
			TierAfter:      tier,
			CreatedAt:      time.Now(),
		}
		if err := e.store.AppendActivity(tx, entry); err != nil {
			return nil, err
		}
	}

	return &MakerNotice{
		MarketID:   marketID,
		AtRiskSats: atRisk,
		Tier:       tier,
		PrevTier:   prev.CurrentTier,
	}, nil
}
