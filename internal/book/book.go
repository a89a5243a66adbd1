// Package book maintains in-memory depth mirrors of the order table.
//
// The database stays authoritative: matching always runs against order rows
// inside a transaction. The mirror exists so book reads and WebSocket
// snapshots never queue behind the writer. Each market keeps one balanced
// tree per side holding aggregate face value by price; the engine applies
// signed deltas after every commit and rebuilds the whole set from the
// store at boot.
package book

import (
	"sync"
	"time"

	"github.com/google/btree"

	"satsbook/pkg/types"
)

const treeDegree = 16

// level is one price rung in a side tree, ordered by price ascending.
type level struct {
	price  int
	amount int64
}

func (l level) Less(than btree.Item) bool {
	return l.price < than.(level).price
}

// Book mirrors the resting depth of one market. Both sides sort by their
// own price; descending iteration yields the most aggressive quote first.
type Book struct {
	mu      sync.RWMutex
	market  string
	yes     *btree.BTree
	no      *btree.BTree
	updated time.Time
}

// New creates an empty mirror for one market.
func New(marketID string) *Book {
	return &Book{
		market: marketID,
		yes:    btree.New(treeDegree),
		no:     btree.New(treeDegree),
	}
}

// Apply adds delta face value at a price, removing the rung when it drains.
// Deltas arrive only after the owning transaction commits, so the mirror
// trails the store by at most the caller's hand-off.
func (b *Book) Apply(side types.Side, priceCents int, delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyLocked(side, priceCents, delta)
	b.updated = time.Now()
}

func (b *Book) applyLocked(side types.Side, priceCents int, delta int64) {
	tree := b.tree(side)
	cur := int64(0)
	if item := tree.Get(level{price: priceCents}); item != nil {
		cur = item.(level).amount
	}
	next := cur + delta
	if next <= 0 {
		tree.Delete(level{price: priceCents})
		return
	}
	tree.ReplaceOrInsert(level{price: priceCents, amount: next})
}

// Replace swaps the whole book content, used during rebuilds.
func (b *Book) Replace(yes, no []types.BookLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.yes = btree.New(treeDegree)
	b.no = btree.New(treeDegree)
	for _, l := range yes {
		b.yes.ReplaceOrInsert(level{price: l.PriceCents, amount: l.AmountSats})
	}
	for _, l := range no {
		b.no.ReplaceOrInsert(level{price: l.PriceCents, amount: l.AmountSats})
	}
	b.updated = time.Now()
}

// Clear drops every level, used when a market leaves the open state.
func (b *Book) Clear() {
	b.Replace(nil, nil)
}

// Snapshot returns up to depth levels per side, best price first.
// depth <= 0 means everything.
func (b *Book) Snapshot(depth int) types.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return types.BookSnapshot{
		MarketID:  b.market,
		Yes:       levels(b.yes, depth),
		No:        levels(b.no, depth),
		UpdatedAt: b.updated,
	}
}

// Best returns the most aggressive price and its depth on one side.
func (b *Book) Best(side types.Side) (priceCents int, amountSats int64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if item := b.tree(side).Max(); item != nil {
		l := item.(level)
		return l.price, l.amount, true
	}
	return 0, 0, false
}

// DepthAt returns the resting face value at one price on one side.
func (b *Book) DepthAt(side types.Side, priceCents int) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if item := b.tree(side).Get(level{price: priceCents}); item != nil {
		return item.(level).amount
	}
	return 0
}

func (b *Book) tree(side types.Side) *btree.BTree {
	if side == types.SideYes {
		return b.yes
	}
	return b.no
}

func levels(tree *btree.BTree, depth int) []types.BookLevel {
	if depth <= 0 {
		depth = tree.Len()
	}
	out := make([]types.BookLevel, 0, min(depth, tree.Len()))
	tree.Descend(func(item btree.Item) bool {
		l := item.(level)
		out = append(out, types.BookLevel{PriceCents: l.price, AmountSats: l.amount})
		return len(out) < depth
	})
	return out
}

// Set tracks one Book per market.
type Set struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewSet creates an empty mirror set.
func NewSet() *Set {
	return &Set{books: make(map[string]*Book)}
}

// Get returns the market's mirror, creating it on first use.
func (s *Set) Get(marketID string) *Book {
	s.mu.RLock()
	b, ok := s.books[marketID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[marketID]; ok {
		return b
	}
	b = New(marketID)
	s.books[marketID] = b
	return b
}

// Drop removes a market's mirror.
func (s *Set) Drop(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, marketID)
}

// Markets lists the markets with live mirrors.
func (s *Set) Markets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for id := range s.books {
		out = append(out, id)
	}
	return out
}
