package engine

import (
	"database/sql"
	"fmt"

	"satsbook/pkg/types"
)

// autoSettle extinguishes offsetting YES/NO face a user holds in one
// market. min(yesFace, noFace) pays out no matter how the market resolves,
// so that many sats come back immediately and both sides shrink by the
// same face, oldest bets first. Runs after every fill, inside the
// placement transaction, for the taker only.
func (e *Engine) autoSettle(tx *sql.Tx, marketID, userID, refID string) (*types.AutoSettleResult, error) {
	yes, no, err := e.store.PendingFaceSums(tx, marketID, userID)
	if err != nil {
		return nil, err
	}
	matched := min(yes, no)
	if matched == 0 {
		return nil, nil
	}

	for _, side := range []types.Side{types.SideYes, types.SideNo} {
		if err := e.reduceSide(tx, marketID, userID, side, matched); err != nil {
			return nil, err
		}
	}
	if _, err := e.store.Credit(tx, userID, matched, types.TxnAutoSettle, refID, "offsetting positions settled"); err != nil {
		return nil, err
	}

	e.logger.Debug("auto-settled offsetting exposure",
		"market", marketID, "user", userID, "sats", matched)
	return &types.AutoSettleResult{ExtinguishedSats: matched, PayoutSats: matched}, nil
}

// reduceSide walks the user's pending bets on one side oldest first,
// shrinking faces until target sats are extinguished. Cost is restated at
// the bet's own price so the remaining stake reads correctly. Bets reduced
// to zero stay pending as inert records.
func (e *Engine) reduceSide(tx *sql.Tx, marketID, userID string, side types.Side, target int64) error {
	bets, err := e.store.PendingBetsFIFO(tx, marketID, userID, side)
	if err != nil {
		return err
	}

	left := target
	for _, b := range bets {
		if left == 0 {
			break
		}
		take := min(left, b.AmountSats)
		newAmount := b.AmountSats - take
		if err := e.store.ReduceBet(tx, b.ID, newAmount, types.CostSats(newAmount, b.PriceCents)); err != nil {
			return err
		}
		left -= take
	}
	if left != 0 {
		return types.Internal(fmt.Errorf("auto-settle shortfall in %s: %d of %d %s face unextinguished",
			marketID, left, target, side))
	}
	return nil
}
