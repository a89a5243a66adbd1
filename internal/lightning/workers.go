package lightning

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"satsbook/internal/config"
	"satsbook/internal/engine"
	"satsbook/internal/store"
)

// memoPrefix tags deposit invoices so the poller can tell the exchange's
// invoices from anything else issued on the shared node.
const memoPrefix = "satsbook:"

// DepositMemo builds the memo AddInvoice embeds in a deposit invoice.
func DepositMemo(userID string) string {
	return memoPrefix + userID
}

// ParseDepositMemo extracts the user a deposit invoice belongs to.
func ParseDepositMemo(memo string) (string, bool) {
	if !strings.HasPrefix(memo, memoPrefix) {
		return "", false
	}
	id := memo[len(memoPrefix):]
	return id, id != ""
}

// Workers owns the recurring lightning flows: crediting settled deposit
// invoices and paying out instant withdrawals. Both run off one poll tick;
// neither holds state the store doesn't, so a crash loses nothing — the
// deposit cursor rebuilds from index zero and re-credits are dropped by
// the ledger's reference dedupe.
type Workers struct {
	cfg    config.LightningConfig
	client *Client
	store  *store.Store
	eng    *engine.Engine
	logger *slog.Logger

	addIndex uint64 // deposit poll cursor, advanced past terminal invoices
}

// NewWorkers wires the poll loop onto an LND client and the engine.
func NewWorkers(cfg config.LightningConfig, client *Client, st *store.Store, eng *engine.Engine, logger *slog.Logger) *Workers {
	return &Workers{
		cfg:    cfg,
		client: client,
		store:  st,
		eng:    eng,
		logger: logger.With("component", "lightning"),
	}
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (w *Workers) Run(ctx context.Context) {
	w.logger.Info("lightning workers started", "poll_interval", w.cfg.PollInterval)
	// Do an immediate pass on startup
	w.poll(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("lightning workers stopped")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Workers) poll(ctx context.Context) {
	if err := w.pollDeposits(ctx); err != nil {
		w.logger.Error("deposit poll failed", "error", err)
	}
	if err := w.dispatchWithdrawals(ctx); err != nil {
		w.logger.Error("withdrawal dispatch failed", "error", err)
	}
}

// pollDeposits pages invoices past the cursor and credits the settled ones
// that carry our memo. The cursor only advances over terminal invoices: an
// open invoice holds it back so its eventual settlement is seen, and the
// re-reads that causes are free because CreditDeposit dedupes on the
// payment hash.
func (w *Workers) pollDeposits(ctx context.Context) error {
	invoices, err := w.client.InvoicesSince(ctx, w.addIndex)
	if err != nil {
		return err
	}

	advance := true
	for _, inv := range invoices {
		if inv.Settled {
			w.creditDeposit(ctx, inv)
		}
		if advance && inv.Terminal {
			w.addIndex = inv.AddIndex
		} else {
			advance = false
		}
	}
	return nil
}

func (w *Workers) creditDeposit(ctx context.Context, inv Invoice) {
	userID, ok := ParseDepositMemo(inv.Memo)
	if !ok {
		return // someone else's invoice on a shared node
	}
	if inv.AmountSats <= 0 {
		w.logger.Warn("settled invoice with no amount", "hash", inv.PaymentHash, "user", userID)
		return
	}
	_, credited, err := w.eng.CreditDeposit(ctx, userID, inv.AmountSats, "ln:"+inv.PaymentHash)
	if err != nil {
		w.logger.Error("deposit credit failed",
			"user", userID, "sats", inv.AmountSats, "hash", inv.PaymentHash, "error", err)
		return
	}
	if credited {
		w.logger.Info("deposit credited", "user", userID, "sats", inv.AmountSats, "hash", inv.PaymentHash)
	}
}

// dispatchWithdrawals pays the pending instant-decision withdrawals. Each
// row's invoice is cross-checked against the debited amount before the
// node sees it; a mismatch fails the row and returns the sats. Payments
// the node rejects outright fail the row too. Transport errors leave the
// row pending for the next tick.
func (w *Workers) dispatchWithdrawals(ctx context.Context) error {
	rows, err := w.store.PendingWithdrawals(ctx, 50)
	if err != nil {
		return err
	}

	for _, t := range rows {
		invoice := t.ReferenceID
		owed := -t.AmountSats // withdrawal rows are debits

		askSats, err := InvoiceAmountSats(invoice)
		if err != nil {
			w.fail(ctx, t.ID, "unparseable invoice: "+err.Error())
			continue
		}
		if askSats > 0 && askSats != owed {
			w.fail(ctx, t.ID, "invoice asks for a different amount than was debited")
			continue
		}

		preimage, err := w.client.PayInvoice(ctx, invoice)
		if err != nil {
			switch {
			case errors.Is(err, ErrPaymentRejected) && strings.Contains(err.Error(), "already paid"):
				// A send that timed out on the wire but succeeded on the
				// node comes back as already-paid on retry. That is a
				// success; failing it here would refund a paid row.
				if serr := w.eng.SettleWithdrawal(ctx, t.ID, "already-paid"); serr != nil {
					w.logger.Error("already-paid withdrawal not settled", "txn", t.ID, "error", serr)
				}
			case errors.Is(err, ErrPaymentRejected):
				w.fail(ctx, t.ID, err.Error())
			default:
				w.logger.Warn("payment attempt failed, will retry", "txn", t.ID, "error", err)
			}
			continue
		}
		if err := w.eng.SettleWithdrawal(ctx, t.ID, preimage); err != nil {
			// Paid but not recorded; the next tick re-reads the row and
			// an operator can reconcile with the preimage in the log.
			w.logger.Error("withdrawal paid but not settled",
				"txn", t.ID, "preimage", preimage, "error", err)
			continue
		}
		w.logger.Info("withdrawal paid", "txn", t.ID, "sats", owed)
	}
	return nil
}

func (w *Workers) fail(ctx context.Context, txnID, reason string) {
	if err := w.eng.FailWithdrawal(ctx, txnID, reason); err != nil {
		w.logger.Error("withdrawal fail-out failed", "txn", txnID, "error", err)
		return
	}
	w.logger.Warn("withdrawal failed, funds returned", "txn", txnID, "reason", reason)
}
