package engine

import (
	"context"
	"database/sql"

	"satsbook/pkg/types"
)

// CreditDeposit posts an external deposit. The reference (an invoice hash
// or payment id) makes delivery idempotent: a retry with the same
// reference returns the original row without crediting again. The second
// return value reports whether this call actually moved money.
func (e *Engine) CreditDeposit(ctx context.Context, userID string, amountSats int64, reference string) (*types.Transaction, bool, error) {
	if amountSats <= 0 {
		return nil, false, types.NewError(types.CodeAmountTooSmall, "deposit must be positive, got %d", amountSats)
	}

	var (
		txn      *types.Transaction
		credited bool
	)
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		txn, credited = nil, false

		if reference != "" {
			existing, err := e.store.FindDeposit(tx, userID, reference)
			if err != nil {
				return err
			}
			if existing != nil {
				txn = existing
				return nil
			}
		}
		t, err := e.store.Credit(tx, userID, amountSats, types.TxnDeposit, reference, "")
		if err != nil {
			return err
		}
		txn, credited = t, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if credited {
		e.metrics.DepositsTotal.Inc()
		e.logger.Info("deposit credited", "user", userID, "sats", amountSats, "ref", reference)
	}
	return txn, credited, nil
}

// RequestWithdrawal debits the amount immediately and queues a pending
// withdrawal row. The decision tag routes it: instant rows are paid by the
// Lightning dispatcher without review, approval rows wait for an operator.
func (e *Engine) RequestWithdrawal(ctx context.Context, userID string, amountSats int64, invoice string) (*types.WithdrawalResult, error) {
	if amountSats <= 0 {
		return nil, types.NewError(types.CodeAmountTooSmall, "withdrawal must be positive, got %d", amountSats)
	}

	var res *types.WithdrawalResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		res = nil

		user, err := e.store.GetUserTx(tx, userID)
		if err != nil {
			return err
		}
		decision, err := e.withdrawalDecision(tx, user, amountSats, invoice)
		if err != nil {
			return err
		}
		txn, err := e.store.DebitWithdrawal(tx, userID, amountSats, invoice, decision)
		if err != nil {
			return err
		}
		res = &types.WithdrawalResult{Txn: txn, Decision: decision}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.WithdrawalsTotal.WithLabelValues("requested").Inc()
	e.logger.Info("withdrawal requested",
		"user", userID, "sats", amountSats, "decision", res.Decision, "txn", res.Txn.ID)
	return res, nil
}

// withdrawalDecision routes a withdrawal to instant dispatch or operator
// approval. Anything over the instant ceiling waits, anything without an
// invoice has nothing to auto-pay, and the house maker keeps a liquidity
// buffer: its free balance after the withdrawal must still cover its
// outstanding order reserves so it can requote after cancels.
func (e *Engine) withdrawalDecision(tx *sql.Tx, user *types.User, amountSats int64, invoice string) (types.WithdrawalDecision, error) {
	if invoice == "" || amountSats > e.cfg.Exchange.InstantWithdrawalMaxSats {
		return types.WithdrawalApproval, nil
	}
	if user.IsBot {
		reserved, err := e.store.ReservedByUser(tx, user.ID)
		if err != nil {
			return "", err
		}
		if user.BalanceSats-amountSats < reserved {
			return types.WithdrawalApproval, nil
		}
	}
	return types.WithdrawalInstant, nil
}

// SettleWithdrawal marks a pending withdrawal paid, recording the payment
// proof. Settling an already completed row is a no-op; a failed row stays
// failed.
func (e *Engine) SettleWithdrawal(ctx context.Context, txnID, proof string) error {
	var settled bool
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		settled = false

		t, err := e.withdrawalRow(tx, txnID)
		if err != nil {
			return err
		}
		switch t.Status {
		case types.TxnCompleted:
			return nil
		case types.TxnFailed:
			return types.NewError(types.CodeOrderTerminal, "withdrawal %s already failed", txnID)
		}
		if err := e.store.SetTransactionStatus(tx, txnID, types.TxnCompleted, proof); err != nil {
			return err
		}
		settled = true
		return nil
	})
	if err != nil {
		return err
	}

	if settled {
		e.metrics.WithdrawalsTotal.WithLabelValues("completed").Inc()
		e.logger.Info("withdrawal settled", "txn", txnID)
	}
	return nil
}

// FailWithdrawal returns a pending withdrawal's sats: the original row is
// marked failed and a paired reversal credit restores the balance, so the
// ledger shows both legs. Failing an already failed row is a no-op; a
// completed row stays completed.
func (e *Engine) FailWithdrawal(ctx context.Context, txnID, reason string) error {
	var failed bool
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		failed = false

		t, err := e.withdrawalRow(tx, txnID)
		if err != nil {
			return err
		}
		switch t.Status {
		case types.TxnFailed:
			return nil
		case types.TxnCompleted:
			return types.NewError(types.CodeOrderTerminal, "withdrawal %s already completed", txnID)
		}
		if err := e.store.SetTransactionStatus(tx, txnID, types.TxnFailed, reason); err != nil {
			return err
		}
		if _, err := e.store.Credit(tx, t.UserID, -t.AmountSats, types.TxnWithdrawal, txnID, "withdrawal failed: "+reason); err != nil {
			return err
		}
		failed = true
		return nil
	})
	if err != nil {
		return err
	}

	if failed {
		e.metrics.WithdrawalsTotal.WithLabelValues("failed").Inc()
		e.logger.Info("withdrawal failed, funds returned", "txn", txnID, "reason", reason)
	}
	return nil
}

func (e *Engine) withdrawalRow(tx *sql.Tx, txnID string) (*types.Transaction, error) {
	t, err := e.store.GetTransactionTx(tx, txnID)
	if err != nil {
		return nil, err
	}
	if t.Type != types.TxnWithdrawal || t.AmountSats >= 0 {
		return nil, types.NewError(types.CodeNotFound, "withdrawal %s not found", txnID)
	}
	return t, nil
}

// AdminAdjust moves sats on any account with a mandatory reason for the
// audit trail. Positive delta credits, negative debits.
func (e *Engine) AdminAdjust(ctx context.Context, adminID, userID string, deltaSats int64, reason string) (*types.Transaction, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if deltaSats == 0 {
		return nil, types.NewError(types.CodeInvalidArgument, "adjustment delta must be nonzero")
	}
	if reason == "" {
		return nil, types.NewError(types.CodeInvalidArgument, "adjustment reason is required")
	}

	var txn *types.Transaction
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if deltaSats > 0 {
			txn, err = e.store.Credit(tx, userID, deltaSats, types.TxnAdminAdjust, adminID, reason)
		} else {
			txn, err = e.store.Debit(tx, userID, -deltaSats, types.TxnAdminAdjust, adminID, reason)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("admin adjustment", "admin", adminID, "user", userID, "delta", deltaSats, "reason", reason)
	return txn, nil
}
