package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"vehicle-loan-ledger/internal/domain"
)

const reasonNoSubmission = "payment was never submitted to the ledger"

// MakePayment は支払いを楽観的に反映し、外部台帳に送信する。
// 確定結果は PaymentReceipt.Settlement で受け取る。失敗時は残高と支払回数を元に戻す。
func (s *LedgerService) MakePayment(ctx context.Context, loanID uint64, amount uint32) (*PaymentReceipt, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.MakePayment",
		trace.WithAttributes(attribute.Int64("loan.id", int64(loanID))))
	defer span.End()

	if amount == 0 {
		return nil, domain.ErrInsufficientAmount
	}
	actor, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}

	loan, payment, err := s.applyPayment(ctx, loanID, amount, actor)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("payment.id", int64(payment.ID)))

	// 外部台帳に送信
	txRef, err := s.transport.Submit(ctx, domain.OperationRecord{
		Operation:      domain.EventPaymentMade,
		EntityType:     domain.EntityPayment,
		EntityID:       payment.ID,
		Actor:          actor,
		CiphertextRefs: []string{payment.Amount.Ref(), loan.RemainingBalance.Ref()},
		Timestamp:      s.now().UTC(),
	})
	if err != nil {
		spanError(span, err)
		slog.ErrorContext(ctx, "failed to submit payment",
			"operation", "make_payment",
			"loan_id", loanID,
			"payment_id", payment.ID,
			"error", err,
		)
		failure := domain.Confirmation{Status: domain.ConfirmationFailed, Reason: err.Error()}
		if _, rerr := s.rollbackPayment(context.WithoutCancel(ctx), payment.ID, failure); rerr != nil {
			slog.ErrorContext(ctx, "failed to roll back payment",
				"operation", "make_payment",
				"payment_id", payment.ID,
				"error", rerr,
			)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrLedgerSubmissionFailed, err)
	}

	if err := s.payments.AttachTxRef(ctx, payment.ID, txRef); err != nil {
		slog.ErrorContext(ctx, "failed to attach tx ref",
			"operation", "make_payment",
			"payment_id", payment.ID,
			"error", err,
		)
	}
	s.record(ctx, domain.AuditEvent{
		EventType:      domain.EventPaymentMade,
		EntityType:     domain.EntityPayment,
		EntityID:       payment.ID,
		Actor:          actor,
		CiphertextRefs: []string{payment.Amount.Ref(), loan.RemainingBalance.Ref()},
		ExternalTxRef:  txRef,
	})

	return &PaymentReceipt{
		PaymentID:     payment.ID,
		CiphertextRef: payment.Amount.Ref(),
		TxRef:         txRef,
		Settlement:    s.track(payment.ID, txRef),
	}, nil
}

// ResolvePendingPayments は確定待ちの支払いを外部台帳に再照会して確定させる。
// 再起動後の復旧に使う。確定させた件数を返す。
// 台帳が参照を知らない支払いは結果が不明なので pending のまま残す。
func (s *LedgerService) ResolvePendingPayments(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.ResolvePendingPayments")
	defer span.End()

	pending, err := s.payments.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending payments: %w", err)
	}

	resolved := 0
	for _, p := range pending {
		var conf domain.Confirmation
		if p.TxRef == "" {
			conf = domain.Confirmation{Status: domain.ConfirmationFailed, Reason: reasonNoSubmission}
		} else {
			conf, err = s.transport.Confirm(ctx, p.TxRef)
			if err != nil {
				if ctx.Err() != nil {
					return resolved, ctx.Err()
				}
				if errors.Is(err, domain.ErrTxNotFound) {
					slog.WarnContext(ctx, "payment outcome unknown, leaving pending",
						"payment_id", p.ID, "tx_ref", p.TxRef)
					continue
				}
				conf = domain.Confirmation{TxRef: p.TxRef, Status: domain.ConfirmationFailed, Reason: err.Error()}
			}
		}
		if _, err := s.applyConfirmation(ctx, p.ID, conf); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// applyPayment はローンのロック下で残高と支払回数を更新し、pending の支払いを作成する。
func (s *LedgerService) applyPayment(ctx context.Context, loanID uint64, amount uint32, actor string) (*domain.Loan, *domain.Payment, error) {
	unlock := s.locks.lock(domain.EntityLoan, loanID)
	defer unlock()

	loan, err := s.findLoan(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}
	if !loan.IsActive || loan.PaymentsMade >= loan.TermMonths {
		return nil, nil, fmt.Errorf("%w: loan %d accepts no more payments", domain.ErrInvalidStateTransition, loanID)
	}
	if loan.Borrower != actor {
		return nil, nil, fmt.Errorf("%w: only the borrower can pay", domain.ErrUnauthorized)
	}

	ct, err := s.cipher.Encrypt(amount, domain.DataTypePaymentAmount)
	if err != nil {
		return nil, nil, err
	}
	balance, err := s.metrics.ApplyPayment(loan.RemainingBalance, ct)
	if err != nil {
		return nil, nil, fmt.Errorf("applying payment: %w", err)
	}

	loan.RemainingBalance = balance
	loan.PaymentsMade++
	if loan.PaymentsMade == loan.TermMonths {
		loan.IsActive = false
	}
	payment := &domain.Payment{
		LoanID: loanID,
		Payer:  actor,
		Amount: ct,
		Status: domain.PaymentStatusPending,
	}
	if err := s.loans.ApplyPayment(ctx, loan, payment); err != nil {
		return nil, nil, fmt.Errorf("recording payment: %w", err)
	}
	return loan, payment, nil
}

// track は確定待ちのタスクを開始する。Close 後は pending のまま返す。
func (s *LedgerService) track(paymentID uint64, txRef domain.TxRef) *Settlement {
	st := newSettlement()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		st.resolve(domain.PaymentStatusPending, context.Canceled)
		return st
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		status, err := s.settle(s.baseCtx, paymentID, txRef)
		st.resolve(status, err)
	}()
	return st
}

func (s *LedgerService) settle(ctx context.Context, paymentID uint64, txRef domain.TxRef) (domain.PaymentStatus, error) {
	conf, err := s.transport.Confirm(ctx, txRef)
	if err != nil {
		if ctx.Err() != nil {
			return domain.PaymentStatusPending, ctx.Err()
		}
		conf = domain.Confirmation{TxRef: txRef, Status: domain.ConfirmationFailed, Reason: err.Error()}
	}
	return s.applyConfirmation(context.WithoutCancel(ctx), paymentID, conf)
}

// applyConfirmation は外部台帳の確定結果を支払いに反映する。
// 既に確定済みの支払いには何もしない。
func (s *LedgerService) applyConfirmation(ctx context.Context, paymentID uint64, conf domain.Confirmation) (domain.PaymentStatus, error) {
	if conf.Status != domain.ConfirmationConfirmed {
		return s.rollbackPayment(ctx, paymentID, conf)
	}

	peek, err := s.findPayment(ctx, paymentID)
	if err != nil {
		return domain.PaymentStatusPending, err
	}
	unlock := s.locks.lock(domain.EntityLoan, peek.LoanID)
	defer unlock()

	payment, err := s.findPayment(ctx, paymentID)
	if err != nil {
		return domain.PaymentStatusPending, err
	}
	if payment.Status != domain.PaymentStatusPending {
		return payment.Status, nil
	}

	settled := s.now()
	payment.Status = domain.PaymentStatusCompleted
	payment.BlockNumber = conf.BlockNumber
	payment.GasUsed = conf.GasUsed
	payment.SettledAt = &settled
	if payment.TxRef == "" {
		payment.TxRef = conf.TxRef
	}
	if err := s.payments.Settle(ctx, payment); err != nil {
		return domain.PaymentStatusPending, fmt.Errorf("settling payment: %w", err)
	}
	s.record(ctx, domain.AuditEvent{
		EventType:      domain.EventPaymentConfirmed,
		EntityType:     domain.EntityPayment,
		EntityID:       paymentID,
		Actor:          payment.Payer,
		CiphertextRefs: []string{payment.Amount.Ref()},
		ExternalTxRef:  payment.TxRef,
	})

	loan, err := s.findLoan(ctx, payment.LoanID)
	if err != nil {
		return domain.PaymentStatusCompleted, err
	}
	if loan.IsActive || loan.CompletedAt != nil {
		return domain.PaymentStatusCompleted, nil
	}
	pending, err := s.countPending(ctx, loan.ID)
	if err != nil {
		return domain.PaymentStatusCompleted, err
	}
	if pending == 0 {
		if err := s.completeLoan(ctx, loan, payment.Payer); err != nil {
			return domain.PaymentStatusCompleted, err
		}
	}
	return domain.PaymentStatusCompleted, nil
}

// rollbackPayment は失敗した支払いを取り消す。ローンのロック下で他の支払いと直列化される。
func (s *LedgerService) rollbackPayment(ctx context.Context, paymentID uint64, conf domain.Confirmation) (domain.PaymentStatus, error) {
	peek, err := s.findPayment(ctx, paymentID)
	if err != nil {
		return domain.PaymentStatusPending, err
	}
	unlock := s.locks.lock(domain.EntityLoan, peek.LoanID)
	defer unlock()

	payment, err := s.findPayment(ctx, paymentID)
	if err != nil {
		return domain.PaymentStatusPending, err
	}
	if payment.Status != domain.PaymentStatusPending {
		return payment.Status, nil
	}
	loan, err := s.findLoan(ctx, payment.LoanID)
	if err != nil {
		return domain.PaymentStatusPending, err
	}

	balance, err := s.metrics.RevertPayment(loan.RemainingBalance, payment.Amount)
	if err != nil {
		return domain.PaymentStatusPending, fmt.Errorf("reverting balance: %w", err)
	}
	loan.RemainingBalance = balance
	if loan.PaymentsMade > 0 {
		loan.PaymentsMade--
	}
	loan.IsActive = true
	loan.CompletedAt = nil

	settled := s.now()
	payment.Status = domain.PaymentStatusFailed
	payment.FailureReason = conf.Reason
	payment.BlockNumber = conf.BlockNumber
	payment.GasUsed = conf.GasUsed
	payment.SettledAt = &settled
	if payment.TxRef == "" {
		payment.TxRef = conf.TxRef
	}
	if err := s.loans.RevertPayment(ctx, loan, payment); err != nil {
		return domain.PaymentStatusPending, fmt.Errorf("recording rollback: %w", err)
	}

	slog.WarnContext(ctx, "payment rolled back",
		"operation", "rollback_payment",
		"loan_id", loan.ID,
		"payment_id", paymentID,
		"reason", conf.Reason,
	)
	s.record(ctx, domain.AuditEvent{
		EventType:      domain.EventPaymentFailed,
		EntityType:     domain.EntityPayment,
		EntityID:       paymentID,
		Actor:          payment.Payer,
		CiphertextRefs: []string{payment.Amount.Ref()},
		ExternalTxRef:  payment.TxRef,
	})
	s.record(ctx, domain.AuditEvent{
		EventType:      domain.EventPaymentRolledBack,
		EntityType:     domain.EntityLoan,
		EntityID:       loan.ID,
		Actor:          payment.Payer,
		CiphertextRefs: []string{payment.Amount.Ref(), balance.Ref()},
		ExternalTxRef:  payment.TxRef,
	})
	return domain.PaymentStatusFailed, nil
}

func (s *LedgerService) findPayment(ctx context.Context, id uint64) (*domain.Payment, error) {
	payment, err := s.payments.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding payment: %w", err)
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *LedgerService) countPending(ctx context.Context, loanID uint64) (int, error) {
	payments, err := s.payments.ListByLoanID(ctx, loanID)
	if err != nil {
		return 0, fmt.Errorf("listing payments: %w", err)
	}
	n := 0
	for _, p := range payments {
		if p.Status == domain.PaymentStatusPending {
			n++
		}
	}
	return n, nil
}

