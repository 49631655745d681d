package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"vehicle-loan-ledger/internal/domain"
)

// LoanRepository はローンと支払いの反映をまとめて扱うデータアクセスを提供する。
type LoanRepository struct {
	db *gorm.DB
}

// NewLoanRepository は新しいLoanRepositoryを生成する。
func NewLoanRepository(db *gorm.DB) *LoanRepository {
	return &LoanRepository{db: db}
}

func (m *LoanModel) toDomain() (*domain.Loan, error) {
	var c ciphertextCodec
	loan := &domain.Loan{
		ID:               m.ID,
		ApplicationID:    m.ApplicationID,
		VehicleID:        m.VehicleID,
		Borrower:         m.Borrower,
		Lender:           m.Lender,
		Principal:        c.decode(m.Principal),
		MonthlyPayment:   c.decode(m.MonthlyPayment),
		APR:              c.decode(m.APR),
		RemainingBalance: c.decode(m.RemainingBalance),
		TermMonths:       m.TermMonths,
		PaymentsMade:     m.PaymentsMade,
		IsActive:         m.IsActive,
		Version:          m.Version,
		StartTime:        m.StartTime,
		CompletedAt:      m.CompletedAt,
	}
	return loan, c.err
}

// Originate はローンを作成し、車両を融資済みに更新する。どちらか一方だけが反映されることはない。
func (r *LoanRepository) Originate(ctx context.Context, loan *domain.Loan, vehicle *domain.Vehicle) error {
	var c ciphertextCodec
	model := &LoanModel{
		ApplicationID:    loan.ApplicationID,
		VehicleID:        loan.VehicleID,
		Borrower:         loan.Borrower,
		Lender:           loan.Lender,
		Principal:        c.encode(loan.Principal),
		MonthlyPayment:   c.encode(loan.MonthlyPayment),
		APR:              c.encode(loan.APR),
		RemainingBalance: c.encode(loan.RemainingBalance),
		TermMonths:       loan.TermMonths,
		PaymentsMade:     loan.PaymentsMade,
		IsActive:         loan.IsActive,
		Version:          1,
		StartTime:        loan.StartTime,
	}
	if c.err != nil {
		return c.err
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateVehicle(tx, vehicle); err != nil {
			return err
		}
		return tx.Create(model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrInvalidStateTransition
		}
		if !errors.Is(err, domain.ErrConflict) {
			slog.ErrorContext(ctx, "failed to originate loan",
				"operation", "originate_loan",
				"application_id", loan.ApplicationID,
				"error", err,
			)
		}
		return err
	}
	vehicle.Version++
	loan.ID = model.ID
	loan.Version = model.Version
	return nil
}

// FindByID は指定されたIDのローンを取得する。存在しない場合は nil を返す。
func (r *LoanRepository) FindByID(ctx context.Context, id uint64) (*domain.Loan, error) {
	var model LoanModel
	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find loan",
			"operation", "find_loan_by_id",
			"loan_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// FindByApplicationID は申請から作成されたローンを取得する。存在しない場合は nil を返す。
func (r *LoanRepository) FindByApplicationID(ctx context.Context, applicationID uint64) (*domain.Loan, error) {
	var model LoanModel
	err := r.db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		First(&model).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find loan by application",
			"operation", "find_loan_by_application_id",
			"application_id", applicationID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// Update は version を比較してローンの可変項目を更新する。
func (r *LoanRepository) Update(ctx context.Context, loan *domain.Loan) error {
	if err := r.updateLoan(r.db.WithContext(ctx), loan); err != nil {
		r.logUpdateFailure(ctx, "update_loan", loan.ID, err)
		return err
	}
	loan.Version++
	return nil
}

// ApplyPayment はローンの残高・支払回数と pending の支払いを同一トランザクションで保存する。
func (r *LoanRepository) ApplyPayment(ctx context.Context, loan *domain.Loan, payment *domain.Payment) error {
	amount, err := encodeCiphertext(payment.Amount)
	if err != nil {
		return err
	}
	model := &PaymentModel{
		LoanID: payment.LoanID,
		Payer:  payment.Payer,
		Amount: amount,
		Status: string(payment.Status),
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.updateLoan(tx, loan); err != nil {
			return err
		}
		return tx.Create(model).Error
	})
	if err != nil {
		r.logUpdateFailure(ctx, "apply_payment", loan.ID, err)
		return err
	}
	loan.Version++
	payment.ID = model.ID
	payment.CreatedAt = model.CreatedAt
	return nil
}

// RevertPayment は失敗した支払いを failed にし、ローンを巻き戻した状態で保存する。
func (r *LoanRepository) RevertPayment(ctx context.Context, loan *domain.Loan, payment *domain.Payment) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.updateLoan(tx, loan); err != nil {
			return err
		}
		return settlePayment(tx, payment)
	})
	if err != nil {
		r.logUpdateFailure(ctx, "revert_payment", loan.ID, err)
		return err
	}
	loan.Version++
	return nil
}

// Stats はプリンシパルのローン・支払い件数を集計する。
func (r *LoanRepository) Stats(ctx context.Context, principal string) (*domain.Reputation, error) {
	db := r.db.WithContext(ctx)
	rep := &domain.Reputation{Principal: principal}

	counts := []struct {
		model interface{}
		query string
		args  []interface{}
		dst   *int64
	}{
		{&LoanModel{}, "borrower = ?", []interface{}{principal}, &rep.LoansBorrowed},
		{&LoanModel{}, "borrower = ? AND completed_at IS NOT NULL", []interface{}{principal}, &rep.LoansRepaid},
		{&LoanModel{}, "lender = ?", []interface{}{principal}, &rep.LoansFunded},
		{&LoanModel{}, "lender = ? AND completed_at IS NOT NULL", []interface{}{principal}, &rep.FundedLoansRepaid},
		{&PaymentModel{}, "payer = ? AND status = ?", []interface{}{principal, string(domain.PaymentStatusCompleted)}, &rep.PaymentsCompleted},
		{&PaymentModel{}, "payer = ? AND status = ?", []interface{}{principal, string(domain.PaymentStatusFailed)}, &rep.PaymentsFailed},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Where(c.query, c.args...).Count(c.dst).Error; err != nil {
			slog.ErrorContext(ctx, "failed to collect stats",
				"operation", "stats",
				"principal", principal,
				"error", err,
			)
			return nil, err
		}
	}
	return rep, nil
}

// Count はローンの件数を返す。
func (r *LoanRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&LoanModel{}).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to count loans",
			"operation", "count_loans",
			"error", err,
		)
		return 0, err
	}
	return count, nil
}

func (r *LoanRepository) updateLoan(tx *gorm.DB, loan *domain.Loan) error {
	balance, err := encodeCiphertext(loan.RemainingBalance)
	if err != nil {
		return err
	}
	return casUpdate(tx, &LoanModel{}, loan.ID, loan.Version, map[string]interface{}{
		"remaining_balance": balance,
		"payments_made":     loan.PaymentsMade,
		"is_active":         loan.IsActive,
		"completed_at":      loan.CompletedAt,
		"updated_at":        time.Now(),
	})
}

func (r *LoanRepository) logUpdateFailure(ctx context.Context, operation string, loanID uint64, err error) {
	if errors.Is(err, domain.ErrConflict) {
		slog.WarnContext(ctx, "loan version conflict",
			"operation", operation,
			"loan_id", loanID,
		)
		return
	}
	slog.ErrorContext(ctx, "failed to update loan",
		"operation", operation,
		"loan_id", loanID,
		"error", err,
	)
}
