package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"vehicle-loan-ledger/internal/domain"
)

// PaymentRepository は支払いのデータアクセスを提供する。
type PaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository は新しいPaymentRepositoryを生成する。
func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (m *PaymentModel) toDomain() (*domain.Payment, error) {
	amount, err := decodeCiphertext(m.Amount)
	if err != nil {
		return nil, err
	}
	return &domain.Payment{
		ID:            m.ID,
		LoanID:        m.LoanID,
		Payer:         m.Payer,
		Amount:        amount,
		Status:        domain.PaymentStatus(m.Status),
		TxRef:         domain.TxRef(m.TxRef),
		BlockNumber:   m.BlockNumber,
		GasUsed:       m.GasUsed,
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
		SettledAt:     m.SettledAt,
	}, nil
}

func toPayments(models []PaymentModel) ([]*domain.Payment, error) {
	payments := make([]*domain.Payment, len(models))
	for i := range models {
		p, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		payments[i] = p
	}
	return payments, nil
}

// FindByID は指定されたIDの支払いを取得する。存在しない場合は nil を返す。
func (r *PaymentRepository) FindByID(ctx context.Context, id uint64) (*domain.Payment, error) {
	var model PaymentModel
	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find payment",
			"operation", "find_payment_by_id",
			"payment_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// ListByLoanID はローンの支払いを作成順に取得する。
func (r *PaymentRepository) ListByLoanID(ctx context.Context, loanID uint64) ([]*domain.Payment, error) {
	var models []PaymentModel
	err := r.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list payments",
			"operation", "list_payments_by_loan_id",
			"loan_id", loanID,
			"error", err,
		)
		return nil, err
	}
	return toPayments(models)
}

// ListPending は確定待ちの支払いを取得する。
func (r *PaymentRepository) ListPending(ctx context.Context) ([]*domain.Payment, error) {
	var models []PaymentModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(domain.PaymentStatusPending)).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list pending payments",
			"operation", "list_pending_payments",
			"error", err,
		)
		return nil, err
	}
	return toPayments(models)
}

// AttachTxRef は外部台帳のトランザクション参照を記録する。
func (r *PaymentRepository) AttachTxRef(ctx context.Context, id uint64, txRef domain.TxRef) error {
	err := r.db.WithContext(ctx).
		Model(&PaymentModel{}).
		Where("id = ?", id).
		Update("tx_ref", string(txRef)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to attach tx ref",
			"operation", "attach_tx_ref",
			"payment_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// Settle は pending の支払いを確定結果で更新する。既に確定済みなら domain.ErrConflict を返す。
func (r *PaymentRepository) Settle(ctx context.Context, payment *domain.Payment) error {
	if err := settlePayment(r.db.WithContext(ctx), payment); err != nil {
		slog.ErrorContext(ctx, "failed to settle payment",
			"operation", "settle_payment",
			"payment_id", payment.ID,
			"status", payment.Status,
			"error", err,
		)
		return err
	}
	return nil
}

// Count は支払いの件数を返す。
func (r *PaymentRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&PaymentModel{}).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to count payments",
			"operation", "count_payments",
			"error", err,
		)
		return 0, err
	}
	return count, nil
}

func settlePayment(tx *gorm.DB, payment *domain.Payment) error {
	res := tx.Model(&PaymentModel{}).
		Where("id = ? AND status = ?", payment.ID, string(domain.PaymentStatusPending)).
		Updates(map[string]interface{}{
			"status":         string(payment.Status),
			"tx_ref":         string(payment.TxRef),
			"block_number":   payment.BlockNumber,
			"gas_used":       payment.GasUsed,
			"failure_reason": payment.FailureReason,
			"settled_at":     payment.SettledAt,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}
