package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"vehicle-loan-ledger/internal/domain"
)

// ApplicationRepository はローン申請のデータアクセスを提供する。
type ApplicationRepository struct {
	db *gorm.DB
}

// NewApplicationRepository は新しいApplicationRepositoryを生成する。
func NewApplicationRepository(db *gorm.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

func (m *LoanApplicationModel) toDomain() (*domain.LoanApplication, error) {
	var c ciphertextCodec
	app := &domain.LoanApplication{
		ID:              m.ID,
		VehicleID:       m.VehicleID,
		Borrower:        m.Borrower,
		RequestedAmount: c.decode(m.RequestedAmount),
		MonthlyIncome:   c.decode(m.MonthlyIncome),
		CreditScore:     c.decode(m.CreditScore),
		MonthlyPayment:  c.decode(m.MonthlyPayment),
		TermMonths:      m.TermMonths,
		Status:          domain.ApplicationStatus(m.Status),
		Version:         m.Version,
		CreatedAt:       m.CreatedAt,
		DecidedAt:       m.DecidedAt,
	}
	return app, c.err
}

// Create は新しい申請を保存する。
func (r *ApplicationRepository) Create(ctx context.Context, app *domain.LoanApplication) error {
	var c ciphertextCodec
	model := &LoanApplicationModel{
		VehicleID:       app.VehicleID,
		Borrower:        app.Borrower,
		RequestedAmount: c.encode(app.RequestedAmount),
		MonthlyIncome:   c.encode(app.MonthlyIncome),
		CreditScore:     c.encode(app.CreditScore),
		MonthlyPayment:  c.encode(app.MonthlyPayment),
		TermMonths:      app.TermMonths,
		Status:          string(app.Status),
		Version:         1,
	}
	if c.err != nil {
		return c.err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create application",
			"operation", "create_application",
			"vehicle_id", app.VehicleID,
			"error", err,
		)
		return err
	}
	app.ID = model.ID
	app.Version = model.Version
	app.CreatedAt = model.CreatedAt
	return nil
}

// FindByID は指定されたIDの申請を取得する。存在しない場合は nil を返す。
func (r *ApplicationRepository) FindByID(ctx context.Context, id uint64) (*domain.LoanApplication, error) {
	var model LoanApplicationModel
	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find application",
			"operation", "find_application_by_id",
			"application_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// Update は version を比較してステータスと判断日時を更新する。
func (r *ApplicationRepository) Update(ctx context.Context, app *domain.LoanApplication) error {
	err := casUpdate(r.db.WithContext(ctx), &LoanApplicationModel{}, app.ID, app.Version, map[string]interface{}{
		"status":     string(app.Status),
		"decided_at": app.DecidedAt,
		"updated_at": time.Now(),
	})
	if err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			slog.ErrorContext(ctx, "failed to update application",
				"operation", "update_application",
				"application_id", app.ID,
				"error", err,
			)
		}
		return err
	}
	app.Version++
	return nil
}

// Count は申請の件数を返す。
func (r *ApplicationRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&LoanApplicationModel{}).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to count applications",
			"operation", "count_applications",
			"error", err,
		)
		return 0, err
	}
	return count, nil
}
