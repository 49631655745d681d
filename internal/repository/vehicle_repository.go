package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"vehicle-loan-ledger/internal/domain"
)

// VehicleRepository は車両のデータアクセスを提供する。
type VehicleRepository struct {
	db *gorm.DB
}

// NewVehicleRepository は新しいVehicleRepositoryを生成する。
func NewVehicleRepository(db *gorm.DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

func newVehicleModel(v *domain.Vehicle) (*VehicleModel, error) {
	var c ciphertextCodec
	model := &VehicleModel{
		ID:         v.ID,
		Make:       v.Make,
		Model:      v.Model,
		Year:       v.Year,
		Owner:      v.Owner,
		Price:      c.encode(v.Price),
		LoanAmount: c.encode(v.LoanAmount),
		APR:        c.encode(v.APR),
		TermMonths: c.encode(v.TermMonths),
		Tokenized:  v.Tokenized,
		Available:  v.Available,
		Version:    v.Version,
	}
	if v.TokenValue != nil {
		model.TokenValue = c.encode(*v.TokenValue)
	}
	return model, c.err
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *VehicleModel) toDomain() (*domain.Vehicle, error) {
	var c ciphertextCodec
	v := &domain.Vehicle{
		ID:         m.ID,
		Make:       m.Make,
		Model:      m.Model,
		Year:       m.Year,
		Owner:      m.Owner,
		Price:      c.decode(m.Price),
		LoanAmount: c.decode(m.LoanAmount),
		APR:        c.decode(m.APR),
		TermMonths: c.decode(m.TermMonths),
		Tokenized:  m.Tokenized,
		Available:  m.Available,
		Version:    m.Version,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if len(m.TokenValue) > 0 {
		token := c.decode(m.TokenValue)
		v.TokenValue = &token
	}
	return v, c.err
}

// Create は新しい車両を保存する。ID と Version は保存時に設定される。
func (r *VehicleRepository) Create(ctx context.Context, vehicle *domain.Vehicle) error {
	vehicle.Version = 1
	model, err := newVehicleModel(vehicle)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create vehicle",
			"operation", "create_vehicle",
			"owner", vehicle.Owner,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	vehicle.ID = model.ID
	vehicle.CreatedAt = model.CreatedAt
	vehicle.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID は指定されたIDの車両を取得する。存在しない場合は nil を返す。
func (r *VehicleRepository) FindByID(ctx context.Context, id uint64) (*domain.Vehicle, error) {
	var model VehicleModel
	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find vehicle",
			"operation", "find_vehicle_by_id",
			"vehicle_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// Update は version を比較して車両を更新する。
func (r *VehicleRepository) Update(ctx context.Context, vehicle *domain.Vehicle) error {
	if err := updateVehicle(r.db.WithContext(ctx), vehicle); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			slog.ErrorContext(ctx, "failed to update vehicle",
				"operation", "update_vehicle",
				"vehicle_id", vehicle.ID,
				"error", err,
			)
		}
		return err
	}
	vehicle.Version++
	return nil
}

// updateVehicle は変更可能な列のみを更新する。Version はトランザクション確定後に呼び出し側で進める。
func updateVehicle(tx *gorm.DB, vehicle *domain.Vehicle) error {
	var token []byte
	if vehicle.TokenValue != nil {
		b, err := encodeCiphertext(*vehicle.TokenValue)
		if err != nil {
			return err
		}
		token = b
	}
	return casUpdate(tx, &VehicleModel{}, vehicle.ID, vehicle.Version, map[string]interface{}{
		"token_value": token,
		"tokenized":   vehicle.Tokenized,
		"available":   vehicle.Available,
		"updated_at":  time.Now(),
	})
}

// Count は車両の件数を返す。
func (r *VehicleRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&VehicleModel{}).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to count vehicles",
			"operation", "count_vehicles",
			"error", err,
		)
		return 0, err
	}
	return count, nil
}
