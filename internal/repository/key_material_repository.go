package repository

import (
	"context"
	"log/slog"

	"gorm.io/gorm"

	"vehicle-loan-ledger/internal/domain"
)

// KeyMaterialRepository は鍵素材のデータアクセスを提供する。
type KeyMaterialRepository struct {
	db *gorm.DB
}

// NewKeyMaterialRepository は新しいKeyMaterialRepositoryを生成する。
func NewKeyMaterialRepository(db *gorm.DB) *KeyMaterialRepository {
	return &KeyMaterialRepository{db: db}
}

// toDomain はモデルをドメインエンティティに変換する。
func (k *KeyMaterialModel) toDomain() *domain.KeyMaterial {
	return &domain.KeyMaterial{
		ID:          k.ID,
		Algorithm:   k.Algorithm,
		PublicKeyID: k.PublicKeyID,
		PublicKey:   k.PublicKey,
		WrappedKey:  k.WrappedKey,
		CreatedAt:   k.CreatedAt,
	}
}

// Create は鍵素材を保存する。
func (r *KeyMaterialRepository) Create(ctx context.Context, key *domain.KeyMaterial) error {
	model := &KeyMaterialModel{
		ID:          key.ID,
		Algorithm:   key.Algorithm,
		PublicKeyID: key.PublicKeyID,
		PublicKey:   key.PublicKey,
		WrappedKey:  key.WrappedKey,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key material",
			"operation", "create_key_material",
			"public_key_id", key.PublicKeyID,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	return nil
}

// FindLatest は最も新しい鍵素材を取得する。存在しない場合は nil を返す。
func (r *KeyMaterialRepository) FindLatest(ctx context.Context) (*domain.KeyMaterial, error) {
	var model KeyMaterialModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").First(&model).Error; err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find latest key material",
			"operation", "find_latest_key_material",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}
