package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vehicle-loan-ledger/internal/domain"

	"gorm.io/gorm"
)

// SchemaMigrationModel は schema_migrations の1行。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	Name      string    `gorm:"column:name;type:varchar(255);not null;default:''"`
	Checksum  string    `gorm:"column:checksum;type:varchar(64);not null;default:''"`
	AppliedAt time.Time `gorm:"column:applied_at;not null;autoCreateTime"`
}

func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

func (m *SchemaMigrationModel) toDomain() *domain.Migration {
	appliedAt := m.AppliedAt
	return &domain.Migration{
		Version:   m.Version,
		Name:      m.Name,
		Checksum:  m.Checksum,
		AppliedAt: &appliedAt,
		Status:    domain.MigrationStatusApplied,
	}
}

// MigrationRepository は schema_migrations への読み書きを行う。
type MigrationRepository struct {
	db *gorm.DB
}

func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable は schema_migrations を作成する。name / checksum 列のない既存テーブルには列を追加する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	applied := make([]*domain.Migration, len(models))
	for i := range models {
		applied[i] = models[i].toDomain()
	}
	return applied, nil
}

// FindApplied は version の適用履歴を返す。未適用なら nil, nil。
func (r *MigrationRepository) FindApplied(ctx context.Context, version string) (*domain.Migration, error) {
	var model SchemaMigrationModel
	err := r.db.WithContext(ctx).Where("version = ?", version).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to find applied migration",
			"operation", "find_applied",
			"version", version,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// Record は tx 上で適用履歴を書き込む。SQLの実行と同じトランザクションで呼ぶこと。
func (r *MigrationRepository) Record(ctx context.Context, tx *gorm.DB, migration *domain.Migration) error {
	model := SchemaMigrationModel{
		Version:   migration.Version,
		Name:      migration.Name,
		Checksum:  migration.Checksum,
		AppliedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}
