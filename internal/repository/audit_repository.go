package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"vehicle-loan-ledger/internal/domain"
)

// AuditRepository は監査ログのデータアクセスを提供する。追記と参照のみ。
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository は新しいAuditRepositoryを生成する。
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (m *AuditEventModel) toDomain() (*domain.AuditEvent, error) {
	var refs []string
	if m.CiphertextRefs != "" {
		if err := json.Unmarshal([]byte(m.CiphertextRefs), &refs); err != nil {
			return nil, err
		}
	}
	return &domain.AuditEvent{
		Sequence:       m.Sequence,
		EventType:      domain.EventType(m.EventType),
		EntityType:     m.EntityType,
		EntityID:       m.EntityID,
		Actor:          m.Actor,
		CiphertextRefs: refs,
		ExternalTxRef:  domain.TxRef(m.ExternalTxRef),
		Timestamp:      time.UnixMilli(m.TimestampMillis).UTC(),
		PrevHash:       m.PrevHash,
		Hash:           m.Hash,
	}, nil
}

// Append はイベントを追記する。連番が既に存在する場合は domain.ErrConflict を返す。
func (r *AuditRepository) Append(ctx context.Context, event *domain.AuditEvent) error {
	refs, err := json.Marshal(event.CiphertextRefs)
	if err != nil {
		return err
	}
	model := &AuditEventModel{
		Sequence:        event.Sequence,
		EventType:       string(event.EventType),
		EntityType:      event.EntityType,
		EntityID:        event.EntityID,
		Actor:           event.Actor,
		CiphertextRefs:  string(refs),
		ExternalTxRef:   string(event.ExternalTxRef),
		TimestampMillis: event.Timestamp.UnixMilli(),
		PrevHash:        event.PrevHash,
		Hash:            event.Hash,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrConflict
		}
		slog.ErrorContext(ctx, "failed to append audit event",
			"operation", "append_audit_event",
			"sequence", event.Sequence,
			"event_type", event.EventType,
			"error", err,
		)
		return err
	}
	return nil
}

// Last は最新のイベントを返す。空の場合は nil を返す。
func (r *AuditRepository) Last(ctx context.Context) (*domain.AuditEvent, error) {
	var model AuditEventModel
	if err := r.db.WithContext(ctx).Order("sequence DESC").First(&model).Error; err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find last audit event",
			"operation", "last_audit_event",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// List は条件に一致するイベントを連番順に返す。
func (r *AuditRepository) List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEvent, error) {
	query := r.db.WithContext(ctx).Where("sequence > ?", filter.AfterSeq)
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != 0 {
		query = query.Where("entity_id = ?", filter.EntityID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var models []AuditEventModel
	if err := query.Order("sequence ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list audit events",
			"operation", "list_audit_events",
			"error", err,
		)
		return nil, err
	}

	events := make([]*domain.AuditEvent, len(models))
	for i := range models {
		e, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		events[i] = e
	}
	return events, nil
}
