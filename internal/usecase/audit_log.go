package usecase

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"vehicle-loan-ledger/internal/domain"
)

const verifyPageSize = 500

// AuditRepository は監査ログの永続化インターフェース。更新・削除は持たない。
type AuditRepository interface {
	Append(ctx context.Context, event *domain.AuditEvent) error
	Last(ctx context.Context) (*domain.AuditEvent, error)
	List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEvent, error)
}

// AuditLog はハッシュチェーン付きの追記専用監査ログ。
type AuditLog struct {
	repo AuditRepository
	now  func() time.Time
	mu   sync.Mutex
}

// NewAuditLog は新しいAuditLogを生成する。
func NewAuditLog(repo AuditRepository) *AuditLog {
	return &AuditLog{repo: repo, now: time.Now}
}

// Record はイベントに連番と前エントリのハッシュを付与して追記する。
func (l *AuditLog) Record(ctx context.Context, event domain.AuditEvent) (*domain.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.repo.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading audit head: %w", err)
	}
	event.Sequence = 1
	event.PrevHash = ""
	if last != nil {
		event.Sequence = last.Sequence + 1
		event.PrevHash = last.Hash
	}
	event.Timestamp = time.UnixMilli(l.now().UnixMilli()).UTC()
	event.CiphertextRefs = append([]string(nil), event.CiphertextRefs...)
	event.Hash = hashEvent(&event)

	if err := l.repo.Append(ctx, &event); err != nil {
		return nil, fmt.Errorf("appending audit event: %w", err)
	}
	return &event, nil
}

// List は条件に一致するイベントを連番順に返す。
func (l *AuditLog) List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEvent, error) {
	events, err := l.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	return events, nil
}

// Verify はチェーン全体を先頭から検証する。
func (l *AuditLog) Verify(ctx context.Context) error {
	var (
		prevHash string
		nextSeq  uint64 = 1
	)
	for {
		page, err := l.repo.List(ctx, domain.AuditFilter{AfterSeq: nextSeq - 1, Limit: verifyPageSize})
		if err != nil {
			return fmt.Errorf("listing audit events: %w", err)
		}
		for _, e := range page {
			if e.Sequence != nextSeq {
				return fmt.Errorf("%w: expected sequence %d, got %d", domain.ErrAuditChainBroken, nextSeq, e.Sequence)
			}
			if e.PrevHash != prevHash {
				return fmt.Errorf("%w: sequence %d does not link to its predecessor", domain.ErrAuditChainBroken, e.Sequence)
			}
			if hashEvent(e) != e.Hash {
				return fmt.Errorf("%w: sequence %d hash mismatch", domain.ErrAuditChainBroken, e.Sequence)
			}
			prevHash = e.Hash
			nextSeq++
		}
		if len(page) < verifyPageSize {
			return nil
		}
	}
}

// hashEvent はイベントの正規化済みフィールドに対する Keccak-256 を返す。
func hashEvent(e *domain.AuditEvent) string {
	var b []byte
	b = binary.BigEndian.AppendUint64(b, e.Sequence)
	b = appendString(b, string(e.EventType))
	b = appendString(b, e.EntityType)
	b = binary.BigEndian.AppendUint64(b, e.EntityID)
	b = appendString(b, e.Actor)
	b = binary.AppendUvarint(b, uint64(len(e.CiphertextRefs)))
	for _, ref := range e.CiphertextRefs {
		b = appendString(b, ref)
	}
	b = appendString(b, string(e.ExternalTxRef))
	b = binary.BigEndian.AppendUint64(b, uint64(e.Timestamp.UnixMilli()))
	b = appendString(b, e.PrevHash)
	return crypto.Keccak256Hash(b).Hex()
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}
