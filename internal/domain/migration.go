package domain

import "time"

// MigrationStatus はスキーママイグレーションの状態。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
	// MigrationStatusModified は適用後にSQLファイルが書き換えられた状態。
	MigrationStatusModified MigrationStatus = "modified"
)

// Migration は台帳スキーマの1ファイル分のマイグレーション。
type Migration struct {
	Version   string
	Name      string
	FilePath  string
	Checksum  string // SQL本文の blake2b-256 (hex)。記録のない古い履歴は空
	AppliedAt *time.Time
	Status    MigrationStatus
}

// ChecksumMatches は記録済みチェックサムとファイルの内容が一致するかを返す。
// どちらかが空の場合は比較できないため一致とみなす。
func (m *Migration) ChecksumMatches(checksum string) bool {
	return m.Checksum == "" || checksum == "" || m.Checksum == checksum
}
