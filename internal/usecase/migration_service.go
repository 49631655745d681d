package usecase

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"vehicle-loan-ledger/internal/domain"

	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	FindApplied(ctx context.Context, version string) (*domain.Migration, error)
	Record(ctx context.Context, tx *gorm.DB, migration *domain.Migration) error
}

// MigrationService は台帳スキーマのマイグレーションを実行する。
// SQLファイルは fs.FS から読むため、埋め込みファイルでもディレクトリでもよい。
type MigrationService struct {
	repo       MigrationRepository
	db         *gorm.DB
	migrations fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。
func NewMigrationService(repo MigrationRepository, db *gorm.DB, migrations fs.FS) *MigrationService {
	return &MigrationService{
		repo:       repo,
		db:         db,
		migrations: migrations,
	}
}

// scanMigrationFiles は .sql ファイルを列挙してバージョン順に並べる。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMigrationFileNotFound, err)
	}

	var migrations []*domain.Migration
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: %s and %s share version %s", domain.ErrInvalidMigrationFile, other, entry.Name(), version)
		}
		seen[version] = entry.Name()

		body, err := fs.ReadFile(s.migrations, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrMigrationFileNotFound, entry.Name(), err)
		}

		migrations = append(migrations, &domain.Migration{
			Version:  version,
			Name:     name,
			FilePath: entry.Name(),
			Checksum: checksumSQL(body),
			Status:   domain.MigrationStatusPending,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_vehicles.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	version, name, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || version == "" || name == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	for _, r := range version {
		if r < '0' || r > '9' {
			return "", "", fmt.Errorf("%w: %s (version must be numeric)", domain.ErrInvalidMigrationFile, filename)
		}
	}
	return version, name, nil
}

// checksumSQL はSQL本文の blake2b-256 を hex で返す。改行コードの違いは無視する。
func checksumSQL(body []byte) string {
	normalized := strings.ReplaceAll(string(body), "\r\n", "\n")
	sum := blake2b.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ApplyMigrations は未適用マイグレーションを番号順に実行し、適用件数を返す。
// 適用済みファイルが書き換えられていた場合は何も適用せず ErrMigrationModified を返す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return 0, fmt.Errorf("preparing schema_migrations: %w", err)
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	var pending []*domain.Migration
	for _, migration := range allMigrations {
		applied, err := s.repo.FindApplied(ctx, migration.Version)
		if err != nil {
			return 0, fmt.Errorf("checking migration %s: %w", migration.Version, err)
		}
		if applied == nil {
			pending = append(pending, migration)
			continue
		}
		if !applied.ChecksumMatches(migration.Checksum) {
			slog.ErrorContext(ctx, "applied migration was modified",
				"operation", "apply_migrations",
				"version", migration.Version,
				"recorded_checksum", applied.Checksum,
				"file_checksum", migration.Checksum,
			)
			return 0, fmt.Errorf("%w: version %s", domain.ErrMigrationModified, migration.Version)
		}
	}

	appliedCount := 0
	for _, migration := range pending {
		if err := s.applyMigration(ctx, migration); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", migration.Version,
				"error", err,
			)
			return appliedCount, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, migration.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"operation", "apply_migrations",
			"version", migration.Version,
			"name", migration.Name,
		)
		appliedCount++
	}
	return appliedCount, nil
}

// applyMigration は単一のマイグレーションをトランザクション内で実行し、履歴を記録する。
func (s *MigrationService) applyMigration(ctx context.Context, migration *domain.Migration) error {
	sqlBytes, err := fs.ReadFile(s.migrations, migration.FilePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", migration.FilePath, err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range splitStatements(string(sqlBytes)) {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("executing migration SQL: %w", err)
			}
		}

		if err := s.repo.Record(ctx, tx, migration); err != nil {
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}

// splitStatements はセミコロン区切りでSQL文を分割する。空文とコメント行は除く。
func splitStatements(script string) []string {
	var (
		stmts []string
		b     strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSpace(b.String()); stmt != ";" {
				stmts = append(stmts, stmt)
			}
			b.Reset()
		}
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}

// GetMigrationStatus はファイルごとの適用状況を返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("preparing schema_migrations: %w", err)
	}
	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		return nil, err
	}

	appliedMigrations, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch applied migrations",
			"operation", "get_migration_status",
			"error", err,
		)
		return nil, fmt.Errorf("fetching applied migrations: %w", err)
	}

	appliedMap := make(map[string]*domain.Migration, len(appliedMigrations))
	for _, migration := range appliedMigrations {
		appliedMap[migration.Version] = migration
	}
	for _, migration := range allMigrations {
		applied, ok := appliedMap[migration.Version]
		if !ok {
			continue
		}
		migration.AppliedAt = applied.AppliedAt
		if applied.ChecksumMatches(migration.Checksum) {
			migration.Status = domain.MigrationStatusApplied
		} else {
			migration.Status = domain.MigrationStatusModified
		}
	}
	return allMigrations, nil
}
