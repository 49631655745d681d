package usecase

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"vehicle-loan-ledger/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	appliedMigrations map[string]*domain.Migration
	ensureCalls       int
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		appliedMigrations: make(map[string]*domain.Migration),
	}
}

func (m *mockMigrationRepository) EnsureTable(ctx context.Context) error {
	m.ensureCalls++
	return nil
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) FindApplied(ctx context.Context, version string) (*domain.Migration, error) {
	return m.appliedMigrations[version], nil
}

func (m *mockMigrationRepository) Record(ctx context.Context, tx *gorm.DB, migration *domain.Migration) error {
	err := tx.Exec("INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)",
		migration.Version, migration.Name, migration.Checksum, time.Now()).Error
	if err != nil {
		return err
	}
	now := time.Now()
	m.appliedMigrations[migration.Version] = &domain.Migration{
		Version:   migration.Version,
		Name:      migration.Name,
		Checksum:  migration.Checksum,
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}
	return nil
}

func (m *mockMigrationRepository) markApplied(versions ...string) {
	now := time.Now()
	for _, v := range versions {
		m.appliedMigrations[v] = &domain.Migration{
			Version:   v,
			AppliedAt: &now,
			Status:    domain.MigrationStatusApplied,
		}
	}
}

// testMigrations はテスト用のマイグレーションファイル群を返す。
func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"001_create_vehicles.sql": {Data: []byte("CREATE TABLE vehicles (id INTEGER);")},
		"002_create_loans.sql": {Data: []byte(`-- loans
CREATE TABLE loans (id INTEGER);
CREATE INDEX idx_loans_id ON loans(id);
`)},
		"003_create_payments.sql": {Data: []byte("CREATE TABLE payments (id INTEGER);")},
		"README.md":               {Data: []byte("not a migration")},
	}
}

// setupMigrationDB はschema_migrationsを持つインメモリSQLiteを作成する。
func setupMigrationDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Exec("CREATE TABLE schema_migrations (version VARCHAR(14) PRIMARY KEY, name VARCHAR(255), checksum VARCHAR(64), applied_at DATETIME)").Error; err != nil {
		t.Fatalf("failed to create schema_migrations table: %v", err)
	}
	return db
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	db := setupMigrationDB(t)
	repo := newMockMigrationRepository()

	service := NewMigrationService(repo, db, testMigrations())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 3 {
		t.Errorf("want 3 migrations applied, got %d", count)
	}
	if repo.ensureCalls != 1 {
		t.Errorf("want EnsureTable called once, got %d", repo.ensureCalls)
	}

	for _, table := range []string{"vehicles", "loans", "payments"} {
		var n int64
		if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n).Error; err != nil {
			t.Errorf("failed to check table %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s was not created", table)
		}
	}

	var recorded int64
	if err := db.Raw("SELECT COUNT(*) FROM schema_migrations").Scan(&recorded).Error; err != nil {
		t.Fatalf("failed to count schema_migrations: %v", err)
	}
	if recorded != 3 {
		t.Errorf("want 3 recorded versions, got %d", recorded)
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	db := setupMigrationDB(t)
	repo := newMockMigrationRepository()
	repo.markApplied("001", "002")

	service := NewMigrationService(repo, db, testMigrations())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 1 {
		t.Errorf("want 1 migration applied, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_InvalidSQL(t *testing.T) {
	ctx := context.Background()
	db := setupMigrationDB(t)
	repo := newMockMigrationRepository()

	files := testMigrations()
	files["004_invalid.sql"] = &fstest.MapFile{Data: []byte("INVALID SQL SYNTAX;")}
	service := NewMigrationService(repo, db, files)

	count, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Fatalf("want ErrMigrationFailed, got %v", err)
	}
	if count != 3 {
		t.Errorf("want 3 migrations applied before the failure, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_InvalidFileName(t *testing.T) {
	tests := []struct {
		name     string
		filename string
	}{
		{"区切りなし", "001.sql"},
		{"バージョンが数字でない", "abc_create.sql"},
		{"名前が空", "001_.sql"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := fstest.MapFS{tt.filename: {Data: []byte("SELECT 1;")}}
			service := NewMigrationService(newMockMigrationRepository(), setupMigrationDB(t), files)

			_, err := service.ApplyMigrations(context.Background())
			if !errors.Is(err, domain.ErrInvalidMigrationFile) {
				t.Errorf("want ErrInvalidMigrationFile, got %v", err)
			}
		})
	}
}

func TestMigrationService_ApplyMigrations_DuplicateVersion(t *testing.T) {
	files := testMigrations()
	files["001_duplicate.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	service := NewMigrationService(newMockMigrationRepository(), setupMigrationDB(t), files)

	_, err := service.ApplyMigrations(context.Background())
	if !errors.Is(err, domain.ErrInvalidMigrationFile) {
		t.Errorf("want ErrInvalidMigrationFile, got %v", err)
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	repo.markApplied("001")

	service := NewMigrationService(repo, setupMigrationDB(t), testMigrations())

	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("want 3 migrations, got %d", len(migrations))
	}

	// 001はapplied, 002と003はpending
	expected := []struct {
		version string
		status  domain.MigrationStatus
	}{
		{"001", domain.MigrationStatusApplied},
		{"002", domain.MigrationStatusPending},
		{"003", domain.MigrationStatusPending},
	}
	for i, want := range expected {
		got := migrations[i]
		if got.Version != want.version || got.Status != want.status {
			t.Errorf("migration %d: want %s/%s, got %s/%s", i, want.version, want.status, got.Version, got.Status)
		}
	}
	if migrations[0].AppliedAt == nil {
		t.Error("want AppliedAt for applied migration")
	}
}

func TestMigrationService_ModifiedMigration(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	files := testMigrations()

	service := NewMigrationService(repo, setupMigrationDB(t), files)
	if _, err := service.ApplyMigrations(ctx); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if repo.appliedMigrations["001"].Checksum == "" {
		t.Fatal("want checksum recorded for applied migration")
	}

	files["001_create_vehicles.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE vehicles (id INTEGER, vin TEXT);")}
	files["004_create_audit.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE audit (id INTEGER);")}

	count, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationModified) {
		t.Fatalf("want ErrMigrationModified, got %v", err)
	}
	if count != 0 {
		t.Errorf("want nothing applied after drift, got %d", count)
	}
	if _, ok := repo.appliedMigrations["004"]; ok {
		t.Error("want 004 left pending")
	}

	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if migrations[0].Status != domain.MigrationStatusModified {
		t.Errorf("want 001 modified, got %s", migrations[0].Status)
	}
	if migrations[1].Status != domain.MigrationStatusApplied {
		t.Errorf("want 002 applied, got %s", migrations[1].Status)
	}
	if migrations[3].Status != domain.MigrationStatusPending {
		t.Errorf("want 004 pending, got %s", migrations[3].Status)
	}
}

func TestChecksumSQL_IgnoresLineEndings(t *testing.T) {
	unix := checksumSQL([]byte("CREATE TABLE a (id INTEGER);\nCREATE TABLE b (id INTEGER);\n"))
	windows := checksumSQL([]byte("CREATE TABLE a (id INTEGER);\r\nCREATE TABLE b (id INTEGER);\r\n"))
	if unix != windows {
		t.Errorf("want equal checksums, got %s and %s", unix, windows)
	}
	if len(unix) != 64 {
		t.Errorf("want 64 hex chars, got %d", len(unix))
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- header
CREATE TABLE a (
  id INTEGER
);

CREATE INDEX idx_a ON a(id);
INSERT INTO a VALUES (1)`

	stmts := splitStatements(script)
	if len(stmts) != 3 {
		t.Fatalf("want 3 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[2] != "INSERT INTO a VALUES (1)" {
		t.Errorf("want trailing statement without semicolon, got %q", stmts[2])
	}
}
