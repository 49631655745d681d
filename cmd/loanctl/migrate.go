package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vehicle-loan-ledger/config"
	"vehicle-loan-ledger/internal/domain"
	"vehicle-loan-ledger/internal/infra"
	"vehicle-loan-ledger/internal/repository"
	"vehicle-loan-ledger/internal/usecase"
	"vehicle-loan-ledger/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
	Long:  "Manage database migrations for the loan ledger",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Long:  "Apply all pending migrations to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		migrationService, err := newMigrationService()
		if err != nil {
			return err
		}

		// マイグレーション実行
		appliedCount, err := migrationService.ApplyMigrations(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		if appliedCount == 0 {
			fmt.Println("No pending migrations.")
		} else {
			fmt.Printf("Applied %d migration(s) successfully.\n", appliedCount)
		}

		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  "Show the status of all migrations (applied/pending/modified)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		migrationService, err := newMigrationService()
		if err != nil {
			return err
		}

		// マイグレーションステータスを取得
		statuses, err := migrationService.GetMigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}

		// テーブル形式で出力
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
		fmt.Fprintln(w, "-------\t----\t------\t----------")

		for _, migration := range statuses {
			appliedAt := "-"
			if migration.AppliedAt != nil {
				appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
			}

			status := string(migration.Status)
			if migration.Status == domain.MigrationStatusModified {
				status += " (!)"
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", migration.Version, migration.Name, status, appliedAt)
		}

		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush output: %w", err)
		}

		return nil
	},
}

// newMigrationService は DATABASE_DRIVER / DATABASE_URL から接続し、埋め込みSQLを使うサービスを生成する。
func newMigrationService() (*usecase.MigrationService, error) {
	cfg := config.Load()

	// データベース接続
	db, err := infra.NewDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	files, err := migrations.For(cfg.DatabaseDriver)
	if err != nil {
		return nil, err
	}

	return usecase.NewMigrationService(repository.NewMigrationRepository(db), db, files), nil
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
