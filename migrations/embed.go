// Package migrations は台帳スキーマのSQLマイグレーションを埋め込む。
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// For はドライバ名に対応するマイグレーションファイル群を返す。
func For(driver string) (fs.FS, error) {
	switch driver {
	case "mysql", "sqlite":
		return fs.Sub(files, driver)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
