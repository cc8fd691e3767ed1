package notification

import (
	"context"
	"database/sql"
	"embed"

	"github.com/nao1215/pushboard/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// initSchema はマイグレーションを実行してスキーマを適用する。
// 今回適用したマイグレーションの名前を返す。
func initSchema(ctx context.Context, db *sql.DB) ([]string, error) {
	return migration.Run(ctx, db, migrationsFS, "migrations")
}
