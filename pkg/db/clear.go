package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearChannels truncates the sdk_channels table. Schema is preserved.
func ClearChannels(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing channel table", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE sdk_channels`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}
	return nil
}

// PruneExpiredChannels deletes channels whose valid_until is before now and returns how many went.
// Rows without valid_until never expire.
func PruneExpiredChannels(ctx context.Context, pool *pgxpool.Pool, now time.Time) (int64, error) {
	tag, err := pool.Exec(ctx, `DELETE FROM sdk_channels WHERE valid_until IS NOT NULL AND valid_until < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("%s - prune failed: %w", clearLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Pruned %d expired channels", clearLogPrefix, tag.RowsAffected()))
	return tag.RowsAffected(), nil
}
