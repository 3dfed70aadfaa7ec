package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// Repository provides database access for known SDK channels.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const channelColumns = `id, origin, other_public_key, protocol_version, originator_info, trigger,
	last_connected, valid_until, created, modified`

// ListChannels returns every known channel, most recently modified first.
func (r *Repository) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+channelColumns+`
		 FROM sdk_channels
		 ORDER BY modified DESC`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListChannels query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - ListChannels rows failed: %w", repoLogPrefix, err)
	}
	return channels, nil
}

// GetChannel finds a channel by id. Returns nil, nil when absent.
func (r *Repository) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+channelColumns+`
		 FROM sdk_channels
		 WHERE id = $1`, id)
	c, err := scanChannel(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// UpsertChannel creates or replaces a channel row.
func (r *Repository) UpsertChannel(ctx context.Context, c Channel) error {
	slog.Debug(fmt.Sprintf("%s - UpsertChannel id=%s", repoLogPrefix, c.ID))

	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sdk_channels
		   (id, origin, other_public_key, protocol_version, originator_info, trigger,
		    last_connected, valid_until, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   origin = $2,
		   other_public_key = $3,
		   protocol_version = $4,
		   originator_info = COALESCE($5, sdk_channels.originator_info),
		   trigger = $6,
		   last_connected = COALESCE($7, sdk_channels.last_connected),
		   valid_until = COALESCE($8, sdk_channels.valid_until),
		   modified = $9`,
		c.ID, c.Origin, c.OtherPublicKey, c.ProtocolVersion, nullableJSON(c.OriginatorInfo), c.Trigger,
		c.LastConnected, c.ValidUntil, now)
	if err != nil {
		return fmt.Errorf("%s - UpsertChannel failed: %w", repoLogPrefix, err)
	}
	return nil
}

// TouchChannel sets last_connected on an existing channel. Touching an unknown id is not an error.
func (r *Repository) TouchChannel(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sdk_channels SET last_connected = $2, modified = $3 WHERE id = $1`,
		id, at, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s - TouchChannel failed: %w", repoLogPrefix, err)
	}
	return nil
}

// DeleteChannel removes a channel row. Deleting an unknown id is not an error.
func (r *Repository) DeleteChannel(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM sdk_channels WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s - DeleteChannel failed: %w", repoLogPrefix, err)
	}
	return nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%s - ping failed: %w", repoLogPrefix, err)
	}
	return nil
}

func scanChannel(row pgx.Row) (*Channel, error) {
	var c Channel
	err := row.Scan(
		&c.ID, &c.Origin, &c.OtherPublicKey, &c.ProtocolVersion, &c.OriginatorInfo, &c.Trigger,
		&c.LastConnected, &c.ValidUntil, &c.Created, &c.Modified,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan channel failed: %w", repoLogPrefix, err)
	}
	return &c, nil
}

// nullableJSON maps empty JSON to SQL NULL so COALESCE keeps the stored value.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
