package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cptcr/pegasus-sub001/internal/domain/enums"
	"github.com/cptcr/pegasus-sub001/internal/domain/model"
)

var ErrGiveawayNotFound = errors.New("giveaway not found")

type GiveawayRepo struct {
	pool *pgxpool.Pool
}

func NewGiveawayRepo(pool *pgxpool.Pool) *GiveawayRepo {
	return &GiveawayRepo{pool: pool}
}

const giveawayColumns = `
id, guild_id, channel_id, message_id, host_id, prize, winner_count, state,
created_at, last_activity_at, due_at, ended_at, winners
`

func (r *GiveawayRepo) Create(ctx context.Context, g model.Giveaway) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if g.ID == "" || g.ChannelID == "" || g.WinnerCount <= 0 || g.DueAt == nil {
		return fmt.Errorf("invalid giveaway payload")
	}

	if _, err := r.pool.Exec(ctx, `
INSERT INTO giveaways (
	id, guild_id, channel_id, message_id, host_id, prize, winner_count, state,
	created_at, last_activity_at, due_at, winners
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW(), $9, '{}')
`, g.ID, g.GuildID, g.ChannelID, g.MessageID, g.HostID, g.Prize, g.WinnerCount, string(enums.GiveawayActive), g.DueAt); err != nil {
		return fmt.Errorf("insert giveaway: %w", err)
	}

	return nil
}

func (r *GiveawayRepo) GetByID(ctx context.Context, id string) (model.Giveaway, error) {
	if r.pool == nil {
		return model.Giveaway{}, fmt.Errorf("postgres pool is nil")
	}
	if id == "" {
		return model.Giveaway{}, fmt.Errorf("invalid giveaway id")
	}

	row := r.pool.QueryRow(ctx, `SELECT `+giveawayColumns+` FROM giveaways WHERE id = $1`, id)
	return scanGiveaway(row)
}

func (r *GiveawayRepo) AddEntry(ctx context.Context, giveawayID, userID string) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if giveawayID == "" || userID == "" {
		return fmt.Errorf("invalid giveaway entry payload")
	}

	return WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO giveaway_entries (giveaway_id, user_id, entered_at)
VALUES ($1, $2, NOW())
ON CONFLICT (giveaway_id, user_id) DO NOTHING
`, giveawayID, userID); err != nil {
			return fmt.Errorf("insert giveaway entry: %w", err)
		}

		if _, err := tx.Exec(ctx, `
UPDATE giveaways
SET last_activity_at = NOW()
WHERE id = $1 AND state = 'active'
`, giveawayID); err != nil {
			return fmt.Errorf("touch giveaway: %w", err)
		}

		return nil
	})
}

func (r *GiveawayRepo) ListEntries(ctx context.Context, giveawayID string) ([]string, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, `
SELECT user_id
FROM giveaway_entries
WHERE giveaway_id = $1
ORDER BY entered_at ASC
`, giveawayID)
	if err != nil {
		return nil, fmt.Errorf("list giveaway entries: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan giveaway entry: %w", err)
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate giveaway entries: %w", err)
	}

	return users, nil
}

// End moves an active giveaway to its terminal state and records the
// winners in the same statement that clears due_at.
func (r *GiveawayRepo) End(ctx context.Context, id string, winners []string) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	if id == "" {
		return false, fmt.Errorf("invalid giveaway id")
	}
	if winners == nil {
		winners = []string{}
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE giveaways
SET state = 'ended', ended_at = NOW(), due_at = NULL, winners = $2
WHERE id = $1 AND state = 'active'
`, id, winners)
	if err != nil {
		return false, fmt.Errorf("end giveaway: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// SetWinners replaces the winner list of an ended giveaway (reroll).
func (r *GiveawayRepo) SetWinners(ctx context.Context, id string, winners []string) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	if id == "" {
		return false, fmt.Errorf("invalid giveaway id")
	}
	if winners == nil {
		winners = []string{}
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE giveaways
SET winners = $2
WHERE id = $1 AND state = 'ended'
`, id, winners)
	if err != nil {
		return false, fmt.Errorf("set giveaway winners: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *GiveawayRepo) ListDue(ctx context.Context) ([]model.Giveaway, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+giveawayColumns+`
FROM giveaways
WHERE state = 'active' AND due_at IS NOT NULL
ORDER BY due_at ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list due giveaways: %w", err)
	}
	defer rows.Close()

	var giveaways []model.Giveaway
	for rows.Next() {
		g, err := scanGiveaway(rows)
		if err != nil {
			return nil, err
		}
		giveaways = append(giveaways, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due giveaways: %w", err)
	}

	return giveaways, nil
}

func scanGiveaway(row pgx.Row) (model.Giveaway, error) {
	var g model.Giveaway
	var state string
	err := row.Scan(
		&g.ID,
		&g.GuildID,
		&g.ChannelID,
		&g.MessageID,
		&g.HostID,
		&g.Prize,
		&g.WinnerCount,
		&state,
		&g.CreatedAt,
		&g.LastActivityAt,
		&g.DueAt,
		&g.EndedAt,
		&g.Winners,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Giveaway{}, ErrGiveawayNotFound
		}
		return model.Giveaway{}, fmt.Errorf("scan giveaway: %w", err)
	}
	g.State = enums.GiveawayState(state)
	return g, nil
}
