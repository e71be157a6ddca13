package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cptcr/pegasus-sub001/internal/domain/model"
)

var ErrPanelNotFound = errors.New("ticket panel not found")

type PanelRepo struct {
	pool *pgxpool.Pool
}

func NewPanelRepo(pool *pgxpool.Pool) *PanelRepo {
	return &PanelRepo{pool: pool}
}

func (r *PanelRepo) Create(ctx context.Context, p model.TicketPanel) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}
	if p.GuildID == "" || p.Title == "" {
		return 0, fmt.Errorf("invalid panel payload")
	}

	maxPerUser := p.MaxPerUser
	if maxPerUser <= 0 {
		maxPerUser = 1
	}

	var id int64
	if err := r.pool.QueryRow(ctx, `
INSERT INTO ticket_panels (guild_id, channel_id, category_id, title, max_per_user, created_at)
VALUES ($1, $2, $3, $4, $5, NOW())
RETURNING id
`, p.GuildID, p.ChannelID, p.CategoryID, p.Title, maxPerUser).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert ticket panel: %w", err)
	}

	return id, nil
}

func (r *PanelRepo) GetByID(ctx context.Context, id int64) (model.TicketPanel, error) {
	if r.pool == nil {
		return model.TicketPanel{}, fmt.Errorf("postgres pool is nil")
	}
	if id <= 0 {
		return model.TicketPanel{}, fmt.Errorf("invalid panel id")
	}

	var p model.TicketPanel
	err := r.pool.QueryRow(ctx, `
SELECT id, guild_id, channel_id, category_id, title, max_per_user, created_at
FROM ticket_panels
WHERE id = $1
`, id).Scan(&p.ID, &p.GuildID, &p.ChannelID, &p.CategoryID, &p.Title, &p.MaxPerUser, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TicketPanel{}, ErrPanelNotFound
		}
		return model.TicketPanel{}, fmt.Errorf("query ticket panel: %w", err)
	}

	return p, nil
}
