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

var ErrCaseNotFound = errors.New("moderation case not found")

type CaseRepo struct {
	pool *pgxpool.Pool
}

func NewCaseRepo(pool *pgxpool.Pool) *CaseRepo {
	return &CaseRepo{pool: pool}
}

const caseColumns = `
id, guild_id, subject_id, moderator_id, reason, state,
created_at, due_at, resolved_at, lifted_by
`

func (r *CaseRepo) Create(ctx context.Context, c model.ModerationCase) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}
	if c.SubjectID == "" || c.ModeratorID == "" || c.DueAt == nil {
		return 0, fmt.Errorf("invalid moderation case payload")
	}

	var id int64
	if err := r.pool.QueryRow(ctx, `
INSERT INTO moderation_cases (guild_id, subject_id, moderator_id, reason, state, created_at, due_at)
VALUES ($1, $2, $3, $4, $5, NOW(), $6)
RETURNING id
`, c.GuildID, c.SubjectID, c.ModeratorID, c.Reason, string(enums.CaseActive), c.DueAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert moderation case: %w", err)
	}

	return id, nil
}

func (r *CaseRepo) GetByID(ctx context.Context, id int64) (model.ModerationCase, error) {
	if r.pool == nil {
		return model.ModerationCase{}, fmt.Errorf("postgres pool is nil")
	}
	if id <= 0 {
		return model.ModerationCase{}, fmt.Errorf("invalid case id")
	}

	row := r.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM moderation_cases WHERE id = $1`, id)
	return scanCase(row)
}

// Expire applies the timed transition. Conditional on the case still
// being active; due_at clears in the same statement as the terminal
// state.
func (r *CaseRepo) Expire(ctx context.Context, id int64) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE moderation_cases
SET state = 'expired', resolved_at = NOW(), due_at = NULL
WHERE id = $1 AND state = 'active'
`, id)
	if err != nil {
		return false, fmt.Errorf("expire moderation case: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *CaseRepo) Lift(ctx context.Context, id int64, actorID string) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	if id <= 0 || actorID == "" {
		return false, fmt.Errorf("invalid lift payload")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE moderation_cases
SET state = 'lifted', resolved_at = NOW(), lifted_by = $2, due_at = NULL
WHERE id = $1 AND state = 'active'
`, id, actorID)
	if err != nil {
		return false, fmt.Errorf("lift moderation case: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *CaseRepo) ListDue(ctx context.Context) ([]model.ModerationCase, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+caseColumns+`
FROM moderation_cases
WHERE state = 'active' AND due_at IS NOT NULL
ORDER BY due_at ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list due moderation cases: %w", err)
	}
	defer rows.Close()

	var cases []model.ModerationCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due moderation cases: %w", err)
	}

	return cases, nil
}

func scanCase(row pgx.Row) (model.ModerationCase, error) {
	var c model.ModerationCase
	var state string
	err := row.Scan(
		&c.ID,
		&c.GuildID,
		&c.SubjectID,
		&c.ModeratorID,
		&c.Reason,
		&state,
		&c.CreatedAt,
		&c.DueAt,
		&c.ResolvedAt,
		&c.LiftedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ModerationCase{}, ErrCaseNotFound
		}
		return model.ModerationCase{}, fmt.Errorf("scan moderation case: %w", err)
	}
	c.State = enums.CaseState(state)
	return c, nil
}
