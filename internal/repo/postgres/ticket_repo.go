package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cptcr/pegasus-sub001/internal/domain/enums"
	"github.com/cptcr/pegasus-sub001/internal/domain/model"
)

var ErrTicketNotFound = errors.New("ticket not found")

type TicketRepo struct {
	pool *pgxpool.Pool
}

func NewTicketRepo(pool *pgxpool.Pool) *TicketRepo {
	return &TicketRepo{pool: pool}
}

const ticketColumns = `
id, panel_id, guild_id, channel_id, owner_id, assigned_to, state, subject,
warned_at, created_at, last_activity_at, due_at,
close_reason, closed_by, closed_at, resolution_minutes,
transcript_key, transcript_hash, rating, feedback
`

func (r *TicketRepo) Create(ctx context.Context, t model.Ticket) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}
	if t.PanelID <= 0 || t.OwnerID == "" || t.ChannelID == "" {
		return 0, fmt.Errorf("invalid ticket payload")
	}

	var id int64
	if err := r.pool.QueryRow(ctx, `
INSERT INTO tickets (
	panel_id, guild_id, channel_id, owner_id, state, subject,
	created_at, last_activity_at, due_at
) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW(), $7)
RETURNING id
`, t.PanelID, t.GuildID, t.ChannelID, t.OwnerID, string(enums.TicketOpen), t.Subject, t.DueAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert ticket: %w", err)
	}

	return id, nil
}

func (r *TicketRepo) GetByID(ctx context.Context, id int64) (model.Ticket, error) {
	if r.pool == nil {
		return model.Ticket{}, fmt.Errorf("postgres pool is nil")
	}
	if id <= 0 {
		return model.Ticket{}, fmt.Errorf("invalid ticket id")
	}

	row := r.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	return scanTicket(row)
}

func (r *TicketRepo) CountOpenForOwner(ctx context.Context, panelID int64, ownerID string) (int, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}

	var count int
	if err := r.pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM tickets
WHERE panel_id = $1 AND owner_id = $2 AND state <> 'closed'
`, panelID, ownerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open tickets: %w", err)
	}

	return count, nil
}

// Claim is first-writer-wins: the conditional WHERE rejects a second
// concurrent claim instead of overwriting it.
func (r *TicketRepo) Claim(ctx context.Context, id int64, actorID string) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	if id <= 0 || actorID == "" {
		return false, fmt.Errorf("invalid claim payload")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE tickets
SET state = 'claimed', assigned_to = $2, last_activity_at = NOW()
WHERE id = $1 AND state = 'open' AND assigned_to IS NULL
`, id, actorID)
	if err != nil {
		return false, fmt.Errorf("claim ticket: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *TicketRepo) Unclaim(ctx context.Context, id int64) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE tickets
SET state = 'open', assigned_to = NULL, last_activity_at = NOW()
WHERE id = $1 AND state = 'claimed'
`, id)
	if err != nil {
		return false, fmt.Errorf("unclaim ticket: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// SetState applies an optimistic transition: the write lands only if the
// stored state still equals from.
func (r *TicketRepo) SetState(ctx context.Context, id int64, from, to enums.TicketState) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	if id <= 0 || from == to {
		return false, fmt.Errorf("invalid state transition payload")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE tickets
SET state = $3, last_activity_at = NOW()
WHERE id = $1 AND state = $2
`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("set ticket state: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Close moves any non-terminal ticket to closed. The terminal state,
// resolution minutes and the due_at reset land in one statement so a
// crash can never leave them split.
func (r *TicketRepo) Close(ctx context.Context, id int64, closedBy, reason string) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	if id <= 0 || closedBy == "" {
		return false, fmt.Errorf("invalid close payload")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE tickets
SET
	state = 'closed',
	close_reason = $3,
	closed_by = $2,
	closed_at = NOW(),
	resolution_minutes = CEIL(EXTRACT(EPOCH FROM (NOW() - created_at)) / 60)::bigint,
	due_at = NULL
WHERE id = $1 AND state <> 'closed'
`, id, closedBy, reason)
	if err != nil {
		return false, fmt.Errorf("close ticket: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Touch advances activity and pushes the auto-close deadline by the given
// extension in the same statement.
func (r *TicketRepo) Touch(ctx context.Context, id int64, extension time.Duration) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if id <= 0 {
		return fmt.Errorf("invalid ticket id")
	}

	seconds := int64(extension / time.Second)
	if _, err := r.pool.Exec(ctx, `
UPDATE tickets
SET last_activity_at = NOW(), due_at = NOW() + make_interval(secs => $2), warned_at = NULL
WHERE id = $1 AND state <> 'closed'
`, id, seconds); err != nil {
		return fmt.Errorf("touch ticket: %w", err)
	}

	return nil
}

func (r *TicketRepo) MarkWarned(ctx context.Context, id int64) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE tickets
SET warned_at = NOW()
WHERE id = $1 AND warned_at IS NULL AND state <> 'closed'
`, id)
	if err != nil {
		return false, fmt.Errorf("mark ticket warned: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *TicketRepo) SetTranscript(ctx context.Context, id int64, objectKey, contentHash string) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if id <= 0 || objectKey == "" {
		return fmt.Errorf("invalid transcript payload")
	}

	if _, err := r.pool.Exec(ctx, `
UPDATE tickets
SET transcript_key = $2, transcript_hash = $3
WHERE id = $1
`, id, objectKey, contentHash); err != nil {
		return fmt.Errorf("set ticket transcript: %w", err)
	}

	return nil
}

func (r *TicketRepo) RecordFeedback(ctx context.Context, id int64, rating int, comment string) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	if id <= 0 || rating < 1 || rating > 5 {
		return false, fmt.Errorf("invalid feedback payload")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE tickets
SET rating = $2, feedback = $3
WHERE id = $1 AND state = 'closed'
`, id, rating, comment)
	if err != nil {
		return false, fmt.Errorf("record ticket feedback: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *TicketRepo) ListWarnCandidates(ctx context.Context, cutoff time.Time) ([]int64, error) {
	return r.listIDs(ctx, `
SELECT id
FROM tickets
WHERE state <> 'closed' AND warned_at IS NULL AND last_activity_at < $1
ORDER BY last_activity_at ASC
`, cutoff)
}

func (r *TicketRepo) ListCloseCandidates(ctx context.Context, cutoff time.Time) ([]int64, error) {
	return r.listIDs(ctx, `
SELECT id
FROM tickets
WHERE state <> 'closed' AND last_activity_at < $1
ORDER BY last_activity_at ASC
`, cutoff)
}

// ListDue returns every non-terminal ticket with a pending deadline, for
// scheduler bootstrap after a restart.
func (r *TicketRepo) ListDue(ctx context.Context) ([]model.Ticket, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+ticketColumns+`
FROM tickets
WHERE state <> 'closed' AND due_at IS NOT NULL
ORDER BY due_at ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list due tickets: %w", err)
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due tickets: %w", err)
	}

	return tickets, nil
}

func (r *TicketRepo) listIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ticket ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ticket id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticket ids: %w", err)
	}

	return ids, nil
}

func scanTicket(row pgx.Row) (model.Ticket, error) {
	var t model.Ticket
	var state string
	err := row.Scan(
		&t.ID,
		&t.PanelID,
		&t.GuildID,
		&t.ChannelID,
		&t.OwnerID,
		&t.AssignedTo,
		&state,
		&t.Subject,
		&t.WarnedAt,
		&t.CreatedAt,
		&t.LastActivityAt,
		&t.DueAt,
		&t.CloseReason,
		&t.ClosedBy,
		&t.ClosedAt,
		&t.ResolutionMinutes,
		&t.TranscriptKey,
		&t.TranscriptHash,
		&t.Rating,
		&t.Feedback,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Ticket{}, ErrTicketNotFound
		}
		return model.Ticket{}, fmt.Errorf("scan ticket: %w", err)
	}
	t.State = enums.TicketState(state)
	return t, nil
}
