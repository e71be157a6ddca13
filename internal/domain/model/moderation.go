package model

import (
	"time"

	"github.com/cptcr/pegasus-sub001/internal/domain/enums"
)

type ModerationCase struct {
	ID          int64           `json:"id"`
	GuildID     string          `json:"guild_id"`
	SubjectID   string          `json:"subject_id"`
	ModeratorID string          `json:"moderator_id"`
	Reason      string          `json:"reason"`
	State       enums.CaseState `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	DueAt       *time.Time      `json:"due_at"`
	ResolvedAt  *time.Time      `json:"resolved_at"`
	LiftedBy    *string         `json:"lifted_by"`
}
