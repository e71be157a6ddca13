package model

import (
	"time"

	"github.com/cptcr/pegasus-sub001/internal/domain/enums"
)

type Ticket struct {
	ID                int64             `json:"id"`
	PanelID           int64             `json:"panel_id"`
	GuildID           string            `json:"guild_id"`
	ChannelID         string            `json:"channel_id"`
	OwnerID           string            `json:"owner_id"`
	AssignedTo        *string           `json:"assigned_to"`
	State             enums.TicketState `json:"state"`
	Subject           string            `json:"subject"`
	WarnedAt          *time.Time        `json:"warned_at"`
	CreatedAt         time.Time         `json:"created_at"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
	DueAt             *time.Time        `json:"due_at"`
	CloseReason       *string           `json:"close_reason"`
	ClosedBy          *string           `json:"closed_by"`
	ClosedAt          *time.Time        `json:"closed_at"`
	ResolutionMinutes *int64            `json:"resolution_minutes"`
	TranscriptKey     *string           `json:"transcript_key"`
	TranscriptHash    *string           `json:"transcript_hash"`
	Rating            *int              `json:"rating"`
	Feedback          *string           `json:"feedback"`
}
