package model

import (
	"time"

	"github.com/cptcr/pegasus-sub001/internal/domain/enums"
)

type Giveaway struct {
	ID             string              `json:"id"`
	GuildID        string              `json:"guild_id"`
	ChannelID      string              `json:"channel_id"`
	MessageID      string              `json:"message_id"`
	HostID         string              `json:"host_id"`
	Prize          string              `json:"prize"`
	WinnerCount    int                 `json:"winner_count"`
	State          enums.GiveawayState `json:"state"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	DueAt          *time.Time          `json:"due_at"`
	EndedAt        *time.Time          `json:"ended_at"`
	Winners        []string            `json:"winners"`
}

type GiveawayEntry struct {
	GiveawayID string    `json:"giveaway_id"`
	UserID     string    `json:"user_id"`
	EnteredAt  time.Time `json:"entered_at"`
}
