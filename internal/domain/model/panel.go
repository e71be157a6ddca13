package model

import "time"

type TicketPanel struct {
	ID         int64     `json:"id"`
	GuildID    string    `json:"guild_id"`
	ChannelID  string    `json:"channel_id"`
	CategoryID string    `json:"category_id"`
	Title      string    `json:"title"`
	MaxPerUser int       `json:"max_per_user"`
	CreatedAt  time.Time `json:"created_at"`
}
