package platform

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("platform resource not found")

type ChannelSpec struct {
	GuildID    string
	Name       string
	CategoryID string
	Topic      string
}

type MemberInfo struct {
	UserID   string
	Username string
	Roles    []string
}

type Attachment struct {
	ID       string
	Filename string
	URL      string
}

type Message struct {
	ID          string
	AuthorID    string
	AuthorName  string
	Content     string
	Timestamp   time.Time
	Attachments []Attachment
}

// HistoryPage is one page of channel history. Pages may arrive
// newest-first; NextCursor is empty on the last page.
type HistoryPage struct {
	Messages   []Message
	NextCursor string
}

type Adapter interface {
	CreateChannel(ctx context.Context, spec ChannelSpec) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	SetSendPermission(ctx context.Context, channelID, subjectID string, allow bool) error
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	FetchMember(ctx context.Context, guildID, subjectID string) (MemberInfo, error)
	Ban(ctx context.Context, guildID, subjectID, reason string) error
	Unban(ctx context.Context, guildID, subjectID string) error
	FetchMessageHistory(ctx context.Context, channelID, cursor string) (HistoryPage, error)
}
