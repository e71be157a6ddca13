package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/cptcr/pegasus-sub001/internal/platform"
)

const historyPageSize = 100

// Adapter implements platform.Adapter over the Discord REST API.
type Adapter struct {
	session *discordgo.Session
}

func New(token string) (*Adapter, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("discord bot token is empty")
	}

	session, err := discordgo.New("Bot " + strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &Adapter{session: session}, nil
}

func (a *Adapter) CreateChannel(ctx context.Context, spec platform.ChannelSpec) (string, error) {
	if a.session == nil {
		return "", fmt.Errorf("discord session is not initialized")
	}

	channel, err := a.session.GuildChannelCreateComplex(spec.GuildID, discordgo.GuildChannelCreateData{
		Name:     spec.Name,
		Type:     discordgo.ChannelTypeGuildText,
		Topic:    spec.Topic,
		ParentID: spec.CategoryID,
	})
	if err != nil {
		return "", fmt.Errorf("create channel: %w", mapError(err))
	}

	return channel.ID, nil
}

func (a *Adapter) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := a.session.ChannelDelete(channelID); err != nil {
		return fmt.Errorf("delete channel %s: %w", channelID, mapError(err))
	}
	return nil
}

func (a *Adapter) SetSendPermission(ctx context.Context, channelID, subjectID string, allow bool) error {
	var allowBits, denyBits int64
	if allow {
		allowBits = discordgo.PermissionSendMessages
	} else {
		denyBits = discordgo.PermissionSendMessages
	}

	err := a.session.ChannelPermissionSet(channelID, subjectID, discordgo.PermissionOverwriteTypeMember, allowBits, denyBits)
	if err != nil {
		return fmt.Errorf("set send permission for %s in %s: %w", subjectID, channelID, mapError(err))
	}
	return nil
}

func (a *Adapter) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	msg, err := a.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", channelID, mapError(err))
	}
	return msg.ID, nil
}

func (a *Adapter) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	if _, err := a.session.ChannelMessageEdit(channelID, messageID, content); err != nil {
		return fmt.Errorf("edit message %s in %s: %w", messageID, channelID, mapError(err))
	}
	return nil
}

func (a *Adapter) FetchMember(ctx context.Context, guildID, subjectID string) (platform.MemberInfo, error) {
	member, err := a.session.GuildMember(guildID, subjectID)
	if err != nil {
		return platform.MemberInfo{}, fmt.Errorf("fetch member %s: %w", subjectID, mapError(err))
	}

	info := platform.MemberInfo{
		UserID: subjectID,
		Roles:  member.Roles,
	}
	if member.User != nil {
		info.Username = member.User.Username
	}
	return info, nil
}

func (a *Adapter) Ban(ctx context.Context, guildID, subjectID, reason string) error {
	if err := a.session.GuildBanCreateWithReason(guildID, subjectID, reason, 0); err != nil {
		return fmt.Errorf("ban %s: %w", subjectID, mapError(err))
	}
	return nil
}

func (a *Adapter) Unban(ctx context.Context, guildID, subjectID string) error {
	if err := a.session.GuildBanDelete(guildID, subjectID); err != nil {
		return fmt.Errorf("unban %s: %w", subjectID, mapError(err))
	}
	return nil
}

// FetchMessageHistory pages backwards through the channel; Discord
// returns each page newest-first and the caller is expected to sort.
func (a *Adapter) FetchMessageHistory(ctx context.Context, channelID, cursor string) (platform.HistoryPage, error) {
	messages, err := a.session.ChannelMessages(channelID, historyPageSize, cursor, "", "")
	if err != nil {
		return platform.HistoryPage{}, fmt.Errorf("fetch history of %s: %w", channelID, mapError(err))
	}

	page := platform.HistoryPage{Messages: make([]platform.Message, 0, len(messages))}
	for _, m := range messages {
		msg := platform.Message{
			ID:        m.ID,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		}
		if m.Author != nil {
			msg.AuthorID = m.Author.ID
			msg.AuthorName = m.Author.Username
		}
		for _, att := range m.Attachments {
			if att == nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, platform.Attachment{
				ID:       att.ID,
				Filename: att.Filename,
				URL:      att.URL,
			})
		}
		page.Messages = append(page.Messages, msg)
	}

	if len(messages) == historyPageSize {
		page.NextCursor = messages[len(messages)-1].ID
	}
	return page, nil
}

func mapError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return platform.ErrNotFound
	}
	return err
}
