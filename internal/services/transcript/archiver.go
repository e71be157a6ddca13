package transcript

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/cptcr/pegasus-sub001/internal/domain/model"
	"github.com/cptcr/pegasus-sub001/internal/platform"
)

// maxPages bounds the history walk so a cursor bug cannot loop forever.
const maxPages = 500

type HistoryFetcher interface {
	FetchMessageHistory(ctx context.Context, channelID, cursor string) (platform.HistoryPage, error)
}

type Uploader interface {
	Put(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type Artifact struct {
	ObjectKey   string
	ContentHash string
	Messages    int
}

type Archiver struct {
	history HistoryFetcher
	storage Uploader
}

func NewArchiver(history HistoryFetcher, storage Uploader) *Archiver {
	return &Archiver{
		history: history,
		storage: storage,
	}
}

// Render walks the full channel history, renders it oldest-first into a
// self-contained document, uploads it and returns the object key plus a
// content hash for dedup. An empty history yields a valid empty
// transcript.
func (a *Archiver) Render(ctx context.Context, t model.Ticket) (Artifact, error) {
	if a.history == nil || a.storage == nil {
		return Artifact{}, fmt.Errorf("archiver dependencies are not configured")
	}
	if t.ChannelID == "" {
		return Artifact{}, fmt.Errorf("ticket has no channel")
	}

	messages, err := a.fetchAll(ctx, t.ChannelID)
	if err != nil {
		return Artifact{}, err
	}

	// Pages arrive newest-first; order the whole history before render.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	doc := renderDocument(t, messages)
	sum := sha256.Sum256([]byte(doc))
	hash := hex.EncodeToString(sum[:])
	objectKey := fmt.Sprintf("transcripts/%d-%s.txt", t.ID, hash[:12])

	if err := a.storage.Put(ctx, objectKey, []byte(doc), "text/plain; charset=utf-8"); err != nil {
		return Artifact{}, err
	}

	return Artifact{
		ObjectKey:   objectKey,
		ContentHash: hash,
		Messages:    len(messages),
	}, nil
}

func (a *Archiver) fetchAll(ctx context.Context, channelID string) ([]platform.Message, error) {
	var messages []platform.Message
	cursor := ""

	for page := 0; page < maxPages; page++ {
		p, err := a.history.FetchMessageHistory(ctx, channelID, cursor)
		if err != nil {
			return nil, fmt.Errorf("fetch message history: %w", err)
		}
		messages = append(messages, p.Messages...)
		if p.NextCursor == "" {
			return messages, nil
		}
		cursor = p.NextCursor
	}

	return nil, fmt.Errorf("message history did not terminate after %d pages", maxPages)
}

func renderDocument(t model.Ticket, messages []platform.Message) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Ticket #%d — %s\n", t.ID, t.Subject)
	fmt.Fprintf(&b, "Owner: %s\n", t.OwnerID)
	fmt.Fprintf(&b, "Opened: %s\n", t.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Messages: %d\n\n", len(messages))

	for _, m := range messages {
		author := m.AuthorName
		if author == "" {
			author = m.AuthorID
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.UTC().Format("2006-01-02 15:04:05"), author, m.Content)
		for _, att := range m.Attachments {
			name := att.Filename
			if name == "" {
				name = att.ID
			}
			fmt.Fprintf(&b, "    attachment: %s %s\n", name, att.URL)
		}
	}

	return b.String()
}
