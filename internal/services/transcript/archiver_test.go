package transcript

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cptcr/pegasus-sub001/internal/domain/model"
	"github.com/cptcr/pegasus-sub001/internal/platform"
)

func TestRenderOrdersPaginatedHistoryOldestFirst(t *testing.T) {
	base := time.Date(2026, time.April, 1, 10, 0, 0, 0, time.UTC)

	// Two pages, each newest-first, the way the platform returns them.
	history := &fakeHistory{
		pages: []platform.HistoryPage{
			{
				Messages: []platform.Message{
					msg("4", "alice", "latest", base.Add(3*time.Minute)),
					msg("3", "bob", "third", base.Add(2*time.Minute)),
				},
				NextCursor: "3",
			},
			{
				Messages: []platform.Message{
					msg("2", "alice", "second", base.Add(time.Minute)),
					msg("1", "bob", "first", base),
				},
			},
		},
	}
	storage := &fakeUploader{}

	a := NewArchiver(history, storage)
	artifact, err := a.Render(context.Background(), ticket(5))
	if err != nil {
		t.Fatalf("render transcript: %v", err)
	}

	if artifact.Messages != 4 {
		t.Fatalf("expected 4 messages, got %d", artifact.Messages)
	}

	doc := string(storage.data)
	first := strings.Index(doc, "first")
	second := strings.Index(doc, "second")
	third := strings.Index(doc, "third")
	latest := strings.Index(doc, "latest")
	if first < 0 || second < 0 || third < 0 || latest < 0 {
		t.Fatalf("rendered document missing messages:\n%s", doc)
	}
	if !(first < second && second < third && third < latest) {
		t.Fatalf("messages must render oldest-first:\n%s", doc)
	}
}

func TestRenderEmptyHistoryProducesValidTranscript(t *testing.T) {
	history := &fakeHistory{pages: []platform.HistoryPage{{}}}
	storage := &fakeUploader{}

	a := NewArchiver(history, storage)
	artifact, err := a.Render(context.Background(), ticket(9))
	if err != nil {
		t.Fatalf("render empty transcript: %v", err)
	}

	if artifact.Messages != 0 {
		t.Fatalf("expected zero messages, got %d", artifact.Messages)
	}
	if artifact.ObjectKey == "" || artifact.ContentHash == "" {
		t.Fatalf("empty transcript must still produce key and hash: %+v", artifact)
	}
	if !strings.Contains(string(storage.data), "Messages: 0") {
		t.Fatalf("rendered document should report zero messages:\n%s", storage.data)
	}
}

func TestRenderHashIsStableForSameContent(t *testing.T) {
	base := time.Date(2026, time.April, 2, 8, 0, 0, 0, time.UTC)
	pages := []platform.HistoryPage{
		{Messages: []platform.Message{msg("1", "alice", "hello", base)}},
	}

	a1 := NewArchiver(&fakeHistory{pages: pages}, &fakeUploader{})
	a2 := NewArchiver(&fakeHistory{pages: pages}, &fakeUploader{})

	first, err := a1.Render(context.Background(), ticket(3))
	if err != nil {
		t.Fatalf("first render: %v", err)
	}
	second, err := a2.Render(context.Background(), ticket(3))
	if err != nil {
		t.Fatalf("second render: %v", err)
	}

	if first.ContentHash != second.ContentHash {
		t.Fatalf("same content must hash identically: %s vs %s", first.ContentHash, second.ContentHash)
	}
	if first.ObjectKey != second.ObjectKey {
		t.Fatalf("same content must map to the same object key: %s vs %s", first.ObjectKey, second.ObjectKey)
	}
	if !strings.HasPrefix(first.ObjectKey, "transcripts/3-") {
		t.Fatalf("unexpected object key shape: %s", first.ObjectKey)
	}
}

func TestRenderFailsWhenUploadFails(t *testing.T) {
	history := &fakeHistory{pages: []platform.HistoryPage{{}}}
	storage := &fakeUploader{err: fmt.Errorf("bucket unavailable")}

	a := NewArchiver(history, storage)
	if _, err := a.Render(context.Background(), ticket(1)); err == nil {
		t.Fatalf("expected upload failure to surface")
	}
}

func ticket(id int64) model.Ticket {
	return model.Ticket{
		ID:        id,
		ChannelID: "chan-1",
		OwnerID:   "owner-1",
		Subject:   "help needed",
		CreatedAt: time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC),
	}
}

func msg(id, author, content string, ts time.Time) platform.Message {
	return platform.Message{
		ID:         id,
		AuthorID:   author,
		AuthorName: author,
		Content:    content,
		Timestamp:  ts,
	}
}

type fakeHistory struct {
	pages []platform.HistoryPage
	calls int
}

func (f *fakeHistory) FetchMessageHistory(_ context.Context, _ string, _ string) (platform.HistoryPage, error) {
	if f.calls >= len(f.pages) {
		return platform.HistoryPage{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

type fakeUploader struct {
	key  string
	data []byte
	err  error
}

func (f *fakeUploader) Put(_ context.Context, objectKey string, data []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.key = objectKey
	f.data = data
	return nil
}
