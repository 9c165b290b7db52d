package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/stoat"
	"github.com/pontoon-chat/pontoon/internal/store"
)

type importSend struct {
	channel string
	req     stoat.SendMessage
}

type fakeImportTarget struct {
	mu       sync.Mutex
	sent     []importSend
	uploads  []string
	nextID   int
	attempts int
	failAt   int // fail the Nth send attempt; 0 disables
}

func (f *fakeImportTarget) SendMessage(_ context.Context, channelID string, req stoat.SendMessage) (*stoat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failAt > 0 && f.attempts == f.failAt {
		return nil, errors.New("target unavailable")
	}
	f.nextID++
	msg := &stoat.Message{ID: fmt.Sprintf("01SENT%020d", f.nextID), Channel: channelID, Content: req.Content}
	f.sent = append(f.sent, importSend{channel: channelID, req: req})
	return msg, nil
}

func (f *fakeImportTarget) Upload(_ context.Context, tag, filename string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.uploads = append(f.uploads, tag+"/"+filename)
	return fmt.Sprintf("file-%d", f.nextID), nil
}

func (f *fakeImportTarget) Download(_ context.Context, _ string, _ int64) ([]byte, error) {
	return []byte("blob"), nil
}

func (f *fakeImportTarget) sends() []importSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]importSend, len(f.sent))
	copy(out, f.sent)
	return out
}

func archivedRow(n int, author, content string) store.ArchiveMessage {
	return store.ArchiveMessage{
		SourceMessageID: fmt.Sprintf("%015d", n),
		AuthorID:        "100",
		AuthorName:      author,
		Content:         content,
		Timestamp:       time.Unix(1700000000+int64(n), 0).UTC(),
	}
}

// newImportJob stores the rows under a completed export and flips it to an import.
func newImportJob(t *testing.T, db *store.Store, rows []store.ArchiveMessage) *store.ArchiveJob {
	t.Helper()
	ctx := context.Background()
	job := newExportJob(t, db)
	if _, err := db.InsertArchiveMessages(ctx, job.ID, rows); err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	if err := db.SetJobStatus(ctx, job.ID, store.JobCompleted, nil); err != nil {
		t.Fatalf("complete export: %v", err)
	}
	imp, err := db.PrepareImport(ctx, job.ID, testTargetChannel)
	if err != nil {
		t.Fatalf("prepare import: %v", err)
	}
	return imp
}

func newTestImporter(t *testing.T) (*Importer, *fakeImportTarget, *store.Store) {
	t.Helper()
	db := newTestStore(t)
	target := &fakeImportTarget{}
	imp := NewImporter(db, target, zerolog.Nop())
	imp.gap = 0
	return imp, target, db
}

func TestImportReplaysInOrder(t *testing.T) {
	t.Parallel()
	imp, target, db := newTestImporter(t)

	// Insertion order is scrambled; replay must follow timestamps.
	rows := []store.ArchiveMessage{
		archivedRow(3, "Carol", "third"),
		archivedRow(1, "Alice", "first"),
		archivedRow(2, "Bob", "second"),
	}
	job := newImportJob(t, db, rows)

	if err := imp.Run(context.Background(), job, Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	sent := target.sends()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sent))
	}
	wantOrder := []string{"first", "second", "third"}
	wantAuthor := []string{"Alice", "Bob", "Carol"}
	for i, s := range sent {
		if !strings.HasSuffix(s.req.Content, wantOrder[i]) {
			t.Errorf("message %d content %q, want body %q", i, s.req.Content, wantOrder[i])
		}
		if s.req.Masquerade == nil || s.req.Masquerade.Name != wantAuthor[i] {
			t.Errorf("message %d masquerade = %+v, want %q", i, s.req.Masquerade, wantAuthor[i])
		}
		if s.channel != testTargetChannel {
			t.Errorf("message %d went to %q", i, s.channel)
		}
	}

	// Every message opens with the original timestamp header.
	wantHeader := "*" + time.Unix(1700000001, 0).UTC().Format("2006-01-02 03:04 PM") + " UTC*"
	if !strings.HasPrefix(sent[0].req.Content, wantHeader) {
		t.Errorf("content %q does not start with header %q", sent[0].req.Content, wantHeader)
	}

	reloaded, err := db.ArchiveJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if reloaded.ProcessedMessages != 3 || reloaded.TotalMessages != 3 {
		t.Errorf("progress = %d/%d, want 3/3", reloaded.ProcessedMessages, reloaded.TotalMessages)
	}
}

func TestImportResolvesReplies(t *testing.T) {
	t.Parallel()
	imp, target, db := newTestImporter(t)

	first := archivedRow(1, "Alice", "the original")
	second := archivedRow(2, "Bob", "the answer")
	second.ReplyToID = &first.SourceMessageID
	// A reply whose referent predates the archive falls back to a quote.
	outside := "000000000000000"
	third := archivedRow(3, "Carol", "late reply")
	third.ReplyToID = &outside

	job := newImportJob(t, db, []store.ArchiveMessage{first, second, third})
	if err := imp.Run(context.Background(), job, Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	sent := target.sends()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sent))
	}
	if len(sent[1].req.Replies) != 1 || sent[1].req.Replies[0].ID != "01SENT00000000000000000001" {
		t.Errorf("reply = %+v, want pointer to the first import", sent[1].req.Replies)
	}
	if len(sent[2].req.Replies) != 0 || !strings.HasPrefix(sent[2].req.Content, genericReplyQuote) {
		t.Errorf("unresolvable reply should quote, got %q", sent[2].req.Content)
	}
}

func TestImportRehostsSmallFilesAndLinksLarge(t *testing.T) {
	t.Parallel()
	imp, target, db := newTestImporter(t)

	row := archivedRow(1, "Alice", "look")
	row.Attachments = []store.ArchiveAttachment{
		{Name: "small.png", URL: "https://cdn.example/small.png", Size: 1024},
		{Name: "huge.mov", URL: "https://cdn.example/huge.mov", Size: 30 * 1024 * 1024},
	}
	job := newImportJob(t, db, []store.ArchiveMessage{row})

	if err := imp.Run(context.Background(), job, Options{RehostFiles: true}); err != nil {
		t.Fatalf("run: %v", err)
	}

	sent := target.sends()
	if len(sent[0].req.Attachments) != 1 {
		t.Errorf("attachments = %v, want the small file re-hosted", sent[0].req.Attachments)
	}
	if !strings.Contains(sent[0].req.Content, "[huge.mov](https://cdn.example/huge.mov)") {
		t.Errorf("content %q missing link for the oversize file", sent[0].req.Content)
	}
	if len(target.uploads) != 1 || target.uploads[0] != "attachments/small.png" {
		t.Errorf("uploads = %v", target.uploads)
	}
}

func TestImportWithoutRehostLinksEverything(t *testing.T) {
	t.Parallel()
	imp, target, db := newTestImporter(t)

	row := archivedRow(1, "Alice", "")
	row.Attachments = []store.ArchiveAttachment{{Name: "pic.png", URL: "https://cdn.example/pic.png", Size: 10}}
	job := newImportJob(t, db, []store.ArchiveMessage{row})

	if err := imp.Run(context.Background(), job, Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	sent := target.sends()
	if len(sent[0].req.Attachments) != 0 {
		t.Errorf("attachments = %v, want none without re-host", sent[0].req.Attachments)
	}
	if !strings.Contains(sent[0].req.Content, "[pic.png](https://cdn.example/pic.png)") {
		t.Errorf("content %q missing attachment link", sent[0].req.Content)
	}
}

func TestImportConvertsEmbeds(t *testing.T) {
	t.Parallel()
	imp, target, db := newTestImporter(t)

	row := archivedRow(1, "Alice", "embeds")
	row.Embeds = []store.ArchiveEmbed{
		{Type: "rich", Title: "Rules", Description: "Be kind", Color: 0x336699, URL: "https://example.com"},
		{Type: "link", Title: "Preview", Description: "auto"},
		{Type: "gifv", URL: "https://tenor.example/x"},
	}
	job := newImportJob(t, db, []store.ArchiveMessage{row})

	if err := imp.Run(context.Background(), job, Options{KeepEmbeds: true}); err != nil {
		t.Fatalf("run: %v", err)
	}

	embeds := target.sends()[0].req.Embeds
	if len(embeds) != 1 {
		t.Fatalf("embeds = %+v, want only the rich one", embeds)
	}
	if embeds[0].Type != "Text" || embeds[0].Title != "Rules" || embeds[0].Colour != "#336699" {
		t.Errorf("converted embed = %+v", embeds[0])
	}
}

func TestImportTranslatesContent(t *testing.T) {
	t.Parallel()
	imp, target, db := newTestImporter(t)

	job := newImportJob(t, db, []store.ArchiveMessage{archivedRow(1, "Alice", "secret ||spoiler|| here")})
	if err := imp.Run(context.Background(), job, Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := target.sends()[0].req.Content; !strings.Contains(got, "!!spoiler!!") {
		t.Errorf("content %q, want spoiler translated to target syntax", got)
	}
}

func TestImportFailureLeavesRowUnimported(t *testing.T) {
	t.Parallel()
	imp, target, db := newTestImporter(t)
	target.failAt = 1

	job := newImportJob(t, db, []store.ArchiveMessage{archivedRow(1, "Alice", "hello")})
	err := imp.Run(context.Background(), job, Options{})
	if err == nil {
		t.Fatal("run succeeded despite send failure")
	}

	rows, _ := db.ListUnimportedMessages(context.Background(), job.ID, 10)
	if len(rows) != 1 {
		t.Fatalf("unimported rows = %d, want the failed one to remain", len(rows))
	}

	// Re-running finishes the job without duplicates.
	if err := imp.Run(context.Background(), job, Options{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := len(target.sends()); got != 1 {
		t.Errorf("sent %d messages, want exactly 1", got)
	}
}

func TestImportRequiresTargetChannel(t *testing.T) {
	t.Parallel()
	imp, _, db := newTestImporter(t)
	job := newExportJob(t, db)
	if err := imp.Run(context.Background(), job, Options{}); !errors.Is(err, ErrNoTargetChannel) {
		t.Fatalf("err = %v, want ErrNoTargetChannel", err)
	}
}

func TestPrepareImportGuards(t *testing.T) {
	t.Parallel()
	db := newTestStore(t)
	ctx := context.Background()

	job := newExportJob(t, db)
	// Still pending: not importable yet.
	if _, err := db.PrepareImport(ctx, job.ID, testTargetChannel); !errors.Is(err, store.ErrJobNotImportable) {
		t.Fatalf("err = %v, want ErrJobNotImportable", err)
	}

	if err := db.SetJobStatus(ctx, job.ID, store.JobCompleted, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	imp, err := db.PrepareImport(ctx, job.ID, testTargetChannel)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if imp.Direction != store.JobImport || imp.Status != store.JobPending {
		t.Errorf("job = %+v, want pending import", imp)
	}
	if imp.TargetChannelID == nil || *imp.TargetChannelID != testTargetChannel {
		t.Errorf("target channel = %v", imp.TargetChannelID)
	}

	// Unknown id surfaces as not found, not as a semantic refusal.
	if _, err := db.PrepareImport(ctx, 9999, testTargetChannel); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
