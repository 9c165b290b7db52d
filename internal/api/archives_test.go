package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/archive"
	"github.com/pontoon-chat/pontoon/internal/httputil"
	"github.com/pontoon-chat/pontoon/internal/store"
)

// --- response parsing helpers (shared across the package's tests) ---

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func parseSuccess(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

// newTestStore opens a fresh in-memory database for handlers that hit the store directly.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open(:memory:) returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// --- fakes ---

// fakeArchiveRunner implements ArchiveRunner for handler tests.
type fakeArchiveRunner struct {
	jobs      map[int64]*store.ArchiveJob
	nextID    int64
	startErr  error
	importErr error
	resumeErr error

	lastImportOpts archive.Options
	cancelled      []int64
}

func newFakeArchiveRunner() *fakeArchiveRunner {
	return &fakeArchiveRunner{jobs: make(map[int64]*store.ArchiveJob), nextID: 1}
}

func (f *fakeArchiveRunner) StartExport(_ context.Context, guildID, channelID, channelName string) (*store.ArchiveJob, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	job := &store.ArchiveJob{
		ID:                f.nextID,
		GuildID:           guildID,
		SourceChannelID:   channelID,
		SourceChannelName: channelName,
		Direction:         store.JobExport,
		Status:            store.JobPending,
	}
	f.jobs[job.ID] = job
	f.nextID++
	return job, nil
}

func (f *fakeArchiveRunner) StartImport(_ context.Context, jobID int64, targetChannelID string, opts archive.Options) (*store.ArchiveJob, error) {
	if f.importErr != nil {
		return nil, f.importErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	f.lastImportOpts = opts
	job.Direction = store.JobImport
	job.Status = store.JobPending
	job.TargetChannelID = &targetChannelID
	return job, nil
}

func (f *fakeArchiveRunner) Resume(_ context.Context, jobID int64, _ archive.Options) (*store.ArchiveJob, error) {
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	job.Status = store.JobRunning
	return job, nil
}

func (f *fakeArchiveRunner) Job(_ context.Context, jobID int64) (*store.ArchiveJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeArchiveRunner) Cancel(jobID int64) bool {
	if _, ok := f.jobs[jobID]; !ok {
		return false
	}
	f.cancelled = append(f.cancelled, jobID)
	return true
}

func testArchivesApp(t *testing.T, jobs ArchiveRunner) *fiber.App {
	t.Helper()
	handler := NewArchivesHandler(jobs, zerolog.Nop())
	app := fiber.New()
	app.Post("/archives/export", handler.Export)
	app.Post("/archives/import", handler.Import)
	app.Post("/archives/:id/resume", handler.Resume)
	app.Get("/archives/:id", handler.Get)
	app.Delete("/archives/:id", handler.Cancel)
	return app
}

// --- Export tests ---

func TestExportAccepted(t *testing.T) {
	t.Parallel()
	runner := newFakeArchiveRunner()
	app := testArchivesApp(t, runner)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/archives/export",
		`{"guild_id":"111","channel_id":"222","channel_name":"general"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusAccepted)
	}

	env := parseSuccess(t, body)
	var job archiveJobModel
	if err := json.Unmarshal(env.Data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.Direction != string(store.JobExport) {
		t.Errorf("direction = %q, want %q", job.Direction, store.JobExport)
	}
	if job.SourceChannelName != "general" {
		t.Errorf("source_channel_name = %q, want %q", job.SourceChannelName, "general")
	}
}

func TestExportInvalidBody(t *testing.T) {
	t.Parallel()
	app := testArchivesApp(t, newFakeArchiveRunner())

	resp := doReq(t, app, jsonReq(http.MethodPost, "/archives/export", "not json"))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	env := parseError(t, body)
	if env.Error.Code != string(httputil.InvalidBody) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.InvalidBody)
	}
}

func TestExportMissingFields(t *testing.T) {
	t.Parallel()
	app := testArchivesApp(t, newFakeArchiveRunner())

	resp := doReq(t, app, jsonReq(http.MethodPost, "/archives/export", `{"guild_id":"111"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	env := parseError(t, body)
	if env.Error.Code != string(httputil.InvalidBody) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.InvalidBody)
	}
}

func TestExportChannelBusy(t *testing.T) {
	t.Parallel()
	runner := newFakeArchiveRunner()
	runner.startErr = store.ErrActiveJobExists
	app := testArchivesApp(t, runner)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/archives/export",
		`{"guild_id":"111","channel_id":"222"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusConflict)
	}
	env := parseError(t, body)
	if env.Error.Code != string(httputil.Conflict) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.Conflict)
	}
}

// --- Import tests ---

func TestImportAccepted(t *testing.T) {
	t.Parallel()
	runner := newFakeArchiveRunner()
	seedArchiveJob(runner, store.JobExport, store.JobCompleted)
	app := testArchivesApp(t, runner)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/archives/import",
		`{"job_id":1,"target_channel_id":"01HTARGET","rehost_files":true}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusAccepted)
	}
	if !runner.lastImportOpts.RehostFiles {
		t.Error("rehost_files option was not passed through")
	}

	env := parseSuccess(t, body)
	var job archiveJobModel
	if err := json.Unmarshal(env.Data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.TargetChannelID == nil || *job.TargetChannelID != "01HTARGET" {
		t.Errorf("target_channel_id = %v, want 01HTARGET", job.TargetChannelID)
	}
}

func TestImportUnknownJob(t *testing.T) {
	t.Parallel()
	runner := newFakeArchiveRunner()
	runner.importErr = store.ErrNotFound
	app := testArchivesApp(t, runner)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/archives/import",
		`{"job_id":99,"target_channel_id":"01HTARGET"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	env := parseError(t, body)
	if env.Error.Code != string(httputil.NotFound) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.NotFound)
	}
}

func TestImportNotImportable(t *testing.T) {
	t.Parallel()
	runner := newFakeArchiveRunner()
	runner.importErr = store.ErrJobNotImportable
	app := testArchivesApp(t, runner)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/archives/import",
		`{"job_id":1,"target_channel_id":"01HTARGET"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusConflict)
	}
	env := parseError(t, body)
	if env.Error.Code != string(httputil.Conflict) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.Conflict)
	}
}

// --- Resume tests ---

func TestResumeAccepted(t *testing.T) {
	t.Parallel()
	runner := newFakeArchiveRunner()
	seedArchiveJob(runner, store.JobImport, store.JobPaused)
	app := testArchivesApp(t, runner)

	// An empty body is fine: options simply default.
	resp := doReq(t, app, jsonReq(http.MethodPost, "/archives/1/resume", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusAccepted, body)
	}
}

func TestResumeUnknownJob(t *testing.T) {
	t.Parallel()
	runner := newFakeArchiveRunner()
	runner.resumeErr = store.ErrNotFound
	app := testArchivesApp(t, runner)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/archives/99/resume", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	env := parseError(t, body)
	if env.Error.Code != string(httputil.NotFound) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.NotFound)
	}
}

// --- Get tests ---

func TestGetArchiveJob(t *testing.T) {
	t.Parallel()
	runner := newFakeArchiveRunner()
	job := seedArchiveJob(runner, store.JobExport, store.JobRunning)
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	job.StartedAt = &started
	job.ProcessedMessages = 250
	app := testArchivesApp(t, runner)

	resp := doReq(t, app, jsonReq(http.MethodGet, "/archives/1", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}

	env := parseSuccess(t, body)
	var got archiveJobModel
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if got.Status != string(store.JobRunning) {
		t.Errorf("status = %q, want %q", got.Status, store.JobRunning)
	}
	if got.ProcessedMessages != 250 {
		t.Errorf("processed_messages = %d, want 250", got.ProcessedMessages)
	}
	if got.StartedAt == nil || *got.StartedAt != "2025-06-01T12:00:00Z" {
		t.Errorf("started_at = %v, want 2025-06-01T12:00:00Z", got.StartedAt)
	}
}

func TestGetArchiveJobBadID(t *testing.T) {
	t.Parallel()
	app := testArchivesApp(t, newFakeArchiveRunner())

	resp := doReq(t, app, jsonReq(http.MethodGet, "/archives/abc", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	env := parseError(t, body)
	if env.Error.Code != string(httputil.InvalidBody) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.InvalidBody)
	}
}

func TestGetArchiveJobNotFound(t *testing.T) {
	t.Parallel()
	app := testArchivesApp(t, newFakeArchiveRunner())

	resp := doReq(t, app, jsonReq(http.MethodGet, "/archives/42", ""))
	_ = readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

// --- Cancel tests ---

func TestCancelArchiveJob(t *testing.T) {
	t.Parallel()
	runner := newFakeArchiveRunner()
	seedArchiveJob(runner, store.JobImport, store.JobRunning)
	app := testArchivesApp(t, runner)

	resp := doReq(t, app, jsonReq(http.MethodDelete, "/archives/1", ""))
	_ = readBody(t, resp)

	if resp.StatusCode != fiber.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusAccepted)
	}
	if len(runner.cancelled) != 1 || runner.cancelled[0] != 1 {
		t.Errorf("cancelled = %v, want [1]", runner.cancelled)
	}
}

func TestCancelArchiveJobNotRunning(t *testing.T) {
	t.Parallel()
	app := testArchivesApp(t, newFakeArchiveRunner())

	resp := doReq(t, app, jsonReq(http.MethodDelete, "/archives/7", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	env := parseError(t, body)
	if env.Error.Code != string(httputil.NotFound) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.NotFound)
	}
}

func seedArchiveJob(runner *fakeArchiveRunner, dir store.JobDirection, status store.JobStatus) *store.ArchiveJob {
	job := &store.ArchiveJob{
		ID:                runner.nextID,
		GuildID:           "111",
		SourceChannelID:   "222",
		SourceChannelName: "general",
		Direction:         dir,
		Status:            status,
	}
	runner.jobs[job.ID] = job
	runner.nextID++
	return job
}
