package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspool/printd/pkg/attr"
	"github.com/openspool/printd/pkg/config"
	"github.com/openspool/printd/pkg/jobs"
	"github.com/openspool/printd/pkg/mimetype"
	"github.com/openspool/printd/pkg/notify"
	"github.com/openspool/printd/pkg/printers"
	"github.com/openspool/printd/pkg/quota"
	"github.com/openspool/printd/pkg/types"
)

// stubBackend records hand-offs and answers with a fixed outcome.
type stubBackend struct {
	mu          sync.Mutex
	sent        []int
	targets     []string
	impressions int
	err         error
}

func (b *stubBackend) Send(_ context.Context, p *types.Printer, j *types.Job, _ []string) (int, error) {
	b.mu.Lock()
	b.sent = append(b.sent, j.ID)
	b.targets = append(b.targets, p.Name)
	b.mu.Unlock()
	return b.impressions, b.err
}

func (b *stubBackend) jobs() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.sent...)
}

func newTestScheduler(t *testing.T, b Backend) (*Scheduler, *printers.Registry, *jobs.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.SpoolDir = t.TempDir()
	reg := printers.NewRegistry(true)
	js := jobs.NewStore(cfg.SpoolDir, jobs.Limits{MaxCopies: 9999, Retention: time.Hour}, mimetype.Default())
	subs := notify.NewEngine(notify.Limits{MaxSubscriptions: 100, MaxEventsPerSub: 100}, nil)
	quotas := quota.NewTracker(nil)
	return New(cfg, reg, js, subs, quotas, b), reg, js
}

func addJob(t *testing.T, js *jobs.Store, p *types.Printer, attrs goipp.Attributes) *types.Job {
	t.Helper()
	j, err := js.Add(p, "alice", "client.local", attrs, false)
	require.NoError(t, err)
	return j
}

func withPriority(priority int) goipp.Attributes {
	var attrs goipp.Attributes
	attrs.Add(goipp.MakeAttribute("job-priority", goipp.TagInteger, goipp.Integer(priority)))
	return attrs
}

// cycle runs one scheduling pass and waits for its transmissions to
// settle.
func cycle(s *Scheduler) {
	s.schedule()
	s.wg.Wait()
}

func TestScheduleRespectsPriorityOrder(t *testing.T) {
	b := &stubBackend{}
	s, reg, js := newTestScheduler(t, b)
	p, err := reg.AddPrinter("lp0")
	require.NoError(t, err)

	low := addJob(t, js, p, withPriority(30))
	high := addJob(t, js, p, withPriority(80))

	// One printer carries one job at a time; two cycles drain both.
	cycle(s)
	cycle(s)

	assert.Equal(t, []int{high.ID, low.ID}, b.jobs())
	for _, id := range []int{low.ID, high.ID} {
		j, ok := js.Get(id)
		require.True(t, ok)
		assert.Equal(t, types.JobCompleted, j.State)
	}
}

func TestScheduleSkipsStoppedPrinter(t *testing.T) {
	b := &stubBackend{}
	s, reg, js := newTestScheduler(t, b)
	p, err := reg.AddPrinter("lp0")
	require.NoError(t, err)
	j := addJob(t, js, p, nil)
	require.NoError(t, reg.Stop("lp0", "Paused"))

	cycle(s)

	assert.Empty(t, b.jobs())
	got, _ := js.Get(j.ID)
	assert.Equal(t, types.JobPending, got.State)
}

func TestScheduleSkipsHeldJob(t *testing.T) {
	b := &stubBackend{}
	s, reg, js := newTestScheduler(t, b)
	p, err := reg.AddPrinter("lp0")
	require.NoError(t, err)

	var attrs goipp.Attributes
	attrs.Add(goipp.MakeAttribute("job-hold-until", goipp.TagKeyword, goipp.String("indefinite")))
	j := addJob(t, js, p, attrs)

	cycle(s)

	assert.Empty(t, b.jobs())
	got, _ := js.Get(j.ID)
	assert.Equal(t, types.JobHeld, got.State)
}

func TestClassFansOutToReadyMember(t *testing.T) {
	b := &stubBackend{}
	s, reg, js := newTestScheduler(t, b)
	_, err := reg.AddPrinter("front")
	require.NoError(t, err)
	_, err = reg.AddPrinter("back")
	require.NoError(t, err)
	class, err := reg.AddClass("staff")
	require.NoError(t, err)
	require.NoError(t, reg.SetMembers("staff", []string{"front", "back"}))
	require.NoError(t, reg.Stop("front", "Paused"))

	j := addJob(t, js, class, nil)
	cycle(s)

	assert.Equal(t, []string{"back"}, b.targets)
	got, ok := js.Get(j.ID)
	require.True(t, ok)
	assert.Equal(t, types.JobCompleted, got.State)

	uri, ok := attr.String(got.Attrs, "job-actual-printer-uri")
	require.True(t, ok)
	assert.Equal(t, "ipp://localhost/printers/back", uri)
}

func TestAuthRequiredHoldsJob(t *testing.T) {
	b := &stubBackend{err: ErrAuthRequired}
	s, reg, js := newTestScheduler(t, b)
	p, err := reg.AddPrinter("lp0")
	require.NoError(t, err)
	j := addJob(t, js, p, nil)

	cycle(s)

	got, _ := js.Get(j.ID)
	assert.Equal(t, types.JobHeld, got.State)
	assert.Contains(t, got.StateReasons, types.JobReasonHeldForAuth)
	// The printer goes back to idle, ready for other work.
	lp, _ := reg.Get("lp0")
	assert.Equal(t, types.PrinterIdle, lp.State)
}

func TestDeviceErrorStopsPrinter(t *testing.T) {
	b := &stubBackend{err: errors.New("connection refused")}
	s, reg, js := newTestScheduler(t, b)
	p, err := reg.AddPrinter("lp0")
	require.NoError(t, err)
	j := addJob(t, js, p, nil)

	cycle(s)

	got, _ := js.Get(j.ID)
	assert.Equal(t, types.JobStopped, got.State)
	lp, _ := reg.Get("lp0")
	assert.Equal(t, types.PrinterStopped, lp.State)
	assert.Contains(t, lp.StateReasons, types.ReasonPaused)
}

func TestAbortJobErrorPolicy(t *testing.T) {
	b := &stubBackend{err: errors.New("device gone")}
	s, reg, js := newTestScheduler(t, b)
	p, err := reg.AddPrinter("lp0")
	require.NoError(t, err)
	p.ErrorPolicy = "abort-job"
	j := addJob(t, js, p, nil)

	cycle(s)

	got, _ := js.Get(j.ID)
	assert.Equal(t, types.JobAborted, got.State)
	lp, _ := reg.Get("lp0")
	assert.Equal(t, types.PrinterIdle, lp.State)
}

func TestRetryJobErrorPolicyRequeues(t *testing.T) {
	b := &stubBackend{err: errors.New("busy")}
	s, reg, js := newTestScheduler(t, b)
	p, err := reg.AddPrinter("lp0")
	require.NoError(t, err)
	p.ErrorPolicy = "retry-job"
	j := addJob(t, js, p, nil)

	cycle(s)

	got, _ := js.Get(j.ID)
	assert.Equal(t, types.JobPending, got.State)
}

func TestCompletionChargesQuota(t *testing.T) {
	b := &stubBackend{impressions: 3}
	s, reg, js := newTestScheduler(t, b)
	p, err := reg.AddPrinter("lp0")
	require.NoError(t, err)
	p.PageLimit = 3
	addJob(t, js, p, nil)

	cycle(s)

	assert.Equal(t, quota.Limit, s.quotas.Check(p, "alice"))
	assert.Equal(t, quota.OK, s.quotas.Check(p, "bob"))
}

func TestShutdownRequeuesInterruptedJob(t *testing.T) {
	b := &stubBackend{}
	s, reg, js := newTestScheduler(t, b)
	p, err := reg.AddPrinter("lp0")
	require.NoError(t, err)
	j := addJob(t, js, p, nil)
	require.NoError(t, js.Start(j.ID))

	s.cancel()
	s.settle(j, p, 0, errors.New("killed"))

	got, _ := js.Get(j.ID)
	assert.Equal(t, types.JobPending, got.State)
	lp, _ := reg.Get("lp0")
	assert.Equal(t, types.PrinterIdle, lp.State)
}

func TestSweepExpiresTemporaryPrinter(t *testing.T) {
	b := &stubBackend{}
	s, reg, js := newTestScheduler(t, b)
	p, err := reg.AddPrinter("tmp0")
	require.NoError(t, err)
	p.Temporary = true
	p.StateTime = time.Now().Add(-2 * time.Minute)

	j := addJob(t, js, p, nil)
	sub, err := s.subs.Create(notify.Request{
		Owner:       "alice",
		PrinterName: "tmp0",
		Events:      types.EventPrinterStateChanged,
		PullMethod:  "ippget",
	})
	require.NoError(t, err)

	s.sweep()

	_, ok := reg.Get("tmp0")
	assert.False(t, ok)
	_, ok = js.Get(j.ID)
	assert.False(t, ok)
	_, ok = s.subs.Get(sub.ID)
	assert.False(t, ok)
}

func TestSweepKeepsBusyTemporaryPrinter(t *testing.T) {
	b := &stubBackend{}
	s, reg, _ := newTestScheduler(t, b)
	p, err := reg.AddPrinter("tmp0")
	require.NoError(t, err)
	p.Temporary = true
	p.State = types.PrinterProcessing
	p.StateTime = time.Now().Add(-2 * time.Minute)

	s.sweep()

	_, ok := reg.Get("tmp0")
	assert.True(t, ok)
}

func TestExecBackendExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		code string
		want error
	}{
		{"auth required", "2", ErrAuthRequired},
		{"hold", "3", ErrHoldJob},
		{"stop queue", "4", ErrStopQueue},
		{"cancel", "5", ErrCancelJob},
		{"retry", "6", ErrRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			script := "#!/bin/sh\nexit " + tt.code + "\n"
			require.NoError(t, os.WriteFile(filepath.Join(dir, "socket"), []byte(script), 0o755))

			doc := filepath.Join(dir, "doc")
			require.NoError(t, os.WriteFile(doc, []byte("%PDF-1.4"), 0o600))

			b := &ExecBackend{Dir: dir}
			p := &types.Printer{Name: "lp0", DeviceURI: "socket://192.0.2.1:9100"}
			j := &types.Job{ID: 7, User: "alice", Name: "report",
				Files: []types.JobFile{{Path: doc, MimeType: "application/pdf"}}}

			_, err := b.Send(context.Background(), p, j, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestExecBackendFailureSurfacesStderr(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\necho 'no route to host' >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "socket"), []byte(script), 0o755))

	doc := filepath.Join(dir, "doc")
	require.NoError(t, os.WriteFile(doc, []byte("%PDF-1.4"), 0o600))

	b := &ExecBackend{Dir: dir}
	p := &types.Printer{Name: "lp0", DeviceURI: "socket://192.0.2.1:9100"}
	j := &types.Job{ID: 7, User: "alice",
		Files: []types.JobFile{{Path: doc, MimeType: "application/pdf"}}}

	_, err := b.Send(context.Background(), p, j, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route to host")
}

func TestExecBackendFileDevice(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "doc")
	require.NoError(t, os.WriteFile(doc, []byte("%PDF-1.4"), 0o600))
	out := filepath.Join(dir, "out.prn")

	var attrs goipp.Attributes
	attrs.Add(goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(2)))

	b := &ExecBackend{}
	p := &types.Printer{Name: "lp0", DeviceURI: "file://" + out}
	j := &types.Job{ID: 7, User: "alice", Attrs: attrs,
		Files: []types.JobFile{{Path: doc, MimeType: "application/pdf"}}}

	n, err := b.Send(context.Background(), p, j, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4%PDF-1.4", string(data))
}

func TestOptionsString(t *testing.T) {
	var attrs goipp.Attributes
	attrs.Add(goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(2)))
	attrs.Add(goipp.MakeAttribute("collate", goipp.TagBoolean, goipp.Boolean(true)))
	attrs.Add(goipp.MakeAttribute("media", goipp.TagKeyword, goipp.String("iso_a4_210x297mm")))

	assert.Equal(t, "copies=2 collate=true media=iso_a4_210x297mm", optionsString(attrs))
}
