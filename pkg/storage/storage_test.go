package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspool/printd/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "printd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPrinterSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	printers := []*types.Printer{
		{ID: 1, Name: "lab", DeviceURI: "socket://10.0.0.9", Accepting: true, State: types.PrinterIdle},
		{ID: 2, Name: "inbox", IsClass: true, Members: []string{"lab"}},
		{ID: 3, Name: "ephemeral", Temporary: true},
	}
	require.NoError(t, s.SavePrinters(printers))

	got, err := s.LoadPrinters()
	require.NoError(t, err)
	require.Len(t, got, 2, "temporary destinations must not persist")

	names := []string{got[0].Name, got[1].Name}
	assert.Contains(t, names, "lab")
	assert.Contains(t, names, "inbox")
	assert.NotContains(t, names, "ephemeral")
}

func TestPrinterSnapshotReplacesPrevious(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SavePrinters([]*types.Printer{{ID: 1, Name: "old"}}))
	require.NoError(t, s.SavePrinters([]*types.Printer{{ID: 2, Name: "new"}}))

	got, err := s.LoadPrinters()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Name)
}

func TestJobSnapshotKeepsControlData(t *testing.T) {
	s := newTestStore(t)

	var attrs goipp.Attributes
	attrs.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String("report.pdf")))
	attrs.Add(goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(3)))

	jobs := []*types.Job{
		{ID: 7, Name: "report.pdf", User: "alice", Dest: "lab", State: types.JobPending, Priority: 50, Attrs: attrs},
		{ID: 8, Name: "bare", User: "bob", Dest: "lab", State: types.JobHeld, Priority: 50},
	}
	require.NoError(t, s.SaveJobs(jobs))

	got, err := s.LoadJobs()
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := map[int]*types.Job{got[0].ID: got[0], got[1].ID: got[1]}
	withAttrs := byID[7]
	require.NotNil(t, withAttrs)
	require.Len(t, withAttrs.Attrs, 2)
	assert.Equal(t, "job-name", withAttrs.Attrs[0].Name)
	assert.Equal(t, "report.pdf", withAttrs.Attrs[0].Values[0].V.String())

	bare := byID[8]
	require.NotNil(t, bare)
	assert.Empty(t, bare.Attrs)
}

func TestSubscriptionSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	subs := []*types.Subscription{
		{
			ID:           4,
			Owner:        "alice",
			PrinterName:  "lab",
			Events:       types.EventJobCompleted | types.EventPrinterStateChanged,
			PullMethod:   "ippget",
			Lease:        3600,
			Expire:       time.Now().Add(time.Hour).Round(time.Second),
			FirstEventID: 1,
			NextEventID:  1,
		},
	}
	require.NoError(t, s.SaveSubscriptions(subs))

	got, err := s.LoadSubscriptions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].ID)
	assert.Equal(t, "alice", got[0].Owner)
	assert.Equal(t, subs[0].Events, got[0].Events)
	assert.Equal(t, 3600, got[0].Lease)
}

func TestServerStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	st, err := s.LoadServerState()
	require.NoError(t, err)
	assert.Zero(t, st.NextJobID, "fresh database starts empty")

	require.NoError(t, s.SaveServerState(ServerState{NextJobID: 42, DefaultPrinter: "lab"}))

	st, err = s.LoadServerState()
	require.NoError(t, err)
	assert.Equal(t, 42, st.NextJobID)
	assert.Equal(t, "lab", st.DefaultPrinter)
}

func TestSyncerFlushesDirtyDomains(t *testing.T) {
	s := newTestStore(t)

	printers := []*types.Printer{{ID: 1, Name: "lab"}}
	syncer := NewSyncer(s, Sources{
		Printers:      func() []*types.Printer { return printers },
		Jobs:          func() []*types.Job { return nil },
		Subscriptions: func() []*types.Subscription { return nil },
		Server:        func() ServerState { return ServerState{NextJobID: 9, DefaultPrinter: "lab"} },
	}, time.Hour)

	// Nothing marked: flush writes nothing.
	syncer.Flush()
	got, err := s.LoadPrinters()
	require.NoError(t, err)
	assert.Empty(t, got)

	syncer.MarkPrinters()
	syncer.Flush()

	got, err = s.LoadPrinters()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "lab", got[0].Name)

	st, err := s.LoadServerState()
	require.NoError(t, err)
	assert.Equal(t, 9, st.NextJobID)
}

func TestSyncerStopFlushesPending(t *testing.T) {
	s := newTestStore(t)

	syncer := NewSyncer(s, Sources{
		Printers:      func() []*types.Printer { return nil },
		Jobs:          func() []*types.Job { return []*types.Job{{ID: 3, Name: "tail", Dest: "lab"}} },
		Subscriptions: func() []*types.Subscription { return nil },
		Server:        func() ServerState { return ServerState{NextJobID: 4} },
	}, time.Hour)

	syncer.Start()
	syncer.MarkJobs()
	syncer.Stop()

	jobs, err := s.LoadJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 3, jobs[0].ID)
}
