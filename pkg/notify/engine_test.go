package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspool/printd/pkg/types"
)

type recordingNotifier struct {
	delivered []int
}

func (n *recordingNotifier) Deliver(sub *types.Subscription, ev *types.Event) error {
	n.delivered = append(n.delivered, ev.Seq)
	return nil
}

func newTestEngine(notifiers map[string]Notifier) *Engine {
	return NewEngine(Limits{
		MaxSubscriptions: 100,
		MaxLease:         24 * time.Hour,
		DefaultLease:     time.Hour,
		MaxEventsPerSub:  5,
	}, notifiers)
}

func TestCreateValidation(t *testing.T) {
	e := newTestEngine(map[string]Notifier{"mailto": &recordingNotifier{}, "rss": &recordingNotifier{}})

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"pull ok", Request{Owner: "alice", PullMethod: "ippget"}, nil},
		{"push ok", Request{Owner: "alice", RecipientURI: "mailto:a@b"}, nil},
		{"bad method", Request{Owner: "alice", PullMethod: "smtp"}, ErrBadPullMethod},
		{"unknown scheme", Request{Owner: "alice", RecipientURI: "dbus://x"}, ErrBadRecipient},
		{"no recipient", Request{Owner: "alice"}, ErrBadRecipient},
		{"user data too long", Request{Owner: "alice", PullMethod: "ippget", UserData: make([]byte, 64)}, ErrUserDataTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Create(tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateRejectsDuplicateRSS(t *testing.T) {
	e := newTestEngine(map[string]Notifier{"rss": &recordingNotifier{}})

	_, err := e.Create(Request{Owner: "a", RecipientURI: "rss://feed/1"})
	require.NoError(t, err)
	_, err = e.Create(Request{Owner: "b", RecipientURI: "rss://feed/1"})
	assert.ErrorIs(t, err, ErrDuplicateRSS)
	_, err = e.Create(Request{Owner: "b", RecipientURI: "rss://feed/2"})
	assert.NoError(t, err)
}

func TestCreateCapsCount(t *testing.T) {
	e := NewEngine(Limits{MaxSubscriptions: 1}, nil)
	_, err := e.Create(Request{Owner: "a", PullMethod: "ippget"})
	require.NoError(t, err)
	_, err = e.Create(Request{Owner: "b", PullMethod: "ippget"})
	assert.ErrorIs(t, err, ErrTooMany)
}

func TestLeaseBounds(t *testing.T) {
	e := newTestEngine(nil)

	// Unset lease takes the default.
	sub, err := e.Create(Request{Owner: "a", PullMethod: "ippget"})
	require.NoError(t, err)
	assert.Equal(t, 3600, sub.Lease)
	assert.False(t, sub.Expire.IsZero())

	// Requests above the maximum are clamped, as is "never expires".
	sub, err = e.Create(Request{Owner: "a", PullMethod: "ippget", Lease: 999999999, LeaseSet: true})
	require.NoError(t, err)
	assert.Equal(t, 86400, sub.Lease)

	sub, err = e.Create(Request{Owner: "a", PullMethod: "ippget", Lease: 0, LeaseSet: true})
	require.NoError(t, err)
	assert.Equal(t, 86400, sub.Lease)

	// Job subscriptions carry no lease.
	sub, err = e.Create(Request{Owner: "a", PullMethod: "ippget", JobID: 7, Lease: 60, LeaseSet: true})
	require.NoError(t, err)
	assert.Equal(t, 0, sub.Lease)
	assert.True(t, sub.Expire.IsZero())
}

func TestRenew(t *testing.T) {
	e := newTestEngine(nil)
	sub, err := e.Create(Request{Owner: "a", PullMethod: "ippget", Lease: 60, LeaseSet: true})
	require.NoError(t, err)

	granted, err := e.Renew(sub.ID, 120, true)
	require.NoError(t, err)
	assert.Equal(t, 120, granted)

	jobSub, err := e.Create(Request{Owner: "a", PullMethod: "ippget", JobID: 3})
	require.NoError(t, err)
	_, err = e.Renew(jobSub.ID, 120, true)
	assert.ErrorIs(t, err, ErrJobScopedLease)

	_, err = e.Renew(9999, 120, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueueMatchingAndSequence(t *testing.T) {
	e := newTestEngine(nil)

	jobSub, err := e.Create(Request{Owner: "a", PullMethod: "ippget", JobID: 1, Events: types.EventJobChanged})
	require.NoError(t, err)
	prtSub, err := e.Create(Request{Owner: "a", PullMethod: "ippget", PrinterName: "lp0", Events: types.EventPrinterChanged})
	require.NoError(t, err)
	allSub, err := e.Create(Request{Owner: "a", PullMethod: "ippget", Events: types.EventAll})
	require.NoError(t, err)

	e.Enqueue(types.Event{Kind: types.EventJobStateChanged, JobID: 1, PrinterName: "lp0", Time: time.Now()})
	e.Enqueue(types.Event{Kind: types.EventJobStateChanged, JobID: 2, PrinterName: "lp0", Time: time.Now()})
	e.Enqueue(types.Event{Kind: types.EventPrinterStateChanged, PrinterName: "lp0", Time: time.Now()})

	// Job subscription sees only its own job's events.
	require.Len(t, jobSub.Queued, 1)
	assert.Equal(t, 1, jobSub.Queued[0].Seq)

	// Printer subscription's mask filters out job events.
	require.Len(t, prtSub.Queued, 1)

	// Server-wide all-events subscription sees everything, densely
	// numbered.
	require.Len(t, allSub.Queued, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{allSub.Queued[0].Seq, allSub.Queued[1].Seq, allSub.Queued[2].Seq})
	assert.Equal(t, allSub.FirstEventID+len(allSub.Queued), allSub.NextEventID)
}

func TestEnqueueRingBound(t *testing.T) {
	e := newTestEngine(nil)
	sub, err := e.Create(Request{Owner: "a", PullMethod: "ippget", Events: types.EventAll})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		e.Enqueue(types.Event{Kind: types.EventJobCreated, JobID: i + 1, Time: time.Now()})
	}

	assert.Len(t, sub.Queued, 5)
	assert.Equal(t, 4, sub.FirstEventID)
	assert.Equal(t, 9, sub.NextEventID)
	assert.Equal(t, sub.FirstEventID, sub.Queued[0].Seq)
}

func TestEnqueuePushesToNotifier(t *testing.T) {
	rec := &recordingNotifier{}
	e := newTestEngine(map[string]Notifier{"mailto": rec})

	_, err := e.Create(Request{Owner: "a", RecipientURI: "mailto:ops@example.com", Events: types.EventAll})
	require.NoError(t, err)

	e.Enqueue(types.Event{Kind: types.EventJobCompleted, JobID: 1, Time: time.Now()})
	e.Enqueue(types.Event{Kind: types.EventJobCompleted, JobID: 2, Time: time.Now()})
	assert.Equal(t, []int{1, 2}, rec.delivered)
}

func TestPoll(t *testing.T) {
	e := newTestEngine(nil)
	e.JobState = func(id int) (types.JobState, bool) {
		if id == 1 {
			return types.JobProcessing, true
		}
		return types.JobCompleted, true
	}

	sub, err := e.Create(Request{Owner: "a", PullMethod: "ippget", JobID: 1, Events: types.EventAll})
	require.NoError(t, err)

	e.Enqueue(types.Event{Kind: types.EventJobStateChanged, JobID: 1, Time: time.Now()})
	e.Enqueue(types.Event{Kind: types.EventJobProgress, JobID: 1, Time: time.Now()})
	e.Enqueue(types.Event{Kind: types.EventJobProgress, JobID: 1, Time: time.Now()})

	events, interval, err := e.Poll([]int{sub.ID}, []int{2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].Seq)
	assert.Equal(t, 10, interval, "processing job suggests a fast poll")

	// A terminal target reports completion with interval 0.
	done, err := e.Create(Request{Owner: "a", PullMethod: "ippget", JobID: 2, Events: types.EventAll})
	require.NoError(t, err)
	_, interval, err = e.Poll([]int{done.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, interval)

	_, _, err = e.Poll([]int{9999}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPollPrinterInterval(t *testing.T) {
	e := newTestEngine(nil)
	state := types.PrinterIdle
	e.PrinterState = func(string) (types.PrinterState, bool) { return state, true }

	sub, err := e.Create(Request{Owner: "a", PullMethod: "ippget", PrinterName: "lp0", Events: types.EventAll})
	require.NoError(t, err)

	_, interval, err := e.Poll([]int{sub.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, 60, interval)

	state = types.PrinterProcessing
	_, interval, err = e.Poll([]int{sub.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, 30, interval)
}

func TestScopedExpiry(t *testing.T) {
	e := newTestEngine(nil)
	jobSub, err := e.Create(Request{Owner: "a", PullMethod: "ippget", JobID: 5})
	require.NoError(t, err)
	prtSub, err := e.Create(Request{Owner: "a", PullMethod: "ippget", PrinterName: "lp0"})
	require.NoError(t, err)

	e.ExpireForJob(5)
	_, ok := e.Get(jobSub.ID)
	assert.False(t, ok)

	e.ExpireForPrinter("lp0")
	_, ok = e.Get(prtSub.ID)
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	e := newTestEngine(nil)
	sub, err := e.Create(Request{Owner: "a", PullMethod: "ippget", Lease: 60, LeaseSet: true})
	require.NoError(t, err)

	assert.Empty(t, e.Sweep())

	sub.Expire = time.Now().Add(-time.Second)
	assert.Equal(t, []int{sub.ID}, e.Sweep())
	assert.Equal(t, 0, e.Count())
}

func TestRestorePreservesIDs(t *testing.T) {
	e := newTestEngine(nil)
	e.Restore(&types.Subscription{ID: 9, Owner: "a", FirstEventID: 1, NextEventID: 1})

	sub, err := e.Create(Request{Owner: "b", PullMethod: "ippget"})
	require.NoError(t, err)
	assert.Equal(t, 10, sub.ID)
}

func TestRenderEvent(t *testing.T) {
	sub := &types.Subscription{ID: 3, UserData: []byte("tag")}
	ev := &types.Event{Seq: 7, Kind: types.EventJobCompleted, JobID: 12, Text: "Job 12 completed.", Time: time.Now()}

	attrs := RenderEvent(sub, ev)
	byName := map[string]bool{}
	for _, a := range attrs {
		byName[a.Name] = true
	}
	assert.True(t, byName["notify-subscription-id"])
	assert.True(t, byName["notify-sequence-number"])
	assert.True(t, byName["notify-subscribed-event"])
	assert.True(t, byName["notify-user-data"])
	assert.True(t, byName["notify-job-id"])
}
