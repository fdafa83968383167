package dispatch

import (
	"context"
	"strings"
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
	"github.com/openspool/printd/pkg/policy"
	"github.com/openspool/printd/pkg/printers"
	"github.com/openspool/printd/pkg/quota"
	"github.com/openspool/printd/pkg/types"
)

type env struct {
	cfg    *config.Config
	d      *Dispatcher
	reg    *printers.Registry
	js     *jobs.Store
	subs   *notify.Engine
	quotas *quota.Tracker

	printerEvents []types.EventMask
}

// newEnv wires a dispatcher over live engines with the event fan-in
// the daemon installs.
func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	cfg.SpoolDir = t.TempDir()
	cfg.StateDir = t.TempDir()

	e := &env{cfg: cfg}
	e.reg = printers.NewRegistry(true)
	e.js = jobs.NewStore(cfg.SpoolDir, jobs.Limits{MaxCopies: cfg.MaxCopies, Retention: time.Hour}, mimetype.Default())
	e.subs = notify.NewEngine(notify.Limits{
		MaxSubscriptions: cfg.MaxSubscriptions,
		DefaultLease:     cfg.DefaultLeaseDuration,
		MaxEventsPerSub:  cfg.MaxEventsPerSub,
	}, nil)

	e.js.OnEvent = func(kind types.EventMask, j *types.Job, text string) {
		e.subs.Enqueue(notify.JobEvent(kind, j, text))
	}
	e.reg.OnEvent = func(kind types.EventMask, p *types.Printer, text string) {
		e.printerEvents = append(e.printerEvents, kind)
		e.subs.Enqueue(notify.PrinterEvent(kind, p, text))
	}
	e.subs.JobState = func(id int) (types.JobState, bool) {
		j, ok := e.js.Get(id)
		if !ok {
			return 0, false
		}
		return j.State, true
	}
	e.subs.PrinterState = func(name string) (types.PrinterState, bool) {
		p, ok := e.reg.Get(name)
		if !ok {
			return 0, false
		}
		return p.State, true
	}
	e.subs.ActiveJobs = func(printer string) int { return e.js.ActiveCount(printer, "") }
	e.quotas = quota.NewTracker(nil)

	e.d = New(Deps{
		Config:   cfg,
		Printers: e.reg,
		Jobs:     e.js,
		Subs:     e.subs,
		Policies: policy.NewEngine(cfg.DefaultPolicy, nil),
		Quotas:   e.quotas,
		Mime:     mimetype.Default(),
	})
	return e
}

func (e *env) addPrinter(t *testing.T, name string) {
	t.Helper()
	_, err := e.reg.AddPrinter(name)
	require.NoError(t, err)
}

var (
	remoteClient = &Client{Host: "client.example.com"}
	localClient  = &Client{Host: "localhost", Local: true}
	rootClient   = &Client{User: "root", Host: "localhost", Authenticated: true, Local: true}
)

func request(op goipp.Op, id uint32) *goipp.Message {
	msg := goipp.NewRequest(goipp.DefaultVersion, op, id)
	msg.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	msg.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-us")))
	return msg
}

func addURI(msg *goipp.Message, printer string) *goipp.Message {
	msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI,
		goipp.String("ipp://localhost/printers/"+printer)))
	return msg
}

func addUser(msg *goipp.Message, user string) *goipp.Message {
	msg.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(user)))
	return msg
}

func addJobID(msg *goipp.Message, id int) *goipp.Message {
	msg.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(id)))
	return msg
}

func (e *env) do(cl *Client, msg *goipp.Message, doc string) *Result {
	var body = strings.NewReader(doc)
	return e.d.Dispatch(context.Background(), cl, msg, body)
}

func status(res *Result) goipp.Status {
	return goipp.Status(res.Msg.Code)
}

// submit runs a Print-Job for user on printer and returns the job id.
func (e *env) submit(t *testing.T, user, printer, doc string) int {
	t.Helper()
	msg := addUser(addURI(request(goipp.OpPrintJob, 1), printer), user)
	res := e.do(localClient, msg, doc)
	require.Equal(t, goipp.StatusOk, status(res))
	id, ok := attr.Integer(res.Msg.Job, "job-id")
	require.True(t, ok)
	return id
}

func jobGroupCount(res *Result) int {
	n := 0
	for _, g := range res.Msg.Groups {
		if g.Tag == goipp.TagJobGroup {
			n++
		}
	}
	return n
}

func TestValidateJobCreatesNothing(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	msg := addUser(addURI(request(goipp.OpValidateJob, 1), "lp0"), "alice")
	msg.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType,
		goipp.String("application/pdf")))
	msg.Operation.Add(goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(2)))

	res := e.do(localClient, msg, "")
	assert.Equal(t, goipp.StatusOk, status(res))
	assert.Empty(t, e.js.List(jobs.Filter{Which: "all"}))
}

func TestValidateJobRejectsBadCopies(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	msg := addUser(addURI(request(goipp.OpValidateJob, 1), "lp0"), "alice")
	msg.Operation.Add(goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(0)))

	res := e.do(localClient, msg, "")
	assert.Equal(t, goipp.StatusErrorAttributesOrValues, status(res))
	_, ok := attr.Find(res.Msg.Unsupported, "copies")
	assert.True(t, ok)
}

func TestPrintJobSniffsDocumentFormat(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	id := e.submit(t, "alice", "lp0", "%PDF-1.4 hello")
	j, ok := e.js.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.JobPending, j.State)
	require.Len(t, j.Files, 1)
	assert.Equal(t, "application/pdf", j.Files[0].MimeType)
}

func TestPrintJobRejectsUnknownFormat(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	msg := addUser(addURI(request(goipp.OpPrintJob, 1), "lp0"), "alice")
	msg.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType,
		goipp.String("application/vnd.wordperfect")))

	res := e.do(localClient, msg, "data")
	assert.Equal(t, goipp.StatusErrorDocumentFormatNotSupported, status(res))
}

func TestPrintJobRequiresDocumentData(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	msg := addUser(addURI(request(goipp.OpPrintJob, 1), "lp0"), "alice")
	res := e.do(localClient, msg, "")
	assert.Equal(t, goipp.StatusErrorBadRequest, status(res))
}

func TestPrintJobRejectedWhileNotAccepting(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	require.NoError(t, e.reg.SetAccepting("lp0", false))

	msg := addUser(addURI(request(goipp.OpPrintJob, 1), "lp0"), "alice")
	res := e.do(localClient, msg, "data")
	assert.Equal(t, goipp.StatusErrorNotAcceptingJobs, status(res))
}

func TestPrintJobUnknownPrinter(t *testing.T) {
	e := newEnv(t)

	msg := addUser(addURI(request(goipp.OpPrintJob, 1), "ghost"), "alice")
	res := e.do(localClient, msg, "data")
	assert.Equal(t, goipp.StatusErrorNotFound, status(res))
}

func TestPrintJobPageQuotaExhausted(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	var set goipp.Attributes
	set.Add(goipp.MakeAttribute("job-quota-period", goipp.TagInteger, goipp.Integer(3600)))
	set.Add(goipp.MakeAttribute("job-page-limit", goipp.TagInteger, goipp.Integer(5)))
	require.NoError(t, e.reg.SetAttrs("lp0", set))

	p, _ := e.reg.Get("lp0")
	e.quotas.Update(p, "alice", 5, 0)

	msg := addUser(addURI(request(goipp.OpPrintJob, 1), "lp0"), "alice")
	res := e.do(localClient, msg, "data")
	assert.Equal(t, goipp.StatusErrorNotPossible, status(res))
	assert.Empty(t, e.js.List(jobs.Filter{Dest: "lp0"}))

	e.submit(t, "bob", "lp0", "data")
}

func TestCreateJobSendDocumentFlow(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	res := e.do(localClient, addUser(addURI(request(goipp.OpCreateJob, 1), "lp0"), "alice"), "")
	require.Equal(t, goipp.StatusOk, status(res))
	id, ok := attr.Integer(res.Msg.Job, "job-id")
	require.True(t, ok)

	// Intake keeps the job held until the last document arrives.
	j, _ := e.js.Get(id)
	assert.Equal(t, types.JobHeld, j.State)
	assert.Contains(t, j.StateReasons, types.JobReasonIncoming)

	send := addUser(addURI(request(goipp.OpSendDocument, 2), "lp0"), "alice")
	addJobID(send, id)
	res = e.do(localClient, send, "first document")
	require.Equal(t, goipp.StatusOk, status(res))

	send = addUser(addURI(request(goipp.OpSendDocument, 3), "lp0"), "alice")
	addJobID(send, id)
	send.Operation.Add(goipp.MakeAttribute("last-document", goipp.TagBoolean, goipp.Boolean(true)))
	res = e.do(localClient, send, "second document")
	require.Equal(t, goipp.StatusOk, status(res))

	j, _ = e.js.Get(id)
	assert.Equal(t, types.JobPending, j.State)
	assert.Len(t, j.Files, 2)
}

func TestSendDocumentAfterLastNotPossible(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	res := e.do(localClient, addUser(addURI(request(goipp.OpCreateJob, 1), "lp0"), "alice"), "")
	id, _ := attr.Integer(res.Msg.Job, "job-id")

	send := addUser(addURI(request(goipp.OpSendDocument, 2), "lp0"), "alice")
	addJobID(send, id)
	send.Operation.Add(goipp.MakeAttribute("last-document", goipp.TagBoolean, goipp.Boolean(true)))
	require.Equal(t, goipp.StatusOk, status(e.do(localClient, send, "only document")))

	late := addUser(addURI(request(goipp.OpSendDocument, 3), "lp0"), "alice")
	addJobID(late, id)
	res = e.do(localClient, late, "too late")
	assert.Equal(t, goipp.StatusErrorNotPossible, status(res))
}

func TestCancelJobTwiceNotPossible(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	id := e.submit(t, "alice", "lp0", "data")

	cancel := addUser(addURI(request(goipp.OpCancelJob, 2), "lp0"), "alice")
	addJobID(cancel, id)
	require.Equal(t, goipp.StatusOk, status(e.do(localClient, cancel, "")))

	cancel = addUser(addURI(request(goipp.OpCancelJob, 3), "lp0"), "alice")
	addJobID(cancel, id)
	assert.Equal(t, goipp.StatusErrorNotPossible, status(e.do(localClient, cancel, "")))
}

func TestCancelJobForeignOwnerForbidden(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	id := e.submit(t, "alice", "lp0", "data")

	cancel := addUser(addURI(request(goipp.OpCancelJob, 2), "lp0"), "mallory")
	addJobID(cancel, id)
	res := e.do(localClient, cancel, "")
	assert.Equal(t, goipp.StatusErrorForbidden, status(res))
}

func TestHoldAndReleaseJob(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	id := e.submit(t, "alice", "lp0", "data")

	hold := addUser(addURI(request(goipp.OpHoldJob, 2), "lp0"), "alice")
	addJobID(hold, id)
	require.Equal(t, goipp.StatusOk, status(e.do(localClient, hold, "")))
	j, _ := e.js.Get(id)
	assert.Equal(t, types.JobHeld, j.State)
	assert.True(t, j.HoldIndefinite)
	assert.Equal(t, []string{types.JobReasonHoldUntil}, j.StateReasons)

	get := addUser(addURI(request(goipp.OpGetJobAttributes, 3), "lp0"), "alice")
	addJobID(get, id)
	res := e.do(localClient, get, "")
	hu, _ := attr.String(res.Msg.Job, "job-hold-until")
	assert.Equal(t, "indefinite", hu)

	rel := addUser(addURI(request(goipp.OpReleaseJob, 4), "lp0"), "alice")
	addJobID(rel, id)
	require.Equal(t, goipp.StatusOk, status(e.do(localClient, rel, "")))
	j, _ = e.js.Get(id)
	assert.Equal(t, types.JobPending, j.State)
	assert.Equal(t, []string{types.JobReasonNone}, j.StateReasons)

	rel = addUser(addURI(request(goipp.OpReleaseJob, 5), "lp0"), "alice")
	addJobID(rel, id)
	assert.Equal(t, goipp.StatusErrorNotPossible, status(e.do(localClient, rel, "")))
}

func TestRestartJobAfterCancel(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	id := e.submit(t, "alice", "lp0", "data")
	require.NoError(t, e.js.Cancel(id, false))

	restart := addUser(addURI(request(goipp.OpRestartJob, 2), "lp0"), "alice")
	addJobID(restart, id)
	require.Equal(t, goipp.StatusOk, status(e.do(localClient, restart, "")))
	j, _ := e.js.Get(id)
	assert.Equal(t, types.JobPending, j.State)
}

func TestGetJobsFilters(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	e.addPrinter(t, "lp1")
	a1 := e.submit(t, "alice", "lp0", "one")
	e.submit(t, "alice", "lp0", "two")
	e.submit(t, "bob", "lp1", "three")
	require.NoError(t, e.js.Cancel(a1, false))

	server := func(op goipp.Op, id uint32) *goipp.Message {
		msg := request(op, id)
		msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI,
			goipp.String("ipp://localhost/")))
		return msg
	}

	// Default scope is active jobs across the server.
	res := e.do(localClient, addUser(server(goipp.OpGetJobs, 1), "alice"), "")
	require.Equal(t, goipp.StatusOk, status(res))
	assert.Equal(t, 2, jobGroupCount(res))

	msg := addUser(server(goipp.OpGetJobs, 2), "alice")
	msg.Operation.Add(goipp.MakeAttribute("which-jobs", goipp.TagKeyword, goipp.String("completed")))
	assert.Equal(t, 1, jobGroupCount(e.do(localClient, msg, "")))

	msg = addUser(server(goipp.OpGetJobs, 3), "alice")
	msg.Operation.Add(goipp.MakeAttribute("my-jobs", goipp.TagBoolean, goipp.Boolean(true)))
	assert.Equal(t, 1, jobGroupCount(e.do(localClient, msg, "")))

	msg = addUser(addURI(request(goipp.OpGetJobs, 4), "lp1"), "alice")
	assert.Equal(t, 1, jobGroupCount(e.do(localClient, msg, "")))
}

func TestGetJobsRejectsUnknownWhich(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	msg := addUser(addURI(request(goipp.OpGetJobs, 1), "lp0"), "alice")
	msg.Operation.Add(goipp.MakeAttribute("which-jobs", goipp.TagKeyword, goipp.String("someday")))
	res := e.do(localClient, msg, "")
	assert.Equal(t, goipp.StatusErrorAttributesOrValues, status(res))
	_, ok := attr.Find(res.Msg.Unsupported, "which-jobs")
	assert.True(t, ok)
}

func TestGetJobAttributesRequestedSubset(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	id := e.submit(t, "alice", "lp0", "data")

	get := addUser(addURI(request(goipp.OpGetJobAttributes, 2), "lp0"), "alice")
	addJobID(get, id)
	req := goipp.MakeAttribute("requested-attributes", goipp.TagKeyword, goipp.String("job-id"))
	req.Values.Add(goipp.TagKeyword, goipp.String("job-state"))
	get.Operation.Add(req)

	res := e.do(localClient, get, "")
	require.Equal(t, goipp.StatusOk, status(res))
	require.Len(t, res.Msg.Job, 2)
	_, ok := attr.Find(res.Msg.Job, "job-id")
	assert.True(t, ok)
	_, ok = attr.Find(res.Msg.Job, "job-state")
	assert.True(t, ok)
}

func TestGetJobsRedactsForeignJobs(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	e.submit(t, "alice", "lp0", "data")

	msg := addUser(addURI(request(goipp.OpGetJobs, 1), "lp0"), "bob")
	res := e.do(localClient, msg, "")
	require.Equal(t, 1, jobGroupCount(res))

	var group goipp.Attributes
	for _, g := range res.Msg.Groups {
		if g.Tag == goipp.TagJobGroup {
			group = g.Attrs
		}
	}
	_, ok := attr.Find(group, "job-originating-user-name")
	assert.False(t, ok)
	_, ok = attr.Find(group, "job-name")
	assert.False(t, ok)
	_, ok = attr.Find(group, "job-id")
	assert.True(t, ok)
}

func TestGetPrinterAttributes(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	res := e.do(localClient, addUser(addURI(request(goipp.OpGetPrinterAttributes, 1), "lp0"), "alice"), "")
	require.Equal(t, goipp.StatusOk, status(res))

	name, _ := attr.String(res.Msg.Printer, "printer-name")
	assert.Equal(t, "lp0", name)
	st, _ := attr.Integer(res.Msg.Printer, "printer-state")
	assert.Equal(t, int(types.PrinterIdle), st)
	accepting, _ := attr.Boolean(res.Msg.Printer, "printer-is-accepting-jobs")
	assert.True(t, accepting)
	_, ok := attr.Find(res.Msg.Printer, "operations-supported")
	assert.True(t, ok)
}

func TestSetJobAttributesReadOnlyRejected(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	id := e.submit(t, "alice", "lp0", "data")

	set := addUser(addURI(request(goipp.OpSetJobAttributes, 2), "lp0"), "alice")
	addJobID(set, id)
	set.Job.Add(goipp.MakeAttribute("job-uuid", goipp.TagURI, goipp.String("urn:uuid:forged")))

	res := e.do(localClient, set, "")
	assert.Equal(t, goipp.StatusErrorAttributesNotSettable, status(res))
	_, ok := attr.Find(res.Msg.Unsupported, "job-uuid")
	assert.True(t, ok)
}

func TestSetJobAttributesPriorityAndHold(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	id := e.submit(t, "alice", "lp0", "data")

	set := addUser(addURI(request(goipp.OpSetJobAttributes, 2), "lp0"), "alice")
	addJobID(set, id)
	set.Job.Add(goipp.MakeAttribute("job-priority", goipp.TagInteger, goipp.Integer(80)))
	set.Job.Add(goipp.MakeAttribute("job-hold-until", goipp.TagKeyword, goipp.String("indefinite")))
	require.Equal(t, goipp.StatusOk, status(e.do(localClient, set, "")))

	j, _ := e.js.Get(id)
	assert.Equal(t, 80, j.Priority)
	assert.Equal(t, types.JobHeld, j.State)

	set = addUser(addURI(request(goipp.OpSetJobAttributes, 3), "lp0"), "alice")
	addJobID(set, id)
	set.Job.Add(goipp.MakeAttribute("job-hold-until", goipp.TagKeyword, goipp.String("no-hold")))
	require.Equal(t, goipp.StatusOk, status(e.do(localClient, set, "")))

	j, _ = e.js.Get(id)
	assert.Equal(t, types.JobPending, j.State)
}

func TestGroupOrderEnforced(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	msg := addUser(addURI(request(goipp.OpGetJobs, 1), "lp0"), "alice")
	msg.Groups = goipp.Groups{
		{Tag: goipp.TagJobGroup},
		{Tag: goipp.TagOperationGroup, Attrs: msg.Operation},
	}
	res := e.do(localClient, msg, "")
	assert.Equal(t, goipp.StatusErrorBadRequest, status(res))
}

func TestUnsupportedOperation(t *testing.T) {
	e := newEnv(t)
	res := e.do(localClient, request(goipp.Op(0x4aff), 1), "")
	assert.Equal(t, goipp.StatusErrorOperationNotSupported, status(res))
}

func TestUnsupportedVersion(t *testing.T) {
	e := newEnv(t)
	msg := goipp.NewRequest(goipp.MakeVersion(3, 0), goipp.OpPrintJob, 1)
	res := e.do(localClient, msg, "")
	assert.Equal(t, goipp.StatusErrorVersionNotSupported, status(res))
	assert.Equal(t, goipp.DefaultVersion, res.Msg.Version)
}

func TestBadRequestID(t *testing.T) {
	e := newEnv(t)
	msg := request(goipp.OpGetPrinterAttributes, 1)
	msg.RequestID = 0
	res := e.do(localClient, msg, "")
	assert.Equal(t, goipp.StatusErrorBadRequest, status(res))
}

func TestUnsupportedCharsetRejected(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	msg := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetPrinterAttributes, 1)
	msg.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("iso-8859-1")))
	msg.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-us")))
	addURI(msg, "lp0")

	res := e.do(localClient, msg, "")
	assert.Equal(t, goipp.StatusErrorCharset, status(res))
}

func subscribePrinter(t *testing.T, e *env, printer, owner string, reqID uint32) int {
	t.Helper()
	msg := addUser(addURI(request(goipp.OpCreatePrinterSubscriptions, reqID), printer), owner)
	var tmpl goipp.Attributes
	tmpl.Add(goipp.MakeAttribute("notify-pull-method", goipp.TagKeyword, goipp.String("ippget")))
	tmpl.Add(goipp.MakeAttribute("notify-events", goipp.TagKeyword, goipp.String("all")))
	msg.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: msg.Operation},
		{Tag: goipp.TagSubscriptionGroup, Attrs: tmpl},
	}

	res := e.do(localClient, msg, "")
	require.Equal(t, goipp.StatusOk, status(res))
	for _, g := range res.Msg.Groups {
		if g.Tag == goipp.TagSubscriptionGroup {
			id, ok := attr.Integer(g.Attrs, "notify-subscription-id")
			require.True(t, ok)
			return id
		}
	}
	t.Fatal("no subscription group in response")
	return 0
}

func TestSubscriptionCapturesJobEvents(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	subID := subscribePrinter(t, e, "lp0", "alice", 1)

	e.submit(t, "alice", "lp0", "data")

	poll := addUser(addURI(request(goipp.OpGetNotifications, 2), "lp0"), "alice")
	poll.Operation.Add(goipp.MakeAttribute("notify-subscription-ids", goipp.TagInteger, goipp.Integer(subID)))
	res := e.do(localClient, poll, "")
	require.Equal(t, goipp.StatusOk, status(res))

	interval, ok := attr.Integer(res.Msg.Operation, "notify-get-interval")
	require.True(t, ok)
	assert.Greater(t, interval, 0)

	events := 0
	for _, g := range res.Msg.Groups {
		if g.Tag == goipp.TagEventNotificationGroup {
			events++
			id, _ := attr.Integer(g.Attrs, "notify-subscription-id")
			assert.Equal(t, subID, id)
		}
	}
	assert.GreaterOrEqual(t, events, 1)
}

func TestJobSubscriptionEventsComplete(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	jobID := e.submit(t, "alice", "lp0", "data")

	msg := addUser(addURI(request(goipp.OpCreateJobSubscriptions, 2), "lp0"), "alice")
	msg.Operation.Add(goipp.MakeAttribute("notify-job-id", goipp.TagInteger, goipp.Integer(jobID)))
	var tmpl goipp.Attributes
	tmpl.Add(goipp.MakeAttribute("notify-pull-method", goipp.TagKeyword, goipp.String("ippget")))
	tmpl.Add(goipp.MakeAttribute("notify-events", goipp.TagKeyword, goipp.String("job-completed")))
	msg.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: msg.Operation},
		{Tag: goipp.TagSubscriptionGroup, Attrs: tmpl},
	}
	res := e.do(localClient, msg, "")
	require.Equal(t, goipp.StatusOk, status(res))
	var subID int
	for _, g := range res.Msg.Groups {
		if g.Tag == goipp.TagSubscriptionGroup {
			subID, _ = attr.Integer(g.Attrs, "notify-subscription-id")
		}
	}
	require.NotZero(t, subID)

	require.NoError(t, e.js.Cancel(jobID, false))

	poll := addUser(addURI(request(goipp.OpGetNotifications, 3), "lp0"), "alice")
	poll.Operation.Add(goipp.MakeAttribute("notify-subscription-ids", goipp.TagInteger, goipp.Integer(subID)))
	res = e.do(localClient, poll, "")
	assert.Equal(t, goipp.StatusOkEventsComplete, status(res))
	interval, _ := attr.Integer(res.Msg.Operation, "notify-get-interval")
	assert.Zero(t, interval)
}

func TestCancelSubscription(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	subID := subscribePrinter(t, e, "lp0", "alice", 1)

	cancel := addUser(addURI(request(goipp.OpCancelSubscription, 2), "lp0"), "alice")
	cancel.Operation.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(subID)))
	require.Equal(t, goipp.StatusOk, status(e.do(localClient, cancel, "")))

	get := addUser(addURI(request(goipp.OpGetSubscriptionAttributes, 3), "lp0"), "alice")
	get.Operation.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(subID)))
	assert.Equal(t, goipp.StatusErrorNotFound, status(e.do(localClient, get, "")))
}

func TestPausePrinterNeedsAdmin(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	// Authenticated but not an admin.
	alice := &Client{User: "alice", Authenticated: true, Local: true, Host: "localhost"}
	res := e.do(alice, addURI(request(goipp.OpPausePrinter, 1), "lp0"), "")
	assert.Equal(t, goipp.StatusErrorForbidden, status(res))

	res = e.do(rootClient, addURI(request(goipp.OpPausePrinter, 2), "lp0"), "")
	require.Equal(t, goipp.StatusOk, status(res))
	p, _ := e.reg.Get("lp0")
	assert.Equal(t, types.PrinterStopped, p.State)
}

func TestAcceptJobsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	require.Equal(t, goipp.StatusOk,
		status(e.do(rootClient, addURI(request(goipp.OpCupsRejectJobs, 1), "lp0"), "")))
	require.Equal(t, goipp.StatusOk,
		status(e.do(rootClient, addURI(request(goipp.OpCupsAcceptJobs, 2), "lp0"), "")))

	seen := len(e.printerEvents)
	require.Equal(t, goipp.StatusOk,
		status(e.do(rootClient, addURI(request(goipp.OpCupsAcceptJobs, 3), "lp0"), "")))
	assert.Len(t, e.printerEvents, seen, "repeated Accept-Jobs must not emit an event")
}

func TestMoveJob(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	e.addPrinter(t, "lp1")
	id := e.submit(t, "alice", "lp0", "data")

	move := addURI(request(goipp.OpCupsMoveJob, 2), "lp0")
	addJobID(move, id)
	move.Job.Add(goipp.MakeAttribute("job-printer-uri", goipp.TagURI,
		goipp.String("ipp://localhost/printers/lp1")))
	require.Equal(t, goipp.StatusOk, status(e.do(rootClient, move, "")))

	j, _ := e.js.Get(id)
	assert.Equal(t, "lp1", j.Dest)
}

func TestPurgeJobsErasesHistory(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	id := e.submit(t, "alice", "lp0", "data")
	require.NoError(t, e.js.Cancel(id, false))

	purge := addURI(request(goipp.OpPurgeJobs, 2), "lp0")
	require.Equal(t, goipp.StatusOk, status(e.do(rootClient, purge, "")))

	_, ok := e.js.Get(id)
	assert.False(t, ok)
}

func TestCancelMyJobsLeavesOthers(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	a := e.submit(t, "alice", "lp0", "one")
	b := e.submit(t, "bob", "lp0", "two")

	msg := addUser(request(goipp.OpCancelMyJobs, 3), "alice")
	msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI,
		goipp.String("ipp://localhost/")))
	require.Equal(t, goipp.StatusOk, status(e.do(localClient, msg, "")))

	ja, _ := e.js.Get(a)
	jb, _ := e.js.Get(b)
	assert.Equal(t, types.JobCanceled, ja.State)
	assert.Equal(t, types.JobPending, jb.State)
}

func TestAuthenticateJobReleasesHeld(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	id := e.submit(t, "alice", "lp0", "data")
	require.NoError(t, e.js.HoldForAuth(id))

	auth := addUser(addURI(request(goipp.OpCupsAuthenticateJob, 2), "lp0"), "alice")
	addJobID(auth, id)
	info := goipp.MakeAttribute("auth-info", goipp.TagText, goipp.String("alice"))
	info.Values.Add(goipp.TagText, goipp.String("secret"))
	auth.Operation.Add(info)

	require.Equal(t, goipp.StatusOk, status(e.do(localClient, auth, "")))

	j, _ := e.js.Get(id)
	assert.Equal(t, types.JobPending, j.State)
	creds, err := e.js.Credentials(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "secret"}, creds)
}

func TestCreateLocalPrinterLocalOnly(t *testing.T) {
	e := newEnv(t)

	msg := addUser(request(goipp.OpCupsCreateLocalPrinter, 1), "alice")
	msg.Operation.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String("lounge")))
	msg.Operation.Add(goipp.MakeAttribute("device-uri", goipp.TagURI,
		goipp.String("socket://192.0.2.44:9100")))
	assert.Equal(t, goipp.StatusErrorForbidden, status(e.do(remoteClient, msg, "")))

	msg = addUser(request(goipp.OpCupsCreateLocalPrinter, 2), "alice")
	msg.Operation.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String("lounge")))
	msg.Operation.Add(goipp.MakeAttribute("device-uri", goipp.TagURI,
		goipp.String("socket://192.0.2.44:9100")))
	res := e.do(localClient, msg, "")
	require.Equal(t, goipp.StatusOk, status(res))

	temp, _ := attr.Boolean(res.Msg.Printer, "printer-is-temporary")
	assert.True(t, temp)
	p, ok := e.reg.Get("lounge")
	require.True(t, ok)
	assert.True(t, p.Temporary)
}

func TestAddClassWithMembers(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	msg := request(goipp.OpCupsAddModifyClass, 1)
	msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI,
		goipp.String("ipp://localhost/classes/staff")))
	msg.Printer.Add(goipp.MakeAttribute("member-uris", goipp.TagURI,
		goipp.String("ipp://localhost/printers/lp0")))
	require.Equal(t, goipp.StatusOk, status(e.do(rootClient, msg, "")))

	c, ok := e.reg.Get("staff")
	require.True(t, ok)
	assert.True(t, c.IsClass)
	assert.Equal(t, []string{"lp0"}, c.Members)
}

func TestDeletePrinterDropsEverything(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	id := e.submit(t, "alice", "lp0", "data")
	subscribePrinter(t, e, "lp0", "alice", 2)

	del := addURI(request(goipp.OpCupsDeletePrinter, 3), "lp0")
	require.Equal(t, goipp.StatusOk, status(e.do(rootClient, del, "")))

	_, ok := e.reg.Get("lp0")
	assert.False(t, ok)
	_, ok = e.js.Get(id)
	assert.False(t, ok)
	assert.Zero(t, e.subs.Count())

	res := e.do(localClient, addURI(request(goipp.OpGetPrinterAttributes, 4), "lp0"), "")
	assert.Equal(t, goipp.StatusErrorNotFound, status(res))
}

func TestSetDefaultPrinter(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	e.addPrinter(t, "lp1")

	require.Equal(t, goipp.StatusOk,
		status(e.do(rootClient, addURI(request(goipp.OpCupsSetDefault, 1), "lp1"), "")))

	res := e.do(localClient, addUser(request(goipp.OpCupsGetDefault, 2), "alice"), "")
	require.Equal(t, goipp.StatusOk, status(res))
	name, _ := attr.String(res.Msg.Printer, "printer-name")
	assert.Equal(t, "lp1", name)
}

func TestGetPrintersListsDestinations(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")
	e.addPrinter(t, "lp1")
	_, err := e.reg.AddClass("staff")
	require.NoError(t, err)

	msg := addUser(request(goipp.OpCupsGetPrinters, 1), "alice")
	res := e.do(localClient, msg, "")
	require.Equal(t, goipp.StatusOk, status(res))
	printersSeen := 0
	for _, g := range res.Msg.Groups {
		if g.Tag == goipp.TagPrinterGroup {
			printersSeen++
		}
	}
	assert.Equal(t, 2, printersSeen)

	msg = addUser(request(goipp.OpCupsGetClasses, 2), "alice")
	res = e.do(localClient, msg, "")
	require.Equal(t, goipp.StatusOk, status(res))
	classesSeen := 0
	for _, g := range res.Msg.Groups {
		if g.Tag == goipp.TagPrinterGroup {
			classesSeen++
		}
	}
	assert.Equal(t, 1, classesSeen)
}

func TestRemoteRootDemoted(t *testing.T) {
	e := newEnv(t)
	e.addPrinter(t, "lp0")

	msg := addUser(addURI(request(goipp.OpPrintJob, 1), "lp0"), "root")
	res := e.do(remoteClient, msg, "data")
	require.Equal(t, goipp.StatusOk, status(res))
	id, _ := attr.Integer(res.Msg.Job, "job-id")
	j, _ := e.js.Get(id)
	assert.Equal(t, "remroot", j.User)
}
