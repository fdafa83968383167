package dispatch

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/OpenPrinting/goipp"

	"github.com/openspool/printd/pkg/attr"
	"github.com/openspool/printd/pkg/jobs"
	"github.com/openspool/printd/pkg/quota"
	"github.com/openspool/printd/pkg/types"
)

// jobRequestSkip lists request attributes that describe the operation
// itself and must not be stored on the job.
var jobRequestSkip = map[string]bool{
	"attributes-charset":          true,
	"attributes-natural-language": true,
	"printer-uri":                 true,
	"job-uri":                     true,
	"job-id":                      true,
	"requesting-user-name":        true,
	"requested-attributes":        true,
	"last-document":               true,
	"compression":                 true,
	"document-data":               true,
}

// jobRequestAttrs merges the operation and job groups of a submission
// request into the job template, dropping operation bookkeeping.
func jobRequestAttrs(req *goipp.Message) goipp.Attributes {
	var out goipp.Attributes
	for _, src := range []goipp.Attributes{req.Operation, req.Job} {
		for _, a := range src {
			if jobRequestSkip[a.Name] {
				continue
			}
			out.Add(a)
		}
	}
	return out
}

// checkDocAttrs vets the document description of a submission request
// and returns the declared format and document name.
func (d *Dispatcher) checkDocAttrs(dest *types.Printer, ops goipp.Attributes) (format, name string, err error) {
	if c, ok := attr.String(ops, "compression"); ok && c != "none" {
		return "", "", opErrorf(goipp.StatusErrorCompressionNotSupported,
			"compression %q not supported", c)
	}
	name, _ = attr.String(ops, "document-name")
	format, _ = attr.String(ops, "document-format")
	if format != "" && format != "application/octet-stream" && !d.formatSupported(dest, format) {
		return "", "", opErrorf(goipp.StatusErrorDocumentFormatNotSupported,
			"document format %q not supported", format)
	}
	return format, name, nil
}

func (d *Dispatcher) formatSupported(dest *types.Printer, format string) bool {
	if dest != nil && len(dest.MimeTypes) > 0 {
		for _, t := range dest.MimeTypes {
			if strings.EqualFold(t, format) {
				return true
			}
		}
		return false
	}
	return d.mime.Known(format)
}

// checkQuotas applies the global job caps and then the destination
// quota window before a job is created.
func (d *Dispatcher) checkQuotas(dest *types.Printer, user string) error {
	caps := quota.Caps{
		MaxJobs:           d.cfg.MaxJobs,
		MaxJobsPerPrinter: d.cfg.MaxJobsPerPrinter,
		MaxJobsPerUser:    d.cfg.MaxJobsPerUser,
	}
	if quota.CheckCaps(caps,
		d.jobs.ActiveCount("", ""),
		d.jobs.ActiveCount(dest.Name, ""),
		d.jobs.ActiveCount("", user)) != quota.OK {
		return opErrorf(goipp.StatusErrorNotPossible, "too many active jobs")
	}
	switch d.quotas.Check(dest, user) {
	case quota.Denied:
		return opErrorf(goipp.StatusErrorNotAuthorized, "not allowed to print")
	case quota.Limit:
		return opErrorf(goipp.StatusErrorNotPossible, "quota limit reached")
	}
	return nil
}

// addRequestSubscriptions creates subscriptions supplied inline with a
// job submission. Failures are logged, not fatal: the job stands.
func (d *Dispatcher) addRequestSubscriptions(owner string, j *types.Job, req *goipp.Message) {
	for _, g := range req.Groups {
		if g.Tag != goipp.TagSubscriptionGroup {
			continue
		}
		if _, err := d.subs.Create(subscriptionRequest(g.Attrs, owner, "", j.ID)); err != nil {
			d.logger.Debug().Err(err).Int("job_id", j.ID).Msg("job subscription rejected")
		}
	}
}

func (d *Dispatcher) printJob(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	ident, err := d.identity(cl, req)
	if err != nil {
		return nil, err
	}
	format, docName, err := d.checkDocAttrs(dest, req.Operation)
	if err != nil {
		return nil, err
	}
	if err := d.checkQuotas(dest, ident.User); err != nil {
		return nil, err
	}

	br := bufio.NewReader(body)
	if _, err := br.Peek(1); err != nil {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "no file in print request")
	}

	j, err := d.jobs.Add(dest, ident.User, cl.Host, jobRequestAttrs(req), false)
	if err != nil {
		return nil, err
	}
	if _, err := d.jobs.AddFile(j.ID, br, format, docName, false); err != nil {
		d.jobs.Abort(j.ID, "document spooling failed")
		return nil, opErrorf(goipp.StatusErrorInternal, "spooling failed: %s", err)
	}
	d.addRequestSubscriptions(ident.User, j, req)

	resp := d.newResponse(req, goipp.StatusOk)
	resp.Job = d.jobIdentity(j)
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) validateJob(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	if _, _, err := d.checkDocAttrs(dest, req.Operation); err != nil {
		return nil, err
	}
	if err := d.jobs.Validate(dest, jobRequestAttrs(req)); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) createJob(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	ident, err := d.identity(cl, req)
	if err != nil {
		return nil, err
	}
	if err := d.checkQuotas(dest, ident.User); err != nil {
		return nil, err
	}

	j, err := d.jobs.Add(dest, ident.User, cl.Host, jobRequestAttrs(req), true)
	if err != nil {
		return nil, err
	}
	d.addRequestSubscriptions(ident.User, j, req)

	resp := d.newResponse(req, goipp.StatusOk)
	resp.Job = d.jobIdentity(j)
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) sendDocument(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	j, err := d.jobFromRequest(req)
	if err != nil {
		return nil, err
	}
	if !d.jobs.Receiving(j.ID) {
		return nil, opErrorf(goipp.StatusErrorNotPossible,
			"job #%d is not accepting documents", j.ID)
	}
	dest, _ := d.printers.Get(j.Dest)
	last, _ := attr.Boolean(req.Operation, "last-document")

	br := bufio.NewReader(body)
	_, peekErr := br.Peek(1)
	hasData := peekErr == nil
	if !hasData && !last {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "no file in print request")
	}
	if hasData {
		format, docName, err := d.checkDocAttrs(dest, req.Operation)
		if err != nil {
			return nil, err
		}
		if _, err := d.jobs.AddFile(j.ID, br, format, docName, false); err != nil {
			return nil, opErrorf(goipp.StatusErrorInternal, "spooling failed: %s", err)
		}
	}
	if last {
		if err := d.jobs.Close(j.ID); err != nil {
			return nil, err
		}
	}

	j, _ = d.jobs.Get(j.ID)
	resp := d.newResponse(req, goipp.StatusOk)
	resp.Job = d.jobIdentity(j)
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) closeJob(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	j, err := d.jobFromRequest(req)
	if err != nil {
		return nil, err
	}
	if err := d.jobs.Close(j.ID); err != nil {
		return nil, err
	}
	j, _ = d.jobs.Get(j.ID)
	resp := d.newResponse(req, goipp.StatusOk)
	resp.Job = d.jobIdentity(j)
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) cancelJob(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	j, err := d.jobFromRequest(req)
	if err != nil {
		return nil, err
	}
	purge, _ := attr.Boolean(req.Operation, "purge-job")
	if err := d.jobs.Cancel(j.ID, purge); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) holdJob(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	j, err := d.jobFromRequest(req)
	if err != nil {
		return nil, err
	}
	holdUntil := ""
	if a, ok := requestFind(req, "job-hold-until"); ok && len(a.Values) > 0 {
		holdUntil = a.Values[0].V.String()
	}
	if holdUntil == "no-hold" {
		holdUntil = ""
	}
	if err := d.jobs.Hold(j.ID, holdUntil); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) releaseJob(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	j, err := d.jobFromRequest(req)
	if err != nil {
		return nil, err
	}
	if err := d.jobs.Release(j.ID); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) restartJob(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	j, err := d.jobFromRequest(req)
	if err != nil {
		return nil, err
	}
	holdUntil := ""
	if a, ok := requestFind(req, "job-hold-until"); ok && len(a.Values) > 0 {
		holdUntil = a.Values[0].V.String()
	}
	if err := d.jobs.Restart(j.ID, holdUntil); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) getJobAttributes(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	j, err := d.jobFromRequest(req)
	if err != nil {
		return nil, err
	}
	ident, err := d.identity(cl, req)
	if err != nil {
		return nil, err
	}
	private := d.privateFor(j.Dest, ident, j.User)
	requested := attr.Requested(req.Operation)

	resp := d.newResponse(req, goipp.StatusOk)
	resp.Job = d.jobAttrs(j, requested, private, req.Version.Major() >= 2)
	return &Result{Msg: resp}, nil
}

var validWhichJobs = map[string]bool{
	"":                   true,
	"completed":          true,
	"not-completed":      true,
	"all":                true,
	"pending":            true,
	"pending-held":       true,
	"held":               true,
	"processing":         true,
	"processing-stopped": true,
	"canceled":           true,
	"aborted":            true,
}

func (d *Dispatcher) getJobs(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, server, err := d.scope(req)
	if err != nil {
		return nil, err
	}
	ident, err := d.identity(cl, req)
	if err != nil {
		return nil, err
	}

	which, _ := attr.String(req.Operation, "which-jobs")
	if !validWhichJobs[which] {
		oe := opErrorf(goipp.StatusErrorAttributesOrValues, "which-jobs %q not supported", which)
		oe.unsupported.Add(goipp.MakeAttribute("which-jobs", goipp.TagKeyword, goipp.String(which)))
		return nil, oe
	}

	f := jobs.Filter{Which: which}
	if !server {
		f.Dest = dest.Name
	}
	if my, _ := attr.Boolean(req.Operation, "my-jobs"); my {
		f.User = ident.User
	}
	f.Limit, _ = attr.Integer(req.Operation, "limit")
	f.FirstJobID, _ = attr.Integer(req.Operation, "first-job-id")
	f.FirstIndex, _ = attr.Integer(req.Operation, "first-index")
	if a, ok := attr.Find(req.Operation, "job-ids"); ok {
		f.IDs = intValues(a)
	}

	requested := attr.Requested(req.Operation)
	withCollections := req.Version.Major() >= 2

	resp := d.newResponse(req, goipp.StatusOk)
	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: resp.Operation}}
	for _, j := range d.jobs.List(f) {
		private := d.privateFor(j.Dest, ident, j.User)
		groups = append(groups, goipp.Group{
			Tag:   goipp.TagJobGroup,
			Attrs: d.jobAttrs(j, requested, private, withCollections),
		})
	}
	resp.Groups = groups
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) setJobAttributes(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	j, err := d.jobFromRequest(req)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, opErrorf(goipp.StatusErrorNotPossible, "job #%d is already done", j.ID)
	}

	var (
		rejected  goipp.Attributes
		set       goipp.Attributes
		del       []string
		priority  int
		hasPrio   bool
		holdUntil string
		holdSet   bool
	)
	for _, a := range req.Job {
		if len(a.Values) == 0 {
			continue
		}
		if jobs.ReadOnly(a.Name) || a.Name == "job-printer-uri" {
			bad := goipp.Attribute{Name: a.Name}
			bad.Values.Add(goipp.TagNotSettable, goipp.Void{})
			rejected.Add(bad)
			continue
		}
		switch a.Name {
		case "job-priority":
			v, ok := a.Values[0].V.(goipp.Integer)
			if !ok || v < 1 || v > 100 {
				return nil, opErrorf(goipp.StatusErrorAttributesOrValues,
					"bad job-priority value")
			}
			priority, hasPrio = int(v), true
		case "job-hold-until":
			holdUntil, holdSet = a.Values[0].V.String(), true
		default:
			if a.Values[0].T == goipp.TagDeleteAttr {
				del = append(del, a.Name)
				continue
			}
			set.Add(a)
		}
	}
	if len(rejected) > 0 {
		return nil, &opError{
			status:      goipp.StatusErrorAttributesNotSettable,
			text:        "attributes not settable",
			unsupported: rejected,
		}
	}

	if hasPrio {
		if err := d.jobs.SetPriority(j.ID, priority); err != nil {
			return nil, err
		}
	}
	if holdSet {
		if holdUntil == "no-hold" && j.State == types.JobHeld {
			if err := d.jobs.Release(j.ID); err != nil {
				return nil, err
			}
		} else if holdUntil != "no-hold" {
			hu := holdUntil
			if hu == "indefinite" {
				hu = ""
			}
			if err := d.jobs.Hold(j.ID, hu); err != nil {
				return nil, err
			}
		}
	}
	if len(set) > 0 || len(del) > 0 {
		if err := d.jobs.SetAttrs(j.ID, set, del); err != nil {
			return nil, err
		}
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) cancelJobs(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	return d.cancelMany(req, "", false)
}

func (d *Dispatcher) cancelMyJobs(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	ident, err := d.identity(cl, req)
	if err != nil {
		return nil, err
	}
	return d.cancelMany(req, ident.User, false)
}

func (d *Dispatcher) purgeJobs(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	purge := true
	if v, ok := attr.Boolean(req.Operation, "purge-jobs"); ok {
		purge = v
	}
	return d.cancelMany(req, "", purge)
}

// cancelMany cancels every matching active job; with purge it also
// erases matching history.
func (d *Dispatcher) cancelMany(req *goipp.Message, user string, purge bool) (*Result, error) {
	dest, server, err := d.scope(req)
	if err != nil {
		return nil, err
	}
	f := jobs.Filter{Which: "not-completed", User: user}
	if !server {
		f.Dest = dest.Name
	}
	if a, ok := attr.Find(req.Operation, "job-ids"); ok {
		f.IDs = intValues(a)
	}
	for _, j := range d.jobs.List(f) {
		if err := d.jobs.Cancel(j.ID, purge); err != nil {
			d.logger.Warn().Err(err).Int("job_id", j.ID).Msg("bulk cancel failed")
		}
	}
	if purge {
		hist := f
		hist.Which = "completed"
		for _, j := range d.jobs.List(hist) {
			d.jobs.Purge(j.ID)
		}
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) cupsMoveJob(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	a, ok := requestFind(req, "job-printer-uri")
	if !ok || len(a.Values) == 0 {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing job-printer-uri")
	}
	targetName, _, target, err := d.printers.ValidateDest(a.Values[0].V.String())
	if err != nil || target == nil {
		return nil, opErrorf(goipp.StatusErrorNotFound,
			"destination %q not found", targetName)
	}

	hasJob := false
	if _, ok := attr.Find(req.Operation, "job-uri"); ok {
		hasJob = true
	} else if _, ok := attr.Find(req.Operation, "job-id"); ok {
		hasJob = true
	}
	if hasJob {
		j, err := d.jobFromRequest(req)
		if err != nil {
			return nil, err
		}
		if err := d.jobs.MoveTo(j.ID, target.Name, target.IsClass); err != nil {
			return nil, err
		}
		return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
	}

	src, server, err := d.scope(req)
	if err != nil {
		return nil, err
	}
	if server {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing source destination or job")
	}
	for _, j := range d.jobs.List(jobs.Filter{Dest: src.Name, Which: "not-completed"}) {
		if err := d.jobs.MoveTo(j.ID, target.Name, target.IsClass); err != nil {
			d.logger.Warn().Err(err).Int("job_id", j.ID).Msg("job move failed")
		}
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) cupsAuthenticateJob(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	j, err := d.jobFromRequest(req)
	if err != nil {
		return nil, err
	}
	if j.State != types.JobHeld || !hasReason(j.StateReasons, types.JobReasonHeldForAuth) {
		return nil, opErrorf(goipp.StatusErrorNotPossible,
			"job #%d is not held for authentication", j.ID)
	}
	values := attr.Strings(req.Operation, "auth-info")
	if len(values) == 0 {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing auth-info")
	}
	if err := d.jobs.StoreCredentials(j.ID, values, 0); err != nil {
		return nil, opErrorf(goipp.StatusErrorInternal, "storing credentials: %s", err)
	}
	if err := d.jobs.Release(j.ID); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) cupsGetDocument(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	j, err := d.jobFromRequest(req)
	if err != nil {
		return nil, err
	}
	num, ok := attr.Integer(req.Operation, "document-number")
	if !ok {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing document-number")
	}
	if len(j.Files) == 0 {
		return nil, opErrorf(goipp.StatusErrorNotFound,
			"job #%d has no retained documents", j.ID)
	}
	if num < 1 || num > len(j.Files) {
		return nil, opErrorf(goipp.StatusErrorNotFound,
			"document %d not found in job #%d", num, j.ID)
	}
	f := j.Files[num-1]

	resp := d.newResponse(req, goipp.StatusOk)
	resp.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String(f.MimeType)))
	resp.Operation.Add(goipp.MakeAttribute("document-number", goipp.TagInteger, goipp.Integer(num)))
	return &Result{Msg: resp, File: f.Path, FileType: f.MimeType}, nil
}
