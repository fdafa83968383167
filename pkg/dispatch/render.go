package dispatch

import (
	"sort"
	"time"

	"github.com/OpenPrinting/goipp"

	"github.com/openspool/printd/pkg/attr"
	"github.com/openspool/printd/pkg/types"
)

// CUPS printer-type bits advertised by the printer-type attribute.
const (
	typeClass         = 0x00000001
	typeRemote        = 0x00000002
	typeDefault       = 0x00020000
	typeRejecting     = 0x00080000
	typeNotShared     = 0x00200000
	typeAuthenticated = 0x00400000
	typeDiscovered    = 0x01000000
)

func (d *Dispatcher) printerType(p *types.Printer) int {
	t := 0
	if p.IsClass {
		t |= typeClass
	}
	if p.Remote {
		t |= typeRemote | typeDiscovered
	}
	if def, ok := d.printers.Default(); ok && def.Name == p.Name {
		t |= typeDefault
	}
	if !p.Accepting {
		t |= typeRejecting
	}
	if !p.Shared {
		t |= typeNotShared
	}
	if len(p.AuthInfoRequired) > 0 {
		t |= typeAuthenticated
	}
	return t
}

func reasonsOrNone(reasons []string) []string {
	if len(reasons) == 0 {
		return []string{"none"}
	}
	return reasons
}

func filterRequested(attrs goipp.Attributes, requested map[string]bool) goipp.Attributes {
	if requested == nil {
		return attrs
	}
	var out goipp.Attributes
	for _, a := range attrs {
		if requested[a.Name] {
			out.Add(a)
		}
	}
	return out
}

var holdUntilKeywords = []string{
	"no-hold", "indefinite", "day-time", "evening", "night",
	"second-shift", "third-shift", "weekend",
}

var bannerKeywords = []string{
	"none", "classified", "confidential", "secret", "standard",
	"topsecret", "unclassified",
}

var numberUpValues = []int{1, 2, 4, 6, 9, 16}

// printerAttrs renders the destination's full attribute set, filtered
// by the requested-attributes selection.
func (d *Dispatcher) printerAttrs(p *types.Printer, requested map[string]bool) goipp.Attributes {
	var attrs goipp.Attributes
	add := attr.Adder(&attrs)
	now := time.Now()

	add("printer-id", goipp.TagInteger, goipp.Integer(p.ID))
	add("printer-name", goipp.TagName, goipp.String(p.Name))
	add("printer-uri-supported", goipp.TagURI, goipp.String(d.printerURI(p)))
	add("printer-uuid", goipp.TagURI, goipp.String(p.UUID))
	add("printer-state", goipp.TagEnum, goipp.Integer(p.State))
	add("printer-state-message", goipp.TagText, goipp.String(p.StateMessage))
	add("printer-state-reasons", goipp.TagKeyword, attr.StringValues(reasonsOrNone(p.StateReasons)...)...)
	add("printer-state-change-time", goipp.TagInteger, goipp.Integer(p.StateTime.Unix()))
	add("printer-type", goipp.TagEnum, goipp.Integer(d.printerType(p)))
	add("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(p.Accepting))
	add("printer-is-shared", goipp.TagBoolean, goipp.Boolean(p.Shared))
	add("printer-is-temporary", goipp.TagBoolean, goipp.Boolean(p.Temporary))
	add("queued-job-count", goipp.TagInteger, goipp.Integer(d.jobs.ActiveCount(p.Name, "")))
	add("printer-up-time", goipp.TagInteger, goipp.Integer(now.Unix()))
	add("printer-current-time", goipp.TagDateTime, goipp.Time{Time: now})

	info := p.Info
	if info == "" {
		info = p.Name
	}
	add("printer-info", goipp.TagText, goipp.String(info))
	makeModel := p.MakeModel
	if makeModel == "" {
		makeModel = "Local Raw Printer"
	}
	add("printer-make-and-model", goipp.TagText, goipp.String(makeModel))
	if p.Location != "" {
		add("printer-location", goipp.TagText, goipp.String(p.Location))
	}
	if p.GeoLocation != "" {
		add("printer-geo-location", goipp.TagURI, goipp.String(p.GeoLocation))
	}
	if p.Organization != "" {
		add("printer-organization", goipp.TagText, goipp.String(p.Organization))
	}
	if p.OrgUnit != "" {
		add("printer-organizational-unit", goipp.TagText, goipp.String(p.OrgUnit))
	}
	if p.DeviceURI != "" {
		add("device-uri", goipp.TagURI, goipp.String(p.DeviceURI))
	}
	if p.PortMonitor != "" {
		add("port-monitor", goipp.TagName, goipp.String(p.PortMonitor))
	}

	if p.IsClass {
		add("member-names", goipp.TagName, attr.StringValues(p.Members...)...)
		uris := make([]goipp.Value, 0, len(p.Members))
		for _, m := range p.Members {
			isClass := false
			if mp, ok := d.printers.Get(m); ok {
				isClass = mp.IsClass
			}
			uris = append(uris, goipp.String(d.destURI(m, isClass)))
		}
		add("member-uris", goipp.TagURI, uris...)
	}

	// Capabilities.
	opVals := make([]goipp.Value, len(d.ops))
	for i, op := range d.ops {
		opVals[i] = goipp.Integer(op)
	}
	add("operations-supported", goipp.TagEnum, opVals...)
	add("ipp-versions-supported", goipp.TagKeyword, attr.StringValues("1.0", "1.1", "2.0", "2.1")...)
	add("charset-configured", goipp.TagCharset, goipp.String(d.cfg.DefaultCharset))
	add("charset-supported", goipp.TagCharset, attr.StringValues("us-ascii", "utf-8")...)
	add("natural-language-configured", goipp.TagLanguage, goipp.String(d.cfg.DefaultLanguage))
	add("generated-natural-language-supported", goipp.TagLanguage, goipp.String(d.cfg.DefaultLanguage))

	formats := p.MimeTypes
	if len(formats) == 0 {
		formats = d.mime.Types()
	}
	add("document-format-supported", goipp.TagMimeType, attr.StringValues(formats...)...)
	add("document-format-default", goipp.TagMimeType, goipp.String("application/octet-stream"))
	add("compression-supported", goipp.TagKeyword, goipp.String("none"))
	add("pdl-override-supported", goipp.TagKeyword, goipp.String("attempted"))
	add("multiple-document-jobs-supported", goipp.TagBoolean, goipp.Boolean(true))
	add("multiple-operation-time-out", goipp.TagInteger,
		goipp.Integer(d.cfg.MultipleOperationTimeout/time.Second))

	add("job-priority-default", goipp.TagInteger, goipp.Integer(50))
	add("job-priority-supported", goipp.TagInteger, goipp.Integer(100))
	add("copies-default", goipp.TagInteger, goipp.Integer(1))
	add("copies-supported", goipp.TagRange, goipp.Range{Lower: 1, Upper: d.cfg.MaxCopies})
	add("job-hold-until-default", goipp.TagKeyword, goipp.String("no-hold"))
	add("job-hold-until-supported", goipp.TagKeyword, attr.StringValues(holdUntilKeywords...)...)
	add("job-sheets-supported", goipp.TagName, attr.StringValues(bannerKeywords...)...)
	add("job-sheets-default", goipp.TagName,
		goipp.String(sheetOrNone(p.JobSheets[0])), goipp.String(sheetOrNone(p.JobSheets[1])))
	nupVals := make([]goipp.Value, len(numberUpValues))
	for i, n := range numberUpValues {
		nupVals[i] = goipp.Integer(n)
	}
	add("number-up-supported", goipp.TagInteger, nupVals...)
	add("number-up-default", goipp.TagInteger, goipp.Integer(1))
	add("page-ranges-supported", goipp.TagBoolean, goipp.Boolean(true))

	add("printer-op-policy", goipp.TagName, goipp.String(p.OpPolicy))
	add("printer-error-policy", goipp.TagName, goipp.String(p.ErrorPolicy))
	add("printer-error-policy-supported", goipp.TagName,
		attr.StringValues("abort-job", "retry-job", "stop-printer")...)

	add("job-quota-period", goipp.TagInteger, goipp.Integer(p.QuotaPeriod))
	add("job-page-limit", goipp.TagInteger, goipp.Integer(p.PageLimit))
	add("job-k-limit", goipp.TagInteger, goipp.Integer(p.KLimit))
	if len(p.Users) > 0 {
		name := "requesting-user-name-allowed"
		if p.DenyUsers {
			name = "requesting-user-name-denied"
		}
		add(name, goipp.TagName, attr.StringValues(p.Users...)...)
	}
	if len(p.AuthInfoRequired) > 0 {
		add("auth-info-required", goipp.TagKeyword, attr.StringValues(p.AuthInfoRequired...)...)
	}

	add("notify-pull-method-supported", goipp.TagKeyword, goipp.String("ippget"))
	add("notify-max-events-supported", goipp.TagInteger, goipp.Integer(100))
	add("notify-events-default", goipp.TagKeyword, goipp.String("job-completed"))
	add("notify-events-supported", goipp.TagKeyword, attr.StringValues(types.EventAll.Names()...)...)

	// Saved destination defaults, except where a live attribute above
	// already answers.
	names := make([]string, 0, len(p.Defaults))
	for name := range p.Defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if attr.FindIndex(attrs, name) >= 0 {
			continue
		}
		add(name, goipp.TagName, goipp.String(p.Defaults[name]))
	}

	return filterRequested(attrs, requested)
}

func sheetOrNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func jobStateMessage(state types.JobState) string {
	switch state {
	case types.JobPending:
		return "Job pending."
	case types.JobHeld:
		return "Job held."
	case types.JobProcessing:
		return "Job printing."
	case types.JobStopped:
		return "Job stopped."
	case types.JobCanceled:
		return "Job canceled."
	case types.JobAborted:
		return "Job aborted."
	case types.JobCompleted:
		return "Job completed."
	}
	return ""
}

// jobAttrs renders one job: the server-managed attributes first, then
// the stored request attributes, redacted per policy.
func (d *Dispatcher) jobAttrs(j *types.Job, requested, private map[string]bool, withCollections bool) goipp.Attributes {
	var synth goipp.Attributes
	add := attr.Adder(&synth)

	addEpoch := func(name string, t time.Time) {
		if t.IsZero() {
			a := goipp.Attribute{Name: name}
			a.Values.Add(goipp.TagNoValue, goipp.Void{})
			synth.Add(a)
			return
		}
		add(name, goipp.TagInteger, goipp.Integer(t.Unix()))
	}
	addDate := func(name string, t time.Time) {
		if t.IsZero() {
			a := goipp.Attribute{Name: name}
			a.Values.Add(goipp.TagNoValue, goipp.Void{})
			synth.Add(a)
			return
		}
		add(name, goipp.TagDateTime, goipp.Time{Time: t})
	}

	add("job-id", goipp.TagInteger, goipp.Integer(j.ID))
	add("job-uri", goipp.TagURI, goipp.String(d.jobURI(j.ID)))
	add("job-uuid", goipp.TagURI, goipp.String(j.UUID))
	add("job-printer-uri", goipp.TagURI, goipp.String(d.destURI(j.Dest, j.DestIsClass)))
	add("job-name", goipp.TagName, goipp.String(j.Name))
	add("job-originating-user-name", goipp.TagName, goipp.String(j.User))
	add("job-originating-host-name", goipp.TagName, goipp.String(j.Host))
	add("job-state", goipp.TagEnum, goipp.Integer(j.State))
	add("job-state-reasons", goipp.TagKeyword, attr.StringValues(reasonsOrNone(j.StateReasons)...)...)
	add("job-state-message", goipp.TagText, goipp.String(jobStateMessage(j.State)))
	add("job-priority", goipp.TagInteger, goipp.Integer(j.Priority))

	switch {
	case j.HoldIndefinite:
		add("job-hold-until", goipp.TagKeyword, goipp.String("indefinite"))
	case !j.HoldUntil.IsZero():
		add("job-hold-until", goipp.TagKeyword, goipp.String(j.HoldUntil.Format("15:04:05")))
	default:
		add("job-hold-until", goipp.TagKeyword, goipp.String("no-hold"))
	}

	add("job-k-octets", goipp.TagInteger, goipp.Integer(j.KOctets))
	add("job-impressions-completed", goipp.TagInteger, goipp.Integer(j.ImpressionsCompleted))
	add("job-media-sheets-completed", goipp.TagInteger, goipp.Integer(j.SheetsCompleted))
	add("number-of-documents", goipp.TagInteger, goipp.Integer(len(j.Files)))
	if len(j.Files) > 0 {
		add("document-format-detected", goipp.TagMimeType, goipp.String(j.Files[0].MimeType))
	}

	addEpoch("time-at-creation", j.CreatedAt)
	addEpoch("time-at-processing", j.ProcessingAt)
	addEpoch("time-at-completed", j.CompletedAt)
	addDate("date-time-at-creation", j.CreatedAt)
	addDate("date-time-at-processing", j.ProcessingAt)
	addDate("date-time-at-completed", j.CompletedAt)
	add("job-printer-up-time", goipp.TagInteger, goipp.Integer(time.Now().Unix()))

	exclude := make(map[string]bool, len(synth)+len(private))
	for _, a := range synth {
		exclude[a.Name] = true
	}
	for name := range private {
		exclude[name] = true
	}

	var out goipp.Attributes
	for _, a := range synth {
		if private[a.Name] {
			continue
		}
		if requested != nil && !requested[a.Name] {
			continue
		}
		out.Add(a)
	}
	attr.CopyInto(&out, j.Attrs, attr.CopyOptions{
		Requested:       requested,
		Exclude:         exclude,
		WithCollections: withCollections,
	})
	return out
}

// jobIdentity is the short job group returned by the submission and
// state operations.
func (d *Dispatcher) jobIdentity(j *types.Job) goipp.Attributes {
	var attrs goipp.Attributes
	add := attr.Adder(&attrs)
	add("job-id", goipp.TagInteger, goipp.Integer(j.ID))
	add("job-uri", goipp.TagURI, goipp.String(d.jobURI(j.ID)))
	add("job-state", goipp.TagEnum, goipp.Integer(j.State))
	add("job-state-reasons", goipp.TagKeyword, attr.StringValues(reasonsOrNone(j.StateReasons)...)...)
	return attrs
}

// subscriptionAttrs renders one subscription group.
func (d *Dispatcher) subscriptionAttrs(sub *types.Subscription, requested map[string]bool) goipp.Attributes {
	var attrs goipp.Attributes
	add := attr.Adder(&attrs)

	add("notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.ID))
	if sub.JobID != 0 {
		add("notify-job-id", goipp.TagInteger, goipp.Integer(sub.JobID))
	} else if sub.PrinterName != "" {
		isClass := false
		if p, ok := d.printers.Get(sub.PrinterName); ok {
			isClass = p.IsClass
		}
		add("notify-printer-uri", goipp.TagURI, goipp.String(d.destURI(sub.PrinterName, isClass)))
	}
	add("notify-subscriber-user-name", goipp.TagName, goipp.String(sub.Owner))
	add("notify-events", goipp.TagKeyword, attr.StringValues(sub.Events.Names()...)...)
	if sub.RecipientURI != "" {
		add("notify-recipient-uri", goipp.TagURI, goipp.String(sub.RecipientURI))
	}
	if sub.PullMethod != "" {
		add("notify-pull-method", goipp.TagKeyword, goipp.String(sub.PullMethod))
	}
	if len(sub.UserData) > 0 {
		add("notify-user-data", goipp.TagString, goipp.Binary(sub.UserData))
	}
	if sub.Interval > 0 {
		add("notify-time-interval", goipp.TagInteger, goipp.Integer(sub.Interval))
	}
	add("notify-lease-duration", goipp.TagInteger, goipp.Integer(sub.Lease))
	if !sub.Expire.IsZero() {
		add("notify-lease-expiration-time", goipp.TagInteger, goipp.Integer(sub.Expire.Unix()))
	}

	return filterRequested(attrs, requested)
}
