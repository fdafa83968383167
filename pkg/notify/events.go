package notify

import (
	"time"

	"github.com/OpenPrinting/goipp"

	"github.com/openspool/printd/pkg/types"
)

// PrinterEvent captures a printer-scoped event with a snapshot of the
// printer state at capture time. Recipients see the state as it was
// when the event fired, not when it was delivered.
func PrinterEvent(kind types.EventMask, p *types.Printer, text string) types.Event {
	ev := types.Event{
		Time:        time.Now(),
		Kind:        kind,
		Text:        text,
		PrinterName: p.Name,
	}
	ev.Attrs.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String(p.Name)))
	ev.Attrs.Add(goipp.MakeAttribute("printer-state", goipp.TagEnum, goipp.Integer(p.State)))
	reasons := p.StateReasons
	if len(reasons) == 0 {
		reasons = []string{types.ReasonNone}
	}
	sr := goipp.Attribute{Name: "printer-state-reasons"}
	for _, r := range reasons {
		sr.Values.Add(goipp.TagKeyword, goipp.String(r))
	}
	ev.Attrs.Add(sr)
	ev.Attrs.Add(goipp.MakeAttribute("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(p.Accepting)))
	return ev
}

// JobEvent captures a job-scoped event with a snapshot of the job
// state at capture time.
func JobEvent(kind types.EventMask, j *types.Job, text string) types.Event {
	ev := types.Event{
		Time:        time.Now(),
		Kind:        kind,
		Text:        text,
		PrinterName: j.Dest,
		JobID:       j.ID,
	}
	ev.Attrs.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(j.ID)))
	ev.Attrs.Add(goipp.MakeAttribute("job-state", goipp.TagEnum, goipp.Integer(j.State)))
	reasons := j.StateReasons
	if len(reasons) == 0 {
		reasons = []string{types.JobReasonNone}
	}
	sr := goipp.Attribute{Name: "job-state-reasons"}
	for _, r := range reasons {
		sr.Values.Add(goipp.TagKeyword, goipp.String(r))
	}
	ev.Attrs.Add(sr)
	ev.Attrs.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String(j.Name)))
	ev.Attrs.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String(j.Dest)))
	return ev
}

// ServerEvent captures a server-scoped event (startup, shutdown,
// audit) with no printer or job snapshot.
func ServerEvent(kind types.EventMask, text string) types.Event {
	return types.Event{
		Time: time.Now(),
		Kind: kind,
		Text: text,
	}
}
