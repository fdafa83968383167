package printers

import (
	"fmt"
	"time"

	"github.com/OpenPrinting/goipp"

	"github.com/openspool/printd/pkg/attr"
	"github.com/openspool/printd/pkg/types"
)

// SetAttrs applies a vetted subset of printer attributes from a
// request group. Unknown attributes land in the destination's option
// defaults; state transitions happen only through Stop/Start, except
// that a supplied printer-state-reasons containing "paused" stops the
// destination as a side effect.
func (r *Registry) SetAttrs(name string, attrs goipp.Attributes) error {
	r.mu.Lock()
	p, ok := r.dests[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("destination %q not found", name)
	}

	var stop, start bool
	for _, a := range attrs {
		if len(a.Values) == 0 {
			continue
		}
		val := a.Values[0].V.String()
		switch a.Name {
		case "printer-location":
			p.Location = val
		case "printer-geo-location":
			p.GeoLocation = val
		case "printer-info":
			p.Info = val
		case "printer-organization":
			p.Organization = val
		case "printer-organizational-unit":
			p.OrgUnit = val
		case "printer-make-and-model":
			p.MakeModel = val
		case "printer-state-message":
			p.StateMessage = val
		case "port-monitor":
			p.PortMonitor = val
		case "printer-op-policy":
			p.OpPolicy = val
		case "printer-error-policy":
			p.ErrorPolicy = val
		case "job-sheets-default":
			p.JobSheets[0] = val
			if len(a.Values) > 1 {
				p.JobSheets[1] = a.Values[1].V.String()
			}
		case "job-quota-period":
			if v, ok := a.Values[0].V.(goipp.Integer); ok {
				p.QuotaPeriod = int(v)
			}
		case "job-page-limit":
			if v, ok := a.Values[0].V.(goipp.Integer); ok {
				p.PageLimit = int(v)
			}
		case "job-k-limit":
			if v, ok := a.Values[0].V.(goipp.Integer); ok {
				p.KLimit = int(v)
			}
		case "requesting-user-name-allowed":
			p.Users = attr.Strings(attrs, a.Name)
			p.DenyUsers = false
		case "requesting-user-name-denied":
			p.Users = attr.Strings(attrs, a.Name)
			p.DenyUsers = true
		case "auth-info-required":
			p.AuthInfoRequired = attr.Strings(attrs, a.Name)
		case "printer-is-accepting-jobs":
			if v, ok := a.Values[0].V.(goipp.Boolean); ok {
				p.Accepting = bool(v)
			}
		case "printer-is-shared":
			if p.Remote {
				r.mu.Unlock()
				return fmt.Errorf("cannot re-share remote destination %q", name)
			}
			if v, ok := a.Values[0].V.(goipp.Boolean); ok {
				p.Shared = bool(v)
			}
		case "printer-is-temporary":
			if v, ok := a.Values[0].V.(goipp.Boolean); ok {
				p.Temporary = bool(v)
			}
		case "device-uri":
			if err := r.CheckDeviceURI(val); err != nil {
				r.mu.Unlock()
				return err
			}
			p.DeviceURI = val
		case "printer-state":
			if v, ok := a.Values[0].V.(goipp.Integer); ok {
				switch types.PrinterState(v) {
				case types.PrinterStopped:
					stop = true
				case types.PrinterIdle:
					start = true
				default:
					r.mu.Unlock()
					return fmt.Errorf("bad printer-state value %d", v)
				}
			}
		case "printer-state-reasons":
			for _, reason := range attr.Strings(attrs, a.Name) {
				if reason == types.ReasonPaused {
					stop = true
				}
			}
		case "document-format-supported":
			p.MimeTypes = attr.Strings(attrs, a.Name)
		case "member-uris", "member-names":
			// Applied by the class handler via SetMembers.
		default:
			if isDefaultOption(a.Name) {
				p.Defaults[a.Name] = val
			}
		}
	}
	p.StateTime = time.Now()
	r.mu.Unlock()

	if stop {
		if err := r.Stop(name, ""); err != nil {
			return err
		}
	} else if start {
		if err := r.Start(name); err != nil {
			return err
		}
	}

	r.emit(types.EventPrinterModified, p, fmt.Sprintf("Destination %q modified.", name))
	r.dirty()
	return nil
}

// isDefaultOption reports whether the attribute is a job template
// default the destination may carry (xxx-default naming convention).
func isDefaultOption(name string) bool {
	const suffix = "-default"
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}
