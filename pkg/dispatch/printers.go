package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenPrinting/goipp"

	"github.com/openspool/printd/pkg/attr"
	"github.com/openspool/printd/pkg/jobs"
)

func (d *Dispatcher) getPrinterAttributes(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	resp := d.newResponse(req, goipp.StatusOk)
	resp.Printer = d.printerAttrs(dest, attr.Requested(req.Operation))
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) getPrinterSupportedValues(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	var supported goipp.Attributes
	for _, a := range d.printerAttrs(dest, nil) {
		if strings.HasSuffix(a.Name, "-supported") {
			supported.Add(a)
		}
	}
	resp := d.newResponse(req, goipp.StatusOk)
	resp.Printer = filterRequested(supported, attr.Requested(req.Operation))
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) pausePrinter(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	msg, _ := attr.String(req.Operation, "printer-state-message")
	if msg == "" {
		msg = "Paused"
	}
	if err := d.printers.Stop(dest.Name, msg); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) resumePrinter(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	if err := d.printers.Start(dest.Name); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) holdNewJobs(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	if err := d.printers.HoldNewJobs(dest.Name); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) releaseHeldNewJobs(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	if err := d.printers.ReleaseHeldNewJobs(dest.Name); err != nil {
		return nil, err
	}
	d.jobs.ReleaseHeldIndefinite(dest.Name)
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) setPrinterAttributes(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	if err := d.printers.SetAttrs(dest.Name, req.Printer); err != nil {
		return nil, opErrorf(goipp.StatusErrorAttributesOrValues, "%s", err)
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) cupsGetDefault(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	def, ok := d.printers.Default()
	if !ok {
		return nil, opErrorf(goipp.StatusErrorNotFound, "no default destination")
	}
	resp := d.newResponse(req, goipp.StatusOk)
	resp.Printer = d.printerAttrs(def, attr.Requested(req.Operation))
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) cupsGetPrinters(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	return d.listDestinations(req, false)
}

func (d *Dispatcher) cupsGetClasses(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	return d.listDestinations(req, true)
}

// listDestinations answers CUPS-Get-Printers and CUPS-Get-Classes,
// honoring the printer-type mask and windowing attributes.
func (d *Dispatcher) listDestinations(req *goipp.Message, classes bool) (*Result, error) {
	limit, _ := attr.Integer(req.Operation, "limit")
	ptype, _ := attr.Integer(req.Operation, "printer-type")
	mask, _ := attr.Integer(req.Operation, "printer-type-mask")
	firstName, _ := attr.String(req.Operation, "first-printer-name")
	requested := attr.Requested(req.Operation)

	resp := d.newResponse(req, goipp.StatusOk)
	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: resp.Operation}}
	count := 0
	for _, p := range d.printers.List() {
		if p.IsClass != classes {
			continue
		}
		if firstName != "" && p.Name < firstName {
			continue
		}
		if mask != 0 && d.printerType(p)&mask != ptype&mask {
			continue
		}
		groups = append(groups, goipp.Group{
			Tag:   goipp.TagPrinterGroup,
			Attrs: d.printerAttrs(p, requested),
		})
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	if count == 0 {
		return nil, opErrorf(goipp.StatusErrorNotFound, "no destinations added")
	}
	resp.Groups = groups
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) cupsAddModifyPrinter(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	return d.addModifyDest(req, false)
}

func (d *Dispatcher) cupsAddModifyClass(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	return d.addModifyDest(req, true)
}

func (d *Dispatcher) addModifyDest(req *goipp.Message, class bool) (*Result, error) {
	uri, ok := attr.String(req.Operation, "printer-uri")
	if !ok {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing printer-uri")
	}
	name, _, existing, err := d.printers.ValidateDest(uri)
	if err != nil {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "%s", err)
	}
	if existing != nil && existing.IsClass != class {
		return nil, opErrorf(goipp.StatusErrorNotPossible,
			"%q already exists as a different destination kind", name)
	}
	if existing == nil {
		if class {
			_, err = d.printers.AddClass(name)
		} else {
			_, err = d.printers.AddPrinter(name)
		}
		if err != nil {
			return nil, opErrorf(goipp.StatusErrorBadRequest, "%s", err)
		}
	}
	if len(req.Printer) > 0 {
		if err := d.printers.SetAttrs(name, req.Printer); err != nil {
			return nil, opErrorf(goipp.StatusErrorAttributesOrValues, "%s", err)
		}
	}
	if class {
		if members := d.memberNames(req.Printer); members != nil {
			if err := d.printers.SetMembers(name, members); err != nil {
				return nil, opErrorf(goipp.StatusErrorAttributesOrValues, "%s", err)
			}
		}
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

// memberNames extracts the class membership from member-uris or
// member-names. Nil means the request does not change membership.
func (d *Dispatcher) memberNames(printerGroup goipp.Attributes) []string {
	if a, ok := attr.Find(printerGroup, "member-uris"); ok {
		names := []string{}
		for _, v := range a.Values {
			name, _, _, err := d.printers.ValidateDest(v.V.String())
			if err != nil {
				continue
			}
			names = append(names, name)
		}
		return names
	}
	if _, ok := attr.Find(printerGroup, "member-names"); ok {
		return attr.Strings(printerGroup, "member-names")
	}
	return nil
}

// cupsDeleteDest serves both CUPS-Delete-Printer and CUPS-Delete-Class:
// active jobs are purged, subscriptions and quota history dropped.
func (d *Dispatcher) cupsDeleteDest(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	for _, j := range d.jobs.List(jobs.Filter{Dest: dest.Name, Which: "all"}) {
		if j.State.Active() {
			if err := d.jobs.Cancel(j.ID, true); err != nil {
				d.logger.Warn().Err(err).Int("job_id", j.ID).Msg("cancel on delete failed")
			}
		} else {
			d.jobs.Purge(j.ID)
		}
	}
	d.subs.ExpireForPrinter(dest.Name)
	d.quotas.Forget(dest.Name)
	if _, err := d.printers.Delete(dest.Name); err != nil {
		return nil, opErrorf(goipp.StatusErrorNotFound, "%s", err)
	}
	os.Remove(filepath.Join(d.cfg.StateDir, "ppd", dest.Name+".ppd"))
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) cupsAcceptJobs(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	if err := d.printers.SetAccepting(dest.Name, true); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) cupsRejectJobs(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	if err := d.printers.SetAccepting(dest.Name, false); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) cupsSetDefault(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, err := d.printerFromRequest(req)
	if err != nil {
		return nil, err
	}
	if err := d.printers.SetDefault(dest.Name); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) cupsCreateLocalPrinter(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	if !cl.Local {
		return nil, opErrorf(goipp.StatusErrorForbidden,
			"only local clients may create temporary printers")
	}
	var name, device string
	if a, ok := requestFind(req, "printer-name"); ok && len(a.Values) > 0 {
		name = a.Values[0].V.String()
	}
	if a, ok := requestFind(req, "device-uri"); ok && len(a.Values) > 0 {
		device = a.Values[0].V.String()
	}
	if name == "" || device == "" {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing printer-name or device-uri")
	}
	if err := d.printers.CheckDeviceURI(device); err != nil {
		return nil, opErrorf(goipp.StatusErrorURIScheme, "%s", err)
	}
	requested := attr.Requested(req.Operation)

	if p, ok := d.printers.Get(name); ok {
		resp := d.newResponse(req, goipp.StatusOk)
		resp.Printer = d.printerAttrs(p, requested)
		return &Result{Msg: resp}, nil
	}

	p, err := d.printers.AddPrinter(name)
	if err != nil {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "%s", err)
	}
	var setup goipp.Attributes
	add := attr.Adder(&setup)
	add("printer-is-temporary", goipp.TagBoolean, goipp.Boolean(true))
	add("printer-is-shared", goipp.TagBoolean, goipp.Boolean(false))
	add("device-uri", goipp.TagURI, goipp.String(device))
	for _, opt := range []string{"printer-info", "printer-location", "printer-geo-location"} {
		if a, ok := requestFind(req, opt); ok && len(a.Values) > 0 {
			add(opt, goipp.TagText, goipp.String(a.Values[0].V.String()))
		}
	}
	if err := d.printers.SetAttrs(name, setup); err != nil {
		return nil, opErrorf(goipp.StatusErrorAttributesOrValues, "%s", err)
	}

	if d.prober != nil {
		go func() {
			if err := d.prober.Probe(name, device); err != nil {
				d.printers.FailTemporary(name, fmt.Sprintf("device probe failed: %s", err))
			}
		}()
	}

	p, _ = d.printers.Get(name)
	resp := d.newResponse(req, goipp.StatusOk)
	resp.Printer = d.printerAttrs(p, requested)
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) cupsGetDevices(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	return d.runEnumerator(ctx, req, d.devices, "device enumeration")
}

func (d *Dispatcher) cupsGetPPDs(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	return d.runEnumerator(ctx, req, d.drivers, "driver enumeration")
}

// runEnumerator invokes an external helper and relays its printer
// groups. A missing helper yields an empty successful response.
func (d *Dispatcher) runEnumerator(ctx context.Context, req *goipp.Message, h Helper, what string) (*Result, error) {
	resp := d.newResponse(req, goipp.StatusOk)
	if h == nil {
		return &Result{Msg: resp}, nil
	}
	limit, _ := attr.Integer(req.Operation, "limit")
	groups, err := h.Run(ctx, limit)
	if err != nil {
		return nil, opErrorf(goipp.StatusErrorInternal, "%s failed: %s", what, err)
	}
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	out := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: resp.Operation}}
	resp.Groups = append(out, groups...)
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) cupsGetPPD(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	if _, ok := attr.String(req.Operation, "printer-uri"); ok {
		dest, err := d.printerFromRequest(req)
		if err != nil {
			return nil, err
		}
		if dest.Remote {
			resp := d.newResponse(req, goipp.StatusCupsSeeOther)
			resp.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI,
				goipp.String(dest.DeviceURI)))
			return &Result{Msg: resp}, nil
		}
		return d.servePPD(req, dest.Name+".ppd")
	}
	if ppdName, ok := attr.String(req.Operation, "ppd-name"); ok {
		return d.servePPD(req, filepath.Base(ppdName))
	}
	return nil, opErrorf(goipp.StatusErrorBadRequest, "missing printer-uri or ppd-name")
}

func (d *Dispatcher) servePPD(req *goipp.Message, file string) (*Result, error) {
	path := filepath.Join(d.cfg.StateDir, "ppd", file)
	if _, err := os.Stat(path); err != nil {
		return nil, opErrorf(goipp.StatusErrorNotFound,
			"no PPD on file for %q", strings.TrimSuffix(file, ".ppd"))
	}
	resp := d.newResponse(req, goipp.StatusOk)
	return &Result{Msg: resp, File: path, FileType: "application/vnd.cups-ppd"}, nil
}
