package dispatch

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/OpenPrinting/goipp"

	"github.com/openspool/printd/pkg/attr"
	"github.com/openspool/printd/pkg/types"
)

// newResponse builds a response skeleton mirroring the request version
// and id, with the mandatory charset and language openers.
func (d *Dispatcher) newResponse(req *goipp.Message, status goipp.Status) *goipp.Message {
	ver := req.Version
	if major := ver.Major(); major < 1 || major > 2 {
		ver = goipp.DefaultVersion
	}
	resp := goipp.NewResponse(ver, status, req.RequestID)

	charset := d.cfg.DefaultCharset
	if cs, ok := attr.String(req.Operation, "attributes-charset"); ok && strings.EqualFold(cs, "us-ascii") {
		charset = "us-ascii"
	}
	lang := d.cfg.DefaultLanguage
	if nl, ok := attr.String(req.Operation, "attributes-natural-language"); ok && nl != "" {
		lang = nl
	}
	resp.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String(charset)))
	resp.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String(lang)))
	return resp
}

func (d *Dispatcher) destURI(name string, isClass bool) string {
	kind := "printers"
	if isClass {
		kind = "classes"
	}
	return fmt.Sprintf("ipp://%s/%s/%s", d.cfg.ServerName, kind, name)
}

func (d *Dispatcher) printerURI(p *types.Printer) string {
	return d.destURI(p.Name, p.IsClass)
}

func (d *Dispatcher) jobURI(id int) string {
	return fmt.Sprintf("ipp://%s/jobs/%d", d.cfg.ServerName, id)
}

func jobIDFromURI(uri string) (int, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return 0, opErrorf(goipp.StatusErrorBadRequest, "malformed job-uri %q", uri)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 2 && parts[0] == "jobs" {
		if id, err := strconv.Atoi(parts[1]); err == nil && id > 0 {
			return id, nil
		}
	}
	return 0, opErrorf(goipp.StatusErrorBadRequest, "bad job-uri %q", uri)
}

// printerFromRequest resolves printer-uri to a known destination.
func (d *Dispatcher) printerFromRequest(req *goipp.Message) (*types.Printer, error) {
	uri, ok := attr.String(req.Operation, "printer-uri")
	if !ok {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing printer-uri")
	}
	name, _, dest, err := d.printers.ValidateDest(uri)
	if err != nil {
		oe := statusFor(err)
		if oe.status == goipp.StatusErrorInternal {
			return nil, opErrorf(goipp.StatusErrorNotFound, "%s", err)
		}
		return nil, oe
	}
	if dest == nil {
		return nil, opErrorf(goipp.StatusErrorNotFound, "destination %q not found", name)
	}
	return dest, nil
}

// scope resolves printer-uri to either one destination or the whole
// server: the "/" and "/jobs" resource paths address every queue.
func (d *Dispatcher) scope(req *goipp.Message) (dest *types.Printer, server bool, err error) {
	uri, ok := attr.String(req.Operation, "printer-uri")
	if !ok {
		return nil, false, opErrorf(goipp.StatusErrorBadRequest, "missing printer-uri")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, false, opErrorf(goipp.StatusErrorBadRequest, "malformed printer-uri %q", uri)
	}
	switch strings.Trim(u.Path, "/") {
	case "", "jobs":
		return nil, true, nil
	}
	dest, err = d.printerFromRequest(req)
	if err != nil {
		return nil, false, err
	}
	return dest, false, nil
}

// jobFromRequest resolves job-uri, or printer-uri plus job-id, to a
// job.
func (d *Dispatcher) jobFromRequest(req *goipp.Message) (*types.Job, error) {
	ops := req.Operation
	var id int
	if uri, ok := attr.String(ops, "job-uri"); ok {
		jid, err := jobIDFromURI(uri)
		if err != nil {
			return nil, err
		}
		id = jid
	} else if n, ok := attr.Integer(ops, "job-id"); ok {
		id = n
	} else {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing job-uri or job-id")
	}

	j, ok := d.jobs.Get(id)
	if !ok {
		return nil, opErrorf(goipp.StatusErrorNotFound, "job #%d does not exist", id)
	}
	return j, nil
}

// requestFind searches the operation group and then the template
// groups; clients disagree about where option attributes belong.
func requestFind(req *goipp.Message, name string) (goipp.Attribute, bool) {
	if a, ok := attr.Find(req.Operation, name); ok {
		return a, true
	}
	if a, ok := attr.Find(req.Job, name); ok {
		return a, true
	}
	return attr.Find(req.Printer, name)
}

func intValues(a goipp.Attribute) []int {
	out := make([]int, 0, len(a.Values))
	for _, v := range a.Values {
		if n, ok := v.V.(goipp.Integer); ok {
			out = append(out, int(n))
		}
	}
	return out
}

func hasReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
