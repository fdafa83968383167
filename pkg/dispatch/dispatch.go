package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/rs/zerolog"

	"github.com/openspool/printd/pkg/attr"
	"github.com/openspool/printd/pkg/config"
	"github.com/openspool/printd/pkg/jobs"
	"github.com/openspool/printd/pkg/log"
	"github.com/openspool/printd/pkg/metrics"
	"github.com/openspool/printd/pkg/mimetype"
	"github.com/openspool/printd/pkg/notify"
	"github.com/openspool/printd/pkg/policy"
	"github.com/openspool/printd/pkg/printers"
	"github.com/openspool/printd/pkg/quota"
	"github.com/openspool/printd/pkg/types"
)

// Client is what the transport knows about the requester.
type Client struct {
	// User is the authenticated user name; empty when the connection
	// carries no credentials.
	User          string
	Host          string
	Authenticated bool
	TLS           bool
	Local         bool
}

// Result is a finished operation: the response message, an optional
// document to stream after it, and an HTTP status override (zero means
// 200).
type Result struct {
	Msg      *goipp.Message
	File     string
	FileType string

	HTTPStatus int
}

// Deps wires a Dispatcher. Devices, Drivers, and Prober may be nil
// when the matching helper binaries are not configured.
type Deps struct {
	Config   *config.Config
	Printers *printers.Registry
	Jobs     *jobs.Store
	Subs     *notify.Engine
	Policies *policy.Engine
	Quotas   *quota.Tracker
	Mime     mimetype.DB
	Devices  Helper
	Drivers  Helper
	Prober   Prober
}

type handlerFunc func(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error)

// Dispatcher executes IPP operations.
type Dispatcher struct {
	cfg      *config.Config
	printers *printers.Registry
	jobs     *jobs.Store
	subs     *notify.Engine
	policies *policy.Engine
	quotas   *quota.Tracker
	mime     mimetype.DB
	devices  Helper
	drivers  Helper
	prober   Prober

	handlers map[goipp.Op]handlerFunc
	ops      []goipp.Op

	logger zerolog.Logger
}

// New builds the dispatcher and its operation table.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		cfg:      deps.Config,
		printers: deps.Printers,
		jobs:     deps.Jobs,
		subs:     deps.Subs,
		policies: deps.Policies,
		quotas:   deps.Quotas,
		mime:     deps.Mime,
		devices:  deps.Devices,
		drivers:  deps.Drivers,
		prober:   deps.Prober,
		logger:   log.WithComponent("dispatch"),
	}
	d.handlers = map[goipp.Op]handlerFunc{
		goipp.OpPrintJob:                   d.printJob,
		goipp.OpValidateJob:                d.validateJob,
		goipp.OpCreateJob:                  d.createJob,
		goipp.OpSendDocument:               d.sendDocument,
		goipp.OpCancelJob:                  d.cancelJob,
		goipp.OpGetJobAttributes:           d.getJobAttributes,
		goipp.OpGetJobs:                    d.getJobs,
		goipp.OpGetPrinterAttributes:       d.getPrinterAttributes,
		goipp.OpHoldJob:                    d.holdJob,
		goipp.OpReleaseJob:                 d.releaseJob,
		goipp.OpRestartJob:                 d.restartJob,
		goipp.OpPausePrinter:               d.pausePrinter,
		goipp.OpResumePrinter:              d.resumePrinter,
		goipp.OpPurgeJobs:                  d.purgeJobs,
		goipp.OpSetPrinterAttributes:       d.setPrinterAttributes,
		goipp.OpSetJobAttributes:           d.setJobAttributes,
		goipp.OpGetPrinterSupportedValues:  d.getPrinterSupportedValues,
		goipp.OpCreatePrinterSubscriptions: d.createPrinterSubscriptions,
		goipp.OpCreateJobSubscriptions:     d.createJobSubscriptions,
		goipp.OpGetSubscriptionAttributes:  d.getSubscriptionAttributes,
		goipp.OpGetSubscriptions:           d.getSubscriptions,
		goipp.OpRenewSubscription:          d.renewSubscription,
		goipp.OpCancelSubscription:         d.cancelSubscription,
		goipp.OpGetNotifications:           d.getNotifications,
		goipp.OpHoldNewJobs:                d.holdNewJobs,
		goipp.OpReleaseHeldNewJobs:         d.releaseHeldNewJobs,
		goipp.OpCancelJobs:                 d.cancelJobs,
		goipp.OpCancelMyJobs:               d.cancelMyJobs,
		goipp.OpCloseJob:                   d.closeJob,

		goipp.OpCupsGetDefault:         d.cupsGetDefault,
		goipp.OpCupsGetPrinters:        d.cupsGetPrinters,
		goipp.OpCupsAddModifyPrinter:   d.cupsAddModifyPrinter,
		goipp.OpCupsDeletePrinter:      d.cupsDeleteDest,
		goipp.OpCupsGetClasses:         d.cupsGetClasses,
		goipp.OpCupsAddModifyClass:     d.cupsAddModifyClass,
		goipp.OpCupsDeleteClass:        d.cupsDeleteDest,
		goipp.OpCupsAcceptJobs:         d.cupsAcceptJobs,
		goipp.OpCupsRejectJobs:         d.cupsRejectJobs,
		goipp.OpCupsSetDefault:         d.cupsSetDefault,
		goipp.OpCupsGetDevices:         d.cupsGetDevices,
		goipp.OpCupsGetPpds:            d.cupsGetPPDs,
		goipp.OpCupsGetPpd:             d.cupsGetPPD,
		goipp.OpCupsMoveJob:            d.cupsMoveJob,
		goipp.OpCupsAuthenticateJob:    d.cupsAuthenticateJob,
		goipp.OpCupsGetDocument:        d.cupsGetDocument,
		goipp.OpCupsCreateLocalPrinter: d.cupsCreateLocalPrinter,
	}
	d.ops = make([]goipp.Op, 0, len(d.handlers))
	for op := range d.handlers {
		d.ops = append(d.ops, op)
	}
	sort.Slice(d.ops, func(i, j int) bool { return d.ops[i] < d.ops[j] })
	return d
}

// Dispatch runs one request through the pipeline and never returns a
// nil Result.
func (d *Dispatcher) Dispatch(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) *Result {
	start := time.Now()
	if body == nil {
		body = bytes.NewReader(nil)
	}
	res := d.dispatch(ctx, cl, req, body)

	op := goipp.Op(req.Code)
	status := goipp.Status(res.Msg.Code)
	metrics.RequestsTotal.WithLabelValues(op.String(), status.String()).Inc()
	metrics.RequestDuration.WithLabelValues(op.String()).Observe(time.Since(start).Seconds())

	evt := d.logger.Info()
	if status >= 0x0400 {
		evt = d.logger.Warn()
	}
	evt.Str("operation", op.String()).
		Uint32("request_id", req.RequestID).
		Str("host", cl.Host).
		Str("status", status.String()).
		Dur("elapsed", time.Since(start)).
		Msg("request")
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) *Result {
	if major := req.Version.Major(); major < 1 || major > 2 {
		return d.fail(req, opErrorf(goipp.StatusErrorVersionNotSupported, "version %s not supported", req.Version))
	}
	if req.RequestID < 1 || req.RequestID > 0x7fffffff {
		return d.fail(req, opErrorf(goipp.StatusErrorBadRequest, "bad request-id %d", req.RequestID))
	}

	op := goipp.Op(req.Code)
	handler, ok := d.handlers[op]
	if !ok {
		return d.fail(req, opErrorf(goipp.StatusErrorOperationNotSupported, "%s not supported", op))
	}

	if !attr.CheckGroupOrder(req.Groups) {
		return d.fail(req, opErrorf(goipp.StatusErrorBadRequest, "attribute groups are out of order"))
	}
	if err := d.checkOperationAttributes(op, req); err != nil {
		return d.fail(req, err)
	}
	if err := d.authorize(cl, op, req); err != nil {
		return d.fail(req, err)
	}

	res, err := handler(ctx, cl, req, body)
	if err != nil {
		return d.fail(req, err)
	}
	return res
}

// noTargetOps are exempt from the target-URI requirement: they address
// the server as a whole or create the target themselves.
var noTargetOps = map[goipp.Op]bool{
	goipp.OpCupsGetDefault:         true,
	goipp.OpCupsGetPrinters:        true,
	goipp.OpCupsGetClasses:         true,
	goipp.OpCupsGetDevices:         true,
	goipp.OpCupsGetPpds:            true,
	goipp.OpCupsCreateLocalPrinter: true,
}

// checkOperationAttributes enforces the charset/language opener and
// the target-URI requirement. Strict conformance makes the opener
// positional; otherwise the values are honored wherever they appear,
// with configured defaults filling the gaps.
func (d *Dispatcher) checkOperationAttributes(op goipp.Op, req *goipp.Message) error {
	ops := req.Operation

	if d.cfg.StrictConformance {
		if len(ops) < 2 || ops[0].Name != "attributes-charset" || ops[1].Name != "attributes-natural-language" {
			return opErrorf(goipp.StatusErrorBadRequest,
				"attributes-charset and attributes-natural-language must open the operation attributes")
		}
	}

	charset, ok := attr.String(ops, "attributes-charset")
	if !ok {
		charset = d.cfg.DefaultCharset
	}
	switch strings.ToLower(charset) {
	case "us-ascii", "utf-8":
	default:
		return opErrorf(goipp.StatusErrorCharset, "character set %q not supported", charset)
	}

	if noTargetOps[op] {
		return nil
	}
	if op == goipp.OpCupsGetPpd {
		if _, ok := attr.String(ops, "printer-uri"); ok {
			return nil
		}
		if _, ok := attr.String(ops, "ppd-name"); ok {
			return nil
		}
		return opErrorf(goipp.StatusErrorBadRequest, "missing printer-uri or ppd-name")
	}

	_, hasPrinter := attr.String(ops, "printer-uri")
	_, hasJob := attr.String(ops, "job-uri")
	switch {
	case hasPrinter && hasJob:
		return opErrorf(goipp.StatusErrorBadRequest, "both printer-uri and job-uri supplied")
	case !hasPrinter && !hasJob:
		return opErrorf(goipp.StatusErrorBadRequest, "missing printer-uri or job-uri")
	}
	return nil
}

// identity derives the acting user. Authenticated transport identity
// wins; otherwise requesting-user-name is accepted at face value, with
// the remote-root rewrite applied to unauthenticated remote claims.
func (d *Dispatcher) identity(cl *Client, req *goipp.Message) (policy.Identity, error) {
	id := policy.Identity{
		User:          cl.User,
		Authenticated: cl.Authenticated,
		TLS:           cl.TLS,
		Local:         cl.Local,
	}
	if !id.Authenticated {
		if name, ok := attr.String(req.Operation, "requesting-user-name"); ok {
			if !validUserName(name) {
				if d.cfg.StrictConformance {
					return id, opErrorf(goipp.StatusErrorBadRequest, "bad requesting-user-name value")
				}
			} else {
				id.User = name
			}
		}
	}
	if id.User == "" {
		id.User = "anonymous"
	}
	if id.User == "root" && !id.Local && !id.Authenticated && d.cfg.RemoteRoot != "" {
		id.User = d.cfg.RemoteRoot
	}
	return id, nil
}

func validUserName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	for _, c := range name {
		if c < ' ' || c == 0x7f {
			return false
		}
	}
	return true
}

func (d *Dispatcher) authorize(cl *Client, op goipp.Op, req *goipp.Message) error {
	ident, err := d.identity(cl, req)
	if err != nil {
		return err
	}
	policyName, owner := d.scopeOf(req)

	switch d.policies.Check(policyName, op, ident, owner) {
	case policy.OK:
		return nil
	case policy.Unauthorized:
		return &opError{
			status:     goipp.StatusErrorNotAuthenticated,
			text:       "authentication required",
			httpStatus: http.StatusUnauthorized,
		}
	case policy.UpgradeRequired:
		return &opError{
			status:     goipp.StatusErrorNotAuthenticated,
			text:       "encryption required",
			httpStatus: http.StatusUpgradeRequired,
		}
	default:
		d.subs.Enqueue(notify.ServerEvent(types.EventServerAudit,
			fmt.Sprintf("%s by %q denied by policy %q.", op, ident.User, policyName)))
		return opErrorf(goipp.StatusErrorForbidden, "forbidden by policy")
	}
}

// scopeOf resolves the governing policy and the resource owner for
// authorization. Unknown targets leave the owner empty so a handler's
// not-found wins over forbidden.
func (d *Dispatcher) scopeOf(req *goipp.Message) (policyName, owner string) {
	ops := req.Operation
	var dest *types.Printer

	if uri, ok := attr.String(ops, "printer-uri"); ok {
		if _, _, p, err := d.printers.ValidateDest(uri); err == nil && p != nil {
			dest = p
		}
	}

	jobID := 0
	if uri, ok := attr.String(ops, "job-uri"); ok {
		if id, err := jobIDFromURI(uri); err == nil {
			jobID = id
		}
	} else if id, ok := attr.Integer(ops, "job-id"); ok {
		jobID = id
	}
	if jobID > 0 {
		if j, ok := d.jobs.Get(jobID); ok {
			owner = j.User
			if dest == nil {
				if p, ok := d.printers.Get(j.Dest); ok {
					dest = p
				}
			}
		}
	}

	subID, haveSub := attr.Integer(ops, "notify-subscription-id")
	if !haveSub {
		if a, ok := attr.Find(ops, "notify-subscription-ids"); ok && len(a.Values) > 0 {
			if v, isInt := a.Values[0].V.(goipp.Integer); isInt {
				subID, haveSub = int(v), true
			}
		}
	}
	if haveSub && subID > 0 {
		if sub, ok := d.subs.Get(subID); ok {
			owner = sub.Owner
			if dest == nil && sub.PrinterName != "" {
				if p, ok := d.printers.Get(sub.PrinterName); ok {
					dest = p
				}
			}
		}
	}

	policyName = d.cfg.DefaultPolicy
	if dest != nil && dest.OpPolicy != "" {
		policyName = dest.OpPolicy
	}
	return policyName, owner
}

// privateFor returns the attribute names withheld from this identity
// for a job owned by owner on the named destination.
func (d *Dispatcher) privateFor(destName string, ident policy.Identity, owner string) map[string]bool {
	policyName := d.cfg.DefaultPolicy
	if p, ok := d.printers.Get(destName); ok && p.OpPolicy != "" {
		policyName = p.OpPolicy
	}
	return d.policies.PrivateAttributes(policyName, ident, owner)
}
