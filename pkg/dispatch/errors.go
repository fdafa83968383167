package dispatch

import (
	"errors"
	"fmt"

	"github.com/OpenPrinting/goipp"

	"github.com/openspool/printd/pkg/jobs"
	"github.com/openspool/printd/pkg/notify"
	"github.com/openspool/printd/pkg/printers"
)

// opError carries the IPP status and message of a failed operation,
// optional unsupported-attributes entries, and an HTTP status override
// used by the authentication failures.
type opError struct {
	status      goipp.Status
	text        string
	unsupported goipp.Attributes
	httpStatus  int
}

func (e *opError) Error() string { return e.text }

func opErrorf(status goipp.Status, format string, args ...any) *opError {
	return &opError{status: status, text: fmt.Sprintf(format, args...)}
}

// statusFor maps engine errors onto the IPP status the response
// carries. Anything unrecognized is an internal error.
func statusFor(err error) *opError {
	var oe *opError
	if errors.As(err, &oe) {
		return oe
	}

	var ve *jobs.ValidationError
	if errors.As(err, &ve) {
		oe = opErrorf(goipp.StatusErrorAttributesOrValues, "%s", ve)
		oe.unsupported.Add(goipp.MakeAttribute(ve.Attr, goipp.TagUnsupportedValue, goipp.Void{}))
		return oe
	}

	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, notify.ErrNotFound):
		return opErrorf(goipp.StatusErrorNotFound, "%s", err)
	case errors.Is(err, jobs.ErrNotPossible), errors.Is(err, jobs.ErrNoFiles),
		errors.Is(err, notify.ErrJobScopedLease):
		return opErrorf(goipp.StatusErrorNotPossible, "%s", err)
	case errors.Is(err, jobs.ErrNotAccepting):
		return opErrorf(goipp.StatusErrorNotAcceptingJobs, "%s", err)
	case errors.Is(err, jobs.ErrNotShared):
		return opErrorf(goipp.StatusErrorNotAuthorized, "%s", err)
	case errors.Is(err, notify.ErrTooMany):
		return opErrorf(goipp.StatusErrorTooManySubscriptions, "%s", err)
	case errors.Is(err, notify.ErrBadRecipient), errors.Is(err, printers.ErrBadScheme):
		return opErrorf(goipp.StatusErrorURIScheme, "%s", err)
	case errors.Is(err, notify.ErrUserDataTooLong):
		return opErrorf(goipp.StatusErrorRequestValue, "%s", err)
	case errors.Is(err, notify.ErrBadPullMethod), errors.Is(err, notify.ErrDuplicateRSS):
		return opErrorf(goipp.StatusErrorAttributesOrValues, "%s", err)
	}
	return opErrorf(goipp.StatusErrorInternal, "%s", err)
}

// fail renders err as an IPP error response.
func (d *Dispatcher) fail(req *goipp.Message, err error) *Result {
	oe := statusFor(err)
	resp := d.newResponse(req, oe.status)
	resp.Operation.Add(goipp.MakeAttribute("status-message", goipp.TagText, goipp.String(oe.text)))
	if len(oe.unsupported) > 0 {
		resp.Unsupported = oe.unsupported
	}
	return &Result{Msg: resp, HTTPStatus: oe.httpStatus}
}
