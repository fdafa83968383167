package dispatch

import (
	"context"
	"io"
	"time"

	"github.com/OpenPrinting/goipp"

	"github.com/openspool/printd/pkg/attr"
	"github.com/openspool/printd/pkg/notify"
	"github.com/openspool/printd/pkg/types"
)

// subscriptionRequest converts one subscription template group into an
// engine request. Unknown notify-events keywords are ignored.
func subscriptionRequest(tmpl goipp.Attributes, owner, printerName string, jobID int) notify.Request {
	req := notify.Request{
		Owner:       owner,
		PrinterName: printerName,
		JobID:       jobID,
	}
	for _, name := range attr.Strings(tmpl, "notify-events") {
		if m, ok := types.ParseEventMask(name); ok {
			req.Events |= m
		}
	}
	req.RecipientURI, _ = attr.String(tmpl, "notify-recipient-uri")
	req.PullMethod, _ = attr.String(tmpl, "notify-pull-method")
	if a, ok := attr.Find(tmpl, "notify-user-data"); ok && len(a.Values) > 0 {
		if b, ok := a.Values[0].V.(goipp.Binary); ok {
			req.UserData = []byte(b)
		} else {
			req.UserData = []byte(a.Values[0].V.String())
		}
	}
	req.Interval, _ = attr.Integer(tmpl, "notify-time-interval")
	if lease, ok := attr.Integer(tmpl, "notify-lease-duration"); ok {
		req.Lease = lease
		req.LeaseSet = true
	}
	return req
}

// createSubscriptions builds every subscription template in the
// request. Per-template failures are reported inline as
// notify-status-code; the operation fails only when nothing was
// created.
func (d *Dispatcher) createSubscriptions(req *goipp.Message, owner, printerName string, jobID int) (*Result, error) {
	var templates []goipp.Attributes
	for _, g := range req.Groups {
		if g.Tag == goipp.TagSubscriptionGroup {
			templates = append(templates, g.Attrs)
		}
	}
	if len(templates) == 0 {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "no subscription template group")
	}

	resp := d.newResponse(req, goipp.StatusOk)
	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: resp.Operation}}
	created := 0
	var firstErr error
	for _, tmpl := range templates {
		var out goipp.Attributes
		sub, err := d.subs.Create(subscriptionRequest(tmpl, owner, printerName, jobID))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			out.Add(goipp.MakeAttribute("notify-status-code", goipp.TagEnum,
				goipp.Integer(statusFor(err).status)))
		} else {
			created++
			out.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger,
				goipp.Integer(sub.ID)))
		}
		groups = append(groups, goipp.Group{Tag: goipp.TagSubscriptionGroup, Attrs: out})
	}
	if created == 0 {
		return nil, firstErr
	}
	resp.Groups = groups
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) createPrinterSubscriptions(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, server, err := d.scope(req)
	if err != nil {
		return nil, err
	}
	printerName := ""
	if !server {
		printerName = dest.Name
	}
	ident, err := d.identity(cl, req)
	if err != nil {
		return nil, err
	}
	return d.createSubscriptions(req, ident.User, printerName, 0)
}

func (d *Dispatcher) createJobSubscriptions(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	id, ok := attr.Integer(req.Operation, "notify-job-id")
	if !ok {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing notify-job-id")
	}
	j, ok := d.jobs.Get(id)
	if !ok {
		return nil, opErrorf(goipp.StatusErrorNotFound, "job #%d does not exist", id)
	}
	if j.State.Terminal() {
		return nil, opErrorf(goipp.StatusErrorNotPossible, "job #%d is already done", id)
	}
	ident, err := d.identity(cl, req)
	if err != nil {
		return nil, err
	}
	return d.createSubscriptions(req, ident.User, "", j.ID)
}

func (d *Dispatcher) getSubscriptionAttributes(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	id, ok := attr.Integer(req.Operation, "notify-subscription-id")
	if !ok {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing notify-subscription-id")
	}
	sub, ok := d.subs.Get(id)
	if !ok {
		return nil, opErrorf(goipp.StatusErrorNotFound, "subscription #%d does not exist", id)
	}
	resp := d.newResponse(req, goipp.StatusOk)
	resp.Subscription = d.subscriptionAttrs(sub, attr.Requested(req.Operation))
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) getSubscriptions(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	dest, server, err := d.scope(req)
	if err != nil {
		return nil, err
	}
	printerName := ""
	if !server {
		printerName = dest.Name
	}
	ident, err := d.identity(cl, req)
	if err != nil {
		return nil, err
	}
	jobID, _ := attr.Integer(req.Operation, "notify-job-id")
	my, _ := attr.Boolean(req.Operation, "my-subscriptions")
	limit, _ := attr.Integer(req.Operation, "limit")
	requested := attr.Requested(req.Operation)

	resp := d.newResponse(req, goipp.StatusOk)
	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: resp.Operation}}
	count := 0
	for _, sub := range d.subs.List(printerName, jobID) {
		if my && sub.Owner != ident.User {
			continue
		}
		groups = append(groups, goipp.Group{
			Tag:   goipp.TagSubscriptionGroup,
			Attrs: d.subscriptionAttrs(sub, requested),
		})
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	if count == 0 {
		return nil, opErrorf(goipp.StatusErrorNotFound, "no subscriptions found")
	}
	resp.Groups = groups
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) renewSubscription(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	id, ok := attr.Integer(req.Operation, "notify-subscription-id")
	if !ok {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing notify-subscription-id")
	}
	lease, leaseSet := attr.Integer(req.Operation, "notify-lease-duration")
	applied, err := d.subs.Renew(id, lease, leaseSet)
	if err != nil {
		return nil, err
	}
	resp := d.newResponse(req, goipp.StatusOk)
	resp.Operation.Add(goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger,
		goipp.Integer(applied)))
	return &Result{Msg: resp}, nil
}

func (d *Dispatcher) cancelSubscription(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	id, ok := attr.Integer(req.Operation, "notify-subscription-id")
	if !ok {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing notify-subscription-id")
	}
	if err := d.subs.Cancel(id); err != nil {
		return nil, err
	}
	return &Result{Msg: d.newResponse(req, goipp.StatusOk)}, nil
}

func (d *Dispatcher) getNotifications(ctx context.Context, cl *Client, req *goipp.Message, body io.Reader) (*Result, error) {
	a, ok := attr.Find(req.Operation, "notify-subscription-ids")
	if !ok {
		return nil, opErrorf(goipp.StatusErrorBadRequest, "missing notify-subscription-ids")
	}
	ids := intValues(a)
	var minSeqs []int
	if sa, ok := attr.Find(req.Operation, "notify-sequence-numbers"); ok {
		minSeqs = intValues(sa)
	}

	rendered, interval, err := d.subs.PollRendered(ids, minSeqs)
	if err != nil {
		return nil, err
	}
	status := goipp.StatusOk
	if interval == 0 {
		status = goipp.StatusOkEventsComplete
	}

	resp := d.newResponse(req, status)
	resp.Operation.Add(goipp.MakeAttribute("notify-get-interval", goipp.TagInteger,
		goipp.Integer(interval)))
	resp.Operation.Add(goipp.MakeAttribute("printer-up-time", goipp.TagInteger,
		goipp.Integer(time.Now().Unix())))
	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: resp.Operation}}
	for _, attrs := range rendered {
		groups = append(groups, goipp.Group{Tag: goipp.TagEventNotificationGroup, Attrs: attrs})
	}
	resp.Groups = groups
	return &Result{Msg: resp}, nil
}
