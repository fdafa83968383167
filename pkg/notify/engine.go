package notify

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/rs/zerolog"

	"github.com/openspool/printd/pkg/log"
	"github.com/openspool/printd/pkg/types"
)

// Typed errors the dispatcher maps onto IPP status codes.
var (
	ErrNotFound        = errors.New("subscription not found")
	ErrTooMany         = errors.New("too many subscriptions")
	ErrBadRecipient    = errors.New("notify-recipient-uri scheme has no installed notifier")
	ErrDuplicateRSS    = errors.New("duplicate rss recipient")
	ErrBadPullMethod   = errors.New("unsupported notify-pull-method")
	ErrUserDataTooLong = errors.New("notify-user-data exceeds 63 octets")
	ErrJobScopedLease  = errors.New("job subscriptions expire with the job")
)

// MaxUserData is the notify-user-data limit in octets.
const MaxUserData = 63

// Limits bounds the engine from configuration.
type Limits struct {
	MaxSubscriptions int
	MaxLease         time.Duration
	DefaultLease     time.Duration
	MaxEventsPerSub  int
}

// Request carries the attributes of a subscription creation.
type Request struct {
	Owner        string
	PrinterName  string
	JobID        int
	Events       types.EventMask
	RecipientURI string
	PullMethod   string
	UserData     []byte
	Interval     int
	Lease        int
	LeaseSet     bool
}

// Engine owns every subscription and routes captured events to them.
type Engine struct {
	mu     sync.RWMutex
	subs   map[int]*types.Subscription
	nextID int

	limits Limits

	// notifiers maps recipient URI schemes to delivery runners.
	notifiers map[string]Notifier

	// JobState and PrinterState answer poll interval queries.
	JobState     func(id int) (types.JobState, bool)
	PrinterState func(name string) (types.PrinterState, bool)

	// ActiveJobs reports a destination's active job count, letting
	// polls on job-event subscriptions detect that nothing is left
	// to fire.
	ActiveJobs func(printer string) int

	OnDirty func()

	// OnDeliveryFailed is called when a push delivery fails.
	OnDeliveryFailed func()

	logger zerolog.Logger
}

// NewEngine creates an engine with the given bounds and notifier set.
func NewEngine(limits Limits, notifiers map[string]Notifier) *Engine {
	if limits.MaxEventsPerSub <= 0 {
		limits.MaxEventsPerSub = 100
	}
	if notifiers == nil {
		notifiers = map[string]Notifier{}
	}
	return &Engine{
		subs:      make(map[int]*types.Subscription),
		nextID:    1,
		limits:    limits,
		notifiers: notifiers,
		logger:    log.WithComponent("notify"),
	}
}

func (e *Engine) dirty() {
	if e.OnDirty != nil {
		e.OnDirty()
	}
}

// Create validates and registers a subscription.
func (e *Engine) Create(req Request) (*types.Subscription, error) {
	if len(req.UserData) > MaxUserData {
		return nil, ErrUserDataTooLong
	}

	var scheme string
	switch {
	case req.RecipientURI != "":
		u, err := url.Parse(req.RecipientURI)
		if err != nil || u.Scheme == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadRecipient, req.RecipientURI)
		}
		scheme = strings.ToLower(u.Scheme)
		if _, ok := e.notifiers[scheme]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrBadRecipient, scheme)
		}
	case req.PullMethod != "":
		if req.PullMethod != "ippget" {
			return nil, fmt.Errorf("%w: %q", ErrBadPullMethod, req.PullMethod)
		}
	default:
		return nil, fmt.Errorf("%w: no recipient or pull method", ErrBadRecipient)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.limits.MaxSubscriptions > 0 && len(e.subs) >= e.limits.MaxSubscriptions {
		return nil, ErrTooMany
	}
	if scheme == "rss" {
		for _, s := range e.subs {
			if s.RecipientURI == req.RecipientURI {
				return nil, ErrDuplicateRSS
			}
		}
	}

	sub := &types.Subscription{
		ID:           e.nextID,
		Owner:        req.Owner,
		PrinterName:  req.PrinterName,
		JobID:        req.JobID,
		Events:       req.Events,
		RecipientURI: req.RecipientURI,
		PullMethod:   req.PullMethod,
		UserData:     req.UserData,
		Interval:     req.Interval,
		FirstEventID: 1,
		NextEventID:  1,
	}
	if sub.Events == 0 {
		sub.Events = types.EventJobCompleted
	}
	e.nextID++
	e.applyLease(sub, req.Lease, req.LeaseSet)
	e.subs[sub.ID] = sub

	e.logger.Info().Int("subscription_id", sub.ID).Str("owner", sub.Owner).
		Strs("events", sub.Events.Names()).Msg("subscription created")
	e.dirty()
	return sub, nil
}

// applyLease sets Lease and Expire. Job subscriptions live with the
// job and carry no lease. Caller holds e.mu.
func (e *Engine) applyLease(sub *types.Subscription, lease int, set bool) {
	if sub.JobID != 0 {
		sub.Lease = 0
		sub.Expire = time.Time{}
		return
	}
	if !set {
		lease = int(e.limits.DefaultLease / time.Second)
	}
	if max := int(e.limits.MaxLease / time.Second); max > 0 && (lease == 0 || lease > max) {
		lease = max
	}
	sub.Lease = lease
	if lease > 0 {
		sub.Expire = time.Now().Add(time.Duration(lease) * time.Second)
	} else {
		sub.Expire = time.Time{}
	}
}

// Renew extends a non-job subscription's lease and returns the
// granted value in seconds.
func (e *Engine) Renew(id, lease int, leaseSet bool) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subs[id]
	if !ok {
		return 0, ErrNotFound
	}
	if sub.JobID != 0 {
		return 0, ErrJobScopedLease
	}
	e.applyLease(sub, lease, leaseSet)
	e.dirty()
	return sub.Lease, nil
}

// Cancel removes a subscription.
func (e *Engine) Cancel(id int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[id]; !ok {
		return ErrNotFound
	}
	delete(e.subs, id)
	e.dirty()
	return nil
}

// Get returns a subscription by id.
func (e *Engine) Get(id int) (*types.Subscription, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.subs[id]
	return s, ok
}

// List returns subscriptions sorted by id, optionally scoped to one
// printer or job.
func (e *Engine) List(printerName string, jobID int) []*types.Subscription {
	e.mu.RLock()
	var out []*types.Subscription
	for _, s := range e.subs {
		if printerName != "" && s.PrinterName != printerName {
			continue
		}
		if jobID != 0 && s.JobID != jobID {
			continue
		}
		out = append(out, s)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore re-inserts a persisted subscription.
func (e *Engine) Restore(sub *types.Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[sub.ID] = sub
	if sub.ID >= e.nextID {
		e.nextID = sub.ID + 1
	}
}

// Enqueue captures an event on every subscription whose mask and
// scope match, then triggers push delivery.
func (e *Engine) Enqueue(ev types.Event) {
	e.mu.Lock()
	var pushes []push
	for _, sub := range e.subs {
		if sub.Events&ev.Kind == 0 {
			continue
		}
		if sub.PrinterName != "" && sub.PrinterName != ev.PrinterName {
			continue
		}
		if sub.JobID != 0 && sub.JobID != ev.JobID {
			continue
		}

		captured := ev
		captured.Seq = sub.NextEventID
		sub.NextEventID++
		sub.Queued = append(sub.Queued, &captured)
		for len(sub.Queued) > e.limits.MaxEventsPerSub {
			sub.Queued = sub.Queued[1:]
			sub.FirstEventID++
		}

		if sub.RecipientURI != "" {
			pushes = append(pushes, push{sub: sub, ev: &captured})
		}
	}
	e.mu.Unlock()

	for _, p := range pushes {
		e.deliver(p.sub, p.ev)
	}
	e.dirty()
}

type push struct {
	sub *types.Subscription
	ev  *types.Event
}

func (e *Engine) deliver(sub *types.Subscription, ev *types.Event) {
	u, err := url.Parse(sub.RecipientURI)
	if err != nil {
		return
	}
	n, ok := e.notifiers[strings.ToLower(u.Scheme)]
	if !ok {
		return
	}
	if err := n.Deliver(sub, ev); err != nil {
		e.logger.Warn().Err(err).Int("subscription_id", sub.ID).
			Str("recipient", sub.RecipientURI).Msg("notifier delivery failed")
		if e.OnDeliveryFailed != nil {
			e.OnDeliveryFailed()
		}
	}
}

// polled pairs a captured event with the subscription holding it, so
// Get-Notifications can render notify-subscription-id per group.
type polled struct {
	sub *types.Subscription
	ev  *types.Event
}

func (e *Engine) poll(ids []int, minSeqs []int) (events []polled, interval int, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	interval = 60
	allDone := true
	found := false

	for i, id := range ids {
		sub, ok := e.subs[id]
		if !ok {
			continue
		}
		found = true

		min := 1
		if i < len(minSeqs) {
			min = minSeqs[i]
		}
		for _, ev := range sub.Queued {
			if ev.Seq >= min {
				events = append(events, polled{sub, ev})
			}
		}

		switch {
		case sub.JobID != 0 && e.JobState != nil:
			st, ok := e.JobState(sub.JobID)
			if !ok || st.Terminal() {
				continue
			}
			allDone = false
			if st == types.JobProcessing {
				interval = 10
			}
		case sub.PrinterName != "":
			if sub.Events&types.EventPrinterChanged == 0 &&
				e.ActiveJobs != nil && e.ActiveJobs(sub.PrinterName) == 0 {
				// Only job events can fire and no job is left to
				// fire them.
				continue
			}
			allDone = false
			if e.PrinterState != nil {
				if st, ok := e.PrinterState(sub.PrinterName); ok && st == types.PrinterProcessing && interval > 30 {
					interval = 30
				}
			}
		default:
			allDone = false
		}
	}

	if !found {
		return nil, 0, ErrNotFound
	}
	if allDone {
		interval = 0
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ev.Seq < events[j].ev.Seq })
	return events, interval, nil
}

// Poll implements Get-Notifications: for each requested subscription,
// events with sequence number >= the matching minimum. The returned
// interval is the suggested seconds until the next poll: 10 when a
// targeted job is processing, 30 when a targeted printer is
// processing, 60 otherwise, and 0 when every target is done.
func (e *Engine) Poll(ids []int, minSeqs []int) ([]*types.Event, int, error) {
	pairs, interval, err := e.poll(ids, minSeqs)
	if err != nil {
		return nil, 0, err
	}
	events := make([]*types.Event, len(pairs))
	for i, p := range pairs {
		events[i] = p.ev
	}
	return events, interval, nil
}

// PollRendered polls like Poll but returns each event as a finished
// event-notification attribute group.
func (e *Engine) PollRendered(ids []int, minSeqs []int) ([]goipp.Attributes, int, error) {
	pairs, interval, err := e.poll(ids, minSeqs)
	if err != nil {
		return nil, 0, err
	}
	groups := make([]goipp.Attributes, len(pairs))
	for i, p := range pairs {
		groups[i] = RenderEvent(p.sub, p.ev)
	}
	return groups, interval, nil
}

// ExpireForJob drops job-scoped subscriptions when the job
// terminates.
func (e *Engine) ExpireForJob(jobID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sub := range e.subs {
		if sub.JobID == jobID {
			delete(e.subs, id)
		}
	}
	e.dirty()
}

// ExpireForPrinter drops destination-scoped subscriptions when the
// destination is deleted.
func (e *Engine) ExpireForPrinter(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sub := range e.subs {
		if sub.PrinterName == name {
			delete(e.subs, id)
		}
	}
	e.dirty()
}

// Sweep removes leased subscriptions past their expiry. Returns the
// removed ids.
func (e *Engine) Sweep() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var removed []int
	now := time.Now()
	for id, sub := range e.subs {
		if !sub.Expire.IsZero() && !sub.Expire.After(now) {
			delete(e.subs, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		e.dirty()
	}
	return removed
}

// Count returns the number of live subscriptions.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
