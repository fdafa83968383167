package printers

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openspool/printd/pkg/log"
	"github.com/openspool/printd/pkg/types"
)

// Well-known backend schemes accepted for device URIs when no backend
// prober is wired in.
var defaultSchemes = map[string]bool{
	"ipp": true, "ipps": true, "http": true, "https": true,
	"socket": true, "lpd": true, "usb": true, "snmp": true,
}

// Registry is the authoritative in-memory set of destinations.
type Registry struct {
	mu       sync.RWMutex
	dests    map[string]*types.Printer
	defName  string
	nextID   int
	fileDevs bool

	// BackendExists reports whether a backend handles the scheme.
	// Defaults to the well-known scheme table.
	BackendExists func(scheme string) bool

	// OnEvent publishes a destination event; OnDirty marks persistent
	// state for flushing. Both may be nil.
	OnEvent func(kind types.EventMask, p *types.Printer, text string)
	OnDirty func()

	logger zerolog.Logger
}

// NewRegistry creates an empty registry. fileDevices permits file://
// device URIs.
func NewRegistry(fileDevices bool) *Registry {
	return &Registry{
		dests:    make(map[string]*types.Printer),
		nextID:   1,
		fileDevs: fileDevices,
		BackendExists: func(scheme string) bool {
			return defaultSchemes[scheme]
		},
		logger: log.WithComponent("printers"),
	}
}

func (r *Registry) emit(kind types.EventMask, p *types.Printer, text string) {
	if r.OnEvent != nil {
		r.OnEvent(kind, p, text)
	}
}

func (r *Registry) dirty() {
	if r.OnDirty != nil {
		r.OnDirty()
	}
}

// ValidateName checks the destination naming rules: printable, no '/'
// or '#', at most 127 octets.
func ValidateName(name string) error {
	if name == "" || len(name) > 127 {
		return fmt.Errorf("bad printer name length %d", len(name))
	}
	for _, c := range name {
		if c <= ' ' || c == 0x7f || c == '/' || c == '#' {
			return fmt.Errorf("bad character %q in printer name", c)
		}
	}
	return nil
}

// AddPrinter creates a printer destination. The name must not collide
// with an existing class.
func (r *Registry) AddPrinter(name string) (*types.Printer, error) {
	return r.add(name, false)
}

// AddClass creates a class destination. The name must not collide with
// an existing printer.
func (r *Registry) AddClass(name string) (*types.Printer, error) {
	return r.add(name, true)
}

func (r *Registry) add(name string, isClass bool) (*types.Printer, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.dests[name]; ok {
		if existing.IsClass != isClass {
			return nil, fmt.Errorf("%q already exists as a different destination kind", name)
		}
		return existing, nil
	}

	p := &types.Printer{
		ID:           r.nextID,
		Name:         name,
		UUID:         "urn:uuid:" + uuid.New().String(),
		IsClass:      isClass,
		State:        types.PrinterIdle,
		StateReasons: []string{types.ReasonNone},
		StateTime:    time.Now(),
		Accepting:    true,
		Shared:       true,
		OpPolicy:     "default",
		ErrorPolicy:  "stop-printer",
		Defaults:     make(map[string]string),
		CreatedAt:    time.Now(),
	}
	r.nextID++
	r.dests[name] = p

	r.logger.Info().Str("printer", name).Bool("class", isClass).Msg("destination added")
	r.emit(types.EventPrinterAdded, p, fmt.Sprintf("Destination %q added.", name))
	r.dirty()
	return p, nil
}

// Restore re-inserts a persisted destination without emitting events.
func (r *Registry) Restore(p *types.Printer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dests[p.Name] = p
	if p.ID >= r.nextID {
		r.nextID = p.ID + 1
	}
}

// Get returns a destination by name.
func (r *Registry) Get(name string) (*types.Printer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.dests[name]
	return p, ok
}

// List returns all destinations sorted by name.
func (r *Registry) List() []*types.Printer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Printer, 0, len(r.dests))
	for _, p := range r.dests {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes a destination and emits printer-deleted. Job and
// subscription cleanup belongs to the callers that own those stores.
func (r *Registry) Delete(name string) (*types.Printer, error) {
	r.mu.Lock()
	p, ok := r.dests[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("destination %q not found", name)
	}
	delete(r.dests, name)
	if r.defName == name {
		r.defName = ""
	}
	// Drop the deleted printer from any class member lists.
	for _, d := range r.dests {
		if !d.IsClass {
			continue
		}
		for i, m := range d.Members {
			if m == name {
				d.Members = append(d.Members[:i], d.Members[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	r.logger.Info().Str("printer", name).Msg("destination deleted")
	r.emit(types.EventPrinterDeleted, p, fmt.Sprintf("Destination %q deleted.", name))
	r.dirty()
	return p, nil
}

// SetDefault marks a destination as the server default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dests[name]; !ok {
		return fmt.Errorf("destination %q not found", name)
	}
	r.defName = name
	r.dirty()
	return nil
}

// Default returns the server default destination, if any.
func (r *Registry) Default() (*types.Printer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defName == "" {
		return nil, false
	}
	p, ok := r.dests[r.defName]
	return p, ok
}

// SetMembers replaces a class member list. Members must exist and must
// not be classes.
func (r *Registry) SetMembers(class string, members []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.dests[class]
	if !ok || !c.IsClass {
		return fmt.Errorf("class %q not found", class)
	}
	for _, m := range members {
		member, ok := r.dests[m]
		if !ok {
			return fmt.Errorf("member %q not found", m)
		}
		if member.IsClass {
			return fmt.Errorf("class %q may not contain class %q", class, m)
		}
	}
	c.Members = append([]string(nil), members...)
	r.dirty()
	return nil
}

// Stop transitions a destination to stopped with the given
// state-message and adds the paused reason.
func (r *Registry) Stop(name, message string) error {
	r.mu.Lock()
	p, ok := r.dests[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("destination %q not found", name)
	}
	p.State = types.PrinterStopped
	p.StateTime = time.Now()
	if message != "" {
		p.StateMessage = message
	}
	addReason(p, types.ReasonPaused)
	r.mu.Unlock()

	r.emit(types.EventPrinterStateChanged, p, fmt.Sprintf("Printer %q stopped.", name))
	r.dirty()
	return nil
}

// Start returns a stopped destination to idle and clears the paused
// reason.
func (r *Registry) Start(name string) error {
	r.mu.Lock()
	p, ok := r.dests[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("destination %q not found", name)
	}
	p.State = types.PrinterIdle
	p.StateTime = time.Now()
	p.StateMessage = ""
	removeReason(p, types.ReasonPaused)
	r.mu.Unlock()

	r.emit(types.EventPrinterStateChanged, p, fmt.Sprintf("Printer %q started.", name))
	r.dirty()
	return nil
}

// SetAccepting toggles the accepting flag. Idempotent: setting the
// current value emits no event.
func (r *Registry) SetAccepting(name string, accepting bool) error {
	r.mu.Lock()
	p, ok := r.dests[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("destination %q not found", name)
	}
	if p.Accepting == accepting {
		r.mu.Unlock()
		return nil
	}
	p.Accepting = accepting
	p.StateTime = time.Now()
	r.mu.Unlock()

	verb := "rejecting"
	if accepting {
		verb = "accepting"
	}
	r.emit(types.EventPrinterStateChanged, p, fmt.Sprintf("Printer %q now %s jobs.", name, verb))
	r.dirty()
	return nil
}

// HoldNewJobs makes the destination hold newly submitted jobs.
func (r *Registry) HoldNewJobs(name string) error {
	return r.setHolding(name, true)
}

// ReleaseHeldNewJobs clears the hold-new-jobs mode. The scheduler
// releases the affected jobs.
func (r *Registry) ReleaseHeldNewJobs(name string) error {
	return r.setHolding(name, false)
}

func (r *Registry) setHolding(name string, holding bool) error {
	r.mu.Lock()
	p, ok := r.dests[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("destination %q not found", name)
	}
	if p.HoldingNewJobs == holding {
		r.mu.Unlock()
		return nil
	}
	p.HoldingNewJobs = holding
	if holding {
		addReason(p, types.ReasonHoldNewJobs)
	} else {
		removeReason(p, types.ReasonHoldNewJobs)
	}
	r.mu.Unlock()

	r.emit(types.EventPrinterStateChanged, p, fmt.Sprintf("Printer %q holding-new-jobs=%v.", name, holding))
	r.dirty()
	return nil
}

// SetProcessing flips printer-state between idle and processing as the
// scheduler starts and finishes jobs. Stopped printers keep their
// state.
func (r *Registry) SetProcessing(name string, processing bool) {
	r.mu.Lock()
	p, ok := r.dests[name]
	if ok && p.State != types.PrinterStopped {
		if processing {
			p.State = types.PrinterProcessing
		} else {
			p.State = types.PrinterIdle
		}
		p.StateTime = time.Now()
	}
	r.mu.Unlock()
	if ok {
		r.dirty()
	}
}

// FailTemporary marks a temporary destination whose device probe
// failed. Zeroing the state time makes the next expiry sweep reap it.
func (r *Registry) FailTemporary(name, message string) {
	r.mu.Lock()
	p, ok := r.dests[name]
	if ok && p.Temporary {
		p.State = types.PrinterStopped
		p.StateMessage = message
		p.StateTime = time.Time{}
	}
	r.mu.Unlock()
	if ok {
		r.logger.Warn().Str("printer", name).Str("reason", message).Msg("temporary printer probe failed")
		r.dirty()
	}
}

// ExpireTemporaries deletes temporary destinations idle past ttl and
// returns their names. A temporary printer with a job in flight is
// left alone until it goes idle again.
func (r *Registry) ExpireTemporaries(ttl time.Duration) []string {
	r.mu.RLock()
	var expired []string
	now := time.Now()
	for name, p := range r.dests {
		if p.Temporary && p.State != types.PrinterProcessing && now.Sub(p.StateTime) >= ttl {
			expired = append(expired, name)
		}
	}
	r.mu.RUnlock()

	for _, name := range expired {
		if _, err := r.Delete(name); err != nil {
			r.logger.Warn().Err(err).Str("printer", name).Msg("temporary printer expiry failed")
		}
	}
	return expired
}

func addReason(p *types.Printer, reason string) {
	for i, rsn := range p.StateReasons {
		if rsn == types.ReasonNone {
			p.StateReasons = append(p.StateReasons[:i], p.StateReasons[i+1:]...)
			break
		}
	}
	for _, rsn := range p.StateReasons {
		if rsn == reason {
			return
		}
	}
	p.StateReasons = append(p.StateReasons, reason)
}

func removeReason(p *types.Printer, reason string) {
	for i, rsn := range p.StateReasons {
		if rsn == reason {
			p.StateReasons = append(p.StateReasons[:i], p.StateReasons[i+1:]...)
			break
		}
	}
	if len(p.StateReasons) == 0 {
		p.StateReasons = []string{types.ReasonNone}
	}
}

// CheckDeviceURI validates a device-uri value: file URIs only when
// file devices are enabled, anything else must resolve to a backend.
func (r *Registry) CheckDeviceURI(device string) error {
	u, err := url.Parse(device)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("malformed device-uri %q", device)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "file" {
		if !r.fileDevs {
			return fmt.Errorf("file device URIs are disabled")
		}
		return nil
	}
	if !r.BackendExists(scheme) {
		return fmt.Errorf("no backend for device-uri scheme %q", scheme)
	}
	return nil
}
