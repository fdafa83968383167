package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/openspool/printd/pkg/attr"
	"github.com/openspool/printd/pkg/log"
	"github.com/openspool/printd/pkg/mimetype"
	"github.com/openspool/printd/pkg/types"
)

// Typed errors the dispatcher maps onto IPP status codes.
var (
	ErrNotFound     = errors.New("job not found")
	ErrNotPossible  = errors.New("operation not possible in current job state")
	ErrNotAccepting = errors.New("destination is not accepting jobs")
	ErrNotShared    = errors.New("destination is not shared")
	ErrNoFiles      = errors.New("job has no retained files")
)

// Limits carries the add-job bounds from configuration.
type Limits struct {
	MaxCopies int
	Strict    bool
	Retention time.Duration
}

// Store owns every job, its files, and the state indices.
type Store struct {
	mu       sync.RWMutex
	jobs     map[int]*types.Job
	machines map[int]*fsm.FSM
	intake   map[int]time.Time
	nextID   int

	spoolDir string
	limits   Limits
	mime     mimetype.DB

	// OnEvent publishes job events; OnDirty marks state for flushing.
	OnEvent func(kind types.EventMask, j *types.Job, text string)
	OnDirty func()

	logger zerolog.Logger
}

// NewStore creates an empty job store spooling under spoolDir.
func NewStore(spoolDir string, limits Limits, mime mimetype.DB) *Store {
	if limits.MaxCopies <= 0 {
		limits.MaxCopies = 9999
	}
	return &Store{
		jobs:     make(map[int]*types.Job),
		machines: make(map[int]*fsm.FSM),
		intake:   make(map[int]time.Time),
		nextID:   1,
		spoolDir: spoolDir,
		limits:   limits,
		mime:     mime,
		logger:   log.WithComponent("jobs"),
	}
}

func (s *Store) emit(kind types.EventMask, j *types.Job, text string) {
	if s.OnEvent != nil {
		s.OnEvent(kind, j, text)
	}
}

func (s *Store) dirty() {
	if s.OnDirty != nil {
		s.OnDirty()
	}
}

// Get returns a job by id.
func (s *Store) Get(id int) (*types.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Receiving reports whether the job is still accepting documents,
// i.e. it was opened by Create-Job and not yet closed.
func (s *Store) Receiving(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.intake[id]
	return ok
}

// Restore re-inserts a persisted job without emitting events.
func (s *Store) Restore(j *types.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	s.machines[j.ID] = newMachine(j.State)
	if j.ID >= s.nextID {
		s.nextID = j.ID + 1
	}
}

// SetNextID raises the id counter to the persisted value so ids stay
// monotonic across restarts even after every job was purged.
func (s *Store) SetNextID(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.nextID {
		s.nextID = id
	}
}

// NextID returns the id the next job will receive.
func (s *Store) NextID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// Filter selects jobs for Get-Jobs and the bulk cancel operations.
type Filter struct {
	// Dest limits to one destination name; empty matches all.
	Dest string

	// Which mirrors which-jobs: "", "not-completed", "completed",
	// "all", or a specific state keyword (pending, pending-held,
	// processing, processing-stopped, held, canceled, aborted).
	Which string

	// User limits to one owner (my-jobs).
	User string

	// IDs limits to the listed job ids.
	IDs []int

	FirstJobID int
	FirstIndex int
	Limit      int
}

func (f Filter) matchState(st types.JobState) bool {
	switch f.Which {
	case "", "not-completed":
		return st.Active()
	case "completed":
		return st.Terminal()
	case "all":
		return true
	case "pending":
		return st == types.JobPending
	case "pending-held", "held":
		return st == types.JobHeld
	case "processing":
		return st == types.JobProcessing
	case "processing-stopped":
		return st == types.JobStopped
	case "canceled":
		return st == types.JobCanceled
	case "aborted":
		return st == types.JobAborted
	}
	return false
}

func (f Filter) match(j *types.Job) bool {
	if f.Dest != "" && j.Dest != f.Dest {
		return false
	}
	if f.User != "" && j.User != f.User {
		return false
	}
	if !f.matchState(j.State) {
		return false
	}
	if f.FirstJobID > 0 && j.ID < f.FirstJobID {
		return false
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == j.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// List returns matching jobs ordered by (priority desc, id asc),
// applying first-index and limit after ordering.
func (s *Store) List(f Filter) []*types.Job {
	s.mu.RLock()
	var out []*types.Job
	for _, j := range s.jobs {
		if f.match(j) {
			out = append(out, j)
		}
	}
	s.mu.RUnlock()

	sortJobs(out)

	if f.FirstIndex > 0 && f.FirstIndex <= len(out) {
		out = out[f.FirstIndex-1:]
	} else if f.FirstIndex > len(out) {
		out = nil
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func sortJobs(jobs []*types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].ID < jobs[j].ID
	})
}

// ActiveCount returns the number of active jobs, optionally filtered
// by destination and user.
func (s *Store) ActiveCount(dest, user string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.jobs {
		if !j.State.Active() {
			continue
		}
		if dest != "" && j.Dest != dest {
			continue
		}
		if user != "" && j.User != user {
			continue
		}
		n++
	}
	return n
}

// NextRunnable returns the highest-priority pending job for the
// destination, or nil.
func (s *Store) NextRunnable(dest string) *types.Job {
	pending := s.List(Filter{Dest: dest, Which: "pending"})
	if len(pending) == 0 {
		return nil
	}
	return pending[0]
}

// Hold transitions a job to held. holdUntil empty means "indefinite".
// Holding an already-held job just updates its hold time.
func (s *Store) Hold(id int, holdUntil string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if j.State == types.JobHeld {
		j.StateReasons = []string{types.JobReasonHoldUntil}
		applyHoldUntil(j, holdUntil)
		s.mu.Unlock()

		s.emit(types.EventJobConfigChanged, j, fmt.Sprintf("Job %d hold time changed.", id))
		s.dirty()
		return nil
	}
	if err := s.transition(j, evtHold, types.JobReasonHoldUntil); err != nil {
		s.mu.Unlock()
		return err
	}
	applyHoldUntil(j, holdUntil)
	s.mu.Unlock()

	s.emit(types.EventJobStateChanged, j, fmt.Sprintf("Job %d held.", id))
	s.dirty()
	return nil
}

// HoldForAuth parks a job that cannot print until the user supplies
// credentials. The scheduler calls this when the backend demands
// authentication the job does not carry.
func (s *Store) HoldForAuth(id int) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if err := s.transition(j, evtHold, types.JobReasonHeldForAuth); err != nil {
		s.mu.Unlock()
		return err
	}
	j.HoldUntil = time.Time{}
	j.HoldIndefinite = true
	s.mu.Unlock()

	s.emit(types.EventJobStateChanged, j, fmt.Sprintf("Job %d held for authentication.", id))
	s.dirty()
	return nil
}

// Release returns a held job to pending and clears hold-until.
func (s *Store) Release(id int) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if err := s.transition(j, evtRelease, types.JobReasonNone); err != nil {
		s.mu.Unlock()
		return err
	}
	j.HoldUntil = time.Time{}
	j.HoldIndefinite = false
	s.mu.Unlock()

	s.emit(types.EventJobStateChanged, j, fmt.Sprintf("Job %d released.", id))
	s.dirty()
	return nil
}

// Cancel terminates a job. purge additionally removes its files and
// drops it from history.
func (s *Store) Cancel(id int, purge bool) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if err := s.transition(j, evtCancel, types.JobReasonCanceledByUser); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.intake, id)
	s.mu.Unlock()

	s.emit(types.EventJobCompleted, j, fmt.Sprintf("Job %d canceled.", id))
	if purge {
		s.Purge(id)
	} else if s.limits.Retention == 0 {
		s.removeFiles(j)
	}
	s.dirty()
	return nil
}

// Abort terminates a job on a system error.
func (s *Store) Abort(id int, message string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if err := s.transition(j, evtAbort, types.JobReasonAbortedBySystem); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.intake, id)
	s.mu.Unlock()

	if message == "" {
		message = fmt.Sprintf("Job %d aborted.", id)
	}
	s.emit(types.EventJobCompleted, j, message)
	if s.limits.Retention == 0 {
		s.removeFiles(j)
	}
	s.dirty()
	return nil
}

// Start moves a pending job to processing.
func (s *Store) Start(id int) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if err := s.transition(j, evtProcess, types.JobReasonPrinting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.emit(types.EventJobStateChanged, j, fmt.Sprintf("Job %d started.", id))
	s.dirty()
	return nil
}

// Stop moves a processing job to stopped, e.g. on printer stop or a
// recoverable filter failure. The job record stays intact.
func (s *Store) Stop(id int, reason string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if reason == "" {
		reason = types.JobReasonPrinterStopped
	}
	if err := s.transition(j, evtStop, reason); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.emit(types.EventJobStateChanged, j, fmt.Sprintf("Job %d stopped.", id))
	s.dirty()
	return nil
}

// Complete marks a processing job done.
func (s *Store) Complete(id int, impressions int) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if err := s.transition(j, evtComplete, types.JobReasonCompleted); err != nil {
		s.mu.Unlock()
		return err
	}
	j.ImpressionsCompleted += impressions
	j.SheetsCompleted += impressions
	s.mu.Unlock()

	s.emit(types.EventJobCompleted, j, fmt.Sprintf("Job %d completed.", id))
	if s.limits.Retention == 0 {
		s.removeFiles(j)
	}
	s.dirty()
	return nil
}

// Restart returns a terminal job with retained files to pending (or
// held when holdUntil is set).
func (s *Store) Restart(id int, holdUntil string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if len(j.Files) == 0 {
		s.mu.Unlock()
		return ErrNoFiles
	}
	if err := s.transition(j, evtRestart, types.JobReasonRestarted); err != nil {
		s.mu.Unlock()
		return err
	}
	j.CompletedAt = time.Time{}
	j.ProcessingAt = time.Time{}
	s.mu.Unlock()

	if holdUntil != "" && holdUntil != "no-hold" {
		if err := s.Hold(id, holdUntil); err != nil {
			return err
		}
	}
	s.emit(types.EventJobStateChanged, j, fmt.Sprintf("Job %d restarted.", id))
	s.dirty()
	return nil
}

// Close ends multi-file intake: a held or stopped job becomes pending
// unless a hold-until keeps it held.
func (s *Store) Close(id int) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.intake, id)
	if j.State == types.JobPending {
		s.mu.Unlock()
		return nil
	}
	if j.State == types.JobHeld && (j.HoldIndefinite || j.HoldUntil.After(time.Now())) {
		// The hold outlives intake; keep the job held.
		j.StateReasons = []string{types.JobReasonHoldUntil}
		s.mu.Unlock()
		s.dirty()
		return nil
	}
	if err := s.transition(j, evtClose, types.JobReasonQueued); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.emit(types.EventJobStateChanged, j, fmt.Sprintf("Job %d queued.", id))
	s.dirty()
	return nil
}

// CloseExpiredIntake force-closes jobs whose multi-file intake has
// been idle longer than timeout. Returns the affected ids.
func (s *Store) CloseExpiredIntake(timeout time.Duration) []int {
	s.mu.RLock()
	var expired []int
	now := time.Now()
	for id, last := range s.intake {
		if now.Sub(last) >= timeout {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		if err := s.Close(id); err != nil {
			s.logger.Warn().Err(err).Int("job_id", id).Msg("intake timeout close failed")
		}
	}
	return expired
}

// ReleaseHeldUntil promotes held jobs whose hold time has passed.
// Returns the affected ids.
func (s *Store) ReleaseHeldUntil() []int {
	s.mu.RLock()
	var due []int
	now := time.Now()
	for id, j := range s.jobs {
		if j.State != types.JobHeld || j.HoldIndefinite || j.HoldUntil.IsZero() {
			continue
		}
		if _, intake := s.intake[id]; intake {
			continue
		}
		if !j.HoldUntil.After(now) {
			due = append(due, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range due {
		if err := s.Release(id); err != nil {
			s.logger.Warn().Err(err).Int("job_id", id).Msg("hold-until release failed")
		}
	}
	return due
}

// ReleaseHeldIndefinite releases jobs held without a deadline on one
// destination. Jobs waiting on authentication or still receiving
// documents stay held. Returns the affected ids.
func (s *Store) ReleaseHeldIndefinite(dest string) []int {
	s.mu.RLock()
	var due []int
	for id, j := range s.jobs {
		if j.Dest != dest || j.State != types.JobHeld || !j.HoldIndefinite {
			continue
		}
		if len(j.StateReasons) == 1 && j.StateReasons[0] == types.JobReasonHoldUntil {
			due = append(due, id)
		}
	}
	s.mu.RUnlock()

	sort.Ints(due)
	for _, id := range due {
		if err := s.Release(id); err != nil {
			s.logger.Warn().Err(err).Int("job_id", id).Msg("held-new-jobs release failed")
		}
	}
	return due
}

// Purge removes a terminal job entirely: files, credentials, history.
func (s *Store) Purge(id int) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
		delete(s.machines, id)
		delete(s.intake, id)
	}
	s.mu.Unlock()
	if ok {
		s.removeFiles(j)
		s.removeCredentials(j)
		s.dirty()
	}
}

// PurgeExpired drops terminal jobs older than the retention window.
func (s *Store) PurgeExpired() []int {
	if s.limits.Retention <= 0 {
		return nil
	}
	s.mu.RLock()
	var expired []int
	cutoff := time.Now().Add(-s.limits.Retention)
	for id, j := range s.jobs {
		if j.State.Terminal() && !j.CompletedAt.IsZero() && j.CompletedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		s.Purge(id)
	}
	return expired
}

// MoveTo reassigns a non-terminal job to another destination.
func (s *Store) MoveTo(id int, dest string, destIsClass bool) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if j.State.Terminal() {
		s.mu.Unlock()
		return ErrNotPossible
	}
	j.Dest = dest
	j.DestIsClass = destIsClass
	s.mu.Unlock()

	s.emit(types.EventJobConfigChanged, j, fmt.Sprintf("Job %d moved to %s.", id, dest))
	s.dirty()
	return nil
}

// SetPriority updates job-priority within [1,100] for a non-terminal
// job.
func (s *Store) SetPriority(id, priority int) error {
	if priority < 1 || priority > 100 {
		return fmt.Errorf("job-priority %d out of range", priority)
	}
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if j.State.Terminal() {
		s.mu.Unlock()
		return ErrNotPossible
	}
	j.Priority = priority
	s.mu.Unlock()

	s.emit(types.EventJobConfigChanged, j, fmt.Sprintf("Job %d priority %d.", id, priority))
	s.dirty()
	return nil
}

// SetAttrs merges attribute updates into the job's stored request
// attributes and removes the named ones. Read-only names must already
// be filtered out by the caller.
func (s *Store) SetAttrs(id int, set goipp.Attributes, del []string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if j.State.Terminal() {
		s.mu.Unlock()
		return ErrNotPossible
	}
	for _, name := range del {
		if i := attr.FindIndex(j.Attrs, name); i >= 0 {
			j.Attrs = append(j.Attrs[:i], j.Attrs[i+1:]...)
		}
	}
	for _, a := range set {
		if i := attr.FindIndex(j.Attrs, a.Name); i >= 0 {
			j.Attrs[i] = a
		} else {
			j.Attrs.Add(a)
		}
	}
	s.mu.Unlock()

	s.emit(types.EventJobConfigChanged, j, fmt.Sprintf("Job %d attributes changed.", id))
	s.dirty()
	return nil
}
