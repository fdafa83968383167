package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/rs/zerolog"

	"github.com/openspool/printd/pkg/config"
	"github.com/openspool/printd/pkg/jobs"
	"github.com/openspool/printd/pkg/log"
	"github.com/openspool/printd/pkg/metrics"
	"github.com/openspool/printd/pkg/notify"
	"github.com/openspool/printd/pkg/printers"
	"github.com/openspool/printd/pkg/quota"
	"github.com/openspool/printd/pkg/types"
)

const (
	scheduleInterval = time.Second
	sweepInterval    = 10 * time.Second
)

// Scheduler promotes pending jobs onto ready destinations and runs the
// periodic maintenance sweeps.
type Scheduler struct {
	cfg      *config.Config
	printers *printers.Registry
	jobs     *jobs.Store
	subs     *notify.Engine
	quotas   *quota.Tracker
	backend  Backend

	mu       sync.Mutex
	inflight map[string]int // printer name -> job id being transmitted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kickCh chan struct{}
	stopCh chan struct{}

	logger zerolog.Logger
}

// New creates a scheduler over the shared engines.
func New(cfg *config.Config, reg *printers.Registry, js *jobs.Store, subs *notify.Engine, quotas *quota.Tracker, backend Backend) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		printers: reg,
		jobs:     js,
		subs:     subs,
		quotas:   quotas,
		backend:  backend,
		inflight: make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("scheduler"),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop ends the loop, kills in-flight transmissions, and waits for
// their jobs to requeue.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.cancel()
	s.wg.Wait()
}

// Kick requests an immediate scheduling cycle, e.g. after a job
// release. Safe from any goroutine; bursts coalesce.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// run is the main scheduler loop.
func (s *Scheduler) run() {
	ticker := time.NewTicker(scheduleInterval)
	sweeper := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	defer sweeper.Stop()

	for {
		select {
		case <-ticker.C:
			s.schedule()
		case <-s.kickCh:
			s.schedule()
		case <-sweeper.C:
			s.sweep()
			s.schedule()
		case <-s.stopCh:
			return
		}
	}
}

// schedule performs one cycle: promote due held jobs, then hand the
// best pending job of every destination to a ready printer.
func (s *Scheduler) schedule() {
	s.jobs.ReleaseHeldUntil()

	for _, dest := range s.printers.List() {
		for {
			j := s.jobs.NextRunnable(dest.Name)
			if j == nil {
				break
			}
			target := s.pickTarget(dest)
			if target == nil {
				break
			}
			if err := s.startJob(j, dest, target); err != nil {
				s.logger.Warn().Err(err).Int("job_id", j.ID).Msg("job start failed")
				break
			}
		}
	}
}

// pickTarget resolves the printer that will carry the next job: the
// destination itself, or the first ready member of a class. Member
// names are weak references; names that no longer resolve are skipped.
func (s *Scheduler) pickTarget(dest *types.Printer) *types.Printer {
	if !dest.IsClass {
		if s.ready(dest) {
			return dest
		}
		return nil
	}
	if dest.State == types.PrinterStopped {
		return nil
	}
	for _, name := range dest.Members {
		m, ok := s.printers.Get(name)
		if !ok || m.IsClass {
			continue
		}
		if s.ready(m) {
			return m
		}
	}
	return nil
}

// ready reports whether the printer can take a job now. Accepting only
// gates submission; queued jobs still print on a non-accepting printer.
func (s *Scheduler) ready(p *types.Printer) bool {
	if p.State != types.PrinterIdle || p.Remote {
		return false
	}
	s.mu.Lock()
	_, busy := s.inflight[p.Name]
	s.mu.Unlock()
	return !busy
}

// startJob moves the job to processing and hands it to the backend in
// its own goroutine.
func (s *Scheduler) startJob(j *types.Job, dest, target *types.Printer) error {
	if err := s.jobs.Start(j.ID); err != nil {
		return err
	}
	s.mu.Lock()
	s.inflight[target.Name] = j.ID
	s.mu.Unlock()
	s.printers.SetProcessing(target.Name, true)

	if dest.Name != target.Name {
		uri := fmt.Sprintf("ipp://%s/printers/%s", s.cfg.ServerName, target.Name)
		set := goipp.Attributes{goipp.MakeAttribute("job-actual-printer-uri", goipp.TagURI, goipp.String(uri))}
		if err := s.jobs.SetAttrs(j.ID, set, nil); err != nil {
			s.logger.Warn().Err(err).Int("job_id", j.ID).Msg("class member record failed")
		}
	}

	metrics.JobsScheduled.Inc()
	metrics.SchedulingLatency.Observe(time.Since(j.CreatedAt).Seconds())
	s.logger.Info().
		Int("job_id", j.ID).
		Str("printer", target.Name).
		Int("priority", j.Priority).
		Msg("job started")

	s.wg.Add(1)
	go s.print(j, target)
	return nil
}

// print drives one job through the device and settles its final state.
// Runs without any engine lock held.
func (s *Scheduler) print(j *types.Job, target *types.Printer) {
	defer s.wg.Done()

	creds, err := s.jobs.Credentials(j.ID)
	if err != nil {
		s.logger.Warn().Err(err).Int("job_id", j.ID).Msg("credential read failed")
	}
	impressions, err := s.backend.Send(s.ctx, target, j, creds)

	s.mu.Lock()
	delete(s.inflight, target.Name)
	s.mu.Unlock()
	s.printers.SetProcessing(target.Name, false)

	s.settle(j, target, impressions, err)
}

// settle maps the backend outcome onto the job's final state.
func (s *Scheduler) settle(j *types.Job, target *types.Printer, impressions int, err error) {
	if err == nil {
		if cerr := s.jobs.Complete(j.ID, impressions); cerr != nil {
			s.logger.Warn().Err(cerr).Int("job_id", j.ID).Msg("completion failed")
			return
		}
		s.quotas.Update(target, j.User, impressions, j.KOctets)
		return
	}

	if s.ctx.Err() != nil {
		// Shutdown killed the transmission; requeue so the job prints
		// after restart.
		if serr := s.jobs.Stop(j.ID, types.JobReasonNone); serr == nil {
			s.jobs.Close(j.ID)
		}
		return
	}

	switch {
	case errors.Is(err, ErrAuthRequired):
		s.logger.Info().Int("job_id", j.ID).Str("printer", target.Name).Msg("device requires authentication")
		if herr := s.jobs.HoldForAuth(j.ID); herr != nil {
			s.logger.Warn().Err(herr).Int("job_id", j.ID).Msg("hold for authentication failed")
		}
	case errors.Is(err, ErrHoldJob):
		s.jobs.Hold(j.ID, "indefinite")
	case errors.Is(err, ErrCancelJob):
		s.jobs.Cancel(j.ID, false)
	case errors.Is(err, ErrRetry):
		if serr := s.jobs.Stop(j.ID, types.JobReasonNone); serr == nil {
			s.jobs.Close(j.ID)
		}
	case errors.Is(err, ErrStopQueue):
		metrics.JobsFailed.Inc()
		s.logger.Error().Err(err).Int("job_id", j.ID).Str("printer", target.Name).Msg("device stopped the queue")
		s.jobs.Stop(j.ID, types.JobReasonPrinterStopped)
		s.printers.Stop(target.Name, "Stopped by device request.")
	default:
		metrics.JobsFailed.Inc()
		s.logger.Error().Err(err).Int("job_id", j.ID).Str("printer", target.Name).Msg("job failed")
		s.fail(j, target)
	}
}

// fail applies the destination error policy to a failed job.
func (s *Scheduler) fail(j *types.Job, target *types.Printer) {
	switch target.ErrorPolicy {
	case "abort-job":
		s.jobs.Abort(j.ID, fmt.Sprintf("Job %d aborted by device error.", j.ID))
	case "retry-job", "retry-current-job":
		if err := s.jobs.Stop(j.ID, types.JobReasonNone); err == nil {
			s.jobs.Close(j.ID)
		}
	default: // stop-printer
		s.jobs.Stop(j.ID, types.JobReasonPrinterStopped)
		s.printers.Stop(target.Name, "Stopped after a device error.")
	}
}

// sweep runs the slow maintenance duties: intake timeouts, lease
// expiry, temporary printer reaping, and job retention.
func (s *Scheduler) sweep() {
	s.jobs.CloseExpiredIntake(s.cfg.MultipleOperationTimeout)
	s.subs.Sweep()

	for _, name := range s.printers.ExpireTemporaries(s.cfg.TempPrinterTTL) {
		for _, j := range s.jobs.List(jobs.Filter{Dest: name, Which: "all"}) {
			if j.State.Active() {
				if err := s.jobs.Cancel(j.ID, true); err != nil {
					s.logger.Warn().Err(err).Int("job_id", j.ID).Msg("cancel on expiry failed")
				}
			} else {
				s.jobs.Purge(j.ID)
			}
		}
		s.subs.ExpireForPrinter(name)
		s.quotas.Forget(name)
	}

	s.jobs.PurgeExpired()
}
