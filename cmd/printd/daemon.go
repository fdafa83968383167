package main

import (
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openspool/printd/pkg/config"
	"github.com/openspool/printd/pkg/dispatch"
	"github.com/openspool/printd/pkg/jobs"
	"github.com/openspool/printd/pkg/log"
	"github.com/openspool/printd/pkg/metrics"
	"github.com/openspool/printd/pkg/mimetype"
	"github.com/openspool/printd/pkg/notify"
	"github.com/openspool/printd/pkg/policy"
	"github.com/openspool/printd/pkg/printers"
	"github.com/openspool/printd/pkg/quota"
	"github.com/openspool/printd/pkg/scheduler"
	"github.com/openspool/printd/pkg/server"
	"github.com/openspool/printd/pkg/storage"
	"github.com/openspool/printd/pkg/types"
)

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("spool-dir"); v != "" {
		cfg.SpoolDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("commit", Commit).Msg("printd starting")

	for _, dir := range []string{cfg.SpoolDir, cfg.StateDir, cfg.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, err := storage.NewBoltStore(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer store.Close()

	// Engines.
	mime := mimetype.Default()

	reg := printers.NewRegistry(cfg.FileDevice)
	if cfg.BackendDir != "" {
		reg.BackendExists = func(scheme string) bool {
			fi, err := os.Stat(filepath.Join(cfg.BackendDir, scheme))
			return err == nil && !fi.IsDir() && fi.Mode().Perm()&0o111 != 0
		}
	}

	js := jobs.NewStore(cfg.SpoolDir, jobs.Limits{
		MaxCopies: cfg.MaxCopies,
		Strict:    cfg.StrictConformance,
		Retention: cfg.JobRetention,
	}, mime)

	notifiers := make(map[string]notify.Notifier, len(cfg.Notifiers))
	for scheme, command := range cfg.Notifiers {
		notifiers[scheme] = &notify.ExecNotifier{Command: command, Timeout: cfg.HelperTimeout}
	}
	subs := notify.NewEngine(notify.Limits{
		MaxSubscriptions: cfg.MaxSubscriptions,
		MaxLease:         cfg.MaxLeaseDuration,
		DefaultLease:     cfg.DefaultLeaseDuration,
		MaxEventsPerSub:  cfg.MaxEventsPerSub,
	}, notifiers)
	subs.OnDeliveryFailed = metrics.NotificationsFailed.Inc

	policies := policy.NewEngine(cfg.DefaultPolicy, lookupGroups)
	quotas := quota.NewTracker(lookupGroups)

	// Restore persisted state before any hook is wired, so replaying
	// it emits no events.
	saved, err := store.LoadPrinters()
	if err != nil {
		return fmt.Errorf("failed to restore printers: %w", err)
	}
	for _, p := range saved {
		reg.Restore(p)
	}
	savedJobs, err := store.LoadJobs()
	if err != nil {
		return fmt.Errorf("failed to restore jobs: %w", err)
	}
	for _, j := range savedJobs {
		js.Restore(j)
	}
	savedSubs, err := store.LoadSubscriptions()
	if err != nil {
		return fmt.Errorf("failed to restore subscriptions: %w", err)
	}
	for _, sub := range savedSubs {
		subs.Restore(sub)
	}
	state, err := store.LoadServerState()
	if err != nil {
		return fmt.Errorf("failed to restore server state: %w", err)
	}
	if state.NextJobID > 0 {
		js.SetNextID(state.NextJobID)
	}
	if state.DefaultPrinter != "" {
		if err := reg.SetDefault(state.DefaultPrinter); err != nil {
			logger.Warn().Err(err).Str("printer", state.DefaultPrinter).
				Msg("saved default printer no longer exists")
		}
	}
	logger.Info().
		Int("printers", len(saved)).
		Int("jobs", len(savedJobs)).
		Int("subscriptions", len(savedSubs)).
		Msg("state restored")

	syncer := storage.NewSyncer(store, storage.Sources{
		Printers:      reg.List,
		Jobs:          func() []*types.Job { return js.List(jobs.Filter{Which: "all"}) },
		Subscriptions: func() []*types.Subscription { return subs.List("", 0) },
		Server: func() storage.ServerState {
			st := storage.ServerState{NextJobID: js.NextID()}
			if p, ok := reg.Default(); ok {
				st.DefaultPrinter = p.Name
			}
			return st
		},
	}, 30*time.Second)

	sched := scheduler.New(cfg, reg, js, subs, quotas, &scheduler.ExecBackend{Dir: cfg.BackendDir})

	// Event fan-in: every state change feeds the subscription engine
	// and nudges the scheduler; terminal jobs drop their job-scoped
	// subscriptions once the completion event is captured.
	reg.OnEvent = func(kind types.EventMask, p *types.Printer, text string) {
		metrics.EventsTotal.WithLabelValues(kind.Name()).Inc()
		subs.Enqueue(notify.PrinterEvent(kind, p, text))
		sched.Kick()
	}
	reg.OnDirty = syncer.MarkPrinters

	js.OnEvent = func(kind types.EventMask, j *types.Job, text string) {
		metrics.EventsTotal.WithLabelValues(kind.Name()).Inc()
		subs.Enqueue(notify.JobEvent(kind, j, text))
		if kind == types.EventJobCompleted {
			subs.ExpireForJob(j.ID)
		}
		sched.Kick()
	}
	js.OnDirty = syncer.MarkJobs

	subs.OnDirty = syncer.MarkSubscriptions
	subs.JobState = func(id int) (types.JobState, bool) {
		j, ok := js.Get(id)
		if !ok {
			return 0, false
		}
		return j.State, true
	}
	subs.PrinterState = func(name string) (types.PrinterState, bool) {
		p, ok := reg.Get(name)
		if !ok {
			return 0, false
		}
		return p.State, true
	}
	subs.ActiveJobs = func(printer string) int { return js.ActiveCount(printer, "") }

	deps := dispatch.Deps{
		Config:   cfg,
		Printers: reg,
		Jobs:     js,
		Subs:     subs,
		Policies: policies,
		Quotas:   quotas,
		Mime:     mime,
	}
	if cfg.DeviceCommand != "" {
		deps.Devices = &dispatch.ExecHelper{Command: cfg.DeviceCommand, Timeout: cfg.HelperTimeout}
	}
	if cfg.DriverCommand != "" {
		deps.Drivers = &dispatch.ExecHelper{Command: cfg.DriverCommand, Timeout: cfg.HelperTimeout}
	}
	if cfg.ProbeCommand != "" {
		deps.Prober = &dispatch.ExecProber{
			Command: cfg.ProbeCommand,
			Timeout: cfg.HelperTimeout,
			PPDDir:  filepath.Join(cfg.StateDir, "ppd"),
		}
	}
	dispatcher := dispatch.New(deps)

	ipp := server.New(cfg, dispatcher)
	collector := metrics.NewCollector(js, reg, subs)

	// Start everything.
	syncer.Start()
	collector.Start()
	sched.Start()
	if err := ipp.Start(); err != nil {
		return err
	}

	var health *server.HealthServer
	if cfg.MetricsAddr != "" {
		health = server.NewHealthServer(cfg, reg, store, Version)
		if err := health.Start(); err != nil {
			return err
		}
	}

	subs.Enqueue(notify.ServerEvent(types.EventServerStarted, "Server started."))
	logger.Info().Str("listen", cfg.ListenAddr).Msg("printd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// Stop intake first, then the scheduler so interrupted jobs are
	// requeued, then flush everything to disk.
	if err := ipp.Stop(); err != nil {
		logger.Warn().Err(err).Msg("server shutdown")
	}
	sched.Stop()
	collector.Stop()
	subs.Enqueue(notify.ServerEvent(types.EventServerStopped, "Server stopped."))
	if health != nil {
		if err := health.Stop(); err != nil {
			logger.Warn().Err(err).Msg("health server shutdown")
		}
	}
	syncer.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}

// lookupGroups resolves a user's group names for policy and quota
// matching. Unknown users have no groups.
func lookupGroups(username string) []string {
	u, err := user.Lookup(username)
	if err != nil {
		return nil
	}
	ids, err := u.GroupIds()
	if err != nil {
		return nil
	}
	groups := make([]string, 0, len(ids))
	for _, id := range ids {
		g, err := user.LookupGroupId(id)
		if err != nil {
			continue
		}
		groups = append(groups, g.Name)
	}
	return groups
}
