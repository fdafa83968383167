/*
Package scheduler moves pending jobs onto printers and keeps the
background hygiene of the daemon: hold-until promotion, multi-file
intake timeouts, subscription lease sweeps, temporary printer expiry,
and job retention.

# Cycle

The loop ticks every second (and on Kick) and performs one cycle:

 1. Promote held jobs whose hold time has passed.
 2. For every destination, in name order: take the best pending job
    (priority descending, id ascending) and hand it to a ready
    printer. A class fans out to its first ready member; member names
    that no longer resolve are skipped.

A printer is ready when it is idle and has no transmission in flight.
Accepting and holding-new-jobs gate submission, not printing, so a
rejected queue still drains.

Transmission runs in its own goroutine through a Backend, so no engine
lock is held across the device hand-off. The outcome settles the job:
success completes it and charges the quota window, an authentication
demand holds it for Authenticate-Job, and other failures follow the
destination error policy (stop-printer, abort-job, retry-job).

# Sweep

Every ten seconds the slow duties run: force-close idle multi-file
intake, reap expired subscription leases, delete idle temporary
printers together with their jobs, subscriptions, and quota history,
and purge terminal jobs past the retention window.

On Stop the scheduler kills in-flight transmissions and requeues their
jobs as pending so they print after the next start.
*/
package scheduler
