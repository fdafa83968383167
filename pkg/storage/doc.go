/*
Package storage persists the scheduler state in a single BoltDB file.

The engines hold the authoritative state in memory; this package only
snapshots it. Destinations, jobs, and subscriptions each occupy one
bucket and every save rewrites the bucket wholesale, so the database
always reflects one consistent snapshot per domain. Temporary
destinations are never written.

Job request attributes do not survive JSON, so each job keeps a
sidecar entry in the job_attrs bucket holding its control data as an
encoded IPP message.

The Syncer decouples engine mutations from disk writes: engine OnDirty
callbacks flip an atomic flag per domain, and a background loop
flushes dirty domains at a fixed interval plus once more on shutdown.
*/
package storage
