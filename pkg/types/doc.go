/*
Package types defines the core data model shared by all printd components.

The model mirrors the IPP object hierarchy: destinations (printers and
classes), jobs, subscriptions, and captured events. Types here carry no
behavior beyond small derived predicates; the owning engines (pkg/printers,
pkg/jobs, pkg/notify) hold all mutation logic and locking.

# Ownership

	Destination ──(weak, by name)── Job.Dest
	Destination ──(weak, by name)── Subscription.PrinterName
	Job         ──(weak, by id)──── Subscription.JobID
	Class       ──(weak, by name)── Printer.Members

Jobs and subscriptions never hold pointers into the registry; a deleted
destination leaves the referencing names dangling by design, and readers
resolve them on each use.

# State enums

JobState and PrinterState use the IPP enum values (job-state 3..9,
printer-state 3..5) so they can be written to the wire without mapping.
*/
package types
