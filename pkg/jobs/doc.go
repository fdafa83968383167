/*
Package jobs owns every print job: creation and validation, the spool
files under the request root, and the job life-cycle state machine.

# Life cycle

	            hold                process             complete
	  pending <------> held   pending ----> processing ----------> completed
	     ^    release    |                      |
	     |               |                      | stop
	     +---- close ----+----------------------+
	                                            v
	              cancel / abort from any non-terminal state
	                     v
	           canceled / aborted  --- restart ---> pending

Transitions run through a per-job finite state machine; an event that
is not valid in the current state surfaces as ErrNotPossible, which
handlers map to client-error-not-possible.

# Ordering

Runnable jobs are consumed in (priority descending, id ascending).
List applies the same ordering before first-index and limit windowing
so pagination is stable.

# Files

Documents are spooled as dNNNNN-KKK under the spool directory; cached
authentication values live in aNNNNN with mode 0400 and random blank
line padding. Spool files are removed when a job terminates and no
retention window is configured, and always on purge.
*/
package jobs
