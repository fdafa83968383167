/*
Package printers maintains the authoritative registry of destinations:
printers and classes, their configured options, state and reasons, and
the shared/temporary/accepting flags.

# Concurrency

A single RWMutex guards the registry. Read paths (Get, List, Default,
ValidateDest) take shared access; mutating paths take exclusive access
and release it before publishing events, so event consumers may call
back into the registry.

# State rules

printer-state changes only through Stop and Start (Pause-Printer and
Resume-Printer), or as a side effect of a supplied
printer-state-reasons containing "paused". SetProcessing toggles
idle/processing for the scheduler but never overrides stopped.

Classes hold member printer names only (weak references); a class may
not contain another class, and deleting a printer removes it from every
member list.
*/
package printers
