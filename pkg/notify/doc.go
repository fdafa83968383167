/*
Package notify implements the subscription and event delivery engine.

A subscription is either push (notify-recipient-uri routed to the
notifier whose scheme matches) or pull (notify-pull-method "ippget",
drained through Get-Notifications). Every captured event gets a
per-subscription sequence number starting at 1; the queued ring is
bounded, and FirstEventID + len(Queued) == NextEventID always holds.

Job subscriptions carry no lease and are removed when their job
terminates. Printer subscriptions are removed with their destination.
Leased subscriptions are reaped by the periodic Sweep.

OnDirty is invoked with the engine lock held and must not call back
into the engine.
*/
package notify
