// Package notifier delivers loop reminders to a Presenter.
//
// Show and Dismiss requests are queued and handled by a small worker pool.
// Requests for the same loop always land on the same worker, so a Dismiss
// never overtakes the Show it follows.
//
// # Delivery
//
// Each attempt waits on a token-bucket limiter and is bounded by a short
// timeout. Failed attempts are retried with jittered exponential backoff. A
// presenter may return an engine.RetryAfter error to ask for a longer wait,
// or engine.NoRetry to give up at once.
//
// # Dedup
//
// A Show whose (presenter, loop, day, kind, fire time) was already delivered
// inside DedupWindow is dropped. This keeps a replayed wake-up job from
// ringing twice. Dedup entries can be persisted to the store so the window
// survives a restart.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recent deliveries.
package notifier
