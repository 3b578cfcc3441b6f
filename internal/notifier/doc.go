// Package notifier delivers patient reminders asynchronously.
//
// Callers hand a Notification to Service.Notify, which returns as soon as it
// is queued. A worker pool drains the queue through a Channel (log, Telegram
// or AMQP), rate limited and retried with jittered backoff. Reminders with
// the same Key are suppressed for the dedup window, optionally across
// restarts through the store.
//
// Wrap a channel with WithBreaker so a dead backend fails fast instead of
// tying up every worker in retries.
package notifier
