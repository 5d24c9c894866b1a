// Package notifier sends operator alerts for task lifecycle events.
//
// Events from the executor (timeouts, failures, late completions) are
// formatted into short messages, deduplicated within a window, queued and
// delivered by a single worker behind a token-bucket rate limiter with
// retry. Delivery goes through a Sender; the Telegram sender is the only
// production one.
package notifier
