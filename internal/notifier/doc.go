// Package notifier delivers operator notifications.
//
// Create never blocks and never fails the caller: a notification is queued,
// deduplicated within a window, persisted through the Store, then forwarded to
// each configured Forwarder (for example Telegram) under a shared rate limit.
//
// # History
//
// The service keeps a small in-memory history of processed notifications for
// the health endpoint.
package notifier
