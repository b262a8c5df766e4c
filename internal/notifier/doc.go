// Package notifier delivers operator alerts raised by the health monitor and
// the watchdog.
//
// Notifications are small, high-signal messages: a plugin turned critical,
// recovery was exhausted, a plugin was quarantined, or the watchdog
// recovered something. Each carries a priority; higher priority items leave
// the queue first.
//
// # Pipeline
//
// Notify only enqueues. A fixed set of workers (owned by a supervisor) pops
// items, waits on a token bucket and fans each item out to every sink with
// exponential-backoff retry. A dedup window suppresses repeats of the same
// alert (same kind, plugin and failed checks); suppression windows can be
// persisted through the store so they survive restarts.
//
// # Sinks
//
// The log sink is always present. A JSON webhook and a Telegram chat can be
// configured on top.
//
// # History
//
// A small in-memory history of delivered notifications is kept for the admin
// surface.
package notifier
