// Package storage is the persistence layer for plugin records, hook
// subscriptions, plugin logs and notifier dedup state.
//
// Drivers:
//   - memory: process-local maps (default, tests)
//   - sqlite: modernc.org/sqlite with embedded migrations
//   - mysql:  gorm with the mysql dialector
package storage
