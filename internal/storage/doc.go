// Package storage persists the clinic records the reminder workers act on.
//
// One database/sql implementation serves two drivers:
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "postgres": server database through pgx's database/sql driver
//
// Times are stored as unix milliseconds so queries stay portable. It also
// keeps notifier dedup state and a delivery log.
package storage
