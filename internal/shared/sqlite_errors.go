// Package shared holds small helpers needed by more than one package.
package shared

import "strings"

// The sqlite driver reports concurrency failures as message text rather
// than typed errors, so classification is substring matching.

// IsSQLiteConflictError reports whether err is a sqlite concurrency
// failure worth retrying: either SQLITE_BUSY or "database is locked".
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// IsSQLiteBusyError reports whether err is SQLITE_BUSY, raised when
// another connection holds the database.
func IsSQLiteBusyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError reports whether err is the "database is locked"
// form of the same contention.
func IsSQLiteLockedError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
