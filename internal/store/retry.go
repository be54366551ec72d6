package store

import "strings"

// isBusy reports whether err is one of SQLite's concurrency errors.
// Writes that hit a locked database are worth retrying after a short
// backoff; every other failure is passed through.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
