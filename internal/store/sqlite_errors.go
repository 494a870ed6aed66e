package store

import "strings"

// isSQLiteConflictError reports SQLITE_BUSY or "database is locked" errors,
// both of which are worth retrying.
func isSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
