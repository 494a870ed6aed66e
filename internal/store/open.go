package store

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Drivers accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Open returns the Store implementation selected by driver.
func Open(driver, dbPath string, logger zerolog.Logger) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(dbPath, logger)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
