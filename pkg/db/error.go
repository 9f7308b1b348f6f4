package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports whether err is a unique-constraint violation on
// any supported dialect. Callers use it to turn insert races into
// re-read-and-reuse instead of surfacing an error.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067), both mattn and modernc drivers
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}
	if strings.Contains(err.Error(), "constraint failed: UNIQUE") {
		return true
	}

	return false
}
