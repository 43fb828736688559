package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrVersionConflict is returned when a compare-and-swap lost against a
	// concurrent writer.
	ErrVersionConflict = errors.New("repository: version conflict")
	// ErrDuplicate is returned when a unique constraint rejected a write.
	ErrDuplicate = errors.New("repository: duplicate key")
	// ErrStateConflict is returned when a conditional state transition found
	// the row in another state.
	ErrStateConflict = errors.New("repository: unexpected row state")
)

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func translateWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	msg := strings.ToLower(err.Error())
	// MySQL 1062 and SQLite constraint messages
	if strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "unique constraint failed") {
		return ErrDuplicate
	}
	return err
}
