package store

import (
	"errors"

	"eibdvis/internal/knx"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for group values.
type Store interface {
	SaveValue(v *GroupValue) error
	DeleteValue(ga knx.GroupAddress) error
	// ListValues returns all values ordered by group address.
	ListValues() ([]*GroupValue, error)

	Close() error
}
