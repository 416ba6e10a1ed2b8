// Package domain holds the shared scheduling model: Job, Schedule, Task,
// TaskInstance, Agent, Server, Namespace and the time-ordered identifiers
// that tie them together.
package domain

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is a time-ordered 128-bit identifier. It wraps uuid.UUID rather than a
// bare array so it can implement database/sql/driver.Valuer and the
// pgx-friendly Scan/Value pair without pulling a dependency into callers
// that don't need Postgres.
type ID uuid.UUID

// NewID returns a new time-ordered identifier (UUIDv7).
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system RNG is broken; there is no
		// sane recovery, and every caller treats ID generation as infallible.
		panic(fmt.Sprintf("domain: failed to generate id: %v", err))
	}
	return ID(id)
}

// ZeroID is the nil identifier, used to represent "unset" foreign keys.
var ZeroID ID

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the unset value.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// ParseID parses a canonical UUID string into an ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ZeroID, err
	}
	return ID(u), nil
}

// MarshalText implements encoding.TextMarshaler so IDs serialize as plain
// strings in JSON.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer for direct use with database/sql and pgx.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return id.String(), nil
}

// Scan implements sql.Scanner.
func (id *ID) Scan(src interface{}) error {
	if src == nil {
		*id = ZeroID
		return nil
	}
	switch v := src.(type) {
	case string:
		parsed, err := ParseID(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case [16]byte:
		*id = ID(v)
		return nil
	default:
		return fmt.Errorf("domain: cannot scan %T into ID", src)
	}
}
