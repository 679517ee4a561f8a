package shared

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID identifies a write-once record such as an audit event. IDs are UUIDv7,
// so their string form sorts by creation time across the Postgres sink and
// the archive objects.
type ID struct {
	value uuid.UUID
}

// NewID returns a time-ordered ID. It falls back to a random v4 ID if the
// v7 generator cannot read entropy.
func NewID() ID {
	v, err := uuid.NewV7()
	if err != nil {
		return ID{value: uuid.New()}
	}
	return ID{value: v}
}

// ParseID parses the canonical string form.
func ParseID(s string) (ID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: id %q: %w", ErrInvalidInput, s, err)
	}
	return ID{value: v}, nil
}

func (id ID) String() string { return id.value.String() }

// IsZero reports whether id was never assigned.
func (id ID) IsZero() bool { return id.value == uuid.Nil }

// Time returns the creation time embedded in a v7 ID, or the zero time.
func (id ID) Time() time.Time {
	if id.value.Version() != 7 {
		return time.Time{}
	}
	sec, nsec := id.value.Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}

// MarshalText covers both JSON and YAML output.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.value.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value stores the ID in a UUID column.
func (id ID) Value() (driver.Value, error) {
	return id.value.String(), nil
}

// Scan reads a UUID column.
func (id *ID) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into ID", src)
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
