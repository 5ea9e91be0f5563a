// Package ids provides the opaque identifier types used for every entity
// in the orchestration domain (tasks, subtasks, workers, checkpoints,
// reviews, evaluations, corrections). All IDs are UUIDv4, generated with
// google/uuid, and serialize as plain strings on the wire.
package ids

import "github.com/google/uuid"

// ID is an opaque 128-bit entity identifier.
type ID string

// New generates a fresh random ID.
func New() ID {
	return ID(uuid.New().String())
}

// Empty reports whether id is the zero value.
func (id ID) Empty() bool {
	return id == ""
}

func (id ID) String() string {
	return string(id)
}

// Valid reports whether id parses as a well-formed UUID.
func Valid(id ID) bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}
