package store

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate is returned when an insert finds an item already stored under the key.
	ErrDuplicate = errors.New("store: duplicate item")

	// ErrConditionalUpdate is returned when the stored version differs from the expected one.
	ErrConditionalUpdate = errors.New("store: conditional update failed")

	// ErrNotFound is returned when a read that expects an item finds none.
	ErrNotFound = errors.New("store: item not found")

	// ErrEmptyRecord is returned when an item exists but carries no body.
	ErrEmptyRecord = errors.New("store: item has no body")

	// ErrCorruption is returned when a stored body cannot be decompressed or decoded.
	ErrCorruption = errors.New("store: stored body is corrupt")

	// ErrInvalidKey is returned for reads and writes with an empty key.
	ErrInvalidKey = errors.New("store: empty key")

	// ErrInvalidContent is returned when document content is not strict
	// base64 or a record body carries no integer SCN.
	ErrInvalidContent = errors.New("store: invalid content")

	// ErrSequenceExhausted is returned when a sequence number could not be
	// allocated within the configured number of retries.
	ErrSequenceExhausted = errors.New("store: sequence number retries exhausted")

	// Done is returned by Query.Next when no more items remain.
	Done = errors.New("store: no more items")
)

// KeyError ties a failure to the item it concerns.
type KeyError struct {
	Table   string
	Key     string
	SortKey SortKey
	Err     error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%v: key %q sort key %s table %q", e.Err, e.Key, e.SortKey, e.Table)
}

func (e *KeyError) Unwrap() error { return e.Err }

func (s *Store) keyError(key string, sk SortKey, err error) error {
	return &KeyError{Table: s.config.TableName, Key: key, SortKey: sk, Err: err}
}
