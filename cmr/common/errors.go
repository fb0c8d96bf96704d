package common

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the indexing and eviction buffer
var (
	ErrDuplicateID     = errors.New("element id already indexed")
	ErrUnassignedID    = errors.New("element id is not assigned")
	ErrSizeOverflow    = errors.New("estimated size overflows the byte counter")
	ErrEvictionStarved = errors.New("eviction starved: element does not fit into the buffer")
	ErrInvalidProfile  = errors.New("unknown size profile")
	ErrInvalidIndexer  = errors.New("unknown branch indexer")
	ErrInvalidArgument = errors.New("invalid argument")
)

// WrapError wraps an error with additional context
func WrapError(err error, message string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(message, args...)
	return fmt.Errorf("%s: %w", context, err)
}

// IsRejection reports whether err means the element was refused by the buffer
// and never became visible to queries.
func IsRejection(err error) bool {
	return errors.Is(err, ErrDuplicateID) ||
		errors.Is(err, ErrUnassignedID) ||
		errors.Is(err, ErrSizeOverflow) ||
		errors.Is(err, ErrEvictionStarved)
}
