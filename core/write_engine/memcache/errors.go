package memcache

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("invalid memory cache config")
)

// InvariantError is the panic value raised when a caller breaks the cache's calling contract,
// e.g. moving a page that is not writable. Continuing after one would corrupt the cache.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "memcache: invariant violated: " + e.Message
}

// ensure panics with an *InvariantError when cond is false.
func ensure(cond bool, format string, args ...any) {
	if !cond {
		panic(&InvariantError{Message: fmt.Sprintf(format, args...)})
	}
}
