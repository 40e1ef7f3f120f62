package cache

import (
	"fmt"
	"strings"
)

// UnpackError is returned when a fetched archive cannot be turned into a
// directory entry, either because it is unreadable or because it does not
// contain exactly one top-level directory.
type UnpackError struct {
	Key   string
	Found []string
	Err   error
}

func (e *UnpackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to unpack archive for %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("archive for %s has %d top-level directories [%s], want exactly 1",
		e.Key, len(e.Found), strings.Join(e.Found, ", "))
}

func (e *UnpackError) Unwrap() error {
	return e.Err
}
