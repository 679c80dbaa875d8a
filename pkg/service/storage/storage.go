package storage

import (
	"errors"
)

// ErrObjectNotFound is returned by Get when no object exists for the key
var ErrObjectNotFound = errors.New("object not found")
