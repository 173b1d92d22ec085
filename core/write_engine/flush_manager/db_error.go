package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrIO                 = errors.New("i/o error")
	ErrDiskClosed         = errors.New("disk manager is closed")
	ErrMisalignedPosition = errors.New("position is not aligned to a page boundary")
	ErrPageSizeMismatch   = errors.New("page buffer size does not match disk manager page size")
	ErrUnknownOrigin      = errors.New("file origin has no backing file")
	ErrInvalidDiskConfig  = errors.New("invalid disk configuration")
)
