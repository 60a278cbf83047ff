package ftpserver

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageExceeded is mapped to the FTP 552 reply code. Checked for STOR/APPE.
	ErrStorageExceeded = errors.New("storage limit exceeded")
	// ErrFileNameNotAllowed is mapped to the FTP 553 reply code. Checked for STOR/APPE/RNTO.
	ErrFileNameNotAllowed = errors.New("filename not allowed")
	// ErrNoAvailableListeningPort is returned when every port the switchboard may use is
	// currently taken.
	ErrNoAvailableListeningPort = errors.New("no available listening port")
)

// ipValidationError reports an IP that doesn't satisfy a data-connection security
// requirement or a malformed passive-host setting.
type ipValidationError struct {
	error string
}

func (e *ipValidationError) Error() string {
	return e.error
}

// StorageErrorKind is the closed error taxonomy a StorageBackend is allowed to return,
// per the storage adapter contract (see driver.go).
type StorageErrorKind int

// Storage error kinds.
const (
	ErrKindNone StorageErrorKind = iota
	ErrKindNotFound
	ErrKindPermissionDenied
	ErrKindExists
	ErrKindNotADirectory
	ErrKindIsADirectory
	ErrKindTransientFailure
	ErrKindPermanentFailure
)

// StorageError wraps a backend failure together with the taxonomy kind the engine uses to
// pick a reply code. Backends should return one of the package-level Err* sentinels below,
// or wrap them with fmt.Errorf("...: %w", ErrNotFound), so errors.Is keeps working.
type StorageError struct {
	Kind StorageErrorKind
	Op   string
	err  error
}

func (e *StorageError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.err)
	}

	return e.Op
}

func (e *StorageError) Unwrap() error { return e.err }

// NewStorageError builds a StorageError of the given kind, wrapping the matching sentinel
// so errors.Is(NewStorageError(...), ErrNotFound) works regardless of the wrapped cause.
func NewStorageError(kind StorageErrorKind, op string, cause error) error {
	sentinel := sentinelForKind(kind)
	if cause == nil {
		cause = sentinel
	} else {
		cause = fmt.Errorf("%w: %v", sentinel, cause)
	}

	return &StorageError{Kind: kind, Op: op, err: cause}
}

// Storage taxonomy sentinels.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrExists           = errors.New("already exists")
	ErrNotADirectory    = errors.New("not a directory")
	ErrIsADirectory     = errors.New("is a directory")
	ErrTransientFailure = errors.New("transient failure")
	ErrPermanentFailure = errors.New("permanent failure")
)

func sentinelForKind(kind StorageErrorKind) error {
	switch kind {
	case ErrKindNotFound:
		return ErrNotFound
	case ErrKindPermissionDenied:
		return ErrPermissionDenied
	case ErrKindExists:
		return ErrExists
	case ErrKindNotADirectory:
		return ErrNotADirectory
	case ErrKindIsADirectory:
		return ErrIsADirectory
	case ErrKindTransientFailure:
		return ErrTransientFailure
	case ErrKindPermanentFailure:
		return ErrPermanentFailure
	default:
		return ErrPermanentFailure
	}
}

// getErrorCode maps an error returned by a command handler or a storage backend to the
// closest numeric reply, falling back to defaultCode when the error carries no taxonomy.
func getErrorCode(err error, defaultCode int) int {
	switch {
	case errors.Is(err, ErrStorageExceeded):
		return StatusActionAborted
	case errors.Is(err, ErrFileNameNotAllowed):
		return StatusActionNotTakenNoFile
	case errors.Is(err, ErrNotFound):
		return StatusFileActionNotTaken
	case errors.Is(err, ErrPermissionDenied):
		return StatusFileActionNotTaken
	case errors.Is(err, ErrExists):
		return StatusFileActionNotTaken
	case errors.Is(err, ErrNotADirectory):
		return StatusFileActionNotTaken
	case errors.Is(err, ErrIsADirectory):
		return StatusFileActionNotTaken
	case errors.Is(err, ErrTransientFailure):
		return StatusActionNotTaken
	case errors.Is(err, ErrPermanentFailure):
		return StatusInternalError
	default:
		return defaultCode
	}
}

// DriverError wraps any error that occurs while contacting the storage/auth collaborators.
type DriverError struct {
	str string
	err error
}

func NewDriverError(str string, err error) DriverError { return DriverError{str: str, err: err} }

func (e DriverError) Error() string { return fmt.Sprintf("driver error: %s: %v", e.str, e.err) }

func (e DriverError) Unwrap() error { return e.err }

// NetworkError wraps a failure from a listen/accept/dial operation.
type NetworkError struct {
	str string
	err error
}

func NewNetworkError(str string, err error) NetworkError { return NetworkError{str: str, err: err} }

func (e NetworkError) Error() string { return fmt.Sprintf("network error: %s: %v", e.str, e.err) }

func (e NetworkError) Unwrap() error { return e.err }

// FileAccessError wraps a failure coming from file/directory access through a backend.
type FileAccessError struct {
	str string
	err error
}

func NewFileAccessError(str string, err error) FileAccessError {
	return FileAccessError{str: str, err: err}
}

func (e FileAccessError) Error() string {
	return fmt.Sprintf("file access error: %s: %v", e.str, e.err)
}

func (e FileAccessError) Unwrap() error { return e.err }
