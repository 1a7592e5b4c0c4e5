package volume

import (
	"errors"
	"fmt"
)

// Sentinel errors for broad classification.
var (
	ErrConfig      = errors.New("configuration error")
	ErrOutOfBounds = errors.New("out of bounds")
	ErrIO          = errors.New("i/o failure")
)

// ErrorKind is a coarse-grained categorization for pipeline errors.
type ErrorKind string

const (
	KindConfig      ErrorKind = "config"
	KindOutOfBounds ErrorKind = "out_of_bounds"
	KindIO          ErrorKind = "io"
)

// OpError wraps an underlying error with operation context and a kind.
type OpError struct {
	Op   string
	Kind ErrorKind
	Path string // Optional: dataset or output path
	Err  error
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}

	base := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Path != "" {
		base += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *OpError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindConfig:
		return target == ErrConfig
	case KindOutOfBounds:
		return target == ErrOutOfBounds
	case KindIO:
		return target == ErrIO
	}
	return false
}

// IsKind reports whether err carries an OpError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// Configf builds a configuration error.
func Configf(op, format string, args ...any) error {
	return &OpError{Op: op, Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

// OutOfBoundsf builds an out-of-bounds error.
func OutOfBoundsf(op, format string, args ...any) error {
	return &OpError{Op: op, Kind: KindOutOfBounds, Err: fmt.Errorf(format, args...)}
}

// IOError wraps an I/O failure on path.
func IOError(op, path string, err error) error {
	return &OpError{Op: op, Kind: KindIO, Path: path, Err: err}
}
