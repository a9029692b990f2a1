package edc

import (
	"errors"
	"fmt"
)

// LoadErrorKind classifies load failures.
type LoadErrorKind int

const (
	// NotFound: the binary could not be opened.
	NotFound LoadErrorKind = iota
	// SymbolMissing: a required entry point is not exported.
	SymbolMissing
	// VersionMismatch: the host ABI does not satisfy the component's constraint.
	VersionMismatch
)

func (k LoadErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case SymbolMissing:
		return "symbol missing"
	case VersionMismatch:
		return "version mismatch"
	}
	return fmt.Sprintf("LoadErrorKind(%d)", int(k))
}

// LoadError is returned by Load. Every kind is fatal to the run.
type LoadError struct {
	Kind   LoadErrorKind
	Path   string
	Symbol string // set for SymbolMissing
	Err    error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("loading decision component %q: %s", e.Path, e.Kind)
	if e.Symbol != "" {
		msg += fmt.Sprintf(" (%s)", e.Symbol)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

var (
	// ErrIsolationUnsupported is returned when the isolated load method is
	// requested on a platform without private link-map namespaces.
	ErrIsolationUnsupported = errors.New("isolated loading is not supported on this platform")

	// ErrNativeUnsupported is returned when native loading is requested in a
	// build without cgo or on an unsupported OS.
	ErrNativeUnsupported = errors.New("native decision components are not supported by this build")

	// ErrClosed is returned by calls on a closed Handle.
	ErrClosed = errors.New("decision component is closed")

	// ErrComponentStatus matches every *StatusError.
	ErrComponentStatus = errors.New("decision component returned a non-zero status")
)

// StatusError reports a non-zero status returned by an entry point.
type StatusError struct {
	Symbol string
	Status uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Symbol, e.Status)
}

func (e *StatusError) Is(target error) bool { return target == ErrComponentStatus }
