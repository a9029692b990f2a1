// Package edc loads external decision components (EDCs) and drives their
// binary contract.
//
// A component exports three entry points:
//
//	uint8_t batsim_edc_init(const uint8_t *data, uint32_t size, uint8_t index, uint8_t count);
//	uint8_t batsim_edc_deinit(void);
//	uint8_t batsim_edc_take_decisions(const uint8_t *req, uint32_t req_size,
//	                                  uint8_t **resp, uint32_t *resp_size);
//
// A zero status means success. The response buffer belongs to the component
// and stays valid until its next take_decisions or deinit call; Handle copies
// it into Go memory before returning, so no foreign pointer escapes this
// package.
package edc

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Entry point names.
const (
	SymbolInit          = "batsim_edc_init"
	SymbolDeinit        = "batsim_edc_deinit"
	SymbolTakeDecisions = "batsim_edc_take_decisions"
)

var requiredSymbols = []string{SymbolInit, SymbolDeinit, SymbolTakeDecisions}

// ABIVersion is the version of the binary contract implemented by the host.
var ABIVersion = semver.MustParse("1.0.0")

// LoadMethod selects how a component binary is brought into the process.
type LoadMethod string

const (
	// Isolated loads into a fresh link-map namespace with eager deep binding.
	// Required whenever more than one component is loaded.
	Isolated LoadMethod = "dlmopen"
	// Shared loads into the host's global namespace.
	Shared LoadMethod = "dlopen"
	// Sandboxed runs a WebAssembly component in its own wazero runtime.
	Sandboxed LoadMethod = "wasm"
)

// ParseLoadMethod returns the LoadMethod named s.
func ParseLoadMethod(s string) (LoadMethod, error) {
	switch m := LoadMethod(s); m {
	case Isolated, Shared, Sandboxed:
		return m, nil
	}
	return "", fmt.Errorf("unknown load method %q (valid: %s, %s, %s)", s, Isolated, Shared, Sandboxed)
}

// Library is an opened component binary. Implementations keep every foreign
// pointer on their side and hand back owned byte slices.
type Library interface {
	// Lookup resolves symbol, returning an error if it is not exported.
	Lookup(symbol string) error
	Init(payload []byte, index, count uint8) (uint8, error)
	Deinit() (uint8, error)
	TakeDecisions(request []byte) (uint8, []byte, error)
	// Close unloads the binary.
	Close() error
}

// extraSymbols is implemented by libraries that need exports beyond the
// three entry points.
type extraSymbols interface {
	ExtraSymbols() []string
}

type opener func(path string, method LoadMethod) (Library, error)

type options struct {
	abiConstraint string
	log           logrus.FieldLogger
	open          opener
}

// Option configures Load.
type Option func(*options)

// WithABIConstraint requires the host ABI version to satisfy constraint,
// a semver range such as "^1.0".
func WithABIConstraint(constraint string) Option {
	return func(o *options) { o.abiConstraint = constraint }
}

// WithLogger sets the logger of the handle.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

func withOpener(open opener) Option {
	return func(o *options) { o.open = open }
}

// Handle is a loaded and initialized component. It is not safe for
// concurrent use; its owner issues one call at a time.
type Handle struct {
	path   string
	method LoadMethod
	index  uint8
	count  uint8
	lib    Library
	log    logrus.FieldLogger
	closed bool
}

// Load opens the component at path, resolves its entry points and calls
// init exactly once with payload. index is the position of the component
// among count components of the run.
func Load(path string, method LoadMethod, payload []byte, index, count uint8, opts ...Option) (*Handle, error) {
	o := options{log: logrus.StandardLogger(), open: openLibrary}
	for _, opt := range opts {
		opt(&o)
	}
	if index >= count {
		return nil, fmt.Errorf("component index %d out of range for %d components", index, count)
	}
	if _, err := ParseLoadMethod(string(method)); err != nil {
		return nil, err
	}
	if err := checkABI(path, o.abiConstraint); err != nil {
		return nil, err
	}

	lib, err := o.open(path, method)
	if err != nil {
		if errors.Is(err, ErrIsolationUnsupported) || errors.Is(err, ErrNativeUnsupported) {
			return nil, fmt.Errorf("loading decision component %q with %s: %w", path, method, err)
		}
		return nil, &LoadError{Kind: NotFound, Path: path, Err: err}
	}

	symbols := requiredSymbols
	if extra, ok := lib.(extraSymbols); ok {
		symbols = append(append([]string(nil), requiredSymbols...), extra.ExtraSymbols()...)
	}
	for _, sym := range symbols {
		if err := lib.Lookup(sym); err != nil {
			return nil, &LoadError{Kind: SymbolMissing, Path: path, Symbol: sym, Err: multierr.Append(err, lib.Close())}
		}
	}

	log := o.log.WithFields(logrus.Fields{"component": index, "path": path, "method": string(method)})
	status, err := lib.Init(payload, index, count)
	if err == nil && status != 0 {
		err = &StatusError{Symbol: SymbolInit, Status: status}
	}
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("initializing decision component %q: %w", path, err), lib.Close())
	}
	log.Infof("Decision component loaded (%d-byte init payload)", len(payload))

	return &Handle{path: path, method: method, index: index, count: count, lib: lib, log: log}, nil
}

func checkABI(path, constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return &LoadError{Kind: VersionMismatch, Path: path, Err: fmt.Errorf("parsing ABI constraint %q: %w", constraint, err)}
	}
	if !c.Check(ABIVersion) {
		return &LoadError{Kind: VersionMismatch, Path: path, Err: fmt.Errorf("host ABI %s does not satisfy %q", ABIVersion, constraint)}
	}
	return nil
}

func openLibrary(path string, method LoadMethod) (Library, error) {
	if method == Sandboxed {
		return openWasm(path)
	}
	return openNative(path, method)
}

// Path returns the path the component was loaded from.
func (h *Handle) Path() string { return h.path }

// Method returns the load method.
func (h *Handle) Method() LoadMethod { return h.method }

// Index returns the component index passed to init.
func (h *Handle) Index() uint8 { return h.index }

// TakeDecisions sends request to the component and returns a copy of its
// response. The call blocks until the component returns; there is no timeout.
func (h *Handle) TakeDecisions(request []byte) ([]byte, error) {
	if h.closed {
		return nil, ErrClosed
	}
	status, resp, err := h.lib.TakeDecisions(request)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", SymbolTakeDecisions, err)
	}
	if status != 0 {
		return nil, &StatusError{Symbol: SymbolTakeDecisions, Status: status}
	}
	h.log.Debugf("take_decisions: %d bytes in, %d bytes out", len(request), len(resp))
	return resp, nil
}

// Close calls deinit once and unloads the component. Closing a closed
// Handle is a no-op.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	var errs error
	status, err := h.lib.Deinit()
	switch {
	case err != nil:
		errs = fmt.Errorf("%s: %w", SymbolDeinit, err)
	case status != 0:
		errs = &StatusError{Symbol: SymbolDeinit, Status: status}
	}
	errs = multierr.Append(errs, h.lib.Close())
	if errs != nil {
		h.log.Warnf("Decision component teardown failed: %v", errs)
	} else {
		h.log.Debug("Decision component unloaded")
	}
	return errs
}
