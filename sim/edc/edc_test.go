package edc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeLibrary records the calls made through the Library boundary.
type fakeLibrary struct {
	missing      string
	initStatus   uint8
	deinitStatus uint8
	response     []byte

	initCalls   int
	initPayload []byte
	initIndex   uint8
	initCount   uint8
	deinitCalls int
	takeCalls   int
	closeCalls  int
}

func (f *fakeLibrary) Lookup(symbol string) error {
	if symbol == f.missing {
		return errors.New("undefined symbol: " + symbol)
	}
	return nil
}

func (f *fakeLibrary) Init(payload []byte, index, count uint8) (uint8, error) {
	f.initCalls++
	f.initPayload, f.initIndex, f.initCount = payload, index, count
	return f.initStatus, nil
}

func (f *fakeLibrary) Deinit() (uint8, error) {
	f.deinitCalls++
	return f.deinitStatus, nil
}

func (f *fakeLibrary) TakeDecisions([]byte) (uint8, []byte, error) {
	f.takeCalls++
	return 0, f.response, nil
}

func (f *fakeLibrary) Close() error {
	f.closeCalls++
	return nil
}

func openFake(lib *fakeLibrary) Option {
	return withOpener(func(string, LoadMethod) (Library, error) { return lib, nil })
}

func quiet() Option {
	log, _ := test.NewNullLogger()
	return WithLogger(log)
}

func TestLoad_MissingSymbol_NeverCallsInit(t *testing.T) {
	for _, sym := range []string{SymbolInit, SymbolDeinit, SymbolTakeDecisions} {
		t.Run(sym, func(t *testing.T) {
			// GIVEN a library that does not export one entry point
			lib := &fakeLibrary{missing: sym}

			// WHEN it is loaded
			h, err := Load("libsched.so", Isolated, []byte(`{}`), 0, 1, openFake(lib), quiet())

			// THEN loading fails with SymbolMissing, init never ran and the library was unloaded
			require.Nil(t, h)
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, SymbolMissing, le.Kind)
			assert.Equal(t, sym, le.Symbol)
			assert.Zero(t, lib.initCalls)
			assert.Equal(t, 1, lib.closeCalls)
		})
	}
}

func TestLoad_CallsInitOnceWithPayload(t *testing.T) {
	lib := &fakeLibrary{}
	h, err := Load("libsched.so", Shared, []byte(`{"policy":"fcfs"}`), 1, 3, openFake(lib), quiet())
	require.NoError(t, err)

	assert.Equal(t, 1, lib.initCalls)
	assert.Equal(t, []byte(`{"policy":"fcfs"}`), lib.initPayload)
	assert.Equal(t, uint8(1), lib.initIndex)
	assert.Equal(t, uint8(3), lib.initCount)
	assert.Equal(t, uint8(1), h.Index())
	assert.Equal(t, Shared, h.Method())
	require.NoError(t, h.Close())
}

func TestLoad_InitFailureUnloads(t *testing.T) {
	lib := &fakeLibrary{initStatus: 2}
	_, err := Load("libsched.so", Isolated, nil, 0, 1, openFake(lib), quiet())

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SymbolInit, se.Symbol)
	assert.ErrorIs(t, err, ErrComponentStatus)
	assert.Equal(t, 1, lib.closeCalls)
	assert.Zero(t, lib.deinitCalls)
}

func TestLoad_OpenFailureIsNotFound(t *testing.T) {
	_, err := Load("missing.so", Isolated, nil, 0, 1, quiet(), withOpener(func(string, LoadMethod) (Library, error) {
		return nil, errors.New("cannot open shared object file")
	}))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, NotFound, le.Kind)
	assert.Equal(t, "missing.so", le.Path)
}

func TestLoad_UnsupportedIsolationIsNotDowngraded(t *testing.T) {
	opened := 0
	_, err := Load("libsched.so", Isolated, nil, 0, 1, quiet(), withOpener(func(string, LoadMethod) (Library, error) {
		opened++
		return nil, ErrIsolationUnsupported
	}))
	assert.ErrorIs(t, err, ErrIsolationUnsupported)
	var le *LoadError
	assert.False(t, errors.As(err, &le))
	assert.Equal(t, 1, opened)
}

func TestLoad_ArgumentChecks(t *testing.T) {
	lib := &fakeLibrary{}
	_, err := Load("libsched.so", LoadMethod("dlsym"), nil, 0, 1, openFake(lib), quiet())
	assert.Error(t, err)
	_, err = Load("libsched.so", Shared, nil, 2, 2, openFake(lib), quiet())
	assert.Error(t, err)
	assert.Zero(t, lib.initCalls)
}

func TestLoad_ABIConstraint(t *testing.T) {
	tests := []struct {
		constraint string
		wantErr    bool
	}{
		{"", false},
		{"^1.0", false},
		{">= 1.0.0, < 2.0.0", false},
		{"^2.0", true},
		{"~0.9", true},
		{"not-a-version", true},
	}
	for _, tc := range tests {
		t.Run(tc.constraint, func(t *testing.T) {
			lib := &fakeLibrary{}
			h, err := Load("libsched.so", Shared, nil, 0, 1, openFake(lib), quiet(), WithABIConstraint(tc.constraint))
			if !tc.wantErr {
				require.NoError(t, err)
				require.NoError(t, h.Close())
				return
			}
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, VersionMismatch, le.Kind)
			assert.Zero(t, lib.initCalls, "the binary is never touched on a version mismatch")
		})
	}
}

func TestHandle_Lifecycle(t *testing.T) {
	// GIVEN a loaded component
	lib := &fakeLibrary{response: []byte(`{"now":0,"events":[]}`)}
	h, err := Load("libsched.so", Isolated, nil, 0, 1, openFake(lib), quiet())
	require.NoError(t, err)

	// WHEN decisions are taken then the handle is closed twice
	resp, err := h.TakeDecisions([]byte(`{"now":0,"events":[]}`))
	require.NoError(t, err)
	assert.Equal(t, lib.response, resp)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	// THEN deinit and unload ran exactly once and later calls fail
	assert.Equal(t, 1, lib.deinitCalls)
	assert.Equal(t, 1, lib.closeCalls)
	_, err = h.TakeDecisions(nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, lib.takeCalls)
}

func TestHandle_DeinitStatusIsReported(t *testing.T) {
	lib := &fakeLibrary{deinitStatus: 7}
	h, err := Load("libsched.so", Isolated, nil, 0, 1, openFake(lib), quiet())
	require.NoError(t, err)

	err = h.Close()
	assert.ErrorIs(t, err, ErrComponentStatus)
	assert.Equal(t, 1, lib.closeCalls, "the library is unloaded even when deinit fails")
}

func TestParseLoadMethod(t *testing.T) {
	for _, s := range []string{"dlmopen", "dlopen", "wasm"} {
		m, err := ParseLoadMethod(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(m))
	}
	_, err := ParseLoadMethod("mmap")
	assert.Error(t, err)
}

func TestLoad_NativeMissingBinary(t *testing.T) {
	if !NativeSupported() {
		t.Skip("native loading is not available in this build")
	}
	path := filepath.Join(t.TempDir(), "libnothing.so")
	_, err := Load(path, Shared, nil, 0, 1, quiet())
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, NotFound, le.Kind)
}

func TestLoad_NativeUnsupportedBuild(t *testing.T) {
	if NativeSupported() {
		t.Skip("native loading is available in this build")
	}
	_, err := Load("libsched.so", Shared, nil, 0, 1, quiet())
	assert.ErrorIs(t, err, ErrNativeUnsupported)
}

func TestLoad_NativeNotAnObject(t *testing.T) {
	if !NativeSupported() {
		t.Skip("native loading is not available in this build")
	}
	path := filepath.Join(t.TempDir(), "libgarbage.so")
	require.NoError(t, os.WriteFile(path, []byte("not an ELF file"), 0o644))
	_, err := Load(path, Shared, nil, 0, 1, quiet())
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, NotFound, le.Kind)
}
