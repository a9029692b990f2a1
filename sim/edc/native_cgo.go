//go:build cgo && (linux || darwin || freebsd)

package edc

/*
#cgo linux LDFLAGS: -ldl
#ifndef _GNU_SOURCE
#define _GNU_SOURCE
#endif
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

typedef uint8_t (*edc_init_fn)(const uint8_t *, uint32_t, uint8_t, uint8_t);
typedef uint8_t (*edc_deinit_fn)(void);
typedef uint8_t (*edc_take_decisions_fn)(const uint8_t *, uint32_t, uint8_t **, uint32_t *);

static int edc_isolation_supported(void) {
#ifdef LM_ID_NEWLM
	return 1;
#else
	return 0;
#endif
}

static int edc_flags(void) {
	int flags = RTLD_NOW | RTLD_LOCAL;
#ifdef RTLD_DEEPBIND
	flags |= RTLD_DEEPBIND;
#endif
	return flags;
}

static void *edc_open(const char *path, int isolated) {
	if (isolated) {
#ifdef LM_ID_NEWLM
		return dlmopen(LM_ID_NEWLM, path, edc_flags());
#else
		return NULL;
#endif
	}
	return dlopen(path, edc_flags());
}

static const char *edc_error(void) {
	const char *e = dlerror();
	return e ? e : "unknown dynamic loader error";
}

static uint8_t edc_call_init(void *fn, const uint8_t *data, uint32_t size, uint8_t index, uint8_t count) {
	return ((edc_init_fn)fn)(data, size, index, count);
}

static uint8_t edc_call_deinit(void *fn) {
	return ((edc_deinit_fn)fn)();
}

static uint8_t edc_call_take_decisions(void *fn, const uint8_t *req, uint32_t size, uint8_t **resp, uint32_t *resp_size) {
	return ((edc_take_decisions_fn)fn)(req, size, resp, resp_size);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

// NativeSupported reports whether this build can load native components.
func NativeSupported() bool { return true }

// IsolationSupported reports whether the Isolated load method is available.
func IsolationSupported() bool { return C.edc_isolation_supported() != 0 }

type nativeLibrary struct {
	path    string
	handle  unsafe.Pointer
	symbols map[string]unsafe.Pointer
}

func openNative(path string, method LoadMethod) (Library, error) {
	isolated := C.int(0)
	if method == Isolated {
		if !IsolationSupported() {
			return nil, ErrIsolationUnsupported
		}
		isolated = 1
	}
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	C.dlerror()
	handle := C.edc_open(cpath, isolated)
	if handle == nil {
		return nil, errors.New(C.GoString(C.edc_error()))
	}
	return &nativeLibrary{path: path, handle: handle, symbols: map[string]unsafe.Pointer{}}, nil
}

func (l *nativeLibrary) Lookup(symbol string) error {
	csym := C.CString(symbol)
	defer C.free(unsafe.Pointer(csym))

	C.dlerror()
	fn := C.dlsym(l.handle, csym)
	if fn == nil {
		return errors.New(C.GoString(C.edc_error()))
	}
	l.symbols[symbol] = fn
	return nil
}

// cBytes copies b into C memory. The caller frees the returned pointer,
// which is nil for an empty b.
func cBytes(b []byte) (*C.uint8_t, C.uint32_t, error) {
	if uint64(len(b)) > math.MaxUint32 {
		return nil, 0, fmt.Errorf("buffer of %d bytes exceeds the 32-bit size limit", len(b))
	}
	if len(b) == 0 {
		return nil, 0, nil
	}
	return (*C.uint8_t)(C.CBytes(b)), C.uint32_t(len(b)), nil
}

func (l *nativeLibrary) Init(payload []byte, index, count uint8) (uint8, error) {
	data, size, err := cBytes(payload)
	if err != nil {
		return 0, err
	}
	defer C.free(unsafe.Pointer(data))
	return uint8(C.edc_call_init(l.symbols[SymbolInit], data, size, C.uint8_t(index), C.uint8_t(count))), nil
}

func (l *nativeLibrary) Deinit() (uint8, error) {
	return uint8(C.edc_call_deinit(l.symbols[SymbolDeinit])), nil
}

func (l *nativeLibrary) TakeDecisions(request []byte) (uint8, []byte, error) {
	data, size, err := cBytes(request)
	if err != nil {
		return 0, nil, err
	}
	defer C.free(unsafe.Pointer(data))

	var resp *C.uint8_t
	var respSize C.uint32_t
	status := uint8(C.edc_call_take_decisions(l.symbols[SymbolTakeDecisions], data, size, &resp, &respSize))
	if status != 0 {
		return status, nil, nil
	}
	if respSize == 0 {
		return status, nil, nil
	}
	if resp == nil {
		return status, nil, fmt.Errorf("null response buffer with size %d", uint32(respSize))
	}
	if uint64(respSize) > math.MaxInt32 {
		return status, nil, fmt.Errorf("response of %d bytes is too large", uint32(respSize))
	}
	return status, C.GoBytes(unsafe.Pointer(resp), C.int(respSize)), nil
}

func (l *nativeLibrary) Close() error {
	C.dlerror()
	if C.dlclose(l.handle) != 0 {
		return fmt.Errorf("unloading %q: %s", l.path, C.GoString(C.edc_error()))
	}
	return nil
}
