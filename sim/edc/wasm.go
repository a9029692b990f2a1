package edc

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WebAssembly components export the three entry points with i32 pointers
// into their linear memory, plus an allocator used by the host to place
// request bytes and the two response out-parameters. Buffers obtained from
// the allocator belong to the component again once the call that received
// them returns.
const (
	SymbolAlloc  = "batsim_edc_alloc"
	wasmMemory   = "memory"
	outParamSize = 8
)

// wasmLibrary runs one component in a private wazero runtime, so its memory
// and globals are never shared with another component.
type wasmLibrary struct {
	ctx     context.Context
	runtime wazero.Runtime
	mod     api.Module
	fns     map[string]api.Function
	mem     api.Memory
}

func openWasm(path string) (Library, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return newWasmLibrary(context.Background(), code)
}

func newWasmLibrary(ctx context.Context, code []byte) (*wasmLibrary, error) {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compiling module: %w", closeRuntime(ctx, r, err))
	}
	// No filesystem, environment or clock access beyond wazero's defaults.
	cfg := wazero.NewModuleConfig().
		WithStartFunctions("_initialize").
		WithStderr(os.Stderr)
	mod, err := r.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiating module: %w", closeRuntime(ctx, r, err))
	}
	return &wasmLibrary{ctx: ctx, runtime: r, mod: mod, fns: map[string]api.Function{}}, nil
}

func closeRuntime(ctx context.Context, r wazero.Runtime, err error) error {
	if cerr := r.Close(ctx); cerr != nil {
		return fmt.Errorf("%w (closing runtime: %v)", err, cerr)
	}
	return err
}

// ExtraSymbols lists the exports the host needs to exchange buffers.
func (l *wasmLibrary) ExtraSymbols() []string {
	return []string{SymbolAlloc, wasmMemory}
}

func (l *wasmLibrary) Lookup(symbol string) error {
	if symbol == wasmMemory {
		if l.mem = l.mod.ExportedMemory(wasmMemory); l.mem == nil {
			return fmt.Errorf("module does not export %q", wasmMemory)
		}
		return nil
	}
	fn := l.mod.ExportedFunction(symbol)
	if fn == nil {
		return fmt.Errorf("module does not export function %q", symbol)
	}
	l.fns[symbol] = fn
	return nil
}

func (l *wasmLibrary) call(symbol string, params ...uint64) (uint64, error) {
	res, err := l.fns[symbol].Call(l.ctx, params...)
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("%s returned %d values, want 1", symbol, len(res))
	}
	return res[0], nil
}

func (l *wasmLibrary) alloc(size uint32) (uint32, error) {
	ptr, err := l.call(SymbolAlloc, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("%s(%d): %w", SymbolAlloc, size, err)
	}
	return uint32(ptr), nil
}

// place copies b into component memory and returns its address.
func (l *wasmLibrary) place(b []byte) (uint32, uint32, error) {
	if len(b) == 0 {
		return 0, 0, nil
	}
	if uint64(len(b)) > math.MaxUint32 {
		return 0, 0, fmt.Errorf("buffer of %d bytes does not fit a 32-bit address space", len(b))
	}
	ptr, err := l.alloc(uint32(len(b)))
	if err != nil {
		return 0, 0, err
	}
	if !l.mem.Write(ptr, b) {
		return 0, 0, fmt.Errorf("%s returned out-of-range buffer %#x", SymbolAlloc, ptr)
	}
	return ptr, uint32(len(b)), nil
}

func (l *wasmLibrary) Init(payload []byte, index, count uint8) (uint8, error) {
	ptr, size, err := l.place(payload)
	if err != nil {
		return 0, err
	}
	status, err := l.call(SymbolInit, uint64(ptr), uint64(size), uint64(index), uint64(count))
	return uint8(status), err
}

func (l *wasmLibrary) Deinit() (uint8, error) {
	status, err := l.call(SymbolDeinit)
	return uint8(status), err
}

func (l *wasmLibrary) TakeDecisions(request []byte) (uint8, []byte, error) {
	reqPtr, reqSize, err := l.place(request)
	if err != nil {
		return 0, nil, err
	}
	out, err := l.alloc(outParamSize)
	if err != nil {
		return 0, nil, err
	}
	if !l.mem.Write(out, make([]byte, outParamSize)) {
		return 0, nil, fmt.Errorf("%s returned out-of-range buffer %#x", SymbolAlloc, out)
	}
	status, err := l.call(SymbolTakeDecisions, uint64(reqPtr), uint64(reqSize), uint64(out), uint64(out+4))
	if err != nil || status != 0 {
		return uint8(status), nil, err
	}

	respPtr, ok1 := l.mem.ReadUint32Le(out)
	respSize, ok2 := l.mem.ReadUint32Le(out + 4)
	if !ok1 || !ok2 {
		return 0, nil, fmt.Errorf("response out-parameters at %#x are out of range", out)
	}
	if respSize == 0 {
		return 0, nil, nil
	}
	resp, ok := l.mem.Read(respPtr, respSize)
	if !ok {
		return 0, nil, fmt.Errorf("response buffer [%#x, +%d) is out of range", respPtr, respSize)
	}
	// Read returns a view of linear memory.
	return 0, bytes.Clone(resp), nil
}

func (l *wasmLibrary) Close() error {
	return l.runtime.Close(l.ctx)
}
