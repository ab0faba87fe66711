package pyattach

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"
)

// Names of the two entry points resolved inside the target process.
// PyGILState_Ensure doubles as a liveness probe: if it cannot be resolved,
// the interpreter's native layer is not loaded and injection is pointless.
const (
	symbolGILEnsure    = "PyGILState_Ensure"
	symbolAttachAndRun = "AttachAndRunPythonCode"
)

// Startup flags written into the status buffer before the helper runs.
// The helper overwrites the buffer with its return status.
const (
	// ShowDebugInfo asks the helper for verbose debug output.
	ShowDebugInfo int32 = 1

	// ConnectDebugger asks the helper to also attach debugger tracing to the
	// target's threads while it runs the injected code.
	ConnectDebugger int32 = 2
)

// Symbol resolution is the only retryable operation: the helper DLL loads
// asynchronously in the target, so its exports may not be visible on the
// first scan. Three attempts with a module rescan and a 2 second pause in
// between, matching pydevd's attach loop.
const symbolRetryAttempts = 3

var symbolRetryDelay = 2 * time.Second

var (
	// ErrSourceQuote is returned before any foreign-process interaction when
	// the source fragment contains a single quote, which would break the
	// quoting scheme used downstream.
	ErrSourceQuote = errors.New("python code must not contain a single-quote character")

	// ErrArchMismatch is returned when the target's word width differs from
	// the injector's. Generating instructions across widths would hand the
	// target garbage semantics, so this fails before any allocation.
	ErrArchMismatch = errors.New("architecture mismatch")

	// ErrSymbolNotFound is returned after the retry budget for a symbol
	// lookup is exhausted.
	ErrSymbolNotFound = errors.New("symbol not found")
)

// ProcessController is the set of foreign-process primitives the driver
// needs. The production implementation opens a live OS process; tests use
// an in-memory double.
//
// All addresses are in the target's address space. Every allocation made
// through Alloc or InjectCode during a call must be freed before the call
// returns, on success and failure alike.
type ProcessController interface {
	// Pid returns the target's process id.
	Pid() int

	// Is64Bit reports the target's word width.
	Is64Bit() (bool, error)

	// ScanModules refreshes the view of the target's loaded modules.
	ScanModules() error

	// ResolveSymbol looks up an exported symbol in the target's loaded
	// modules. Single attempt; retrying is the driver's concern.
	ResolveSymbol(name string) (uint64, error)

	// InjectLibrary loads the library at path into the target's address
	// space and rescans modules so its exports become resolvable.
	InjectLibrary(path string) error

	// Alloc reserves size bytes of zero-filled memory in the target.
	Alloc(size int) (uint64, error)

	// Free releases memory previously returned by Alloc or InjectCode.
	Free(addr uint64) error

	// WriteBytes copies data into the target at addr.
	WriteBytes(addr uint64, data []byte) error

	// WriteInt writes a little-endian int32 into the target at addr.
	WriteInt(addr uint64, v int32) error

	// ReadInt reads a little-endian int32 from the target at addr.
	ReadInt(addr uint64) (int32, error)

	// InjectCode copies code into executable memory in the target and
	// starts a new thread running it. The returned thread owns no memory;
	// its backing allocation is freed by the caller via Free(thread.Addr()).
	InjectCode(code []byte) (RemoteThread, error)
}

// RemoteThread is a thread started in the target process by InjectCode.
type RemoteThread interface {
	// Addr returns the address of the thread's injected code.
	Addr() uint64

	// Wait blocks until the thread terminates. A zero timeout waits
	// forever; the injected thread cannot be cancelled, only waited on.
	Wait(timeout time.Duration) error
}

// Options configures a single injection call.
type Options struct {
	// ConnectDebuggerTracing sets the ConnectDebugger flag, asking the
	// helper to attach debugger tracing while it runs the code.
	ConnectDebuggerTracing bool

	// ShowDebugInfo sets the verbose-output flag on the helper.
	ShowDebugInfo bool

	// HelperDir is the directory holding attach_amd64.dll/attach_x86.dll.
	// Empty means the current directory.
	HelperDir string

	// Timeout bounds the wait on the injected thread. Zero waits forever.
	Timeout time.Duration

	// GDBPath overrides the gdb binary used on non-Windows platforms.
	GDBPath string
}

// Result is the outcome of an injection call.
type Result struct {
	// Status is the integer the helper wrote into the status buffer
	// (Windows), or 0 when the scripted debugger session succeeded.
	// Non-zero values are interpreter-side failures, surfaced as data
	// rather than as a Go error.
	Status int32

	// Output holds whatever text the external debugger produced on
	// non-Windows platforms. Empty on Windows.
	Output string
}

// Injector runs Python source inside a foreign process. The platform
// strategy is an explicit value: NewInjector probes the host platform once,
// and callers who need a different strategy construct one directly.
type Injector interface {
	RunPythonCode(pid int, code string, opts Options) (*Result, error)
}

// RunPythonCode executes code inside the Python process pid using the
// default strategy for the host platform. Multiple statements can be joined
// with ";". The code must not contain a single-quote character.
func RunPythonCode(pid int, code string, opts Options) (*Result, error) {
	return NewInjector().RunPythonCode(pid, code, opts)
}

// helperLibraryName returns the file name of the helper DLL providing
// AttachAndRunPythonCode for the given target width.
func helperLibraryName(is64 bool) string {
	if is64 {
		return "attach_amd64.dll"
	}
	return "attach_x86.dll"
}

// resolveSymbolRetry resolves name in the target, retrying up to
// symbolRetryAttempts times. Between attempts it forces a module rescan
// (the target may still be loading the helper) and sleeps. Transient
// failures are swallowed; the final attempt's error propagates.
func resolveSymbolRetry(ctrl ProcessController, name string) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < symbolRetryAttempts; attempt++ {
		if attempt > 0 {
			if err := ctrl.ScanModules(); err != nil {
				log.Printf("module rescan failed: %v", err)
			}
			time.Sleep(symbolRetryDelay)
		}
		addr, err := ctrl.ResolveSymbol(name)
		if err == nil && addr != 0 {
			return addr, nil
		}
		if err == nil {
			err = fmt.Errorf("resolved to null address")
		}
		lastErr = err
	}
	return 0, fmt.Errorf("%w: %s in process %d: %v", ErrSymbolNotFound, name, ctrl.Pid(), lastErr)
}

// runWithController is the driver: it performs one complete injection call
// against an already-open controller. Steps, in order: precondition check,
// architecture check, interpreter liveness probe, helper injection, entry
// resolution, buffer setup, trampoline injection, wait, status readback,
// cleanup.
func runWithController(ctrl ProcessController, code string, opts Options) (int32, error) {
	if strings.Contains(code, "'") {
		return -1, ErrSourceQuote
	}

	is64, err := ctrl.Is64Bit()
	if err != nil {
		return -1, fmt.Errorf("cannot determine word width of process %d: %w", ctrl.Pid(), err)
	}
	hostIs64 := HostArch() == Arch64
	if is64 != hostIs64 {
		return -1, fmt.Errorf("%w: target 64-bit: %v, injector 64-bit: %v",
			ErrArchMismatch, is64, hostIs64)
	}
	arch := Arch32
	if is64 {
		arch = Arch64
	}

	// Liveness probe: the interpreter's native layer must be resolvable
	// before anything is written into the target.
	if _, err := resolveSymbolRetry(ctrl, symbolGILEnsure); err != nil {
		return -1, err
	}

	// Load the helper DLL unless an earlier call already left it in the
	// target. The helper is deliberately never unloaded; later calls reuse
	// its entry point.
	if _, err := ctrl.ResolveSymbol(symbolAttachAndRun); err != nil {
		helper := filepath.Join(opts.HelperDir, helperLibraryName(is64))
		if err := ctrl.InjectLibrary(helper); err != nil {
			return -1, fmt.Errorf("injecting helper library: %w", err)
		}
	}
	entry, err := resolveSymbolRetry(ctrl, symbolAttachAndRun)
	if err != nil {
		return -1, err
	}

	// Every allocation from here on is released before returning, on every
	// path, so repeated failed attempts never leak memory in the target.
	var allocs []uint64
	defer func() {
		for i := len(allocs) - 1; i >= 0; i-- {
			if err := ctrl.Free(allocs[i]); err != nil {
				log.Printf("freeing %#x in process %d: %v", allocs[i], ctrl.Pid(), err)
			}
		}
	}()

	// One extra byte keeps the source NUL-terminated; Alloc zero-fills.
	codeAddr, err := ctrl.Alloc(len(code) + 1)
	if err != nil {
		return -1, fmt.Errorf("allocating code buffer: %w", err)
	}
	allocs = append(allocs, codeAddr)
	if err := ctrl.WriteBytes(codeAddr, []byte(code)); err != nil {
		return -1, fmt.Errorf("writing code buffer: %w", err)
	}

	statusAddr, err := ctrl.Alloc(4)
	if err != nil {
		return -1, fmt.Errorf("allocating status buffer: %w", err)
	}
	allocs = append(allocs, statusAddr)

	var flags int32
	if opts.ShowDebugInfo {
		flags |= ShowDebugInfo
	}
	if opts.ConnectDebuggerTracing {
		flags |= ConnectDebugger
	}
	if err := ctrl.WriteInt(statusAddr, flags); err != nil {
		return -1, fmt.Errorf("writing startup flags: %w", err)
	}

	trampoline, err := BuildTrampoline(arch, codeAddr, statusAddr, entry)
	if err != nil {
		return -1, fmt.Errorf("building trampoline: %w", err)
	}

	// All writes above complete before the thread starts; the status buffer
	// is only read back after the thread has terminated.
	thread, err := ctrl.InjectCode(trampoline)
	if err != nil {
		return -1, fmt.Errorf("injecting trampoline: %w", err)
	}
	allocs = append(allocs, thread.Addr())

	if err := thread.Wait(opts.Timeout); err != nil {
		return -1, fmt.Errorf("waiting for injected thread: %w", err)
	}

	status, err := ctrl.ReadInt(statusAddr)
	if err != nil {
		return -1, fmt.Errorf("reading status buffer: %w", err)
	}
	return status, nil
}
