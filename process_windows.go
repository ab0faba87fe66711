//go:build windows
// +build windows

package pyattach

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// VirtualAllocEx, VirtualFreeEx and CreateRemoteThread are not wrapped by
// x/sys/windows, so they are reached through the lazy DLL mechanism.
var (
	modKernel32            = windows.NewLazySystemDLL("kernel32.dll")
	procVirtualAllocEx     = modKernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx      = modKernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread = modKernel32.NewProc("CreateRemoteThread")
	procLoadLibraryW       = modKernel32.NewProc("LoadLibraryW")
)

// NewInjector returns the remote-thread strategy used on Windows: a
// trampoline is written into the target and run as a new thread there.
func NewInjector() Injector {
	return &remoteThreadInjector{}
}

type remoteThreadInjector struct{}

// RunPythonCode opens the target process, performs one injection call and
// closes the process again. See runWithController for the step sequence.
func (inj *remoteThreadInjector) RunPythonCode(pid int, code string, opts Options) (*Result, error) {
	// Checked before the process is even opened; a bad fragment must have
	// zero effect on the target.
	if strings.Contains(code, "'") {
		return nil, ErrSourceQuote
	}

	ctrl, err := openProcessController(pid)
	if err != nil {
		return nil, err
	}
	defer ctrl.Close()

	status, err := runWithController(ctrl, code, opts)
	if err != nil {
		return nil, err
	}
	return &Result{Status: status}, nil
}

// remoteModule is one module loaded in the target process.
type remoteModule struct {
	base uint64
	path string
}

// windowsController implements ProcessController against a live process
// using the Windows debugging primitives.
type windowsController struct {
	pid     int
	handle  windows.Handle
	modules []remoteModule
}

// openProcessController opens pid with full access.
func openProcessController(pid int) (*windowsController, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_ALL_ACCESS, false, uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("opening process %d: %w", pid, err)
	}
	return &windowsController{pid: pid, handle: handle}, nil
}

// Close releases the process handle.
func (c *windowsController) Close() error {
	if c.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(c.handle)
	c.handle = 0
	return err
}

func (c *windowsController) Pid() int {
	return c.pid
}

// Is64Bit reports the target's word width. A WOW64 process is a 32-bit
// process on a 64-bit OS; a non-WOW64 process has the OS's native width.
func (c *windowsController) Is64Bit() (bool, error) {
	var targetWow64 bool
	if err := windows.IsWow64Process(c.handle, &targetWow64); err != nil {
		return false, err
	}
	if targetWow64 {
		return false, nil
	}
	var selfWow64 bool
	if err := windows.IsWow64Process(windows.CurrentProcess(), &selfWow64); err != nil {
		return false, err
	}
	// The OS is 64-bit if we are a 64-bit process or a WOW64 one.
	return HostArch() == Arch64 || selfWow64, nil
}

// ScanModules re-enumerates the modules loaded in the target. Called again
// between symbol-resolution retries because the helper DLL loads
// asynchronously.
func (c *windowsController) ScanModules() error {
	var needed uint32
	handleSize := uint32(unsafe.Sizeof(windows.Handle(0)))
	if err := windows.EnumProcessModulesEx(c.handle, nil, 0, &needed, windows.LIST_MODULES_ALL); err != nil {
		return fmt.Errorf("enumerating modules of process %d: %w", c.pid, err)
	}
	mods := make([]windows.Handle, needed/handleSize)
	if len(mods) == 0 {
		c.modules = nil
		return nil
	}
	if err := windows.EnumProcessModulesEx(c.handle, &mods[0], needed, &needed, windows.LIST_MODULES_ALL); err != nil {
		return fmt.Errorf("enumerating modules of process %d: %w", c.pid, err)
	}
	mods = mods[:needed/handleSize]

	modules := make([]remoteModule, 0, len(mods))
	var buf [windows.MAX_PATH]uint16
	for _, mod := range mods {
		if err := windows.GetModuleFileNameEx(c.handle, mod, &buf[0], uint32(len(buf))); err != nil {
			continue
		}
		modules = append(modules, remoteModule{
			base: uint64(uintptr(mod)),
			path: windows.UTF16ToString(buf[:]),
		})
	}
	c.modules = modules
	return nil
}

// ResolveSymbol finds an export in the target's modules. Each candidate
// module is loaded locally without running its initializers, the export is
// located with GetProcAddress, and its offset is rebased onto the module's
// base address in the target.
func (c *windowsController) ResolveSymbol(name string) (uint64, error) {
	if c.modules == nil {
		if err := c.ScanModules(); err != nil {
			return 0, err
		}
	}
	for _, mod := range c.modules {
		local, err := windows.LoadLibraryEx(mod.path, 0, windows.DONT_RESOLVE_DLL_REFERENCES)
		if err != nil {
			continue
		}
		proc, err := windows.GetProcAddress(local, name)
		windows.FreeLibrary(local)
		if err != nil || proc == 0 {
			continue
		}
		offset := uint64(proc) - uint64(uintptr(local))
		return mod.base + offset, nil
	}
	return 0, fmt.Errorf("%s not exported by any module of process %d", name, c.pid)
}

// InjectLibrary loads the library at path into the target by running
// LoadLibraryW there on a remote thread. kernel32 is mapped at the same
// base in every process of the same width, so our local LoadLibraryW
// address is valid in the target. The library stays loaded; only the
// remote path buffer is released.
func (c *windowsController) InjectLibrary(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("could not find library to inject: %s", abs)
	}

	wide, err := windows.UTF16FromString(abs)
	if err != nil {
		return err
	}
	raw := make([]byte, len(wide)*2)
	for i, u := range wide {
		binary.LittleEndian.PutUint16(raw[i*2:], u)
	}

	pathAddr, err := c.Alloc(len(raw))
	if err != nil {
		return err
	}
	defer c.Free(pathAddr)

	if err := c.WriteBytes(pathAddr, raw); err != nil {
		return err
	}

	loadLibrary := procLoadLibraryW.Addr()
	thread, err := c.createRemoteThread(uint64(loadLibrary), pathAddr)
	if err != nil {
		return fmt.Errorf("starting LoadLibraryW in process %d: %w", c.pid, err)
	}
	if err := thread.Wait(0); err != nil {
		return err
	}
	return c.ScanModules()
}

// Alloc commits size bytes of zero-filled read-write memory in the target.
func (c *windowsController) Alloc(size int) (uint64, error) {
	return c.allocProtected(size, windows.PAGE_READWRITE)
}

func (c *windowsController) allocProtected(size int, protect uint32) (uint64, error) {
	addr, _, errno := procVirtualAllocEx.Call(
		uintptr(c.handle),
		0,
		uintptr(size),
		uintptr(windows.MEM_COMMIT|windows.MEM_RESERVE),
		uintptr(protect),
	)
	if addr == 0 {
		return 0, fmt.Errorf("VirtualAllocEx(%d bytes) in process %d: %w", size, c.pid, errno)
	}
	return uint64(addr), nil
}

// Free releases a region allocated by Alloc or InjectCode.
func (c *windowsController) Free(addr uint64) error {
	ok, _, errno := procVirtualFreeEx.Call(
		uintptr(c.handle),
		uintptr(addr),
		0,
		uintptr(windows.MEM_RELEASE),
	)
	if ok == 0 {
		return fmt.Errorf("VirtualFreeEx(%#x) in process %d: %w", addr, c.pid, errno)
	}
	return nil
}

// WriteBytes copies data into the target at addr.
func (c *windowsController) WriteBytes(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var written uintptr
	err := windows.WriteProcessMemory(c.handle, uintptr(addr), &data[0], uintptr(len(data)), &written)
	if err != nil {
		return fmt.Errorf("writing %d bytes at %#x in process %d: %w", len(data), addr, c.pid, err)
	}
	if written != uintptr(len(data)) {
		return fmt.Errorf("short write at %#x in process %d: %d of %d bytes", addr, c.pid, written, len(data))
	}
	return nil
}

// WriteInt writes a little-endian int32 at addr.
func (c *windowsController) WriteInt(addr uint64, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return c.WriteBytes(addr, buf[:])
}

// ReadInt reads a little-endian int32 from addr.
func (c *windowsController) ReadInt(addr uint64) (int32, error) {
	var buf [4]byte
	var read uintptr
	err := windows.ReadProcessMemory(c.handle, uintptr(addr), &buf[0], uintptr(len(buf)), &read)
	if err != nil {
		return 0, fmt.Errorf("reading int at %#x in process %d: %w", addr, c.pid, err)
	}
	if read != uintptr(len(buf)) {
		return 0, fmt.Errorf("short read at %#x in process %d", addr, c.pid)
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// InjectCode copies code into executable memory in the target and starts a
// thread at its first byte. The backing allocation is the caller's to free
// once the thread has been waited on.
func (c *windowsController) InjectCode(code []byte) (RemoteThread, error) {
	addr, err := c.allocProtected(len(code), windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, err
	}
	if err := c.WriteBytes(addr, code); err != nil {
		c.Free(addr)
		return nil, err
	}
	thread, err := c.createRemoteThread(addr, 0)
	if err != nil {
		c.Free(addr)
		return nil, fmt.Errorf("starting injected thread in process %d: %w", c.pid, err)
	}
	return thread, nil
}

func (c *windowsController) createRemoteThread(startAddr, param uint64) (*windowsRemoteThread, error) {
	handle, _, errno := procCreateRemoteThread.Call(
		uintptr(c.handle),
		0,
		0,
		uintptr(startAddr),
		uintptr(param),
		0,
		0,
	)
	if handle == 0 {
		return nil, errno
	}
	return &windowsRemoteThread{addr: startAddr, handle: windows.Handle(handle)}, nil
}

// windowsRemoteThread is a thread created in the target process.
type windowsRemoteThread struct {
	addr   uint64
	handle windows.Handle
}

func (t *windowsRemoteThread) Addr() uint64 {
	return t.addr
}

// Wait blocks until the thread exits. A zero timeout waits forever. The
// thread handle is released once the wait finishes.
func (t *windowsRemoteThread) Wait(timeout time.Duration) error {
	millis := uint32(windows.INFINITE)
	if timeout > 0 {
		millis = uint32(timeout.Milliseconds())
	}
	event, err := windows.WaitForSingleObject(t.handle, millis)
	windows.CloseHandle(t.handle)
	if err != nil {
		return err
	}
	if event == uint32(windows.WAIT_TIMEOUT) {
		return fmt.Errorf("injected thread did not finish within %v", timeout)
	}
	if event != windows.WAIT_OBJECT_0 {
		return fmt.Errorf("unexpected wait result %#x for injected thread", event)
	}
	return nil
}
