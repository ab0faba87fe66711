// Package pyattach injects Python source code into an already-running,
// unmodified CPython process and has the interpreter evaluate it under its
// GIL. Its primary use is attaching a debugger (or any instrumentation) to
// a process that was started without debug hooks.
//
// # How it works
//
// On Windows, pyattach generates a small machine-code trampoline matched to
// the target's word width and calling convention, allocates memory in the
// target with VirtualAllocEx, writes the source code and a status buffer
// there, loads a helper DLL exposing AttachAndRunPythonCode into the
// target, and runs the trampoline on a new remote thread. The trampoline
// preserves the callee-saved registers, hands the two buffer addresses to
// the helper per the active calling convention, and returns the helper's
// status through the status buffer:
//
//	result, err := pyattach.RunPythonCode(pid, `print("It worked!")`, pyattach.Options{})
//
// On other platforms the same effect is produced by scripting a batch gdb
// session against the target: call PyGILState_Ensure, evaluate the source
// with PyRun_SimpleString, call PyGILState_Release.
//
// # Constraints
//
//   - The injector's word width must match the target's; a 64-bit pyattach
//     cannot inject into a 32-bit Python or vice versa.
//   - The source fragment must not contain a single-quote character.
//   - Callers must serialize calls against the same target; the package
//     performs no locking of its own.
//
// # Helper binaries
//
// The Windows strategy needs attach_amd64.dll or attach_x86.dll (the pydevd
// attach helpers) next to the injector or in Options.HelperDir. The helper
// is loaded into the target once and deliberately left there, so repeated
// injections reuse it.
package pyattach
