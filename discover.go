package pyattach

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// TargetInfo describes a candidate target process.
type TargetInfo struct {
	// Pid is the process id.
	Pid int

	// Name is the short process name (e.g. "python3.12").
	Name string

	// Exe is the path to the executable, when readable.
	Exe string

	// Cmdline is the full command line, when readable.
	Cmdline string
}

// IsPython reports whether the process looks like a CPython interpreter,
// judged by its name or executable path.
func (t *TargetInfo) IsPython() bool {
	return looksLikePython(t.Name) || looksLikePython(t.Exe)
}

func looksLikePython(s string) bool {
	return strings.Contains(strings.ToLower(s), "python")
}

// DescribeProcess returns information about pid, or an error if no such
// process is running. Useful as a pre-flight check before injecting.
func DescribeProcess(pid int) (*TargetInfo, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("no running process with pid %d: %w", pid, err)
	}
	return describe(proc), nil
}

// FindPythonProcesses lists the running processes that look like CPython
// interpreters. Name and command line may be empty for processes the
// current user cannot inspect.
func FindPythonProcesses() ([]TargetInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	var found []TargetInfo
	for _, proc := range procs {
		info := describe(proc)
		if info.IsPython() {
			found = append(found, *info)
		}
	}
	return found, nil
}

func describe(proc *process.Process) *TargetInfo {
	info := &TargetInfo{Pid: int(proc.Pid)}
	// Best effort: any of these can fail for processes owned by other users.
	if name, err := proc.Name(); err == nil {
		info.Name = name
	}
	if exe, err := proc.Exe(); err == nil {
		info.Exe = exe
	}
	if cmdline, err := proc.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	return info
}
