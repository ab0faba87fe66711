//go:build !windows
// +build !windows

package pyattach

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// NewInjector returns the strategy used on non-Windows platforms: a batch
// gdb session attached to the target that acquires the GIL, evaluates the
// source with PyRun_SimpleString, and releases the GIL again.
//
// Note that ptrace may be restricted (see /etc/sysctl.d/10-ptrace.conf);
// attaching can require the same user as the target, or root.
func NewInjector() Injector {
	return &gdbInjector{}
}

type gdbInjector struct{}

// RunPythonCode attaches gdb to pid and evaluates code under the GIL.
// Whatever gdb prints is returned in Result.Output; a non-zero gdb exit is
// surfaced in Result.Status rather than as an error.
func (inj *gdbInjector) RunPythonCode(pid int, code string, opts Options) (*Result, error) {
	if strings.Contains(code, "'") {
		return nil, ErrSourceQuote
	}

	gdb := opts.GDBPath
	if gdb == "" {
		gdb = "gdb"
	}

	cmd := exec.Command(gdb, gdbEvalArgs(pid, code)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Result{Status: int32(exitErr.ExitCode()), Output: string(output)}, nil
		}
		return nil, fmt.Errorf("running %s: %w", gdb, err)
	}
	return &Result{Output: string(output)}, nil
}

// gdbEvalArgs builds the batch command sequence. The source is embedded in
// a double-quoted C string handed to PyRun_SimpleString, which is why a
// single quote in the code is rejected up front and newlines are stripped.
func gdbEvalArgs(pid int, code string) []string {
	code = strings.NewReplacer("\r\n", "", "\r", "", "\n", "").Replace(code)
	return []string{
		"-p", strconv.Itoa(pid),
		"-batch",
		"-eval-command=call PyGILState_Ensure()",
		fmt.Sprintf(`-eval-command=call PyRun_SimpleString("%s")`, code),
		"-eval-command=call PyGILState_Release($1)",
	}
}
