package pyattach

import (
	"os"
	"testing"
)

func TestDescribeProcessSelf(t *testing.T) {
	info, err := DescribeProcess(os.Getpid())
	if err != nil {
		t.Fatalf("DescribeProcess(self) failed: %v", err)
	}
	if info.Pid != os.Getpid() {
		t.Errorf("Expected pid %d, got %d", os.Getpid(), info.Pid)
	}
}

func TestDescribeProcessMissing(t *testing.T) {
	if _, err := DescribeProcess(-1); err == nil {
		t.Error("Expected an error for a nonexistent process")
	}
}

func TestTargetInfoIsPython(t *testing.T) {
	cases := []struct {
		info     TargetInfo
		expected bool
	}{
		{TargetInfo{Name: "python3.12"}, true},
		{TargetInfo{Name: "Python"}, true},
		{TargetInfo{Exe: "/usr/bin/python3"}, true},
		{TargetInfo{Name: "bash"}, false},
		{TargetInfo{}, false},
	}
	for _, tc := range cases {
		if got := tc.info.IsPython(); got != tc.expected {
			t.Errorf("IsPython(%+v): expected %v, got %v", tc.info, tc.expected, got)
		}
	}
}

func TestFindPythonProcesses(t *testing.T) {
	procs, err := FindPythonProcesses()
	if err != nil {
		t.Fatalf("FindPythonProcesses failed: %v", err)
	}
	for _, proc := range procs {
		if !proc.IsPython() {
			t.Errorf("Non-Python process %d (%s) in results", proc.Pid, proc.Name)
		}
	}
}
