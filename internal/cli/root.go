// Package cli implements the pyattach command-line interface.
package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/richinsley/pyattach"
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var (
		tracing   bool
		debugInfo bool
		helperDir string
		timeout   time.Duration
		gdbPath   string
	)

	cmd := &cobra.Command{
		Use:   "pyattach <pid> <code>...",
		Short: "Run Python code inside an already-running Python process",
		Long: `pyattach injects Python source code into a running, unmodified CPython
process and evaluates it under the interpreter's GIL. Multiple code
fragments are joined with ";" before execution.

The code must not contain a single-quote character.`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q: %w", args[0], err)
			}
			code := strings.Join(args[1:], ";")

			if info, err := pyattach.DescribeProcess(pid); err != nil {
				return err
			} else if !info.IsPython() && info.Name != "" {
				fmt.Fprintf(cmd.ErrOrStderr(),
					"Warning: process %d (%s) does not look like a Python interpreter\n",
					pid, info.Name)
			}

			result, err := pyattach.RunPythonCode(pid, code, pyattach.Options{
				ConnectDebuggerTracing: tracing,
				ShowDebugInfo:          debugInfo,
				HelperDir:              helperDir,
				Timeout:                timeout,
				GDBPath:                gdbPath,
			})
			if err != nil {
				return err
			}
			if result.Output != "" {
				fmt.Fprint(cmd.OutOrStdout(), result.Output)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Status: %d\n", result.Status)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&tracing, "tracing", false,
		"ask the helper to also attach debugger tracing")
	cmd.PersistentFlags().BoolVar(&debugInfo, "show-debug-info", false,
		"ask the helper for verbose debug output")
	cmd.PersistentFlags().StringVar(&helperDir, "helper-dir", "",
		"directory holding attach_amd64.dll / attach_x86.dll (Windows)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 0,
		"bound the wait on the injected thread (0 = wait forever)")
	cmd.PersistentFlags().StringVar(&gdbPath, "gdb", "",
		"gdb binary to use on non-Windows platforms")

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newTestCmd(&helperDir, &gdbPath))
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List running Python processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			procs, err := pyattach.FindPythonProcesses()
			if err != nil {
				return err
			}
			if len(procs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No Python processes found.")
				return nil
			}
			for _, proc := range procs {
				line := proc.Cmdline
				if line == "" {
					line = proc.Name
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%8d  %s\n", proc.Pid, line)
			}
			return nil
		},
	}
}
