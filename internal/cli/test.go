package cli

import (
	"bufio"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/richinsley/pyattach"
)

// targetScript keeps a child interpreter alive so there is something to
// inject into. It prints its pid first so the output is easy to follow.
const targetScript = `
import os, time, sys
print(os.getpid())
while True:
    time.sleep(.5)
    sys.stdout.write('.\n')
    sys.stdout.flush()
`

func newTestCmd(helperDir, gdbPath *string) *cobra.Command {
	var python string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Spawn a Python child and inject a test print into it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			child := exec.Command(python, "-u", "-c", targetScript)
			stdout, err := child.StdoutPipe()
			if err != nil {
				return err
			}
			if err := child.Start(); err != nil {
				return fmt.Errorf("starting %s: %w", python, err)
			}
			defer child.Process.Kill()

			fmt.Fprintf(cmd.OutOrStdout(), "Target pid: %d\n", child.Process.Pid)

			// Echo the child's output so the injected print is visible.
			go func() {
				scanner := bufio.NewScanner(stdout)
				for scanner.Scan() {
					fmt.Fprintln(cmd.OutOrStdout(), "target:", scanner.Text())
				}
			}()

			// Give the interpreter a moment to finish booting.
			time.Sleep(time.Second)

			result, err := pyattach.RunPythonCode(child.Process.Pid,
				`print("It worked!")`, pyattach.Options{
					HelperDir: *helperDir,
					GDBPath:   *gdbPath,
				})
			if err != nil {
				return err
			}
			if result.Output != "" {
				fmt.Fprint(cmd.OutOrStdout(), result.Output)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Status: %d\n", result.Status)

			// Leave the child running briefly so the injected output lands.
			time.Sleep(3 * time.Second)
			return nil
		},
	}

	cmd.Flags().StringVar(&python, "python", "python3", "python executable to spawn")
	return cmd
}
