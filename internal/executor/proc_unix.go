//go:build unix

package executor

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

// exitStatus returns the exit code and, when the process died from a signal,
// the signal name. A signalled process reports exit code 128+signo.
func exitStatus(ps *os.ProcessState) (int, string) {
	if ps == nil {
		return -1, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return 128 + int(sig), sig.String()
	}
	return ps.ExitCode(), ""
}

// peakMemoryKB extracts peak RSS in KB. Darwin reports Maxrss in bytes, Linux in KB.
func peakMemoryKB(ps *os.ProcessState) int64 {
	if ps == nil {
		return 0
	}
	rusage, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok || rusage == nil {
		return 0
	}
	if runtime.GOOS == "darwin" {
		return int64(rusage.Maxrss) / 1024
	}
	return int64(rusage.Maxrss)
}
