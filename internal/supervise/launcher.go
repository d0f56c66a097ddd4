package supervise

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
)

// LaunchSpec describes one external training process to start. The command
// is executed through a shell with nohup so the process outlives the
// supervisor's request; stdout and stderr go to LogPath.
type LaunchSpec struct {
	Command string
	Dir     string
	LogPath string
	Env     map[string]string
}

// Launcher starts external training processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (int, error)
}

// ExecLauncher launches processes on the local host.
type ExecLauncher struct {
	shell string
}

func NewExecLauncher() (*ExecLauncher, error) {
	shell := "bash"
	if _, err := exec.LookPath(shell); err != nil {
		return nil, fmt.Errorf("shell not found: %w", err)
	}
	return &ExecLauncher{shell: shell}, nil
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (int, error) {
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return 0, errors.New("command is required")
	}
	logPath := strings.TrimSpace(spec.LogPath)
	if logPath == "" {
		return 0, errors.New("log path is required")
	}

	if spec.Dir != "" {
		if err := os.MkdirAll(spec.Dir, 0o755); err != nil {
			return 0, fmt.Errorf("create job dir: %w", err)
		}
	}

	line := fmt.Sprintf("nohup %s 1>%s 2>&1", command, shellQuote(logPath))
	cmd := exec.CommandContext(ctx, l.shell, "-c", line)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), sortedEnv(spec.Env)...)
	// New session so the training process survives supervisor restarts.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start train process: %w", err)
	}
	pid := cmd.Process.Pid

	// Reap in the background to avoid leaving a zombie.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}

func sortedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// processAlive probes a pid with signal 0, the only liveness signal
// available for a detached process that reports progress asynchronously.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
