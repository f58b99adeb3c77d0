package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Process is a spawned replacement process.
type Process interface {
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	Signal(sig os.Signal) error
	Pid() int
}

// Spawner starts the replacement process with env added to the inherited
// environment.
type Spawner interface {
	Spawn(ctx context.Context, env []string) (Process, error)
}

// ExecSpawner re-executes a binary with inherited standard I/O.
type ExecSpawner struct {
	Path string
	Args []string
}

// SelfSpawner re-executes the running binary with the same arguments.
func SelfSpawner() (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{Path: path, Args: os.Args[1:]}, nil
}

func (e *ExecSpawner) Spawn(_ context.Context, env []string) (Process, error) {
	cmd := exec.Command(e.Path, e.Args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = mergeEnv(os.Environ(), env)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.Path, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

// mergeEnv replaces keys in base that overrides sets.
func mergeEnv(base []string, overrides []string) []string {
	keys := make(map[string]bool, len(overrides))
	for _, entry := range overrides {
		key, _, _ := strings.Cut(entry, "=")
		keys[key] = true
	}

	merged := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if !keys[key] {
			merged = append(merged, entry)
		}
	}
	return append(merged, overrides...)
}
