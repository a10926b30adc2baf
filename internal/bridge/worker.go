// ABOUTME: Subprocess handle for a launched tool server: stdio pipes and lifecycle.
// ABOUTME: The exec-backed implementation is swapped for an in-memory fake in tests.

package bridge

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// worker is one running tool-server process. Wait is idempotent and safe for
// concurrent callers; all other methods may be called after the process dies.
type worker interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Terminate() error
	Kill() error
	Wait() error
}

// execWorker wraps an exec.Cmd with pre-wired stdio pipes.
type execWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

// launchWorker starts the descriptor's command with its env overrides and
// working directory, returning a handle with all three stdio pipes attached.
func launchWorker(desc ServerDescriptor) (worker, error) {
	cmd := exec.Command(desc.Command, desc.Args...)
	if desc.WorkingDir != "" {
		cmd.Dir = desc.WorkingDir
	}
	if len(desc.Env) > 0 {
		env := os.Environ()
		for k, v := range desc.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", desc.Command, err)
	}

	return &execWorker{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (w *execWorker) Stdin() io.WriteCloser { return w.stdin }
func (w *execWorker) Stdout() io.Reader     { return w.stdout }
func (w *execWorker) Stderr() io.Reader     { return w.stderr }

// Terminate asks the process to exit gracefully.
func (w *execWorker) Terminate() error {
	return w.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill forcibly ends the process.
func (w *execWorker) Kill() error {
	return w.cmd.Process.Kill()
}

// Wait reaps the process. exec.Cmd.Wait may only run once, so the result is
// memoized; concurrent callers block until the first Wait returns.
func (w *execWorker) Wait() error {
	w.waitOnce.Do(func() {
		w.waitErr = w.cmd.Wait()
	})
	return w.waitErr
}
