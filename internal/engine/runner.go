package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// killGrace is how long a cancelled subprocess gets between SIGTERM and
// SIGKILL.
const killGrace = 10 * time.Second

// StreamKind tags which pipe a line came from.
type StreamKind int

const (
	StreamStdout StreamKind = iota
	StreamStderr
)

type OutputLine struct {
	Stream StreamKind
	Text   string
}

// command supervises one downloader subprocess: merged line-reading from
// both pipes, context-driven process-group termination, and a wait that
// reports the ctx error when cancellation won.
type command struct {
	cmd    *exec.Cmd
	lines  chan OutputLine
	wg     sync.WaitGroup
	exited chan struct{}
	grace  time.Duration
}

// startCommand launches name with args in dir. The child gets its own
// process group, and a watcher signals that group as soon as ctx ends, so
// cancellation takes effect while the pipes are still open.
func startCommand(ctx context.Context, name string, args []string, dir string) (*command, error) {
	return startCommandGrace(ctx, name, args, dir, killGrace)
}

func startCommandGrace(ctx context.Context, name string, args []string, dir string, grace time.Duration) (*command, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	c := &command{
		cmd:    cmd,
		lines:  make(chan OutputLine, 64),
		exited: make(chan struct{}),
		grace:  grace,
	}
	c.wg.Add(2)
	go c.scan(stdout, StreamStdout)
	go c.scan(stderr, StreamStderr)
	go func() {
		c.wg.Wait()
		close(c.lines)
	}()
	go c.watch(ctx)
	return c, nil
}

func (c *command) scan(r io.Reader, kind StreamKind) {
	defer c.wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		c.lines <- OutputLine{Stream: kind, Text: sc.Text()}
	}
}

// watch terminates the process group when ctx ends before the child exits:
// SIGTERM first, SIGKILL once the grace period passes. Killing the group
// closes the pipes, which unblocks the line drain and then Wait.
func (c *command) watch(ctx context.Context) {
	select {
	case <-c.exited:
	case <-ctx.Done():
		c.terminate()
		select {
		case <-c.exited:
		case <-time.After(c.grace):
			c.kill()
		}
	}
}

// Lines yields output lines until both pipes close.
func (c *command) Lines() <-chan OutputLine { return c.lines }

// Wait reaps the subprocess; call it after draining Lines. When ctx ended
// first the watcher has already signaled the group, so this returns
// promptly with the ctx error.
func (c *command) Wait(ctx context.Context) error {
	err := c.cmd.Wait()
	close(c.exited)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *command) terminate() {
	if c.cmd.Process == nil {
		return
	}
	// Negative pid signals the process group.
	_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGTERM)
}

func (c *command) kill() {
	if c.cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
}

// ExitCode extracts the subprocess exit status from a Wait error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
