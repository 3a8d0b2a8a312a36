// Package ptyhost runs ephemeral (non-resumable) terminals directly under a PTY.
// These processes die with the daemon; durable sessions go through tmux.
package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

// ErrClosed is returned when writing to or resizing an exited process.
var ErrClosed = errors.New("pty process has exited")

const outputBufferSize = 256 * 1024

// StartOptions describes an ephemeral process.
type StartOptions struct {
	ID      string
	Command string // run through the shell; empty starts an interactive shell
	Shell   string
	Dir     string
	Cols    int
	Rows    int
	Env     map[string]string
	// OnExit is called once when the process exits on its own or is killed.
	OnExit func(id string, err error)
}

// Manager tracks running PTY processes.
type Manager struct {
	processes sync.Map // id -> *Process
	logger    *zap.Logger
}

// NewManager creates a new process manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Start launches the command under a new PTY.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.ID == "" {
		return nil, errors.New("process id is required")
	}
	if _, exists := m.processes.Load(opts.ID); exists {
		return nil, fmt.Errorf("process %s already running", opts.ID)
	}

	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell()
	}
	dir := opts.Dir
	if dir == "" {
		dir, _ = os.UserHomeDir()
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	var cmd *exec.Cmd
	if opts.Command != "" {
		cmd = exec.Command(shell, "-c", opts.Command)
	} else {
		cmd = exec.Command(shell, "-l")
	}
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+opts.Env[k])
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &Process{
		ID:        opts.ID,
		Command:   opts.Command,
		Shell:     shell,
		Dir:       dir,
		StartedAt: time.Now(),
		cmd:       cmd,
		ptmx:      ptmx,
		output:    NewBuffer(outputBufferSize),
		done:      make(chan struct{}),
		onExit:    opts.OnExit,
		manager:   m,
	}
	p.cols, p.rows = cols, rows
	m.processes.Store(p.ID, p)

	go p.readOutput()
	go p.wait()

	m.logger.Debug("pty process started",
		zap.String("id", p.ID), zap.Int("pid", cmd.Process.Pid), zap.String("dir", dir))
	return p, nil
}

// Get returns the running process with id.
func (m *Manager) Get(id string) (*Process, bool) {
	v, ok := m.processes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Process), true
}

// Len reports the number of running processes.
func (m *Manager) Len() int {
	n := 0
	m.processes.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown kills every process.
func (m *Manager) Shutdown(ctx context.Context) {
	m.processes.Range(func(_, v any) bool {
		_ = v.(*Process).Kill(ctx)
		return true
	})
}

// DefaultShell returns $SHELL or /bin/sh.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Process is one PTY-backed command. It implements the registry handle.
type Process struct {
	ID        string
	Command   string
	Shell     string
	Dir       string
	StartedAt time.Time

	mu     sync.Mutex
	cols   int
	rows   int
	closed bool

	cmd      *exec.Cmd
	ptmx     *os.File
	output   *Buffer
	done     chan struct{}
	exitErr  error
	exitOnce sync.Once
	onExit   func(id string, err error)
	manager  *Manager
}

// readOutput continuously reads from PTY and buffers output
func (p *Process) readOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			_, _ = p.output.Write(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.manager.logger.Debug("pty read ended", zap.String("id", p.ID), zap.Error(err))
			}
			return
		}
	}
}

// wait reaps the process and cleans up
func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.ptmx.Close()
	p.manager.processes.Delete(p.ID)

	p.exitOnce.Do(func() {
		p.exitErr = err
		if p.onExit != nil {
			p.onExit(p.ID, err)
		}
		close(p.done)
	})
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Size returns the current dimensions.
func (p *Process) Size() (cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

func (p *Process) Write(_ context.Context, data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := p.ptmx.Write(data)
	return err
}

func (p *Process) Resize(_ context.Context, cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return err
	}
	p.cols, p.rows = cols, rows
	return nil
}

// Kill terminates the process and waits for it to be reaped.
func (p *Process) Kill(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil
	}
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(syscall.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	grace := time.NewTimer(2 * time.Second)
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	// SIGKILL cannot be ignored, so wait for the reaper even past ctx.
	reap := time.NewTimer(killReapTimeout)
	defer reap.Stop()
	select {
	case <-p.done:
		return nil
	case <-reap.C:
		return fmt.Errorf("process %s not reaped after SIGKILL", p.ID)
	}
}

const killReapTimeout = 5 * time.Second

// Detach kills the process: a PTY cannot outlive its owner.
func (p *Process) Detach() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Kill(ctx)
}

// Capture returns the last lines of buffered output.
func (p *Process) Capture(_ context.Context, lines int) (string, error) {
	return p.output.Tail(lines), nil
}
