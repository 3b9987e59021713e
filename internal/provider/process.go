package provider

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Process abstracts one launched provider process. The default
// implementation wraps os/exec; tests substitute a scripted fake through the
// supervisor's launcher seam.
type Process interface {
	// Start spawns the process. A nil return means the platform reports the
	// process alive.
	Start() error

	// Stdin returns the process's input stream for protocol requests.
	Stdin() io.Writer

	// Stdout returns the process's output stream for protocol responses.
	Stdout() io.Reader

	// Terminate requests a graceful shutdown (SIGTERM).
	Terminate() error

	// Kill force-terminates the process.
	Kill() error

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// ExitCode reports the exit code after Done is closed; -1 if abnormal.
	ExitCode() int

	// Alive reports whether the process has started and not yet exited.
	Alive() bool
}

// Launcher builds a Process from a provider config.
type Launcher func(cfg Config) Process

// execProcess is the os/exec-backed Process used outside tests.
type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   io.ReadCloser

	mu       sync.Mutex
	started  bool
	exitCode int
	done     chan struct{}
}

// ExecLauncher is the default Launcher, spawning the configured command with
// its args, working directory, and environment.
func ExecLauncher(cfg Config) Process {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDirectory
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	// Provider diagnostics go to our stderr, keeping stdout clean for the
	// protocol stream.
	cmd.Stderr = os.Stderr
	return &execProcess{cmd: cmd, exitCode: -1, done: make(chan struct{})}
}

func (p *execProcess) Start() error {
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	p.stdin = stdin
	p.out = stdout

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", p.cmd.Path, err)
	}

	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	go func() {
		err := p.cmd.Wait()
		p.mu.Lock()
		if err == nil {
			p.exitCode = 0
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
		}
		p.mu.Unlock()
		close(p.done)
	}()
	return nil
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.out }

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *execProcess) Alive() bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
