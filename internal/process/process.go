package process

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Process is a launched OS process. A single internal goroutine owns
// cmd.Wait; everybody else observes Done.
type Process struct {
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	exitCode int
	exitErr  error
	exitedAt time.Time
}

// Pipes are the read ends of the child's stdout and stderr. They reach EOF
// once every holder of the write end (the child and its descendants) has
// exited. The caller owns and must close them.
type Pipes struct {
	Stdout *os.File
	Stderr *os.File
}

func (p Pipes) Close() {
	if p.Stdout != nil {
		_ = p.Stdout.Close()
	}
	if p.Stderr != nil {
		_ = p.Stderr.Close()
	}
}

// ErrNotExited is returned by Stop when the process survived both the
// graceful request and the forced kill within their bounds.
var ErrNotExited = errors.New("process did not exit after kill")

// Start launches spec. On success the child is running in its own process
// group and its output is available on the returned pipes.
func Start(spec Spec) (*Process, Pipes, error) {
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, Pipes{}, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, Pipes{}, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, Pipes{}, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.Stdin = nil

	startErr := cmd.Start()
	// The child holds its own copies; ours must go so readers see EOF.
	_ = outW.Close()
	_ = errW.Close()
	if startErr != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, Pipes{}, startErr
	}

	p := &Process{
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		if cmd.ProcessState != nil {
			p.exitCode = exitStatus(cmd.ProcessState)
		}
		p.exitErr = err
		p.exitedAt = time.Now()
		p.mu.Unlock()
		close(p.done)
	}()
	return p, Pipes{Stdout: outR, Stderr: errR}, nil
}

func (p *Process) PID() int { return p.pid }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether Done is closed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode is -1 until the process exits. A process ended by a signal
// reports 128+signal on Unix.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop asks the process group to terminate, waits up to grace, then kills
// it and waits up to killWait. It never blocks longer than grace+killWait.
func (p *Process) Stop(grace, killWait time.Duration) error {
	if p.Exited() {
		return nil
	}
	_ = terminateGroup(p.pid)
	if grace > 0 {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-p.done:
			return nil
		case <-t.C:
		}
	}
	return p.Kill(killWait)
}

// Kill forcibly ends the process group and waits up to wait for the reap.
func (p *Process) Kill(wait time.Duration) error {
	if p.Exited() {
		return nil
	}
	if err := killGroup(p.pid); err != nil && !p.Exited() {
		return fmt.Errorf("kill pid %d: %w", p.pid, err)
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
		return ErrNotExited
	}
}
