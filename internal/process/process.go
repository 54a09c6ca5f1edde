package process

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Process is the runtime handle for one launched service. At most one handle
// exists per service at any time; the handle is created by Launch and
// invalidated when the child exits or is killed.
type Process struct {
	spec       Spec
	cmd        *exec.Cmd
	status     Status
	mu         sync.Mutex
	stopping   bool          // true when Stop has been requested; suppress autorestart
	restarts   int
	outCloser  io.WriteCloser
	errCloser  io.WriteCloser
	waitDone   chan struct{} // closed by the waiter when cmd.Wait returns
	monitoring bool          // true when a monitor goroutine owns cmd.Wait
}

func New(spec Spec) *Process {
	spec.Normalize()
	p := &Process{spec: spec}
	p.status.Name = spec.Name
	return p
}

func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// Launch starts the child in the background and records the handle state.
// A spawn failure is returned wrapped in ErrSpawn; nothing retries it.
func (p *Process) Launch(mergedEnv []string) error {
	cmd := p.configureCmd(mergedEnv)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawn, p.spec.Name, err)
	}
	p.mu.Lock()
	p.cmd = cmd
	p.waitDone = make(chan struct{})
	p.status.Name = p.spec.Name
	p.status.Running = true
	p.status.PID = cmd.Process.Pid
	p.status.StartedAt = time.Now()
	p.status.Restarts = p.restarts
	p.stopping = false
	p.mu.Unlock()
	return nil
}

// configureCmd builds the *exec.Cmd: workdir, environment, captured stdio,
// and its own process group so signals reach the whole service tree.
func (p *Process) configureCmd(mergedEnv []string) *exec.Cmd {
	p.mu.Lock()
	spec := p.spec
	p.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		outW, errW, _ := spec.Log.Writers(spec.Name)
		p.ensureLogClosers(outW, errW)
		ow, ew := p.outErrClosers()
		if ow != nil {
			cmd.Stdout = ow
		} else {
			cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		}
		if ew != nil {
			cmd.Stderr = ew
		} else {
			cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		}
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	return cmd
}

func (p *Process) CopyCmd() *exec.Cmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd
}

func (p *Process) CloseWaitDone() {
	p.mu.Lock()
	if p.waitDone != nil {
		close(p.waitDone)
		p.waitDone = nil
	}
	p.mu.Unlock()
}

func (p *Process) WaitDoneChan() chan struct{} {
	p.mu.Lock()
	wd := p.waitDone
	p.mu.Unlock()
	return wd
}

func (p *Process) MarkExited(err error) {
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.mu.Unlock()
}

func (p *Process) SetStopRequested(v bool) {
	p.mu.Lock()
	p.stopping = v
	p.mu.Unlock()
}

func (p *Process) StopRequested() bool {
	p.mu.Lock()
	v := p.stopping
	p.mu.Unlock()
	return v
}

// SetRestarts seeds the restart counter, used when a fresh handle replaces a
// dead one so the count survives across restarts.
func (p *Process) SetRestarts(n int) {
	p.mu.Lock()
	p.restarts = n
	p.status.Restarts = n
	p.mu.Unlock()
}

func (p *Process) IncRestarts() int {
	p.mu.Lock()
	p.restarts++
	v := p.restarts
	p.status.Restarts = p.restarts
	p.mu.Unlock()
	return v
}

func (p *Process) MonitoringStartIfNeeded() bool {
	p.mu.Lock()
	if p.monitoring {
		p.mu.Unlock()
		return false
	}
	p.monitoring = true
	p.mu.Unlock()
	return true
}

func (p *Process) MonitoringStop() {
	p.mu.Lock()
	p.monitoring = false
	p.mu.Unlock()
}

// IsMonitoring reports whether a monitor goroutine is actively waiting on the
// child. When true, Stop/Kill must not call cmd.Wait themselves; they wait on
// waitDone instead.
func (p *Process) IsMonitoring() bool {
	p.mu.Lock()
	v := p.monitoring
	p.mu.Unlock()
	return v
}

func (p *Process) outErrClosers() (io.WriteCloser, io.WriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outCloser, p.errCloser
}

func (p *Process) ensureLogClosers(stdout, stderr io.WriteCloser) {
	p.mu.Lock()
	if p.outCloser == nil && stdout != nil {
		p.outCloser = stdout
	}
	if p.errCloser == nil && stderr != nil {
		p.errCloser = stderr
	}
	p.mu.Unlock()
}

func (p *Process) CloseWriters() {
	p.mu.Lock()
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
	p.mu.Unlock()
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	s := p.status
	p.mu.Unlock()
	return s
}

// Alive probes liveness without racing os/exec internals. A quickly-exited
// child appears as a zombie until reaped; treat that as not alive.
func (p *Process) Alive() bool {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	pid := cmd.Process.Pid
	if isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// isZombie returns true if /proc/<pid>/status reports state Z.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Stop terminates the service's process group: SIGTERM, then SIGKILL after
// the grace window. Safe to call when already stopped; a second call
// observes the child gone and returns immediately.
func (p *Process) Stop(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	if grace <= 0 {
		grace = p.Spec().StopGrace
	}
	p.SetStopRequested(true)
	cmd := p.CopyCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	p.awaitExit(cmd, pid, grace)
	rs := p.Snapshot()
	return rs.ExitErr
}

// Kill sends SIGKILL to the process group and reaps promptly.
func (p *Process) Kill() error {
	cmd := p.CopyCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	p.SetStopRequested(true)
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	p.awaitExit(cmd, pid, 200*time.Millisecond)
	rs := p.Snapshot()
	return rs.ExitErr
}

// awaitExit waits for the child to be reaped, escalating to SIGKILL when the
// grace window elapses. Exactly one goroutine may own cmd.Wait; when a
// monitor owns it we wait on waitDone, otherwise we claim the wait here.
func (p *Process) awaitExit(cmd *exec.Cmd, pid int, grace time.Duration) {
	if p.IsMonitoring() || !p.MonitoringStartIfNeeded() {
		wd := p.WaitDoneChan()
		if wd == nil {
			time.Sleep(grace)
			return
		}
		select {
		case <-wd:
		case <-time.After(grace):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			select {
			case <-wd:
			case <-time.After(200 * time.Millisecond):
				// best-effort
			}
		}
		return
	}
	// We own the wait; perform it and finalize state.
	ch := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		p.CloseWaitDone()
		p.MarkExited(err)
		ch <- err
	}()
	select {
	case <-ch:
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		select {
		case <-ch:
		case <-time.After(200 * time.Millisecond):
			// best-effort
		}
	}
	p.CloseWriters()
	p.MonitoringStop()
}
