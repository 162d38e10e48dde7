// Package hooks runs a service's lifecycle hooks: rendered executable
// scripts living in the service's hooks directory. The run hook is the
// long-lived service process itself; everything else is a short one-shot
// invocation whose exit code the supervisor inspects.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	rerrors "github.com/roost-sh/roost/internal/errors"
	"github.com/roost-sh/roost/internal/logging"
	"github.com/roost-sh/roost/internal/types"
)

// Name identifies one of the known hooks.
type Name string

const (
	HookInit        Name = "init"
	HookRun         Name = "run"
	HookReload      Name = "reload"
	HookHealthCheck Name = "health-check"
	HookFileUpdated Name = "file-updated"
	HookPostStop    Name = "post-stop"
)

// DefaultTimeout bounds one-shot hook executions.
const DefaultTimeout = 30 * time.Second

// Env is the environment a hook runs with, layered on top of the
// supervisor's own environment.
type Env struct {
	Service    string
	ConfigPath string
	DataPath   string
	VarPath    string
	Extra      map[string]string
}

func (e Env) vars() []string {
	out := os.Environ()
	add := func(key, value string) {
		if value != "" {
			out = append(out, key+"="+value)
		}
	}
	add("ROOST_SERVICE", e.Service)
	add("ROOST_SVC_CONFIG_PATH", e.ConfigPath)
	add("ROOST_SVC_DATA_PATH", e.DataPath)
	add("ROOST_SVC_VAR_PATH", e.VarPath)
	for key, value := range e.Extra {
		add(key, value)
	}
	return out
}

// Result captures a finished one-shot hook execution.
type Result struct {
	Hook     Name
	ExitCode int
	Output   string
	Duration time.Duration
}

// Err converts a failed result into a HookError, or nil for exit 0.
func (r *Result) Err(service string) error {
	if r == nil || r.ExitCode == 0 {
		return nil
	}
	return &rerrors.HookError{
		Service:  service,
		Hook:     string(r.Hook),
		ExitCode: r.ExitCode,
		Output:   r.Output,
	}
}

// Runner executes hooks out of a service's hooks directory.
type Runner struct {
	logger  logging.Logger
	timeout time.Duration
}

// NewRunner creates a hook runner. A zero timeout means DefaultTimeout.
func NewRunner(logger logging.Logger, timeout time.Duration) *Runner {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{logger: logger.WithComponent("hooks"), timeout: timeout}
}

// Exists reports whether the hook is present in dir.
func (r *Runner) Exists(dir string, hook Name) bool {
	info, err := os.Stat(filepath.Join(dir, string(hook)))
	return err == nil && info.Mode().IsRegular()
}

// Run executes a one-shot hook and waits for it. A missing hook is not an
// error: it returns (nil, nil). A non-zero exit is reported in the result,
// not as an error; the returned error covers only failures to execute.
func (r *Runner) Run(ctx context.Context, service, dir string, hook Name, env Env) (*Result, error) {
	path := filepath.Join(dir, string(hook))
	if !r.Exists(dir, hook) {
		return nil, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var buf bytes.Buffer
	cmd := exec.CommandContext(runCtx, path)
	cmd.Env = env.vars()
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Hook:     hook,
		Output:   strings.TrimSpace(buf.String()),
		Duration: time.Since(start),
	}

	switch e := err.(type) {
	case nil:
	case *exec.ExitError:
		result.ExitCode = e.ExitCode()
	default:
		return nil, fmt.Errorf("running %s hook for %s: %w", hook, service, err)
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%s hook for %s timed out after %s", hook, service, r.timeout)
	}

	r.logger.Debug(ctx, "hook finished",
		"service", service, "hook", string(hook),
		"exit", result.ExitCode, "duration", result.Duration.String())
	return result, nil
}

// HealthCheck runs the health-check hook and maps its exit code. With no
// hook present a running service is assumed healthy.
func (r *Runner) HealthCheck(ctx context.Context, service, dir string, env Env) (types.HealthCheck, *Result, error) {
	result, err := r.Run(ctx, service, dir, HookHealthCheck, env)
	if err != nil {
		return types.HealthUnknown, result, err
	}
	if result == nil {
		return types.HealthOK, nil, nil
	}
	return types.HealthFromExitCode(result.ExitCode), result, nil
}

// Start launches the run hook as the long-lived service process. The hook
// runs in its own process group so Stop can take down children too.
func (r *Runner) Start(ctx context.Context, service, dir string, env Env) (*Process, error) {
	path := filepath.Join(dir, string(HookRun))
	if !r.Exists(dir, HookRun) {
		return nil, fmt.Errorf("service %s has no run hook in %s", service, dir)
	}

	cmd := exec.Command(path)
	cmd.Env = env.vars()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", service, err)
	}
	r.logger.Info(ctx, "service process started", "service", service, "pid", cmd.Process.Pid)

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

// Process is a running service process started from the run hook.
type Process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	mutex    sync.Mutex
	exitCode int
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mutex.Lock()
	if exitErr, ok := err.(*exec.ExitError); ok {
		p.exitCode = exitErr.ExitCode()
	}
	p.mutex.Unlock()
	close(p.done)
}

// PID returns the process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code after the process has exited.
func (p *Process) ExitCode() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.exitCode
}

// Signal delivers a signal to the process group.
func (p *Process) Signal(sig syscall.Signal) error {
	if !p.Running() {
		return nil
	}
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

// Stop terminates the process group: SIGTERM first, SIGKILL once the grace
// period runs out. It returns after the process has exited.
func (p *Process) Stop(grace time.Duration) error {
	if !p.Running() {
		return nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := p.Signal(syscall.SIGKILL); err != nil {
		return err
	}
	<-p.done
	return nil
}
