// Package child spawns the command acting as the protocol handler of a
// connection and wires its standard input and output to pipes.
//
// The parent keeps the write end of the pipe feeding the child's stdin
// and the read end of the pipe draining the child's stdout. Both are in
// non-blocking mode and are meant to be used with poll(2) and with
// unix.Read and unix.Write, hence we expose raw descriptors.
//
// The child's standard error is whatever file the caller passes. Note
// that under inetd-style dispatch descriptor 2 is often the client
// socket, so passing os.Stderr there sends the child's diagnostics to
// the peer in plaintext, outside of the TLS stream.
package child

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/ooni/tlsproxy/internal/errwrapper"
	"github.com/ooni/tlsproxy/internal/tracing"
	"github.com/ooni/tlsproxy/model"
	"golang.org/x/sys/unix"
)

// DefaultShellLocator is the launcher used when SHELL is not set or
// when the preferred shell cannot be started.
const DefaultShellLocator = "/usr/bin/env"

// ErrNoLauncher indicates that no launcher was configured.
var ErrNoLauncher = errors.New("child: no launcher")

// Launcher is a way of running the command.
type Launcher struct {
	// Path is the executable to run.
	Path string

	// Args contains the arguments including argv[0].
	Args []string
}

// Launchers returns the ordered list of launchers for command. When
// shell is not empty, we first try `shell -c command`. We then fall
// back to `/usr/bin/env sh -c command`.
func Launchers(shell, command string) []Launcher {
	var out []Launcher
	if shell != "" {
		out = append(out, Launcher{
			Path: shell,
			Args: []string{shell, "-c", command},
		})
	}
	out = append(out, Launcher{
		Path: DefaultShellLocator,
		Args: []string{"env", "sh", "-c", command},
	})
	return out
}

// Process is a running child process.
type Process struct {
	argv   []string
	exited bool
	proc   *os.Process
	status unix.WaitStatus
	stdin  int
	stdout int
}

// Spawn runs command through the shell named by the SHELL environment
// variable, falling back to the default shell locator. The child writes
// its standard error to stderr, or to the null device when it is nil.
func Spawn(ctx context.Context, command string, stderr *os.File) (*Process, error) {
	return SpawnWith(ctx, Launchers(os.Getenv("SHELL"), command), stderr)
}

// SpawnWith creates the pipes and then tries each launcher in order
// until one of them starts. A failure to create the pipes aborts before
// any spawn attempt. There is no retry once every launcher failed.
func SpawnWith(ctx context.Context, launchers []Launcher, stderr *os.File) (*Process, error) {
	info := tracing.ContextInfoOrDefault(ctx)
	if len(launchers) == 0 {
		return nil, errwrapper.SafeErrWrapperBuilder{
			Error:     ErrNoLauncher,
			Operation: "spawn",
		}.MaybeBuild()
	}
	start := time.Now()
	outbound, inbound, err := newPipes()
	info.EmitSetupStep("pipe_create", start, err)
	if err != nil {
		return nil, errwrapper.SafeErrWrapperBuilder{
			Error:     err,
			Operation: "pipe_create",
		}.MaybeBuild()
	}
	// The parent never uses these, whatever happens next.
	childStdin := os.NewFile(uintptr(outbound[0]), "child-stdin")
	childStdout := os.NewFile(uintptr(inbound[1]), "child-stdout")
	defer childStdin.Close()
	defer childStdout.Close()
	for _, launcher := range launchers {
		start = time.Now()
		cmd := &exec.Cmd{
			Path:   launcher.Path,
			Args:   launcher.Args,
			Stdin:  childStdin,
			Stdout: childStdout,
		}
		if stderr != nil {
			cmd.Stderr = stderr
		}
		err = cmd.Start()
		pid := 0
		if err == nil {
			pid = cmd.Process.Pid
		}
		info.Handler.OnMeasurement(model.Measurement{
			Spawn: &model.SpawnEvent{
				Argv:     launcher.Args,
				Duration: time.Since(start),
				Error:    err,
				PID:      pid,
				Time:     info.Elapsed(),
			},
		})
		if err == nil {
			return &Process{
				argv:   launcher.Args,
				proc:   cmd.Process,
				stdin:  outbound[1],
				stdout: inbound[0],
			}, nil
		}
	}
	unix.Close(outbound[1])
	unix.Close(inbound[0])
	return nil, errwrapper.SafeErrWrapperBuilder{
		Error:     err,
		Operation: "spawn",
	}.MaybeBuild()
}

// newPipes creates the outbound and inbound pipes. The parent ends,
// i.e. outbound[1] and inbound[0], are non-blocking.
func newPipes() (outbound, inbound [2]int, err error) {
	if err = unix.Pipe2(outbound[:], unix.O_CLOEXEC); err != nil {
		return
	}
	if err = unix.Pipe2(inbound[:], unix.O_CLOEXEC); err != nil {
		unix.Close(outbound[0])
		unix.Close(outbound[1])
		return
	}
	if err = unix.SetNonblock(outbound[1], true); err == nil {
		err = unix.SetNonblock(inbound[0], true)
	}
	if err != nil {
		for _, fd := range []int{outbound[0], outbound[1], inbound[0], inbound[1]} {
			unix.Close(fd)
		}
	}
	return
}

// PID returns the process ID.
func (p *Process) PID() int {
	return p.proc.Pid
}

// Argv returns the command line that has been started.
func (p *Process) Argv() []string {
	return p.argv
}

// Stdin returns the non-blocking descriptor writing to the child's
// standard input.
func (p *Process) Stdin() int {
	return p.stdin
}

// Stdout returns the non-blocking descriptor reading from the child's
// standard output.
func (p *Process) Stdout() int {
	return p.stdout
}

// TryWait checks whether the child exited without blocking. It returns
// true only after wait4(2) actually reported that the child terminated,
// and keeps returning true afterwards.
func (p *Process) TryWait() (bool, error) {
	if p.exited {
		return true, nil
	}
	var status unix.WaitStatus
	for {
		wpid, err := unix.Wait4(p.proc.Pid, &status, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if wpid != p.proc.Pid {
			return false, nil // no state change
		}
		break
	}
	if !status.Exited() && !status.Signaled() {
		return false, nil
	}
	p.exited, p.status = true, status
	return true, nil
}

// ExitStatus returns the exit code and whether the child has been killed
// by a signal. Until TryWait observes the termination of the child,
// exited is false and code is -1.
func (p *Process) ExitStatus() (code int, signaled bool, exited bool) {
	if !p.exited {
		return -1, false, false
	}
	if p.status.Signaled() {
		return -1, true, true
	}
	return p.status.ExitStatus(), false, true
}

// Kill forcibly terminates the child. It is a no-op once the child
// has been reaped.
func (p *Process) Kill() error {
	if p.exited {
		return nil
	}
	err := p.proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// CloseStdin closes the descriptor feeding the child's stdin, so that
// the child sees EOF.
func (p *Process) CloseStdin() error {
	if p.stdin < 0 {
		return nil
	}
	err := unix.Close(p.stdin)
	p.stdin = -1
	return err
}

// Close closes the parent-held descriptors and makes a last non-blocking
// attempt at reaping the child. It does not kill the child.
func (p *Process) Close() error {
	err := p.CloseStdin()
	if p.stdout >= 0 {
		if e := unix.Close(p.stdout); err == nil {
			err = e
		}
		p.stdout = -1
	}
	if exited, _ := p.TryWait(); exited {
		p.proc.Release()
	}
	return err
}
