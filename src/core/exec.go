package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("core")

// safeBuffer is an io.Writer that ensures that only one thread writes to it at a time.
// This is important because we potentially have both stdout and stderr writing to the same
// buffer, and os.exec only guarantees goroutine-safety if both are the same writer, which in
// our case they're not (but are both ultimately causing writes to the same buffer)
type safeBuffer struct {
	sync.Mutex
	buf bytes.Buffer
	w   io.Writer
}

func (sb *safeBuffer) Write(b []byte) (int, error) {
	sb.Lock()
	defer sb.Unlock()
	if sb.w != nil {
		sb.w.Write(b)
	}
	return sb.buf.Write(b)
}

func (sb *safeBuffer) Bytes() []byte {
	sb.Lock()
	defer sb.Unlock()
	return sb.buf.Bytes()
}

// DefaultExecTimeout is used when no timeout is given to ExecWithTimeout.
const DefaultExecTimeout = 10 * time.Minute

// ExecWithTimeout runs an external command with a timeout.
// If the command times out the returned error will wrap context.DeadlineExceeded.
// Combined stdout and stderr is returned, and is also copied to out if it is not nil.
func ExecWithTimeout(ctx context.Context, dir string, env []string, timeout time.Duration, out io.Writer, argv ...string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command given")
	}
	if timeout == 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	outerr := &safeBuffer{w: out}
	cmd.Stdout = outerr
	cmd.Stderr = outerr
	// Start the command, wait for the timeout & then kill it.
	// We deliberately don't use CommandContext because it will only send SIGKILL which
	// child processes can't handle themselves.
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	ch := make(chan error, 1)
	go runCommand(cmd, ch)
	select {
	case err := <-ch:
		return outerr.Bytes(), err
	case <-ctx.Done():
		// Send a relatively gentle signal that it can catch.
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Notice("Failed to kill subprocess: %s", err)
		}
		select {
		case <-ch:
		case <-time.After(10 * time.Millisecond):
			// Send a more forceful signal.
			cmd.Process.Kill()
			<-ch
		}
		return outerr.Bytes(), fmt.Errorf("%s: %w", argv[0], ctx.Err())
	}
}

// runCommand runs a command and signals on the given channel when it's done.
func runCommand(cmd *exec.Cmd, ch chan error) {
	ch <- cmd.Wait()
}

// ExecWithTimeoutShell runs an external command within a Bash shell.
// Other arguments are as ExecWithTimeout.
// Note that the command is deliberately a single string.
func ExecWithTimeoutShell(ctx context.Context, dir string, env []string, timeout time.Duration, out io.Writer, cmd string) ([]byte, error) {
	return ExecWithTimeout(ctx, dir, env, timeout, out, "bash", "-u", "-o", "pipefail", "-c", cmd)
}
