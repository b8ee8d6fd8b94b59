// Package remote implements execution of commands on remote build hosts and the
// containers that run on them.
//
// Everything here talks SSH: lifecycle operations run on the physical host that owns
// a container, builds run inside the container itself, and files are moved with rsync
// tunnelled over the same keys.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("remote")

// A Host is an SSH endpoint that commands can be run on.
type Host struct {
	Address string
	Port    int
	User    string
	KeyFile string
}

// String implements the fmt.Stringer interface.
func (h Host) String() string {
	return fmt.Sprintf("%s@%s", h.User, net.JoinHostPort(h.Address, strconv.Itoa(h.Port)))
}

// An Executor runs shell commands on remote hosts.
type Executor interface {
	// Run runs the given command on the host, writing its combined output to out.
	// It returns an error if the command could not be run or exited unsuccessfully.
	Run(ctx context.Context, host Host, command string, out io.Writer) error
}

// An ExitError is returned when a remote command ran but reported failure.
type ExitError struct {
	Host Host
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command on %s exited with status %d", e.Host, e.Code)
}

// An SSHExecutor is the standard implementation of Executor, speaking SSH directly.
type SSHExecutor struct {
	DialTimeout time.Duration
	mutex       sync.Mutex
	signers     map[string]ssh.Signer
}

// NewSSHExecutor returns a new SSHExecutor.
func NewSSHExecutor(dialTimeout time.Duration) *SSHExecutor {
	return &SSHExecutor{
		DialTimeout: dialTimeout,
		signers:     map[string]ssh.Signer{},
	}
}

// Run implements the Executor interface.
func (e *SSHExecutor) Run(ctx context.Context, host Host, command string, out io.Writer) error {
	signer, err := e.signer(host.KeyFile)
	if err != nil {
		return err
	}
	config := &ssh.ClientConfig{
		User: host.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Build containers are recreated constantly so their host keys are never stable.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.DialTimeout,
	}
	addr := net.JoinHostPort(host.Address, strconv.Itoa(host.Port))
	dialer := net.Dialer{Timeout: e.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to log in to %s: %w", host, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session on %s: %w", host, err)
	}
	defer session.Close()
	w := &lockedWriter{w: out}
	session.Stdout = w
	session.Stderr = w
	log.Debug("Running on %s: %s", host, command)
	ch := make(chan error, 1)
	go func() { ch <- session.Run(command) }()
	select {
	case err := <-ch:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Host: host, Code: exitErr.ExitStatus()}
		}
		return err
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		client.Close()
		return ctx.Err()
	}
}

// signer returns the signer for a key file, loading it the first time it's needed.
func (e *SSHExecutor) signer(keyFile string) (ssh.Signer, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if s, present := e.signers[keyFile]; present {
		return s, nil
	}
	b, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	s, err := ssh.ParsePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", keyFile, err)
	}
	e.signers[keyFile] = s
	return s, nil
}

// lockedWriter serialises writes from a session's stdout and stderr.
type lockedWriter struct {
	sync.Mutex
	w io.Writer
}

func (lw *lockedWriter) Write(b []byte) (int, error) {
	lw.Lock()
	defer lw.Unlock()
	if lw.w == nil {
		return len(b), nil
	}
	return lw.w.Write(b)
}

// RunOnHost runs a command on a physical host (as opposed to inside a container on it).
// Success is decided from an exit code marker echoed after the command, since some of
// the lifecycle tools we call don't propagate their status reliably through the shell.
func RunOnHost(ctx context.Context, e Executor, host Host, command string, out io.Writer) error {
	var buf bytes.Buffer
	wrapped := "export LC_ALL=C; (" + command + ") 2>&1; echo $?"
	if err := e.Run(ctx, host, wrapped, &buf); err != nil {
		if out != nil {
			out.Write(buf.Bytes())
		}
		return err
	}
	output, code := splitExitMarker(buf.String())
	if out != nil {
		io.WriteString(out, output)
	}
	if code != 0 {
		return &ExitError{Host: host, Code: code}
	}
	return nil
}

// splitExitMarker splits the trailing exit code line from some command output.
// If no marker can be found it reports an exit code of -1.
func splitExitMarker(output string) (string, int) {
	trimmed := strings.TrimRight(output, "\n")
	idx := strings.LastIndexByte(trimmed, '\n')
	last := trimmed[idx+1:]
	code, err := strconv.Atoi(strings.TrimSpace(last))
	if err != nil {
		return output, -1
	}
	if idx < 0 {
		return "", code
	}
	return trimmed[:idx+1], code
}
