package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/lightbuildserver/lbs/src/core"
)

// Rsync moves trees between this server and remote hosts. The transfer runs as a
// local rsync process tunnelled over ssh with the machine's key.
type Rsync struct {
	// Command is the rsync binary to invoke.
	Command string
	flags   []string
	timeout time.Duration
}

// NewRsync returns a new Rsync using the given flags, which are split like a shell would.
func NewRsync(flags string, timeout time.Duration) (*Rsync, error) {
	f, err := shlex.Split(flags)
	if err != nil {
		return nil, fmt.Errorf("invalid rsync flags %q: %w", flags, err)
	}
	return &Rsync{Command: "rsync", flags: f, timeout: timeout}, nil
}

// Put syncs the local src onto dest on the given host.
func (r *Rsync) Put(ctx context.Context, host Host, src, dest string, out io.Writer) error {
	return r.run(ctx, r.args(host, src, remotePath(host, dest)), out)
}

// Get syncs src on the given host onto the local dest.
func (r *Rsync) Get(ctx context.Context, host Host, src, dest string, out io.Writer) error {
	if dest == "" {
		dest = filepath.Dir(strings.TrimRight(src, "/"))
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	return r.run(ctx, r.args(host, remotePath(host, src), dest), out)
}

func (r *Rsync) run(ctx context.Context, argv []string, out io.Writer) error {
	log.Debug("Running %s", strings.Join(argv, " "))
	if _, err := core.ExecWithTimeout(ctx, "", nil, r.timeout, out, argv...); err != nil {
		return fmt.Errorf("rsync failed: %w", err)
	}
	return nil
}

// args returns the full argv for an rsync between src and dest.
func (r *Rsync) args(host Host, src, dest string) []string {
	ssh := "ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -p " + strconv.Itoa(host.Port) + " -i " + quote(host.KeyFile)
	args := make([]string, 0, len(r.flags)+5)
	args = append(args, r.Command)
	args = append(args, r.flags...)
	return append(args, "-e", ssh, src, dest)
}

// remotePath returns the rsync form of a path on a remote host.
func remotePath(host Host, path string) string {
	addr := host.Address
	if strings.Contains(addr, ":") {
		addr = "[" + addr + "]"
	}
	return host.User + "@" + addr + ":" + path
}
