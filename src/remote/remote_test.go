package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbuildserver/lbs/src/core"
)

// fakeExecutor records commands and answers them like a well-behaved host would.
type fakeExecutor struct {
	sync.Mutex
	commands []string
	hosts    []Host
	// failing maps a command substring to the exit code it reports.
	failing map[string]int
	// unreachable causes every command to fail to connect.
	unreachable bool
}

func (f *fakeExecutor) Run(ctx context.Context, host Host, command string, out io.Writer) error {
	f.Lock()
	defer f.Unlock()
	f.commands = append(f.commands, command)
	f.hosts = append(f.hosts, host)
	if f.unreachable {
		return fmt.Errorf("connection refused")
	}
	code := 0
	for substr, c := range f.failing {
		if strings.Contains(command, substr) {
			code = c
		}
	}
	fmt.Fprintf(out, "running\n")
	if strings.HasPrefix(command, "export LC_ALL=C; (") {
		// Host-level commands report their status through the marker.
		fmt.Fprintf(out, "%d\n", code)
		return nil
	} else if code != 0 {
		return &ExitError{Host: host, Code: code}
	}
	return nil
}

func (f *fakeExecutor) last() string {
	f.Lock()
	defer f.Unlock()
	return f.commands[len(f.commands)-1]
}

var incusSpec = MachineSpec{
	Hostname: "build01.solidcharity.com",
	Type:     core.BackendIncus,
	Port:     22,
	Cid:      7,
	KeyFile:  "/etc/lbs/build01.key",
	Local:    true,
}

var dockerSpec = MachineSpec{
	Hostname: "127.0.0.1",
	Type:     core.BackendDocker,
	Port:     2222,
	Cid:      12,
	KeyFile:  "/etc/lbs/build02.key",
}

func TestSplitExitMarker(t *testing.T) {
	out, code := splitExitMarker("hello\nworld\n0\n")
	assert.Equal(t, "hello\nworld\n", out)
	assert.Equal(t, 0, code)
	out, code = splitExitMarker("127\n")
	assert.Equal(t, "", out)
	assert.Equal(t, 127, code)
	out, code = splitExitMarker("no marker here\n")
	assert.Equal(t, "no marker here\n", out)
	assert.Equal(t, -1, code)
	_, code = splitExitMarker("")
	assert.Equal(t, -1, code)
}

func TestRunOnHost(t *testing.T) {
	e := &fakeExecutor{failing: map[string]int{"false": 1}}
	host := Host{Address: "build01", Port: 22, User: "root"}
	var buf bytes.Buffer
	assert.NoError(t, RunOnHost(context.Background(), e, host, "true", &buf))
	assert.Equal(t, "export LC_ALL=C; (true) 2>&1; echo $?", e.last())
	assert.Equal(t, "running\n", buf.String())

	err := RunOnHost(context.Background(), e, host, "false", nil)
	require.Error(t, err)
	exitErr, ok := err.(*ExitError)
	require.True(t, ok)
	assert.Equal(t, 1, exitErr.Code)

	e.unreachable = true
	assert.Error(t, RunOnHost(context.Background(), e, host, "true", nil))
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "l007-build01-solidcharity-com", ContainerName(incusSpec))
	assert.Equal(t, "012-127.0.0.1", ContainerName(dockerSpec))
}

func TestAddressesLocal(t *testing.T) {
	host, container, err := Addresses(incusSpec)
	require.NoError(t, err)
	assert.Equal(t, "build01.solidcharity.com", host.Address)
	assert.Equal(t, 22, host.Port)
	assert.Equal(t, "10.0.6.7", container.Address)
	assert.Equal(t, 22, container.Port)

	spec := incusSpec
	spec.Type = core.BackendDocker
	_, container, err = Addresses(spec)
	require.NoError(t, err)
	assert.Equal(t, "172.17.0.1", container.Address)
	assert.Equal(t, 2007, container.Port)

	spec.Type = core.BackendLXC
	_, container, err = Addresses(spec)
	require.NoError(t, err)
	assert.Equal(t, "10.0.3.7", container.Address)
}

func TestAddressesRemote(t *testing.T) {
	defer func(f func(string) ([]string, error)) { lookupHost = f }(lookupHost)
	lookupHost = func(host string) ([]string, error) {
		if host == "build03.solidcharity.com" {
			return []string{"192.0.2.3"}, nil
		}
		return nil, fmt.Errorf("no such host")
	}
	spec := dockerSpec
	spec.Hostname = "build03.solidcharity.com"
	host, container, err := Addresses(spec)
	require.NoError(t, err)
	assert.Equal(t, 2222, host.Port)
	assert.Equal(t, "192.0.2.3", container.Address)
	assert.Equal(t, 2012, container.Port)

	spec.Hostname = "nowhere.solidcharity.com"
	_, _, err = Addresses(spec)
	assert.Error(t, err)
}

func TestNewUnsupported(t *testing.T) {
	spec := dockerSpec
	spec.Type = core.BackendCopr
	_, err := New(spec, &fakeExecutor{}, nil, io.Discard)
	assert.Error(t, err)
	spec.Type = "vmware"
	_, err = New(spec, &fakeExecutor{}, nil, io.Discard)
	assert.Error(t, err)
}

func TestDockerLifecycle(t *testing.T) {
	e := &fakeExecutor{}
	c, err := New(dockerSpec, e, nil, io.Discard)
	require.NoError(t, err)
	require.NoError(t, c.InstallMount("/root/repo", "/var/www/repos/alice/mono/centos/7"))
	assert.Error(t, c.InstallMount("repo", "/var/www/repos"))

	ctx := context.Background()
	require.NoError(t, c.Create(ctx, "centos", "7", "amd64", ""))
	create := e.last()
	assert.Contains(t, create, "docker rm -f 012-127.0.0.1")
	assert.Contains(t, create, "--platform linux/amd64")
	assert.Contains(t, create, "-p 2012:22")
	assert.Contains(t, create, "-v /var/www/repos/alice/mono/centos/7:/root/repo")
	assert.Contains(t, create, "lbs-centos:7")
	assert.Equal(t, "127.0.0.1", e.hosts[len(e.hosts)-1].Address)

	require.NoError(t, c.Start(ctx))
	assert.Contains(t, e.last(), "docker start 012-127.0.0.1")
	require.NoError(t, c.Execute(ctx, "yum -y update"))
	assert.Equal(t, "export LC_ALL=C; cd /root && yum -y update", e.last())
	assert.Equal(t, 2012, e.hosts[len(e.hosts)-1].Port)
	require.NoError(t, c.Stop(ctx))
	assert.Contains(t, e.last(), "docker stop")
	require.NoError(t, c.Destroy(ctx))
	assert.Contains(t, e.last(), "docker rm -f 012-127.0.0.1")

	assert.Error(t, c.Create(ctx, "centos", "7", "sparc", ""))
}

func TestStaticContainerIsReused(t *testing.T) {
	e := &fakeExecutor{}
	spec := dockerSpec
	spec.Static = true
	c, err := New(spec, e, nil, io.Discard)
	require.NoError(t, err)
	require.NoError(t, c.Create(context.Background(), "fedora", "39", "amd64", "172.17.0.12"))
	assert.Contains(t, e.last(), "docker inspect 012-127.0.0.1 >/dev/null 2>&1 ||")
	assert.Contains(t, e.last(), "--ip 172.17.0.12")
	n := len(e.commands)
	require.NoError(t, c.Destroy(context.Background()))
	assert.Equal(t, n, len(e.commands), "static containers are not destroyed")
}

func TestIncusCreate(t *testing.T) {
	e := &fakeExecutor{}
	c, err := New(incusSpec, e, nil, io.Discard)
	require.NoError(t, err)
	require.NoError(t, c.InstallMount("/root/repo", "/var/www/repos/alice/mono/debian/12"))
	require.NoError(t, c.InstallMount("/root/tarball", "/var/www/tarballs/alice/mono"))
	require.NoError(t, c.Create(context.Background(), "debian", "12", "amd64", ""))
	assert.Contains(t, e.commands[0], "mkdir -p /var/www/repos/alice/mono/debian/12 /var/www/tarballs/alice/mono")
	create := e.last()
	assert.Contains(t, create, "incus init images:debian/12/amd64 l007-build01-solidcharity-com")
	assert.Contains(t, create, "ipv4.address=10.0.6.7")
	assert.Contains(t, create, "lbsmount0 disk source=/var/www/repos/alice/mono/debian/12 path=/root/repo")
	assert.Contains(t, create, "lbsmount1 disk source=/var/www/tarballs/alice/mono path=/root/tarball")
}

func TestFailingHostCommand(t *testing.T) {
	e := &fakeExecutor{failing: map[string]int{"incus start": 1}}
	c, err := New(incusSpec, e, nil, io.Discard)
	require.NoError(t, err)
	assert.Error(t, c.Start(context.Background()))
}

func TestLXCCreate(t *testing.T) {
	e := &fakeExecutor{}
	spec := incusSpec
	spec.Type = core.BackendLXC
	c, err := New(spec, e, nil, io.Discard)
	require.NoError(t, err)
	require.NoError(t, c.InstallMount("/root/repo", "/var/www/repos/x"))
	require.NoError(t, c.Create(context.Background(), "ubuntu", "jammy", "amd64", ""))
	assert.Contains(t, e.last(), "lxc-create -t download -n 007-build01.solidcharity.com -- -d ubuntu -r jammy -a amd64")
	assert.Contains(t, e.last(), "lxc.mount.entry = /var/www/repos/x root/repo none bind,create=dir 0 0")
	assert.Contains(t, e.last(), "10.0.3.7/24")
}

func TestRsyncArgs(t *testing.T) {
	r, err := NewRsync(`-avz --delete --exclude "*.tmp"`, time.Minute)
	require.NoError(t, err)
	host := Host{Address: "10.0.6.7", Port: 22, User: "root", KeyFile: "/etc/lbs/key"}
	args := r.args(host, "/var/lib/lbs/src/alice/mono/lbs-mono", remotePath(host, "/root/lbs-mono"))
	assert.Equal(t, []string{
		"rsync", "-avz", "--delete", "--exclude", "*.tmp",
		"-e", "ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -p 22 -i /etc/lbs/key",
		"/var/lib/lbs/src/alice/mono/lbs-mono", "root@10.0.6.7:/root/lbs-mono",
	}, args)
	assert.Equal(t, "root@[::1]:/x", remotePath(Host{Address: "::1", User: "root"}, "/x"))

	_, err = NewRsync(`-avz "unterminated`, time.Minute)
	assert.Error(t, err)
}

func TestRsyncRunsCommand(t *testing.T) {
	r, err := NewRsync("-a", time.Minute)
	require.NoError(t, err)
	r.Command = "false"
	err = r.Get(context.Background(), Host{Address: "localhost", Port: 22, User: "root"}, "/var/www/repos/alice", t.TempDir(), io.Discard)
	assert.Error(t, err)
	r.Command = "true"
	assert.NoError(t, r.Put(context.Background(), Host{Address: "localhost", Port: 22, User: "root"}, t.TempDir(), "/root/x", io.Discard))
}

func TestSSHExecutorMissingKey(t *testing.T) {
	e := NewSSHExecutor(time.Second)
	err := e.Run(context.Background(), Host{Address: "127.0.0.1", Port: 1, User: "root", KeyFile: "/nonexistent/key"}, "true", io.Discard)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "private key")
}

func TestHostString(t *testing.T) {
	assert.Equal(t, "root@10.0.6.7:22", Host{Address: "10.0.6.7", Port: 22, User: "root"}.String())
}

// hangingExecutor never finishes a command before its context ends.
type hangingExecutor struct{}

func (hangingExecutor) Run(ctx context.Context, host Host, command string, out io.Writer) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestExecuteTimesOut(t *testing.T) {
	spec := dockerSpec
	spec.CommandTimeout = 10 * time.Millisecond
	c, err := New(spec, hangingExecutor{}, nil, io.Discard)
	require.NoError(t, err)
	err = c.Execute(context.Background(), "rpmbuild -ba mono.spec")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out after 10ms")
}
