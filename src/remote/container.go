package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"github.com/lightbuildserver/lbs/src/core"
)

// A Container is an isolated build environment on a build machine.
// Each backend technology (docker, incus, ...) provides an implementation.
// A Container is used by one build at a time and is not safe for concurrent use.
type Container interface {
	// Name returns the name of the container on its host.
	Name() string
	// Create creates the container for the given distribution. Any previous container
	// in the same slot is removed first, unless the machine is static.
	Create(ctx context.Context, distro, release, arch, staticIP string) error
	// Start starts a created container and waits for it to be reachable.
	Start(ctx context.Context) error
	// Execute runs a shell command inside the container. It succeeds if the command exits 0.
	Execute(ctx context.Context, command string) error
	// InstallMount arranges for hostPath on the physical host to be mounted at
	// containerPath. It must be called before Create.
	InstallMount(containerPath, hostPath string) error
	// PutToContainer syncs a local file or tree into the container.
	PutToContainer(ctx context.Context, src, dest string) error
	// GetFromContainer syncs a file or tree from the container to a local path.
	GetFromContainer(ctx context.Context, src, dest string) error
	// PutToHost syncs a local file or tree onto the physical host.
	PutToHost(ctx context.Context, src, dest string) error
	// GetFromHost syncs a file or tree from the physical host to a local path.
	GetFromHost(ctx context.Context, src, dest string) error
	// Stop stops the container.
	Stop(ctx context.Context) error
	// Destroy removes the container.
	Destroy(ctx context.Context) error
}

// A MachineSpec describes the build machine that a container lives on.
type MachineSpec struct {
	// Hostname is the name of the physical host.
	Hostname string
	// Type is the backend technology, one of the core.Backend constants.
	Type string
	// Port is the SSH port of the physical host.
	Port int
	// Cid is the numeric slot the container occupies.
	Cid int
	// KeyFile is the private key for logging into the host and the container.
	KeyFile string
	// Static containers keep their address and are reused between builds.
	Static bool
	// Local containers run on the same host as this server.
	Local bool
	// CommandTimeout bounds each command run inside the container. Zero means no bound.
	CommandTimeout time.Duration
}

// Bridge networks used by each backend for containers local to this server.
var localBridges = map[string]string{
	core.BackendIncus:  "10.0.6",
	core.BackendLXC:    "10.0.3",
	core.BackendDocker: "172.17.0",
}

// lookupHost is overridden in tests.
var lookupHost = net.LookupHost

// ContainerName returns the name of the container in the given spec's slot.
func ContainerName(spec MachineSpec) string {
	if spec.Type == core.BackendIncus {
		return fmt.Sprintf("l%03d-%s", spec.Cid, strings.ReplaceAll(spec.Hostname, ".", "-"))
	}
	return fmt.Sprintf("%03d-%s", spec.Cid, spec.Hostname)
}

// Addresses returns the SSH endpoints of the physical host and of the container in the given spec's slot.
func Addresses(spec MachineSpec) (Host, Host, error) {
	host := Host{Address: spec.Hostname, Port: spec.Port, User: "root", KeyFile: spec.KeyFile}
	container := Host{Port: 2000 + spec.Cid, User: "root", KeyFile: spec.KeyFile}
	if spec.Local {
		bridge, present := localBridges[spec.Type]
		if !present {
			return host, container, fmt.Errorf("no local bridge known for %s containers", spec.Type)
		}
		if spec.Type == core.BackendDocker {
			// Docker containers are reached through a port mapped on the bridge's gateway.
			container.Address = bridge + ".1"
		} else {
			container.Address = bridge + "." + strconv.Itoa(spec.Cid)
			container.Port = 22
		}
		return host, container, nil
	}
	addrs, err := lookupHost(spec.Hostname)
	if err != nil {
		return host, container, fmt.Errorf("failed to resolve %s: %w", spec.Hostname, err)
	} else if len(addrs) == 0 {
		return host, container, fmt.Errorf("no addresses found for %s", spec.Hostname)
	}
	container.Address = addrs[0]
	return host, container, nil
}

// New returns a new Container for the given machine, writing all command output to out.
func New(spec MachineSpec, executor Executor, rsync *Rsync, out io.Writer) (Container, error) {
	host, container, err := Addresses(spec)
	if err != nil {
		return nil, err
	}
	b := &base{
		spec:      spec,
		name:      ContainerName(spec),
		executor:  executor,
		rsync:     rsync,
		out:       out,
		host:      host,
		container: container,
	}
	switch spec.Type {
	case core.BackendDocker:
		return &dockerContainer{base: b}, nil
	case core.BackendIncus:
		return &incusContainer{base: b}, nil
	case core.BackendLXC:
		return &lxcContainer{base: b}, nil
	case core.BackendCopr:
		return nil, fmt.Errorf("machine %s: copr machines cannot run container builds", spec.Hostname)
	}
	return nil, fmt.Errorf("machine %s: unknown container type %q", spec.Hostname, spec.Type)
}

// A mount is a host directory mounted into a container.
type mount struct {
	ContainerPath, HostPath string
}

// base implements the parts of Container that are common to all backends.
type base struct {
	spec            MachineSpec
	name            string
	executor        Executor
	rsync           *Rsync
	out             io.Writer
	host, container Host
	mounts          []mount
	distro          string
	release         string
	arch            string
}

func (b *base) Name() string {
	return b.name
}

func (b *base) InstallMount(containerPath, hostPath string) error {
	if !strings.HasPrefix(containerPath, "/") || !strings.HasPrefix(hostPath, "/") {
		return fmt.Errorf("mount paths must be absolute: %s -> %s", hostPath, containerPath)
	}
	b.mounts = append(b.mounts, mount{ContainerPath: containerPath, HostPath: hostPath})
	return nil
}

func (b *base) Execute(ctx context.Context, command string) error {
	if b.spec.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.spec.CommandTimeout)
		defer cancel()
	}
	if err := b.executor.Run(ctx, b.container, "export LC_ALL=C; cd /root && "+command, b.out); err != nil {
		if b.spec.CommandTimeout > 0 && ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("command timed out after %s: %w", b.spec.CommandTimeout, err)
		}
		return err
	}
	return nil
}

// onHost runs a command on the physical host.
func (b *base) onHost(ctx context.Context, command string) error {
	return RunOnHost(ctx, b.executor, b.host, command, b.out)
}

// mkdirMounts creates the host side of all mounts.
func (b *base) mkdirMounts(ctx context.Context) error {
	if len(b.mounts) == 0 {
		return nil
	}
	paths := make([]string, len(b.mounts))
	for i, m := range b.mounts {
		paths[i] = m.HostPath
	}
	return b.onHost(ctx, "mkdir -p "+shellescape.QuoteCommand(paths))
}

func (b *base) PutToContainer(ctx context.Context, src, dest string) error {
	return b.rsync.Put(ctx, b.container, src, dest, b.out)
}

func (b *base) GetFromContainer(ctx context.Context, src, dest string) error {
	return b.rsync.Get(ctx, b.container, src, dest, b.out)
}

func (b *base) PutToHost(ctx context.Context, src, dest string) error {
	return b.rsync.Put(ctx, b.host, src, dest, b.out)
}

func (b *base) GetFromHost(ctx context.Context, src, dest string) error {
	return b.rsync.Get(ctx, b.host, src, dest, b.out)
}

// setTarget records the distribution a container is being created for.
func (b *base) setTarget(distro, release, arch string) {
	b.distro = distro
	b.release = release
	b.arch = arch
}

// quote quotes a single argument for the remote shell.
func quote(s string) string {
	return shellescape.Quote(s)
}
