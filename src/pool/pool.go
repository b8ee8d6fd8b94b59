// Package pool tracks the build machines and which build each of them is running.
package pool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/op/go-logging.v1"

	"github.com/lightbuildserver/lbs/src/core"
	"github.com/lightbuildserver/lbs/src/metrics"
	"github.com/lightbuildserver/lbs/src/remote"
)

var log = logging.MustGetLogger("pool")

var availableMachines = metrics.NewGauge("pool", "available_machines", "Current number of machines available for builds.")
var buildingMachines = metrics.NewGauge("pool", "building_machines", "Current number of machines running a build.")

// A Status is the state of a single machine.
type Status int

const (
	// Available machines can be assigned a build.
	Available Status = iota
	// Building machines are running a build.
	Building
	// Stopping machines have finished a build and are being cleaned up.
	Stopping
)

func (s Status) String() string {
	switch s {
	case Available:
		return "available"
	case Building:
		return "building"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// A Machine is one build machine and its current assignment.
type Machine struct {
	Name     string
	Spec     remote.MachineSpec
	Priority int
	Enabled  bool
	Status   Status
	// Target is the build the machine is running; it is empty unless the machine is building or stopping.
	Target core.BuildTarget
	// Since is when the machine last changed status.
	Since time.Time
	lease uint64
}

// A Lease is the assignment of a machine to one build. Releasing a lease that has already
// been released, for example because the build was forced off its machine, does nothing.
type Lease struct {
	Machine string
	Target  core.BuildTarget
	id      uint64
}

// A ContainerFactory returns the container in a machine's slot.
type ContainerFactory func(spec remote.MachineSpec, out io.Writer) (remote.Container, error)

// A Pool is the set of build machines. It is safe for concurrent use.
type Pool struct {
	mutex        sync.Mutex
	machines     []*Machine
	byName       map[string]*Machine
	newContainer ContainerFactory
	// cleanupTimeout bounds the remote cleanup of a release.
	cleanupTimeout time.Duration
	cleanups       sync.WaitGroup
	leases         uint64
}

// New creates a new Pool from the machines in the given configuration.
// Machines are ordered by name, which is the order ties in priority are broken in.
func New(config *core.Configuration, factory ContainerFactory) *Pool {
	p := &Pool{
		byName:         map[string]*Machine{},
		newContainer:   factory,
		cleanupTimeout: time.Duration(config.Scheduler.ReleaseTimeout),
	}
	if p.cleanupTimeout <= 0 {
		p.cleanupTimeout = core.DefaultExecTimeout
	}
	now := time.Now()
	for _, name := range config.MachineNames() {
		mc := config.Machine[name]
		m := &Machine{
			Name: name,
			Spec: remote.MachineSpec{
				Hostname: name,
				Type:     mc.Type,
				Port:     mc.Port,
				Cid:      mc.Cid,
				KeyFile:  config.KeyFile(mc),
				Static:   mc.Static,
				Local:    mc.Local,

				CommandTimeout: time.Duration(config.Scheduler.CommandTimeout),
			},
			Priority: mc.Priority,
			Enabled:  !mc.Disabled,
			Since:    now,
		}
		p.machines = append(p.machines, m)
		p.byName[name] = m
	}
	p.updateGauges()
	log.Notice("Pool has %d machines", len(p.machines))
	return p
}

// Acquire assigns an available machine to the given target.
// The enabled machine with the lowest priority number wins, ties going to the first in order.
// It returns false if no machine is available.
func (p *Pool) Acquire(target core.BuildTarget) (Lease, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	var best *Machine
	for _, m := range p.machines {
		if m.Enabled && m.Status == Available && (best == nil || m.Priority < best.Priority) {
			best = m
		}
	}
	if best == nil {
		return Lease{}, false
	}
	p.leases++
	best.Status = Building
	best.Target = target
	best.Since = time.Now()
	best.lease = p.leases
	p.updateGauges()
	log.Notice("Assigned %s to %s", best.Name, target)
	return Lease{Machine: best.Name, Target: target, id: best.lease}, true
}

// Spec returns the spec of the named machine.
func (p *Pool) Spec(name string) (remote.MachineSpec, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	m, present := p.byName[name]
	if !present {
		return remote.MachineSpec{}, false
	}
	return m.Spec, true
}

// Release stops and destroys the container of a leased machine and makes the machine
// available again. Failures to clean up are returned but the machine becomes available regardless.
// The cleanup is bounded by the pool's release timeout whatever the given context.
// It does nothing if the lease is no longer current, which happens when the build was
// force released and the machine has since moved on.
func (p *Pool) Release(ctx context.Context, lease Lease) error {
	m, ok := p.stop(lease)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.cleanupTimeout)
	defer cancel()
	err := p.cleanup(ctx, m.Spec)
	p.makeAvailable(m, lease.id)
	return err
}

// ForceRelease is like Release but does the remote cleanup in the background, so it never blocks.
// If the lease is already being released, the machine is made available at once and the
// cleanup in progress is left to finish on its own.
// It returns true if the lease was current.
func (p *Pool) ForceRelease(lease Lease) bool {
	p.mutex.Lock()
	if m, present := p.byName[lease.Machine]; present && m.Status == Stopping && m.lease == lease.id {
		log.Warning("Cleanup of %s from %s is taking too long, making it available", lease.Machine, lease.Target)
		p.setAvailable(m)
		p.mutex.Unlock()
		return true
	}
	p.mutex.Unlock()
	m, ok := p.stop(lease)
	if !ok {
		return false
	}
	log.Warning("Forcing release of %s from %s", lease.Machine, lease.Target)
	p.cleanups.Add(1)
	go func() {
		defer p.cleanups.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cleanupTimeout)
		defer cancel()
		p.cleanup(ctx, m.Spec)
		p.makeAvailable(m, lease.id)
	}()
	return true
}

// Wait waits for any background cleanups started by ForceRelease.
func (p *Pool) Wait() {
	p.cleanups.Wait()
}

// stop marks a machine as stopping if the given lease is current.
func (p *Pool) stop(lease Lease) (*Machine, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	m, present := p.byName[lease.Machine]
	if !present {
		log.Warning("Asked to release unknown machine %s", lease.Machine)
		return nil, false
	} else if m.Status != Building || m.lease != lease.id {
		log.Debug("Not releasing %s from %s, the lease has already ended", lease.Machine, lease.Target)
		return nil, false
	}
	m.Status = Stopping
	m.Since = time.Now()
	p.updateGauges()
	return m, true
}

// cleanup stops and destroys the container in a machine's slot.
func (p *Pool) cleanup(ctx context.Context, spec remote.MachineSpec) error {
	c, err := p.newContainer(spec, io.Discard)
	if err != nil {
		log.Warning("Cannot clean up %s: %s", spec.Hostname, err)
		return err
	}
	var errs *multierror.Error
	if err := c.Stop(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stop: %w", err))
	}
	if err := c.Destroy(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("destroy: %w", err))
	}
	if err := errs.ErrorOrNil(); err != nil {
		log.Warning("Failed to clean up %s: %s", spec.Hostname, err)
		return err
	}
	return nil
}

// makeAvailable makes a stopping machine available, unless it was taken over
// by a forced release under the same lease and has moved on since.
func (p *Pool) makeAvailable(m *Machine, lease uint64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if m.Status != Stopping || m.lease != lease {
		return
	}
	p.setAvailable(m)
}

// setAvailable must be called with the mutex held.
func (p *Pool) setAvailable(m *Machine) {
	log.Notice("Released %s from %s", m.Name, m.Target)
	m.Status = Available
	m.Target = core.BuildTarget{}
	m.Since = time.Now()
	p.updateGauges()
}

// BuildingLineage returns true if any machine is building a target of the given lineage.
func (p *Pool) BuildingLineage(l core.Lineage) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, m := range p.machines {
		if m.Status == Building && m.Target.Lineage() == l {
			return true
		}
	}
	return false
}

// BuildingProject returns true if any machine is building a target of the given project.
func (p *Pool) BuildingProject(owner, project string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, m := range p.machines {
		if m.Status == Building && m.Target.Owner == owner && m.Target.Project == project {
			return true
		}
	}
	return false
}

// AnyAvailable returns true if at least one enabled machine is available.
func (p *Pool) AnyAvailable() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, m := range p.machines {
		if m.Enabled && m.Status == Available {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current state of all machines.
func (p *Pool) Snapshot() []Machine {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	ret := make([]Machine, len(p.machines))
	for i, m := range p.machines {
		ret[i] = *m
	}
	return ret
}

// updateGauges must be called with the mutex held.
func (p *Pool) updateGauges() {
	available, building := 0, 0
	for _, m := range p.machines {
		if m.Status == Building {
			building++
		} else if m.Enabled && m.Status == Available {
			available++
		}
	}
	availableMachines.Set(available)
	buildingMachines.Set(building)
}
