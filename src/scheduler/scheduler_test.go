package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbuildserver/lbs/src/build"
	"github.com/lightbuildserver/lbs/src/buildlog"
	"github.com/lightbuildserver/lbs/src/cli"
	"github.com/lightbuildserver/lbs/src/core"
	"github.com/lightbuildserver/lbs/src/deps"
	"github.com/lightbuildserver/lbs/src/pool"
	"github.com/lightbuildserver/lbs/src/remote"
)

// nopContainer only implements what the pool calls when cleaning up.
type nopContainer struct {
	remote.Container
}

func (c nopContainer) Stop(ctx context.Context) error    { return nil }
func (c nopContainer) Destroy(ctx context.Context) error { return nil }

func newContainer(spec remote.MachineSpec, out io.Writer) (remote.Container, error) {
	return nopContainer{}, nil
}

// fakeJob builds nothing; it runs until it's told to finish.
type fakeJob struct {
	lease pool.Lease
	pool  *pool.Pool
	log   *buildlog.Log
	done  chan error
}

func (j *fakeJob) Run(ctx context.Context) build.Result {
	j.log.Print("building %s", j.lease.Target)
	err := <-j.done
	j.pool.Release(ctx, j.lease)
	j.log.Finish()
	if err != nil {
		return build.Result{Target: j.lease.Target, Stage: build.Built, Err: err}
	}
	return build.Result{Target: j.lease.Target, Stage: build.Done, BuildNumber: 1}
}

func (j *fakeJob) Output() *buildlog.Log {
	return j.log
}

type harness struct {
	*Scheduler
	pool     *pool.Pool
	mutex    sync.Mutex
	jobs     map[core.BuildTarget]*fakeJob
	packages []deps.Package
	loadErr  error
}

func newHarness(machines ...string) *harness {
	config := core.DefaultConfiguration()
	for i, name := range machines {
		config.Machine[name] = &core.MachineConfig{Type: core.BackendDocker, Cid: i + 1, Priority: core.DefaultMachinePriority}
	}
	config.Scheduler.FinishedHistory = 3
	config.Scheduler.HangTimeout = cli.Duration(2 * time.Hour)
	h := &harness{
		pool: pool.New(config, newContainer),
		jobs: map[core.BuildTarget]*fakeJob{},
	}
	h.Scheduler = New(config, h.pool, h.launch, h.load)
	return h
}

func (h *harness) launch(lease pool.Lease) (Job, error) {
	if lease.Target.Package == "unlaunchable" {
		return nil, fmt.Errorf("machine went away")
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	j := &fakeJob{lease: lease, pool: h.pool, log: buildlog.New(), done: make(chan error, 1)}
	h.jobs[lease.Target] = j
	return j, nil
}

func (h *harness) load(ctx context.Context, owner, project, branch, distro string) ([]deps.Package, error) {
	return h.packages, h.loadErr
}

// finish finishes a running job and waits for the scheduler to record it.
func (h *harness) finish(t *testing.T, target core.BuildTarget, err error) {
	h.mutex.Lock()
	j := h.jobs[target]
	h.mutex.Unlock()
	require.NotNil(t, j, "%s was never launched", target)
	j.done <- err
	assert.Eventually(t, func() bool {
		for _, a := range h.Active() {
			if a.Target == target {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func targets(entries []QueueEntry) []string {
	ret := make([]string, len(entries))
	for i, e := range entries {
		ret[i] = e.Target.Package
	}
	return ret
}

func activeTargets(active []ActiveBuild) []string {
	ret := make([]string, len(active))
	for i, a := range active {
		ret[i] = a.Target.Package
	}
	return ret
}

func target(project, pkg string) core.BuildTarget {
	return core.BuildTarget{Owner: "alice", Project: project, Package: pkg, Branch: "master", Distro: "fedora", Release: "39", Arch: "amd64"}
}

func TestEnqueueIgnoresDuplicates(t *testing.T) {
	h := newHarness("build01")
	assert.True(t, h.Enqueue(target("mono", "mono-core"), nil))
	assert.False(t, h.Enqueue(target("mono", "mono-core"), nil))
	assert.Equal(t, []string{"mono-core"}, targets(h.Pending()))
}

func TestEnqueueIgnoresActiveTarget(t *testing.T) {
	h := newHarness("build01")
	h.Enqueue(target("mono", "mono-core"), nil)
	assert.True(t, h.tick())
	assert.False(t, h.Enqueue(target("mono", "mono-core"), nil))
	assert.Empty(t, h.Pending())
	h.finish(t, target("mono", "mono-core"), nil)
}

func TestAdmitsOnePerTick(t *testing.T) {
	h := newHarness("build01", "build02")
	h.Enqueue(target("mono", "mono-core"), nil)
	h.Enqueue(target("nant", "nant"), nil)
	assert.True(t, h.tick())
	assert.Equal(t, []string{"mono-core"}, activeTargets(h.Active()))
	assert.True(t, h.tick())
	assert.ElementsMatch(t, []string{"mono-core", "nant"}, activeTargets(h.Active()))
	assert.False(t, h.tick())
	h.finish(t, target("mono", "mono-core"), nil)
	h.finish(t, target("nant", "nant"), nil)
}

func TestNoMachineAvailable(t *testing.T) {
	h := newHarness("build01")
	h.Enqueue(target("mono", "mono-core"), nil)
	h.Enqueue(target("nant", "nant"), nil)
	assert.True(t, h.tick())
	assert.False(t, h.tick())
	assert.Equal(t, []string{"nant"}, targets(h.Pending()))
	h.finish(t, target("mono", "mono-core"), nil)
	assert.True(t, h.tick())
	assert.Equal(t, []string{"nant"}, activeTargets(h.Active()))
	h.finish(t, target("nant", "nant"), nil)
}

func TestSameLineageWaits(t *testing.T) {
	h := newHarness("build01", "build02")
	h.Enqueue(target("mono", "mono-core"), nil)
	h.Enqueue(target("mono", "mono-extras"), nil)
	assert.True(t, h.tick())
	// The head of the queue is now of the same lineage as a running build.
	assert.False(t, h.tick())
	assert.Equal(t, []string{"mono-extras"}, targets(h.Pending()))
	h.finish(t, target("mono", "mono-core"), nil)
	assert.True(t, h.tick())
	assert.Equal(t, []string{"mono-extras"}, activeTargets(h.Active()))
	h.finish(t, target("mono", "mono-extras"), nil)
}

func TestBlockedEntryIsSkipped(t *testing.T) {
	h := newHarness("build01", "build02", "build03")
	h.Enqueue(target("mono", "mono-core"), nil)
	h.Enqueue(target("mono", "mono-extras"), nil)
	h.Enqueue(target("nant", "nant"), nil)
	assert.True(t, h.tick())
	assert.True(t, h.tick())
	assert.ElementsMatch(t, []string{"mono-core", "nant"}, activeTargets(h.Active()))
	assert.Equal(t, []string{"mono-extras"}, targets(h.Pending()))
	h.finish(t, target("mono", "mono-core"), nil)
	h.finish(t, target("nant", "nant"), nil)
}

func TestUpstreamProjectWaits(t *testing.T) {
	h := newHarness("build01", "build02")
	h.Enqueue(target("mono", "mono-core"), nil)
	h.Enqueue(target("monodevelop", "monodevelop"), []string{"alice/mono"})
	assert.True(t, h.tick())
	assert.False(t, h.tick())
	assert.Equal(t, []string{"monodevelop"}, targets(h.Pending()))
	h.finish(t, target("mono", "mono-core"), nil)
	assert.True(t, h.tick())
	assert.Equal(t, []string{"monodevelop"}, activeTargets(h.Active()))
	h.finish(t, target("monodevelop", "monodevelop"), nil)
}

func TestFinishedHistory(t *testing.T) {
	h := newHarness("build01")
	for _, pkg := range []string{"a", "b", "c", "d"} {
		h.Enqueue(target(pkg, pkg), nil)
		require.True(t, h.tick())
		h.finish(t, target(pkg, pkg), nil)
	}
	finished := h.Finished()
	require.Len(t, finished, 3)
	assert.Equal(t, "d", finished[0].Target.Package)
	assert.Equal(t, "b", finished[2].Target.Package)
	assert.True(t, finished[0].Succeeded)
	assert.Equal(t, 1, finished[0].BuildNumber)

	// Enqueueing a finished target again forgets its last result.
	h.Enqueue(target("c", "c"), nil)
	finished = h.Finished()
	require.Len(t, finished, 2)
	assert.Equal(t, "d", finished[0].Target.Package)
	assert.Equal(t, "b", finished[1].Target.Package)
}

func TestFailedBuildIsRecorded(t *testing.T) {
	h := newHarness("build01")
	h.Enqueue(target("mono", "mono-core"), nil)
	h.tick()
	h.finish(t, target("mono", "mono-core"), fmt.Errorf("rpmbuild failed"))
	finished := h.Finished()
	require.Len(t, finished, 1)
	assert.False(t, finished[0].Succeeded)
	assert.False(t, finished[0].Hung)
	assert.True(t, h.pool.AnyAvailable())
}

func TestTriggerProjectBuild(t *testing.T) {
	h := newHarness("build01")
	h.Scheduler.config.Project["alice/monodevelop"] = &core.ProjectConfig{DependsOn: []string{"alice/mono"}}
	h.packages = []deps.Package{
		{Name: "monodevelop", Requires: []string{"monodevelop-database", "mono-core"}},
		{Name: "monodevelop-database", Requires: []string{"gtk-sharp"}},
		{Name: "gtk-sharp"},
	}
	planned, err := h.TriggerProjectBuild(context.Background(), "alice", "monodevelop", "master", "fedora", "39", "amd64")
	require.NoError(t, err)
	assert.Len(t, planned, 3)
	pending := h.Pending()
	assert.Equal(t, []string{"gtk-sharp", "monodevelop-database", "monodevelop"}, targets(pending))
	for _, e := range pending {
		assert.Equal(t, []string{"alice/mono"}, e.DependsOn)
		assert.Equal(t, target("monodevelop", e.Target.Package), e.Target)
	}

	// Triggering again plans nothing new.
	planned, err = h.TriggerProjectBuild(context.Background(), "alice", "monodevelop", "master", "fedora", "39", "amd64")
	require.NoError(t, err)
	assert.Empty(t, planned)
	assert.Len(t, h.Pending(), 3)
}

func TestTriggerProjectBuildCycle(t *testing.T) {
	h := newHarness("build01")
	h.packages = []deps.Package{
		{Name: "a", Requires: []string{"b"}},
		{Name: "b", Requires: []string{"a"}},
		{Name: "c"},
	}
	_, err := h.TriggerProjectBuild(context.Background(), "alice", "mono", "master", "fedora", "39", "amd64")
	var cycle *deps.CycleError
	assert.ErrorAs(t, err, &cycle)
	assert.Empty(t, h.Pending())
}

func TestTriggerProjectBuildLoadFailure(t *testing.T) {
	h := newHarness("build01")
	h.loadErr = fmt.Errorf("404")
	_, err := h.TriggerProjectBuild(context.Background(), "alice", "mono", "master", "fedora", "39", "amd64")
	assert.Error(t, err)
	assert.Empty(t, h.Pending())
}

func TestCancelPlannedBuild(t *testing.T) {
	h := newHarness("build01")
	h.Enqueue(target("mono", "mono-core"), nil)
	h.Enqueue(target("nant", "nant"), nil)
	assert.True(t, h.CancelPlannedBuild(target("mono", "mono-core")))
	assert.False(t, h.CancelPlannedBuild(target("mono", "mono-core")))
	assert.Equal(t, []string{"nant"}, targets(h.Pending()))
}

func TestHungBuildIsReleased(t *testing.T) {
	h := newHarness("build01")
	h.Enqueue(target("mono", "mono-core"), nil)
	require.True(t, h.tick())
	assert.False(t, h.pool.AnyAvailable())

	h.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	assert.True(t, h.tick())
	h.pool.Wait()
	assert.True(t, h.pool.AnyAvailable())
	assert.Empty(t, h.Active())
	finished := h.Finished()
	require.Len(t, finished, 1)
	assert.True(t, finished[0].Hung)
	ll := h.LiveLog(target("mono", "mono-core"))
	assert.Equal(t, StatusFinished, ll.Status)
	assert.Contains(t, ll.Text, buildlog.ErrorPrefix)

	// The machine can be used by the next build, and the hung one finishing later changes nothing.
	h.now = time.Now
	h.Enqueue(target("nant", "nant"), nil)
	require.True(t, h.tick())
	h.mutex.Lock()
	hung := h.jobs[target("mono", "mono-core")]
	h.mutex.Unlock()
	hung.done <- nil
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"nant"}, activeTargets(h.Active()))
	assert.Len(t, h.Finished(), 1)
	assert.False(t, h.pool.AnyAvailable())
	h.finish(t, target("nant", "nant"), nil)
}

func TestLauncherFailure(t *testing.T) {
	h := newHarness("build01")
	h.Enqueue(target("mono", "unlaunchable"), nil)
	assert.True(t, h.tick())
	h.pool.Wait()
	assert.True(t, h.pool.AnyAvailable())
	assert.Empty(t, h.Active())
	finished := h.Finished()
	require.Len(t, finished, 1)
	assert.False(t, finished[0].Succeeded)
	assert.Contains(t, h.LiveLog(target("mono", "unlaunchable")).Text, "machine went away")
}

func TestLiveLog(t *testing.T) {
	h := newHarness("build01")
	ll := h.LiveLog(target("mono", "mono-core"))
	assert.Equal(t, StatusUnknown, ll.Status)
	assert.False(t, ll.Poll)
	assert.Equal(t, "nothing planned", ll.Text)

	h.Enqueue(target("mono", "mono-core"), nil)
	ll = h.LiveLog(target("mono", "mono-core"))
	assert.Equal(t, StatusPlanned, ll.Status)
	assert.True(t, ll.Poll)

	h.tick()
	ll = h.LiveLog(target("mono", "mono-core"))
	assert.Equal(t, StatusBuilding, ll.Status)
	assert.True(t, ll.Poll)
	assert.Contains(t, ll.Text, "building alice/mono/mono-core")

	h.finish(t, target("mono", "mono-core"), nil)
	ll = h.LiveLog(target("mono", "mono-core"))
	assert.Equal(t, StatusFinished, ll.Status)
	assert.False(t, ll.Poll)
	assert.Equal(t, ll, h.LiveLog(target("mono", "mono-core")))
}

func TestRun(t *testing.T) {
	h := newHarness("build01")
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error)
	go func() { ch <- h.Run(ctx) }()
	h.Enqueue(target("mono", "mono-core"), nil)
	assert.Eventually(t, func() bool { return len(h.Active()) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.finish(t, target("mono", "mono-core"), nil)
	cancel()
	assert.NoError(t, <-ch)
	assert.Len(t, h.Finished(), 1)
}
