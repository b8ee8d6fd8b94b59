// Package scheduler holds the queue of planned builds and decides when each of them runs.
//
// A single loop admits builds one at a time. A build is admitted when a machine is free,
// no other build of the same lineage is running, and none of the projects it depends on
// is building. Each admitted build runs on its own goroutine, with a second goroutine
// waiting for it to finish and recording the result.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/op/go-logging.v1"

	"github.com/lightbuildserver/lbs/src/build"
	"github.com/lightbuildserver/lbs/src/buildlog"
	"github.com/lightbuildserver/lbs/src/core"
	"github.com/lightbuildserver/lbs/src/deps"
	"github.com/lightbuildserver/lbs/src/metrics"
	"github.com/lightbuildserver/lbs/src/ordmap"
	"github.com/lightbuildserver/lbs/src/pool"
)

var log = logging.MustGetLogger("scheduler")

var queueLength = metrics.NewGauge("scheduler", "queue_length", "Current number of planned builds.")
var hungBuilds = metrics.NewCounter("scheduler", "hung_builds_total", "Number of builds whose machine was released because they stopped producing output.")

// A Pool is the set of machines that builds are assigned to.
type Pool interface {
	Acquire(target core.BuildTarget) (pool.Lease, bool)
	ForceRelease(lease pool.Lease) bool
	BuildingLineage(l core.Lineage) bool
	BuildingProject(owner, project string) bool
	AnyAvailable() bool
}

// A Job is a build that has been assigned a machine.
type Job interface {
	// Run runs the build to completion. It must release the job's lease before returning.
	Run(ctx context.Context) build.Result
	// Output returns the build's log.
	Output() *buildlog.Log
}

// A Launcher creates the job for a newly leased machine.
type Launcher func(lease pool.Lease) (Job, error)

// A PackageLoader returns the packages of a project, for the given branch and distribution.
type PackageLoader func(ctx context.Context, owner, project, branch, distro string) ([]deps.Package, error)

// A QueueEntry is a planned build.
type QueueEntry struct {
	Target core.BuildTarget
	// DependsOn are the projects, as owner/project, that must not be building when this one starts.
	DependsOn []string
	Enqueued  time.Time
}

// An ActiveBuild is a build that is currently running.
type ActiveBuild struct {
	Target     core.BuildTarget
	Machine    string
	Started    time.Time
	LastUpdate time.Time
}

func (a ActiveBuild) String() string {
	return fmt.Sprintf("%s on %s, started %s, last output %s", a.Target, a.Machine, humanize.Time(a.Started), humanize.Time(a.LastUpdate))
}

// A FinishedBuild is a build that has completed, or been abandoned as hung.
type FinishedBuild struct {
	Target      core.BuildTarget
	Machine     string
	Started     time.Time
	Finished    time.Time
	Succeeded   bool
	BuildNumber int
	// Hung is true if the build stopped producing output and its machine was taken back.
	Hung bool
	log  *buildlog.Log
}

func (f FinishedBuild) String() string {
	status := "failed"
	if f.Succeeded {
		status = "succeeded"
	} else if f.Hung {
		status = "hung"
	}
	return fmt.Sprintf("%s %s on %s %s", f.Target, status, f.Machine, humanize.Time(f.Finished))
}

type activeBuild struct {
	job     Job
	lease   pool.Lease
	started time.Time
}

// A Scheduler owns the queue of planned builds and the records of running and finished ones.
type Scheduler struct {
	config   *core.Configuration
	pool     Pool
	launch   Launcher
	packages PackageLoader

	mutex    sync.Mutex
	queue    *ordmap.Map[core.BuildTarget, QueueEntry]
	active   map[core.BuildTarget]*activeBuild
	finished []FinishedBuild
	wake     chan struct{}
	now      func() time.Time
}

// New creates a new Scheduler.
func New(config *core.Configuration, p Pool, launch Launcher, packages PackageLoader) *Scheduler {
	return &Scheduler{
		config:   config,
		pool:     p,
		launch:   launch,
		packages: packages,
		queue:    ordmap.New[core.BuildTarget, QueueEntry](100),
		active:   map[core.BuildTarget]*activeBuild{},
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Enqueue plans a build of the given target. It returns false if the target is already
// planned or running, in which case nothing changes.
func (s *Scheduler) Enqueue(target core.BuildTarget, dependsOn []string) bool {
	s.mutex.Lock()
	added := s.enqueue(target, dependsOn)
	s.mutex.Unlock()
	if added {
		s.notify()
	}
	return added
}

// enqueue must be called with the mutex held.
func (s *Scheduler) enqueue(target core.BuildTarget, dependsOn []string) bool {
	if _, present := s.active[target]; present {
		log.Info("Not planning %s, it is already building", target)
		return false
	} else if !s.queue.Add(target, QueueEntry{Target: target, DependsOn: dependsOn, Enqueued: s.now()}) {
		log.Info("Not planning %s, it is already planned", target)
		return false
	}
	s.removeFinished(target)
	queueLength.Set(s.queue.Len())
	log.Notice("Planned build of %s", target)
	return true
}

// TriggerProjectBuild plans builds of every package of a project, in an order in which
// each package builds after the packages it requires. If the packages' requirements form
// a cycle the error is returned and nothing is planned.
// It returns the targets that were planned.
func (s *Scheduler) TriggerProjectBuild(ctx context.Context, owner, project, branch, distro, release, arch string) ([]core.BuildTarget, error) {
	pkgs, err := s.packages(ctx, owner, project, branch, distro)
	if err != nil {
		return nil, fmt.Errorf("failed to load packages of %s/%s: %w", owner, project, err)
	}
	order, err := deps.Resolve(pkgs)
	if err != nil {
		return nil, err
	}
	lineage := core.Lineage{Owner: owner, Project: project, Branch: branch, Distro: distro, Release: release, Arch: arch}
	dependsOn := s.DependsOn(owner, project)
	var planned []core.BuildTarget
	s.mutex.Lock()
	for _, pkg := range order {
		if target := lineage.Target(pkg); s.enqueue(target, dependsOn) {
			planned = append(planned, target)
		}
	}
	s.mutex.Unlock()
	s.notify()
	return planned, nil
}

// DependsOn returns the projects that builds of the given project wait for.
func (s *Scheduler) DependsOn(owner, project string) []string {
	return s.config.ProjectSettings(owner, project).DependsOn
}

// CancelPlannedBuild removes a target from the queue. It returns false if it was not planned.
// Running builds cannot be cancelled.
func (s *Scheduler) CancelPlannedBuild(target core.BuildTarget) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.queue.Delete(target) {
		return false
	}
	queueLength.Set(s.queue.Len())
	log.Notice("Cancelled planned build of %s", target)
	return true
}

// notify wakes up the scheduling loop if it is idle.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run runs the scheduling loop until the context is cancelled.
// Running builds are not interrupted when it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	idle := time.Duration(s.config.Scheduler.IdleDelay)
	if idle <= 0 {
		idle = 2 * time.Second
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		if s.tick() {
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)
		select {
		case <-ctx.Done():
			log.Notice("Scheduler stopping")
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// tick runs one scheduling pass. It returns true if anything changed.
func (s *Scheduler) tick() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	changed := s.releaseHungBuilds()
	return s.admit() || changed
}

// releaseHungBuilds takes machines back from builds whose log hasn't changed within the hang timeout.
// The builds themselves carry on; they can't be stopped remotely.
func (s *Scheduler) releaseHungBuilds() bool {
	timeout := time.Duration(s.config.Scheduler.HangTimeout)
	if timeout <= 0 {
		return false
	}
	now := s.now()
	changed := false
	for target, ab := range s.active {
		output := ab.job.Output()
		if output.Finished() || now.Sub(output.LastUpdate()) <= timeout {
			continue
		}
		log.Warning("%s has produced no output for %s, releasing %s", target, timeout, ab.lease.Machine)
		output.Error("No output for %s, the machine has been released", timeout)
		s.pool.ForceRelease(ab.lease)
		delete(s.active, target)
		s.addFinished(FinishedBuild{
			Target:   target,
			Machine:  ab.lease.Machine,
			Started:  ab.started,
			Finished: now,
			Hung:     true,
			log:      output,
		})
		hungBuilds.Inc()
		changed = true
	}
	return changed
}

// admit starts the first planned build that can run now, if any.
func (s *Scheduler) admit() bool {
	if s.queue.Len() == 0 || !s.pool.AnyAvailable() {
		return false
	}
	var next QueueEntry
	found := false
	s.queue.Range(func(target core.BuildTarget, entry QueueEntry) bool {
		if s.admissible(entry) {
			next = entry
			found = true
			return false
		}
		return true
	})
	if !found {
		return false
	}
	lease, ok := s.pool.Acquire(next.Target)
	if !ok {
		return false
	}
	s.queue.Delete(next.Target)
	queueLength.Set(s.queue.Len())
	job, err := s.launch(lease)
	if err != nil {
		log.Error("Failed to start build of %s: %s", next.Target, err)
		s.pool.ForceRelease(lease)
		l := buildlog.New()
		l.Error("Failed to start build: %s", err)
		l.Finish()
		s.addFinished(FinishedBuild{Target: next.Target, Machine: lease.Machine, Started: s.now(), Finished: s.now(), log: l})
		return true
	}
	ab := &activeBuild{job: job, lease: lease, started: s.now()}
	s.active[next.Target] = ab
	log.Notice("Starting build of %s on %s", next.Target, lease.Machine)
	done := make(chan build.Result, 1)
	go func() {
		done <- job.Run(context.Background())
	}()
	go s.wait(ab, done)
	return true
}

// admissible returns true if the given entry could start now.
func (s *Scheduler) admissible(entry QueueEntry) bool {
	if s.pool.BuildingLineage(entry.Target.Lineage()) {
		return false
	}
	for _, dep := range entry.DependsOn {
		if owner, project, found := strings.Cut(dep, "/"); found && s.pool.BuildingProject(owner, project) {
			return false
		}
	}
	return true
}

// wait waits for a build to finish and records its result.
func (s *Scheduler) wait(ab *activeBuild, done <-chan build.Result) {
	result := <-done
	s.mutex.Lock()
	target := ab.lease.Target
	if s.active[target] == ab {
		delete(s.active, target)
		s.addFinished(FinishedBuild{
			Target:      target,
			Machine:     ab.lease.Machine,
			Started:     ab.started,
			Finished:    s.now(),
			Succeeded:   result.Succeeded(),
			BuildNumber: result.BuildNumber,
			log:         ab.job.Output(),
		})
		log.Notice("Finished build of %s: %s", target, resultString(result))
	} else {
		log.Info("Build of %s finished after its machine was released: %s", target, resultString(result))
	}
	s.mutex.Unlock()
	s.notify()
}

func resultString(result build.Result) string {
	if result.Succeeded() {
		return "success"
	}
	return fmt.Sprintf("failed at %s: %s", result.Stage+1, result.Err)
}

// addFinished must be called with the mutex held.
func (s *Scheduler) addFinished(f FinishedBuild) {
	s.removeFinished(f.Target)
	s.finished = append([]FinishedBuild{f}, s.finished...)
	if limit := s.config.Scheduler.FinishedHistory; len(s.finished) > limit {
		s.finished = s.finished[:limit]
	}
}

// removeFinished must be called with the mutex held.
func (s *Scheduler) removeFinished(target core.BuildTarget) {
	for i, f := range s.finished {
		if f.Target == target {
			s.finished = append(s.finished[:i], s.finished[i+1:]...)
			return
		}
	}
}

// Pending returns the planned builds in queue order.
func (s *Scheduler) Pending() []QueueEntry {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.queue.Values()
}

// Active returns the running builds, oldest first.
func (s *Scheduler) Active() []ActiveBuild {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ret := make([]ActiveBuild, 0, len(s.active))
	for target, ab := range s.active {
		ret = append(ret, ActiveBuild{
			Target:     target,
			Machine:    ab.lease.Machine,
			Started:    ab.started,
			LastUpdate: ab.job.Output().LastUpdate(),
		})
	}
	sort.Slice(ret, func(i, j int) bool {
		if !ret[i].Started.Equal(ret[j].Started) {
			return ret[i].Started.Before(ret[j].Started)
		}
		return ret[i].Target.String() < ret[j].Target.String()
	})
	return ret
}

// Finished returns the most recently finished builds, most recent first.
func (s *Scheduler) Finished() []FinishedBuild {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]FinishedBuild(nil), s.finished...)
}

// A LiveLog is the answer to a query for the current output of a build.
type LiveLog struct {
	// Text is the end of the build's log, or a message describing its state.
	Text string `json:"text"`
	// Poll is true if the caller should query again later.
	Poll   bool   `json:"poll"`
	Status Status `json:"status"`
}

// Status is the state of a target as seen by a live log query.
type Status string

// The states a target can be in.
const (
	StatusBuilding Status = "building"
	StatusPlanned  Status = "planned"
	StatusFinished Status = "finished"
	StatusUnknown  Status = "unknown"
)

// LiveLog returns the current output of the given target.
func (s *Scheduler) LiveLog(target core.BuildTarget) LiveLog {
	tail := int(s.config.Scheduler.LiveLogTail)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if ab, present := s.active[target]; present {
		output := ab.job.Output()
		return LiveLog{Text: output.Tail(tail), Poll: !output.Finished(), Status: StatusBuilding}
	} else if s.queue.Contains(target) {
		return LiveLog{Text: "waiting for a machine to become available", Poll: true, Status: StatusPlanned}
	}
	for _, f := range s.finished {
		if f.Target == target {
			return LiveLog{Text: f.log.Tail(tail), Status: StatusFinished}
		}
	}
	return LiveLog{Text: "nothing planned", Status: StatusUnknown}
}
