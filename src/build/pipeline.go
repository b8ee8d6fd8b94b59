// Package build runs a single package build on a leased machine.
//
// A Pipeline walks through a fixed sequence of stages. The first stage to fail stops the
// build; whatever happens, the machine is released exactly once at the end and the log is
// stored. Nothing a stage does, including panicking, escapes Run.
package build

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/lightbuildserver/lbs/src/buildlog"
	"github.com/lightbuildserver/lbs/src/core"
	"github.com/lightbuildserver/lbs/src/distro"
	"github.com/lightbuildserver/lbs/src/metrics"
	"github.com/lightbuildserver/lbs/src/pool"
	"github.com/lightbuildserver/lbs/src/remote"
)

var log = logging.MustGetLogger("build")

var buildsTotal = metrics.NewCounter("build", "builds_total", "Number of builds run.")
var failedBuilds = metrics.NewCounter("build", "failed_builds_total", "Number of builds that failed.")
var buildDuration = metrics.NewHistogram("build", "duration_seconds", "Duration of builds.", metrics.ExponentialBuckets(30, 2, 10))

// A Releaser gives machines back to the pool.
type Releaser interface {
	Release(ctx context.Context, lease pool.Lease) error
}

// A Fetcher downloads a project's packaging instructions into directories private to each build.
type Fetcher interface {
	NewDir(owner, project, branch string) (string, error)
	Fetch(ctx context.Context, owner, project, branch string, settings *core.ProjectConfig, dir string) error
	Remove(dir string) error
}

// A LogStore persists finished build logs.
type LogStore interface {
	Save(target core.BuildTarget, contents string) (int, error)
}

// A StrategyFactory returns the build strategy for a target's distribution.
type StrategyFactory func(params distro.Params) (distro.Strategy, error)

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Config       *core.Configuration
	NewContainer pool.ContainerFactory
	NewStrategy  StrategyFactory
	Fetcher      Fetcher
	Store        LogStore
	// Notifier may be nil if notifications are not configured.
	Notifier buildlog.Notifier
	Pool     Releaser
}

// A Result is the outcome of a build.
type Result struct {
	Target core.BuildTarget
	// Stage is the last stage the build reached.
	Stage Stage
	// BuildNumber is the number the log was stored under, or 0 if it couldn't be stored.
	BuildNumber int
	Err         error
	Duration    time.Duration
}

// Succeeded returns true if the build completed.
func (r Result) Succeeded() bool {
	return r.Err == nil && r.Stage == Done
}

// A Pipeline builds one target on one leased machine.
type Pipeline struct {
	Lease pool.Lease
	Spec  remote.MachineSpec
	Log   *buildlog.Log

	deps      Deps
	mutex     sync.Mutex
	stage     Stage
	container remote.Container
	strategy  distro.Strategy
	srcDir    string
}

// New creates a new Pipeline for the given lease.
func New(lease pool.Lease, spec remote.MachineSpec, deps Deps) *Pipeline {
	return &Pipeline{
		Lease: lease,
		Spec:  spec,
		Log:   buildlog.New(),
		deps:  deps,
	}
}

// Target returns the target being built.
func (p *Pipeline) Target() core.BuildTarget {
	return p.Lease.Target
}

// Output returns the log of the build.
func (p *Pipeline) Output() *buildlog.Log {
	return p.Log
}

// Stage returns the stage the build has currently reached.
func (p *Pipeline) Stage() Stage {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.stage
}

func (p *Pipeline) setStage(stage Stage) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stage = stage
}

// Run runs the build to completion and returns its result. It never panics.
func (p *Pipeline) Run(ctx context.Context) Result {
	start := time.Now()
	target := p.Target()
	p.Log.Print(" * Starting at %s", start.Format("2006-01-02 15:04:05 MST"))
	p.Log.Print(" * Building %s on %s", target, p.Lease.Machine)
	err := p.runStages(ctx)
	if err != nil {
		p.Log.Error("%s: %s", p.Stage()+1, err)
	} else {
		p.Log.Print("Success!")
	}
	if rerr := p.deps.Pool.Release(ctx, p.Lease); rerr != nil {
		p.Log.Print("Problems cleaning up %s: %s", p.Lease.Machine, rerr)
	}
	if p.srcDir != "" {
		if rerr := p.deps.Fetcher.Remove(p.srcDir); rerr != nil {
			log.Warning("Failed to remove %s: %s", p.srcDir, rerr)
		}
	}
	p.Log.Finish()
	result := Result{
		Target:   target,
		Stage:    p.Stage(),
		Err:      err,
		Duration: time.Since(start),
	}
	number, serr := p.deps.Store.Save(target, p.Log.String())
	if serr != nil {
		log.Error("Failed to store log of %s: %s", target, serr)
	}
	result.BuildNumber = number
	buildsTotal.Inc()
	if err != nil {
		failedBuilds.Inc()
	}
	buildDuration.Observe(result.Duration.Seconds())
	p.notify(result, start)
	return result
}

// notify sends a report of the build if it failed or success reports are wanted.
func (p *Pipeline) notify(result Result, start time.Time) {
	if p.deps.Notifier == nil || (result.Err == nil && !p.deps.Config.LBS.SendEmailOnSuccess) {
		return
	}
	if err := p.deps.Notifier.Notify(buildlog.Report{
		Target:    result.Target,
		Number:    result.BuildNumber,
		Succeeded: result.Succeeded(),
		Started:   start,
		Finished:  start.Add(result.Duration),
		Log:       p.Log.String(),
		To:        p.deps.Config.UserSettings(result.Target.Owner).EmailToAddress,
	}); err != nil {
		log.Warning("%s", err)
	}
}

// runStages runs each stage in turn until one fails. Panics are converted to errors.
func (p *Pipeline) runStages(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Build of %s panicked: %v\n%s", p.Target(), r, debug.Stack())
			err = fmt.Errorf("unexpected failure: %v", r)
		}
	}()
	for _, stage := range []struct {
		reached Stage
		run     func(context.Context) error
	}{
		{MachineReady, p.prepareMachine},
		{EnvironmentPrepared, p.prepareEnvironment},
		{SourceFetched, p.fetchSource},
		{DependenciesInstalled, p.installDependencies},
		{NetworkIsolated, p.isolateNetwork},
		{Built, p.build},
		{ArtifactsSynced, p.syncArtifacts},
		{RepoUpdated, p.updateRepo},
	} {
		if err := stage.run(ctx); err != nil {
			return err
		}
		p.setStage(stage.reached)
	}
	p.setStage(Done)
	return nil
}

// repoDir returns the directory of the target's repository, both here and on the build host.
func (p *Pipeline) repoDir() string {
	return filepath.Join(p.deps.Config.LBS.ReposPath, filepath.FromSlash(p.deps.Config.RepoPath(p.Target())))
}

// tarballDir returns the directory of the target's project's tarballs, both here and on the build host.
func (p *Pipeline) tarballDir() string {
	return filepath.Join(p.deps.Config.LBS.TarballsPath, filepath.FromSlash(p.Target().TarballPath()))
}

func (p *Pipeline) settings() distro.Settings {
	t := p.Target()
	return distro.Settings{
		DownloadURL: p.deps.Config.LBS.DownloadURL,
		PublicKey:   p.deps.Config.ProjectSettings(t.Owner, t.Project).PublicKey,
	}
}

func (p *Pipeline) prepareMachine(ctx context.Context) error {
	t := p.Target()
	p.Log.Print(" * Preparing the machine...")
	c, err := p.deps.NewContainer(p.Spec, p.Log)
	if err != nil {
		return err
	}
	p.container = c
	if err := c.InstallMount("/root/repo", p.repoDir()); err != nil {
		return err
	}
	if err := c.InstallMount("/root/tarball", p.tarballDir()); err != nil {
		return err
	}
	if p.srcDir, err = p.deps.Fetcher.NewDir(t.Owner, t.Project, t.Branch); err != nil {
		return err
	}
	s, err := p.deps.NewStrategy(distro.Params{
		Container: c,
		Log:       p.Log,
		Target:    t,
		SrcDir:    p.srcDir,
		RepoDir:   p.repoDir(),
		RepoPath:  p.deps.Config.RepoPath(t),
	})
	if err != nil {
		return err
	}
	p.strategy = s
	if err := c.Create(ctx, t.Distro, t.Release, t.Arch, ""); err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := s.PrepareMachineBeforeStart(ctx); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	p.Log.Print("container has been started successfully")
	return s.PrepareMachineAfterStart(ctx)
}

func (p *Pipeline) prepareEnvironment(ctx context.Context) error {
	return p.strategy.PrepareForBuilding(ctx)
}

func (p *Pipeline) fetchSource(ctx context.Context) error {
	t := p.Target()
	if err := p.deps.Fetcher.Fetch(ctx, t.Owner, t.Project, t.Branch, p.deps.Config.ProjectSettings(t.Owner, t.Project), p.srcDir); err != nil {
		return err
	}
	return p.container.PutToContainer(ctx, p.srcDir, "/root/")
}

func (p *Pipeline) installDependencies(ctx context.Context) error {
	if err := p.strategy.InstallRequiredPackages(ctx, p.deps.Config.LBS.DownloadURL); err != nil {
		return err
	}
	if err := p.strategy.DownloadSources(ctx); err != nil {
		return err
	}
	return p.strategy.SetupEnvironment(ctx, p.Target().Branch)
}

func (p *Pipeline) isolateNetwork(ctx context.Context) error {
	return p.strategy.DisableOutgoingNetwork(ctx)
}

func (p *Pipeline) build(ctx context.Context) error {
	return p.strategy.BuildPackage(ctx, p.settings())
}

func (p *Pipeline) syncArtifacts(ctx context.Context) error {
	if err := p.container.GetFromHost(ctx, p.repoDir(), ""); err != nil {
		return fmt.Errorf("failed to sync repository: %w", err)
	}
	if err := p.container.GetFromHost(ctx, p.tarballDir(), ""); err != nil {
		return fmt.Errorf("failed to sync tarballs: %w", err)
	}
	return nil
}

func (p *Pipeline) updateRepo(ctx context.Context) error {
	return p.strategy.CreateRepoFile(ctx, p.settings())
}
