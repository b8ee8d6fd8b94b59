// Package main implements the build server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/lightbuildserver/lbs/src/build"
	"github.com/lightbuildserver/lbs/src/buildlog"
	"github.com/lightbuildserver/lbs/src/cli"
	"github.com/lightbuildserver/lbs/src/core"
	"github.com/lightbuildserver/lbs/src/deps"
	"github.com/lightbuildserver/lbs/src/distro"
	"github.com/lightbuildserver/lbs/src/fetch"
	"github.com/lightbuildserver/lbs/src/metrics/prometheus"
	"github.com/lightbuildserver/lbs/src/pool"
	"github.com/lightbuildserver/lbs/src/remote"
	"github.com/lightbuildserver/lbs/src/scheduler"
	"github.com/lightbuildserver/lbs/src/server"
)

var log = logging.MustGetLogger("lbs")

// version is set at link time.
var version = "dev"

var opts = struct {
	Usage       string
	Verbosity   cli.Verbosity `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (higher number = more output)"`
	Config      string        `short:"c" long:"config" default:"/etc/lbs/lbs.conf" description:"Config file to load"`
	Port        int           `short:"p" long:"port" default:"8080" description:"Port to serve on"`
	DialTimeout cli.Duration  `long:"dial_timeout" default:"30s" description:"Timeout for establishing SSH connections to build machines"`
}{
	Usage: `
lbs is a build server for Linux packages.

It builds packages from packaging instructions hosted alongside each project, in fresh
containers on a pool of build machines, and publishes the results as package repositories.
Builds are triggered over HTTP and run in an order that respects the dependencies between
packages and between projects.
`,
}

func main() {
	cli.ParseFlagsOrDie("lbs", &opts)
	cli.InitLogging(opts.Verbosity)
	if _, err := maxprocs.Set(maxprocs.Logger(log.Info)); err != nil {
		log.Warning("Failed to set GOMAXPROCS: %s", err)
	}
	config, err := core.ReadConfigFile(opts.Config)
	if err != nil {
		log.Fatalf("Failed to read config: %s", err)
	}
	if err := run(config); err != nil {
		log.Fatalf("%s", err)
	}
}

func run(config *core.Configuration) error {
	prometheus.Register(version, nil)

	rsync, err := remote.NewRsync(config.Rsync.Flags, time.Duration(config.Rsync.Timeout))
	if err != nil {
		return err
	}
	executor := remote.NewSSHExecutor(time.Duration(opts.DialTimeout))
	newContainer := func(spec remote.MachineSpec, out io.Writer) (remote.Container, error) {
		return remote.New(spec, executor, rsync, out)
	}
	p := pool.New(config, newContainer)
	fetcher := fetch.New(config.LBS.WorkPath, config.Fetch.Retries, time.Duration(config.Fetch.RetryWait), time.Duration(config.Fetch.Timeout))
	store := buildlog.NewStore(config.LBS.LogsPath, config.LBS.DeleteLogAfterDays, config.LBS.KeepMinimumLogs)
	var notifier buildlog.Notifier
	if config.LBS.SMTPServer != "" {
		notifier = buildlog.NewMailNotifier(config.LBS.SMTPServer, config.LBS.EmailFromAddress, config.LBS.URL)
	} else {
		log.Warning("No SMTP server configured, notifications are disabled")
	}
	buildDeps := build.Deps{
		Config:       config,
		NewContainer: newContainer,
		NewStrategy:  distro.New,
		Fetcher:      fetcher,
		Store:        store,
		Notifier:     notifier,
		Pool:         p,
	}
	launch := func(lease pool.Lease) (scheduler.Job, error) {
		spec, ok := p.Spec(lease.Machine)
		if !ok {
			return nil, fmt.Errorf("unknown machine %s", lease.Machine)
		}
		return build.New(lease, spec, buildDeps), nil
	}
	loadPackages := func(ctx context.Context, owner, project, branch, distroName string) ([]deps.Package, error) {
		dir, err := fetcher.NewDir(owner, project, branch)
		if err != nil {
			return nil, err
		}
		defer fetcher.Remove(dir)
		if err := fetcher.Fetch(ctx, owner, project, branch, config.ProjectSettings(owner, project), dir); err != nil {
			return nil, err
		}
		return distro.LoadPackages(dir, distroName)
	}
	s := scheduler.New(config, p, launch, loadPackages)
	srv := server.New(s, p, store, prometheus.Handler(nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(ctx)
	})
	g.Go(func() error {
		return srv.Serve(ctx, opts.Port)
	})
	err = g.Wait()
	log.Notice("Waiting for machines to be cleaned up")
	p.Wait()
	return err
}
