// Package distro knows how to build packages for each family of Linux distribution.
//
// A Strategy runs a fixed sequence of steps against a started container. The build
// pipeline drives the steps in order; this package only decides which commands they run.
package distro

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/op/go-logging.v1"

	"github.com/lightbuildserver/lbs/src/buildlog"
	"github.com/lightbuildserver/lbs/src/core"
	"github.com/lightbuildserver/lbs/src/remote"
)

var log = logging.MustGetLogger("distro")

// A Strategy implements the distribution-specific steps of a build.
// Each step returns an error if it did not succeed; the caller stops at the first one.
type Strategy interface {
	// PrepareMachineBeforeStart runs after the container has been created but before it starts.
	PrepareMachineBeforeStart(ctx context.Context) error
	// PrepareMachineAfterStart runs once the container is reachable.
	PrepareMachineAfterStart(ctx context.Context) error
	// PrepareForBuilding brings the container up to date and installs the build toolchain.
	PrepareForBuilding(ctx context.Context) error
	// InstallRequiredPackages configures extra repositories and installs the package's build dependencies.
	InstallRequiredPackages(ctx context.Context, downloadURL string) error
	// DownloadSources fetches upstream source files while the network is still available.
	DownloadSources(ctx context.Context) error
	// SetupEnvironment runs the package's setup script, if it has one, for the given branch.
	SetupEnvironment(ctx context.Context, branch string) error
	// DisableOutgoingNetwork blocks all outbound traffic from the container except to its own network.
	DisableOutgoingNetwork(ctx context.Context) error
	// BuildPackage builds the package and adds the results to the container's repository mount.
	BuildPackage(ctx context.Context, settings Settings) error
	// CreateRepoFile writes the file that users install to consume the repository.
	CreateRepoFile(ctx context.Context, settings Settings) error
}

// Params describes the build a Strategy is created for.
type Params struct {
	Container remote.Container
	Log       *buildlog.Log
	Target    core.BuildTarget
	// SrcDir is the local copy of the project's packaging instructions.
	SrcDir string
	// RepoDir is the local directory of the repository the package is published into.
	RepoDir string
	// RepoPath is the repository's path relative to the repos root, including any secret.
	RepoPath string
}

// Settings are the server-wide settings that affect how packages are built and published.
type Settings struct {
	// DownloadURL is the public URL that repositories are served under.
	DownloadURL string
	// PublicKey is the URL of the key the project's packages are signed with, if any.
	PublicKey string
}

// New returns the Strategy for the distribution of the given target.
func New(params Params) (Strategy, error) {
	rpmBased, err := isRPM(params.Target.Distro)
	if err != nil {
		return nil, err
	}
	b := &base{Params: params}
	if !rpmBased {
		return &deb{base: b}, nil
	}
	dnf, err := usesDNF(params.Target.Distro, params.Target.Release)
	if err != nil {
		return nil, err
	}
	r := &rpm{base: b, pm: "yum"}
	if dnf {
		r.pm = "dnf"
	}
	return r, nil
}

var (
	firstDNFFedora = semver.MustParse("22")
	firstDNFRHEL   = semver.MustParse("8")
)

// usesDNF returns true if the given release uses dnf rather than yum.
func usesDNF(distro, release string) (bool, error) {
	if distro == "fedora" && release == "rawhide" {
		return true, nil
	}
	v, err := semver.NewVersion(release)
	if err != nil {
		return false, fmt.Errorf("unknown release %s of %s: %w", release, distro, err)
	}
	if distro == "fedora" {
		return !v.LessThan(firstDNFFedora), nil
	}
	return !v.LessThan(firstDNFRHEL), nil
}
