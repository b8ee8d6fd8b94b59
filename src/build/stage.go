package build

import "fmt"

// A Stage is a point that a build has reached.
type Stage int

const (
	// Preparing is the initial stage, before a container exists.
	Preparing Stage = iota
	// MachineReady means the container is created and started.
	MachineReady
	// EnvironmentPrepared means the container is updated and has the build toolchain.
	EnvironmentPrepared
	// SourceFetched means the packaging instructions are in the container.
	SourceFetched
	// DependenciesInstalled means build dependencies and upstream sources are in place.
	DependenciesInstalled
	// NetworkIsolated means the container can no longer reach the outside world.
	NetworkIsolated
	// Built means the package has been built into the container's repository.
	Built
	// ArtifactsSynced means the repository and tarballs have been copied back to this server.
	ArtifactsSynced
	// RepoUpdated means the repository file for users has been written.
	RepoUpdated
	// Done means the build completed successfully.
	Done
)

var stageNames = [...]string{
	Preparing:             "Preparing",
	MachineReady:          "MachineReady",
	EnvironmentPrepared:   "EnvironmentPrepared",
	SourceFetched:         "SourceFetched",
	DependenciesInstalled: "DependenciesInstalled",
	NetworkIsolated:       "NetworkIsolated",
	Built:                 "Built",
	ArtifactsSynced:       "ArtifactsSynced",
	RepoUpdated:           "RepoUpdated",
	Done:                  "Done",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}
