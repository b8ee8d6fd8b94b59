package distro

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/alessio/shellescape"
	"gopkg.in/yaml.v3"
)

// packagingConfig is the config.yml at the top of a packaging repository.
type packagingConfig struct {
	// LBS holds extra repositories and keys, keyed by distribution then release.
	LBS map[string]map[string]releaseConfig `yaml:"lbs"`
	// Sources lists upstream files to download for each package.
	Sources map[string][]string `yaml:"sources"`
}

type releaseConfig struct {
	Repos []string `yaml:"repos"`
	Keys  []string `yaml:"keys"`
}

// base implements the steps that are the same for all distributions.
type base struct {
	Params
	config *packagingConfig
}

func (b *base) run(ctx context.Context, command string) error {
	return b.Container.Execute(ctx, command)
}

// runAll runs commands in order, stopping at the first failure.
func (b *base) runAll(ctx context.Context, commands ...string) error {
	for _, cmd := range commands {
		if err := b.run(ctx, cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

// remoteDir returns the directory of the package's instructions inside the container.
func (b *base) remoteDir() string {
	return path.Join("lbs-"+b.Target.Project, b.Target.Package)
}

// localDir returns the directory of the package's instructions on this server.
func (b *base) localDir() string {
	return filepath.Join(b.SrcDir, b.Target.Package)
}

// packagingConfig reads config.yml from the packaging repository. A missing file is not an error.
func (b *base) packagingConfig() (*packagingConfig, error) {
	if b.config != nil {
		return b.config, nil
	}
	config := &packagingConfig{}
	data, err := os.ReadFile(filepath.Join(b.SrcDir, "config.yml"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	} else if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("invalid config.yml: %w", err)
		}
	}
	b.config = config
	return config, nil
}

// releaseConfig returns the extra repositories and keys configured for the target's release.
func (b *base) releaseConfig() (releaseConfig, error) {
	config, err := b.packagingConfig()
	if err != nil {
		return releaseConfig{}, err
	}
	return config.LBS[b.Target.Distro][b.Target.Release], nil
}

func (b *base) PrepareMachineBeforeStart(ctx context.Context) error {
	return nil
}

func (b *base) PrepareMachineAfterStart(ctx context.Context) error {
	return nil
}

// DownloadSources downloads the package's upstream files into ~/sources. Files are cached
// in the tarball mount so each one is only fetched from upstream once per project.
func (b *base) DownloadSources(ctx context.Context) error {
	config, err := b.packagingConfig()
	if err != nil {
		return err
	}
	if err := b.run(ctx, "mkdir -p sources"); err != nil {
		return err
	}
	for _, url := range config.Sources[b.Target.Package] {
		cached := shellescape.Quote(path.Join("/root/tarball", path.Base(url)))
		cmd := fmt.Sprintf("if [ ! -f %s ]; then curl -L --fail -o %s %s; fi && cp %s sources/", cached, cached, shellescape.Quote(url), cached)
		if err := b.run(ctx, cmd); err != nil {
			return fmt.Errorf("failed to download %s: %w", url, err)
		}
	}
	return nil
}

// SetupEnvironment runs setup.sh from the package's directory if there is one.
func (b *base) SetupEnvironment(ctx context.Context, branch string) error {
	if _, err := os.Stat(filepath.Join(b.localDir(), "setup.sh")); os.IsNotExist(err) {
		return nil
	}
	b.Log.Print("Running setup.sh for branch %s", branch)
	return b.run(ctx, "cd "+shellescape.Quote(b.remoteDir())+" && chmod +x setup.sh && ./setup.sh "+shellescape.Quote(branch))
}

// DisableOutgoingNetwork drops all outbound traffic except loopback, established connections
// and the container's directly attached networks.
func (b *base) DisableOutgoingNetwork(ctx context.Context) error {
	return b.runAll(ctx,
		"iptables -A OUTPUT -o lo -j ACCEPT",
		"iptables -A OUTPUT -m state --state ESTABLISHED,RELATED -j ACCEPT",
		"for net in $(ip -4 route show scope link | awk '{print $1}'); do iptables -A OUTPUT -d $net -j ACCEPT; done",
		"iptables -P OUTPUT DROP",
	)
}

// repoURL returns the public URL of the target's repository.
func (b *base) repoURL(settings Settings) string {
	return settings.DownloadURL + "/repos/" + b.RepoPath
}

// repoName returns the name the repository is published under.
func (b *base) repoName() string {
	return "lbs-" + b.Target.Owner + "-" + b.Target.Project
}

// installOwnRepo copies the project's own repository file into the container, if it has been published yet.
func (b *base) installOwnRepo(ctx context.Context, filename, dest string) error {
	local := filepath.Join(b.RepoDir, filename)
	if _, err := os.Stat(local); err != nil {
		return nil
	}
	return b.Container.PutToContainer(ctx, local, dest)
}
