// Utilities for reading the server config files.

package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/please-build/gcfg"

	"github.com/lightbuildserver/lbs/src/cli"
)

// ConfigFileName is the file name for the typical config file.
const ConfigFileName string = "lbs.conf"

// DefaultMachinePriority is the priority given to machines that don't declare one.
// Lower numbers are preferred.
const DefaultMachinePriority = 1

// Backend types that a machine may declare.
const (
	BackendDocker = "docker"
	BackendIncus  = "incus"
	BackendLXC    = "lxc"
	BackendCopr   = "copr"
)

var knownBackends = map[string]bool{
	BackendDocker: true,
	BackendIncus:  true,
	BackendLXC:    true,
	BackendCopr:   true,
}

// Source hosts that packaging instructions can be fetched from.
const (
	SourceHostGitHub = "github"
	SourceHostGitLab = "gitlab"
	SourceHostGitea  = "gitea"
)

// A Configuration contains all the settings that can be configured about the server.
// This is parsed from lbs.conf which is an ini-style file.
type Configuration struct {
	LBS struct {
		URL                string `gcfg:"lbsurl" help:"Public URL of this server, used for links in notification mails."`
		DownloadURL        string `gcfg:"downloadurl" help:"Public URL that built repositories are served under."`
		LogsPath           string `help:"Directory that finished build logs are stored under."`
		ReposPath          string `help:"Directory on the build hosts and locally that package repositories live in."`
		TarballsPath       string `help:"Directory on the build hosts and locally that source tarballs live in."`
		SSHKeyPath         string `help:"Directory that relative private key paths of the build machines are resolved against."`
		WorkPath           string `help:"Directory that packaging instructions are fetched into."`
		DeleteLogAfterDays int    `help:"Logs older than this many days are deleted."`
		KeepMinimumLogs    int    `help:"Minimum number of logs kept per build target regardless of age."`
		SendEmailOnSuccess bool   `help:"Sends a notification mail for successful builds as well as failed ones."`
		EmailFromAddress   string `help:"Sender address of notification mails."`
		SMTPServer         string `gcfg:"smtpserver" help:"host:port of the SMTP relay used for notifications. Notifications are disabled if unset."`
	} `gcfg:"lbs"`
	Scheduler struct {
		IdleDelay       cli.Duration `help:"Delay between scheduling passes when nothing has changed."`
		HangTimeout     cli.Duration `help:"Builds whose log has not changed for this long have their machine released."`
		FinishedHistory int          `help:"Number of finished builds remembered for display."`
		LiveLogTail     cli.ByteSize `help:"Maximum amount of a running build's log returned by a live log query."`
		CommandTimeout  cli.Duration `help:"Timeout for a single command run inside a build container."`
		ReleaseTimeout  cli.Duration `help:"Timeout for stopping and destroying a container when its machine is released."`
	}
	Fetch struct {
		Retries   int          `help:"Number of times a failed download of packaging instructions is retried."`
		RetryWait cli.Duration `help:"Wait between retries of failed downloads."`
		Timeout   cli.Duration `help:"Timeout for a single download attempt."`
	}
	Rsync struct {
		Flags   string       `help:"Flags passed to rsync when syncing trees to and from build machines."`
		Timeout cli.Duration `help:"Timeout for a single rsync invocation."`
	}
	Machine map[string]*MachineConfig `help:"Build machines, keyed by host name."`
	User    map[string]*UserConfig    `help:"Users, keyed by name."`
	Project map[string]*ProjectConfig `help:"Projects, keyed by owner/project."`
}

// A MachineConfig is the configuration of a single build machine.
type MachineConfig struct {
	Type       string `help:"Container technology on this machine: docker, incus or lxc."`
	Port       int    `help:"SSH port of the physical host."`
	Cid        int    `help:"Numeric slot of this machine's container; also determines its address and port."`
	PrivateKey string `help:"Path to the private key used to log into the host and its containers. Relative paths are under lbs.sshkeypath."`
	Static     bool   `help:"Container has a static address and is reused between builds."`
	Local      bool   `help:"Container runs on the same host as this server."`
	Priority   int    `help:"Scheduling priority; machines with lower numbers are used first."`
	Disabled   bool   `help:"Disabled machines are never used for builds."`
}

// A UserConfig is the configuration of a single user.
type UserConfig struct {
	EmailToAddress string `help:"Address that notification mails for this user's builds are sent to."`
	Secret         string `help:"Secret path component inserted into this user's repository URLs."`
}

// A ProjectConfig is the configuration of a single project.
type ProjectConfig struct {
	SourceHost string   `help:"Host type the packaging instructions are fetched from: github, gitlab or gitea."`
	GitURL     string   `gcfg:"giturl" help:"Base URL of the owner on the source host, e.g. https://github.com/alice."`
	Token      string   `help:"Private token for fetching from private repositories."`
	DependsOn  []string `help:"Other projects (as owner/project) whose builds must finish before this project's builds start."`
	PublicKey  string   `help:"URL of the public key that this project's packages are signed with."`
}

// DefaultConfiguration returns the default configuration.
func DefaultConfiguration() *Configuration {
	config := Configuration{}
	config.LBS.LogsPath = "/var/lib/lbs/logs"
	config.LBS.ReposPath = "/var/www/repos"
	config.LBS.TarballsPath = "/var/www/tarballs"
	config.LBS.SSHKeyPath = "/var/lib/lbs/ssh"
	config.LBS.WorkPath = "/var/lib/lbs/src"
	config.LBS.DeleteLogAfterDays = 20
	config.LBS.KeepMinimumLogs = 5
	config.Scheduler.IdleDelay = cli.Duration(2 * time.Second)
	config.Scheduler.HangTimeout = cli.Duration(2 * time.Hour)
	config.Scheduler.FinishedHistory = 20
	config.Scheduler.LiveLogTail = 16 * 1024
	config.Scheduler.CommandTimeout = cli.Duration(4 * time.Hour)
	config.Scheduler.ReleaseTimeout = cli.Duration(10 * time.Minute)
	config.Fetch.Retries = 5
	config.Fetch.RetryWait = cli.Duration(10 * time.Second)
	config.Fetch.Timeout = cli.Duration(5 * time.Minute)
	config.Rsync.Flags = "-avz --delete"
	config.Rsync.Timeout = cli.Duration(1 * time.Hour)
	config.Machine = map[string]*MachineConfig{}
	config.User = map[string]*UserConfig{}
	config.Project = map[string]*ProjectConfig{}
	return &config
}

// ReadConfigFile reads a config file into a configuration object, applying defaults
// and validating the result.
func ReadConfigFile(filename string) (*Configuration, error) {
	config := DefaultConfiguration()
	if err := gcfg.ReadFileInto(config, filename); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s does not exist", filename)
		}
		return nil, err
	}
	config.applyDefaults()
	return config, config.Validate()
}

// ReadConfigString is like ReadConfigFile but reads from a string.
func ReadConfigString(contents string) (*Configuration, error) {
	config := DefaultConfiguration()
	if err := gcfg.ReadStringInto(config, contents); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return config, config.Validate()
}

func (config *Configuration) applyDefaults() {
	for _, m := range config.Machine {
		if m.Priority == 0 {
			m.Priority = DefaultMachinePriority
		}
		if m.Port == 0 {
			m.Port = 22
		}
	}
	for _, p := range config.Project {
		if p.SourceHost == "" {
			p.SourceHost = SourceHostGitHub
		}
	}
}

// Validate checks the configuration for errors. All problems found are returned together.
func (config *Configuration) Validate() error {
	var errs *multierror.Error
	if len(config.Machine) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("no build machines configured"))
	}
	slots := map[string]string{}
	for _, host := range config.MachineNames() {
		m := config.Machine[host]
		if !knownBackends[m.Type] {
			errs = multierror.Append(errs, fmt.Errorf("machine %s: unknown type %q", host, m.Type))
		}
		if m.Cid <= 0 || m.Cid > 254 {
			errs = multierror.Append(errs, fmt.Errorf("machine %s: cid must be between 1 and 254, was %d", host, m.Cid))
		}
		if m.PrivateKey == "" {
			errs = multierror.Append(errs, fmt.Errorf("machine %s: no private key given", host))
		}
		if strings.Contains(host, "example.org") {
			errs = multierror.Append(errs, fmt.Errorf("machine %s: replace example.org with an actual host name", host))
		}
		slot := fmt.Sprintf("%s/%d", m.Type, m.Cid)
		if m.Local {
			if other, present := slots[slot]; present {
				errs = multierror.Append(errs, fmt.Errorf("machines %s and %s share local slot %d", other, host, m.Cid))
			}
			slots[slot] = host
		}
	}
	for name, p := range config.Project {
		if strings.Count(name, "/") != 1 {
			errs = multierror.Append(errs, fmt.Errorf("project %q: must be named owner/project", name))
		}
		switch p.SourceHost {
		case SourceHostGitHub, SourceHostGitLab, SourceHostGitea:
		default:
			errs = multierror.Append(errs, fmt.Errorf("project %s: unknown source host %q", name, p.SourceHost))
		}
		for _, dep := range p.DependsOn {
			if strings.Count(dep, "/") != 1 {
				errs = multierror.Append(errs, fmt.Errorf("project %s: dependency %q must be named owner/project", name, dep))
			}
		}
	}
	if config.Scheduler.FinishedHistory < 0 {
		errs = multierror.Append(errs, fmt.Errorf("scheduler: finishedhistory cannot be negative"))
	}
	return errs.ErrorOrNil()
}

// MachineNames returns the names of all configured machines, in a stable order.
func (config *Configuration) MachineNames() []string {
	names := make([]string, 0, len(config.Machine))
	for name := range config.Machine {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KeyFile returns the path of the private key for the given machine.
func (config *Configuration) KeyFile(machine *MachineConfig) string {
	if machine.PrivateKey == "" || filepath.IsAbs(machine.PrivateKey) {
		return machine.PrivateKey
	}
	return filepath.Join(config.LBS.SSHKeyPath, machine.PrivateKey)
}

// ProjectSettings returns the settings of the given project, or the defaults if it isn't configured.
func (config *Configuration) ProjectSettings(owner, project string) *ProjectConfig {
	if p, present := config.Project[owner+"/"+project]; present {
		return p
	}
	return &ProjectConfig{SourceHost: SourceHostGitHub}
}

// UserSettings returns the settings of the given user, or empty ones if they aren't configured.
func (config *Configuration) UserSettings(owner string) *UserConfig {
	if u, present := config.User[owner]; present {
		return u
	}
	return &UserConfig{}
}

// RepoPath returns the relative repository path for a target, taking the owner's secret into account.
func (config *Configuration) RepoPath(target BuildTarget) string {
	if secret := config.UserSettings(target.Owner).Secret; secret != "" {
		return strings.Join([]string{target.Owner, secret, target.Project, target.Distro, target.Release}, "/")
	}
	return target.RepoPath()
}
