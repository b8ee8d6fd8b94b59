package distro

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/karrick/godirwalk"
)

// rpm builds packages for Fedora and the Red Hat family.
type rpm struct {
	*base
	// pm is the package manager, yum or dnf.
	pm string
}

func (r *rpm) PrepareForBuilding(ctx context.Context) error {
	if err := r.run(ctx, r.pm+" -y update"); err != nil {
		if err := r.run(ctx, r.pm+" clean all && "+r.pm+" -y update"); err != nil {
			return err
		}
	}
	utils := "yum-utils"
	if r.pm == "dnf" {
		utils = "'dnf-command(config-manager)' 'dnf-command(builddep)'"
	}
	return r.runAll(ctx,
		r.pm+" -y install tar createrepo gcc rpm-build gnupg make curl rsync iptables iproute "+utils,
		"mkdir -p rpmbuild/{BUILD,RPMS,SOURCES,SPECS,SRPMS}",
	)
}

// specFile returns the name of the package's spec file.
func (r *rpm) specFile() string {
	return SpecFilename(r.localDir(), r.Target.Package)
}

func (r *rpm) InstallRequiredPackages(ctx context.Context, downloadURL string) error {
	rc, err := r.releaseConfig()
	if err != nil {
		return err
	}
	for _, repo := range rc.Repos {
		var cmd string
		switch {
		case strings.HasSuffix(repo, ".repo"):
			cmd = "cd /etc/yum.repos.d/ && curl -L -o " + shellescape.Quote(path.Base(repo)) + " " + shellescape.Quote(repo)
		case strings.HasSuffix(repo, ".rpm"):
			cmd = r.pm + " -y install " + shellescape.Quote(repo)
		case strings.HasPrefix(repo, "http://"), strings.HasPrefix(repo, "https://"):
			if r.pm == "dnf" {
				cmd = "dnf config-manager --add-repo " + shellescape.Quote(repo)
			} else {
				cmd = "yum-config-manager --add-repo " + shellescape.Quote(repo)
			}
		default:
			cmd = r.pm + " -y install " + shellescape.Quote(repo)
		}
		if err := r.run(ctx, cmd); err != nil {
			return fmt.Errorf("failed to install repository %s: %w", repo, err)
		}
	}
	for _, key := range rc.Keys {
		if err := r.run(ctx, "rpm --import "+shellescape.Quote(key)); err != nil {
			return fmt.Errorf("failed to import key %s: %w", key, err)
		}
	}
	if err := r.installOwnRepo(ctx, r.repoName()+".repo", "/etc/yum.repos.d/"); err != nil {
		return err
	}
	r.run(ctx, r.pm+" clean metadata")

	if _, err := os.Stat(filepath.Join(r.localDir(), r.specFile())); err != nil {
		r.Log.Print("No spec file found for %s, not installing build dependencies", r.Target.Package)
		return nil
	}
	tmpSpec := "/tmp/" + r.Target.Package + ".spec"
	builddep := "yum-builddep"
	if r.pm == "dnf" {
		builddep = "dnf builddep"
	}
	return r.runAll(ctx,
		"sed -e 's/Release:.*%{release}/Release: 0/g' "+shellescape.Quote(path.Join(r.remoteDir(), r.specFile()))+" > "+tmpSpec,
		builddep+" -y "+tmpSpec,
	)
}

// macros returns the values substituted for the distribution conditionals in spec files.
func (r *rpm) macros() (rhel, fedora string) {
	if r.Target.Distro == "fedora" {
		if r.Target.Release == "rawhide" {
			return "0", "99"
		}
		return "0", r.Target.Release
	}
	return strings.SplitN(r.Target.Release, ".", 2)[0], "0"
}

// rpmArch returns the rpm name of the target's architecture.
func (r *rpm) rpmArch() string {
	switch r.Target.Arch {
	case "amd64":
		return "x86_64"
	case "i686":
		return "i386"
	}
	return r.Target.Arch
}

func (r *rpm) BuildPackage(ctx context.Context, settings Settings) error {
	specFile := r.specFile()
	if _, err := os.Stat(filepath.Join(r.localDir(), specFile)); err != nil {
		return fmt.Errorf("cannot find %s for package %s", specFile, r.Target.Package)
	}
	remoteSpec := shellescape.Quote(path.Join(r.remoteDir(), specFile))
	buildSpec := "rpmbuild/SPECS/" + r.Target.Package + ".spec"
	rhel, fedora := r.macros()
	if err := r.runAll(ctx,
		`sed -i "s/0%{?suse_version}/0/g; s/0%{?rhel}/`+rhel+`/g; s/0%{?fedora}/`+fedora+`/g" `+remoteSpec,
		"cp "+remoteSpec+" "+buildSpec,
		"cp -R "+shellescape.Quote(r.remoteDir())+"/* rpmbuild/SOURCES",
		"if ls sources/* >/dev/null 2>&1; then mv sources/* rpmbuild/SOURCES; fi",
	); err != nil {
		return err
	}
	version, arch := r.specVersion(ctx, specFile)
	number := NextBuildNumber(filepath.Join(r.RepoDir, arch), r.Target.Package, version, "."+arch+".rpm")
	r.Log.Print("Building %s version %s, release %d", r.Target.Package, version, number)
	return r.runAll(ctx,
		"sed -i -e 's/Release:.*%{release}/Release: "+strconv.Itoa(number)+"/g' "+buildSpec,
		"rpmbuild -ba "+buildSpec,
		"mkdir -p ~/repo/src",
		"cp ~/rpmbuild/SRPMS/*.src.rpm ~/repo/src",
		"cp -R ~/rpmbuild/RPMS/* ~/repo",
		"cd ~/repo && createrepo .",
	)
}

// specVersion returns the version and architecture declared by the spec file. The copy in the
// container is preferred since setup.sh may have rewritten it.
func (r *rpm) specVersion(ctx context.Context, specFile string) (string, string) {
	local := filepath.Join(r.localDir(), specFile)
	if tmp, err := os.MkdirTemp("", "lbs-spec"); err == nil {
		defer os.RemoveAll(tmp)
		if err := r.Container.GetFromContainer(ctx, path.Join("/root", r.remoteDir(), specFile), tmp); err == nil {
			if _, err := os.Stat(filepath.Join(tmp, specFile)); err == nil {
				local = filepath.Join(tmp, specFile)
			}
		}
	}
	version, arch := "1.0.0", r.rpmArch()
	f, err := os.Open(local)
	if err != nil {
		return version, arch
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "%define version "); ok {
			version = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(line, "Version: "); ok && !strings.Contains(v, "%{version}") {
			version = strings.TrimSpace(v)
		} else if a, ok := strings.CutPrefix(line, "BuildArch: "); ok {
			arch = strings.TrimSpace(a)
		}
	}
	return version, arch
}

func (r *rpm) CreateRepoFile(ctx context.Context, settings Settings) error {
	if _, err := os.Stat(filepath.Join(r.RepoDir, "repodata")); err != nil {
		log.Debug("No repodata in %s yet, not writing repo file", r.RepoDir)
		return nil
	}
	var b strings.Builder
	name := r.repoName()
	fmt.Fprintf(&b, "[%s]\n", name)
	fmt.Fprintf(&b, "name=LBS-%s-%s\n", r.Target.Owner, r.Target.Project)
	fmt.Fprintf(&b, "baseurl=%s\n", r.repoURL(settings))
	b.WriteString("enabled=1\n")
	if settings.PublicKey != "" {
		fmt.Fprintf(&b, "gpgcheck=1\ngpgkey=%s\n", settings.PublicKey)
	} else {
		b.WriteString("gpgcheck=0\n")
	}
	return os.WriteFile(filepath.Join(r.RepoDir, name+".repo"), []byte(b.String()), 0644)
}

// SpecFilename returns the name of the spec file in a package directory. A spec whose
// base name prefixes the package name is preferred, otherwise <package>.spec is assumed.
func SpecFilename(dir, pkg string) string {
	names, _ := godirwalk.ReadDirnames(dir, nil)
	sort.Strings(names)
	for _, name := range names {
		if strings.HasSuffix(name, ".spec") && strings.HasPrefix(pkg, strings.SplitN(name, ".", 2)[0]) {
			return name
		}
	}
	return pkg + ".spec"
}

// NextBuildNumber returns the release number for the next build of a package version,
// one higher than any already published in dir as <pkg>-<version>-<n>[.dist]<suffix>.
func NextBuildNumber(dir, pkg, version, suffix string) int {
	names, err := godirwalk.ReadDirnames(dir, nil)
	if err != nil {
		return 0
	}
	prefix := pkg + "-" + version + "-"
	next := 0
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		rel := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		rel, _, _ = strings.Cut(rel, ".")
		if n, err := strconv.Atoi(rel); err == nil && n >= next {
			next = n + 1
		}
	}
	return next
}
