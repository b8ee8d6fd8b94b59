package distro

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
)

const aptGet = "DEBIAN_FRONTEND=noninteractive apt-get"

// deb builds packages for Debian and Ubuntu.
type deb struct {
	*base
}

func (d *deb) PrepareForBuilding(ctx context.Context) error {
	return d.runAll(ctx,
		aptGet+" update",
		aptGet+" -y upgrade",
		aptGet+" -y install build-essential ca-certificates curl rsync devscripts equivs dpkg-dev iptables iproute2 gnupg locales",
	)
}

func (d *deb) InstallRequiredPackages(ctx context.Context, downloadURL string) error {
	rc, err := d.releaseConfig()
	if err != nil {
		return err
	}
	for _, key := range rc.Keys {
		if err := d.run(ctx, "curl -L "+shellescape.Quote(key)+" | apt-key add -"); err != nil {
			return fmt.Errorf("failed to import key %s: %w", key, err)
		}
	}
	for _, repo := range rc.Repos {
		if err := d.run(ctx, "echo "+shellescape.Quote(repo)+" >> /etc/apt/sources.list.d/lbs-extra.list"); err != nil {
			return fmt.Errorf("failed to add repository %s: %w", repo, err)
		}
	}
	if err := d.installOwnRepo(ctx, d.repoName()+".list", "/etc/apt/sources.list.d/"); err != nil {
		return err
	}
	if err := d.run(ctx, aptGet+" update"); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(d.localDir(), "debian", "control")); err != nil {
		d.Log.Print("No debian/control found for %s, not installing build dependencies", d.Target.Package)
		return nil
	}
	return d.run(ctx, "cd "+shellescape.Quote(d.remoteDir())+" && mk-build-deps --install --remove --tool '"+aptGet+" -y --no-install-recommends' debian/control")
}

func (d *deb) BuildPackage(ctx context.Context, settings Settings) error {
	if _, err := os.Stat(filepath.Join(d.localDir(), "debian")); err != nil {
		return fmt.Errorf("cannot find debian directory for package %s", d.Target.Package)
	}
	dir := shellescape.Quote(d.remoteDir())
	repo := "~/repo/" + d.Target.Arch
	return d.runAll(ctx,
		"if ls sources/* >/dev/null 2>&1; then mv sources/* "+dir+"/; fi",
		"cd "+dir+" && dpkg-buildpackage -b -us -uc",
		"mkdir -p "+repo,
		"cp lbs-"+d.Target.Project+"/*.deb "+repo,
		"cd ~/repo && dpkg-scanpackages -m . /dev/null | gzip -9c > Packages.gz",
	)
}

func (d *deb) CreateRepoFile(ctx context.Context, settings Settings) error {
	if _, err := os.Stat(filepath.Join(d.RepoDir, "Packages.gz")); err != nil {
		log.Debug("No package index in %s yet, not writing list file", d.RepoDir)
		return nil
	}
	options := "[trusted=yes]"
	if settings.PublicKey != "" {
		options = "[signed-by=/usr/share/keyrings/" + d.repoName() + ".gpg]"
	}
	line := strings.Join([]string{"deb", options, d.repoURL(settings), "./"}, " ") + "\n"
	return os.WriteFile(filepath.Join(d.RepoDir, d.repoName()+".list"), []byte(line), 0644)
}
