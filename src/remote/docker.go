package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// dockerContainer runs builds in Docker containers. The images are expected to be
// provided on the host as lbs-<distro>:<release> and to run sshd on port 22.
type dockerContainer struct {
	*base
}

// dockerPlatforms maps our architecture names onto Docker's.
var dockerPlatforms = map[string]string{
	"amd64":   "linux/amd64",
	"x86_64":  "linux/amd64",
	"i686":    "linux/386",
	"i386":    "linux/386",
	"arm64":   "linux/arm64",
	"aarch64": "linux/arm64",
}

func (c *dockerContainer) Create(ctx context.Context, distro, release, arch, staticIP string) error {
	c.setTarget(distro, release, arch)
	if err := c.mkdirMounts(ctx); err != nil {
		return err
	}
	platform, present := dockerPlatforms[arch]
	if !present {
		return fmt.Errorf("unsupported architecture for docker: %s", arch)
	}
	args := []string{
		"docker", "create",
		"--name", quote(c.name),
		"--hostname", quote(c.name),
		"--platform", platform,
		"--cap-add", "NET_ADMIN",
		"-p", strconv.Itoa(c.container.Port) + ":22",
	}
	if staticIP != "" {
		args = append(args, "--ip", quote(staticIP))
	}
	for _, m := range c.mounts {
		args = append(args, "-v", quote(m.HostPath+":"+m.ContainerPath))
	}
	args = append(args, quote("lbs-"+distro+":"+release))
	create := strings.Join(args, " ")
	if c.spec.Static {
		return c.onHost(ctx, "docker inspect "+quote(c.name)+" >/dev/null 2>&1 || "+create)
	}
	return c.onHost(ctx, "docker rm -f "+quote(c.name)+" >/dev/null 2>&1; "+create)
}

func (c *dockerContainer) Start(ctx context.Context) error {
	return c.onHost(ctx, "docker start "+quote(c.name))
}

func (c *dockerContainer) Stop(ctx context.Context) error {
	return c.onHost(ctx, "docker stop "+quote(c.name))
}

func (c *dockerContainer) Destroy(ctx context.Context) error {
	if c.spec.Static {
		return nil
	}
	return c.onHost(ctx, "docker rm -f "+quote(c.name))
}
