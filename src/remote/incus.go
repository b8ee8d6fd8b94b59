package remote

import (
	"context"
	"strconv"
	"strings"
)

// incusContainer runs builds in Incus system containers created from the public image server.
type incusContainer struct {
	*base
}

// waitForNetwork is run after starting a container until it has an address.
const waitForNetwork = "for i in $(seq 1 60); do ip -4 addr show eth0 | grep -q 'inet ' && exit 0; sleep 1; done; exit 1"

func (c *incusContainer) Create(ctx context.Context, distro, release, arch, staticIP string) error {
	c.setTarget(distro, release, arch)
	if err := c.mkdirMounts(ctx); err != nil {
		return err
	}
	name := quote(c.name)
	cmds := []string{}
	if c.spec.Static {
		cmds = append(cmds, "incus info "+name+" >/dev/null 2>&1 || incus init "+quote("images:"+distro+"/"+release+"/"+arch)+" "+name)
	} else {
		cmds = append(cmds, "incus delete --force "+name+" >/dev/null 2>&1; incus init "+quote("images:"+distro+"/"+release+"/"+arch)+" "+name)
	}
	if staticIP == "" && c.spec.Local {
		staticIP = c.container.Address
	}
	if staticIP != "" {
		cmds = append(cmds, "incus config device override "+name+" eth0 ipv4.address="+quote(staticIP))
	}
	for i, m := range c.mounts {
		device := "lbsmount" + strconv.Itoa(i)
		cmds = append(cmds, "(incus config device remove "+name+" "+device+" >/dev/null 2>&1; incus config device add "+name+" "+device+" disk source="+quote(m.HostPath)+" path="+quote(m.ContainerPath)+")")
	}
	return c.onHost(ctx, "("+cmds[0]+")"+joinTail(cmds[1:]))
}

func (c *incusContainer) Start(ctx context.Context) error {
	name := quote(c.name)
	return c.onHost(ctx, strings.Join([]string{
		"incus start " + name,
		"incus exec " + name + " -- sh -c " + quote(waitForNetwork),
		"incus exec " + name + " -- mkdir -p /root/.ssh",
		"incus file push /root/.ssh/authorized_keys " + name + "/root/.ssh/authorized_keys",
	}, " && "))
}

func (c *incusContainer) Stop(ctx context.Context) error {
	return c.onHost(ctx, "incus stop --force "+quote(c.name))
}

func (c *incusContainer) Destroy(ctx context.Context) error {
	if c.spec.Static {
		return nil
	}
	return c.onHost(ctx, "incus delete --force "+quote(c.name))
}
