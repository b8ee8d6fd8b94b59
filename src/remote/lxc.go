package remote

import (
	"context"
	"strings"
)

// lxcContainer runs builds in classic LXC containers created with the download template.
type lxcContainer struct {
	*base
}

func (c *lxcContainer) Create(ctx context.Context, distro, release, arch, staticIP string) error {
	c.setTarget(distro, release, arch)
	if err := c.mkdirMounts(ctx); err != nil {
		return err
	}
	name := quote(c.name)
	config := "/var/lib/lxc/" + c.name + "/config"
	create := "lxc-create -t download -n " + name + " -- -d " + quote(distro) + " -r " + quote(release) + " -a " + quote(arch)
	cmds := []string{}
	if c.spec.Static {
		cmds = append(cmds, "lxc-info -n "+name+" >/dev/null 2>&1 || "+create)
	} else {
		cmds = append(cmds, "lxc-destroy -f -n "+name+" >/dev/null 2>&1; "+create)
	}
	if staticIP == "" && c.spec.Local {
		staticIP = c.container.Address
	}
	if staticIP != "" {
		cmds = append(cmds, "echo "+quote("lxc.net.0.ipv4.address = "+staticIP+"/24")+" >> "+quote(config))
	}
	for _, m := range c.mounts {
		entry := "lxc.mount.entry = " + m.HostPath + " " + strings.TrimPrefix(m.ContainerPath, "/") + " none bind,create=dir 0 0"
		cmds = append(cmds, "echo "+quote(entry)+" >> "+quote(config))
	}
	return c.onHost(ctx, "("+cmds[0]+")"+joinTail(cmds[1:]))
}

func (c *lxcContainer) Start(ctx context.Context) error {
	name := quote(c.name)
	return c.onHost(ctx, strings.Join([]string{
		"lxc-start -d -n " + name,
		"lxc-attach -n " + name + " -- sh -c " + quote(waitForNetwork),
		"mkdir -p /var/lib/lxc/" + c.name + "/rootfs/root/.ssh",
		"cp /root/.ssh/authorized_keys /var/lib/lxc/" + c.name + "/rootfs/root/.ssh/authorized_keys",
	}, " && "))
}

func (c *lxcContainer) Stop(ctx context.Context) error {
	return c.onHost(ctx, "lxc-stop -k -n "+quote(c.name))
}

func (c *lxcContainer) Destroy(ctx context.Context) error {
	if c.spec.Static {
		return nil
	}
	return c.onHost(ctx, "lxc-destroy -f -n "+quote(c.name))
}

// joinTail joins further commands onto a first one, each depending on the previous.
func joinTail(cmds []string) string {
	if len(cmds) == 0 {
		return ""
	}
	return " && " + strings.Join(cmds, " && ")
}
