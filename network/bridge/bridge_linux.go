package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

func platformLinks(p *Provider) links {
	nl := &netlinkLinks{}
	if p.root {
		return nl
	}
	return &sudoLinks{p: p, lookup: nl.Lookup}
}

// netlinkLinks talks rtnetlink directly. Lookup works unprivileged; Add and
// SetUp need CAP_NET_ADMIN.
type netlinkLinks struct{}

func (netlinkLinks) Lookup(name string) (bool, bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return false, false, nil
		}
		return false, false, err
	}
	if link.Type() != "bridge" {
		return false, false, fmt.Errorf("%s exists but is a %s device, not a bridge", name, link.Type())
	}
	return true, link.Attrs().Flags&net.FlagUp != 0, nil
}

func (netlinkLinks) Add(_ context.Context, name string) error {
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	return netlink.LinkAdd(br)
}

func (netlinkLinks) SetUp(_ context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find %s: %w", name, err)
	}
	return netlink.LinkSetUp(link)
}
