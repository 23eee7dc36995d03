//go:build linux

package netid

import (
	"net"

	"github.com/vishvananda/netlink"
)

// lookupNeighbor queries the kernel neighbor table over netlink.
func lookupNeighbor(ip net.IP) (string, bool) {
	neighs, err := netlink.NeighList(0, netlink.FAMILY_ALL)
	if err != nil {
		return "", false
	}

	for _, n := range neighs {
		if !n.IP.Equal(ip) || len(n.HardwareAddr) == 0 {
			continue
		}
		if n.State&(netlink.NUD_INCOMPLETE|netlink.NUD_FAILED) != 0 {
			continue
		}
		if mac, ok := validMAC(n.HardwareAddr.String()); ok {
			return mac, true
		}
	}
	return "", false
}
