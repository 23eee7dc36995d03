// Package netid resolves a client IP address to its hardware address.
package netid

import (
	"bufio"
	"net"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// DefaultARPTable is the kernel ARP table exposed by procfs.
const DefaultARPTable = "/proc/net/arp"

var macPattern = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

// Resolver looks up MAC addresses in the kernel neighbor table, falling back
// to the procfs ARP table. Lookups are best effort and never fail loudly.
type Resolver struct {
	arpTable string
	neighbor func(ip net.IP) (string, bool)
	logger   *zap.Logger
}

// New creates a Resolver. An empty arpTable selects DefaultARPTable.
func New(arpTable string, logger *zap.Logger) *Resolver {
	if arpTable == "" {
		arpTable = DefaultARPTable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		arpTable: arpTable,
		neighbor: lookupNeighbor,
		logger:   logger,
	}
}

// Resolve returns the MAC for ip, or ("", false) when unknown.
func (r *Resolver) Resolve(ip string) (string, bool) {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return "", false
	}

	if r.neighbor != nil {
		if mac, ok := r.neighbor(addr); ok {
			return mac, true
		}
	}

	mac, ok := r.scanARP(addr.String())
	if !ok {
		r.logger.Debug("no mac for ip", zap.String("ip", ip))
	}
	return mac, ok
}

// scanARP searches the ARP table file.
//
//	IP address       HW type     Flags       HW address            Mask     Device
//	192.168.1.1      0x1         0x2         00:11:22:33:44:55     *        eth0
func (r *Resolver) scanARP(ip string) (string, bool) {
	f, err := os.Open(r.arpTable)
	if err != nil {
		r.logger.Debug("arp table unavailable", zap.String("path", r.arpTable), zap.Error(err))
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != ip {
			continue
		}
		if mac, ok := validMAC(fields[3]); ok {
			return mac, true
		}
	}
	return "", false
}

// validMAC accepts six hex-colon groups and rejects the all-zero address
// the kernel reports for incomplete entries.
func validMAC(mac string) (string, bool) {
	mac = strings.ToLower(mac)
	if !macPattern.MatchString(mac) || mac == "00:00:00:00:00:00" {
		return "", false
	}
	return mac, true
}
