package router

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// cidrContains reports whether ip falls inside the network cidr. A bare
// address is treated as a single-host network.
func cidrContains(cidr, ip string) (bool, error) {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return false, errors.Errorf("invalid address %q", ip)
	}
	cidr = strings.TrimSpace(cidr)
	if !strings.Contains(cidr, "/") {
		other := net.ParseIP(cidr)
		if other == nil {
			return false, errors.Errorf("invalid network %q", cidr)
		}
		return other.Equal(addr), nil
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, errors.Wrapf(err, "invalid network %q", cidr)
	}
	return network.Contains(addr), nil
}
