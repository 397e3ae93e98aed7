package filter

import (
	"fmt"
	"log/slog"
	"net"
)

// SubnetFilter rejects sessionCreated for any peer whose address falls
// outside a configured set of IPv4 CIDR ranges. Grounded on
// original_source/core/.../test/org/apache/mina/filter/firewall/
// SubnetIPv6Test.java: only the test for this filter was retrieved, not
// its implementation, but the test fixes the contract this repo
// reproduces — an IPv6 peer address is always rejected, matching
// Subnet's own constructor throwing IllegalArgumentException for one.
type SubnetFilter struct {
	BaseFilter
	allow []*net.IPNet
	log   *slog.Logger
}

// NewSubnetFilter builds a SubnetFilter allowing only peers whose address
// falls within one of cidrs, which must all be IPv4 ranges (e.g.
// "10.0.0.0/8"). An IPv6 CIDR is rejected at construction, mirroring the
// original Subnet type's own IPv6 refusal.
func NewSubnetFilter(log *slog.Logger, cidrs ...string) (*SubnetFilter, error) {
	if log == nil {
		log = slog.Default()
	}
	f := &SubnetFilter{log: log}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("filter: NewSubnetFilter: %q: %w", c, err)
		}
		if ipnet.IP.To4() == nil {
			return nil, fmt.Errorf("filter: NewSubnetFilter: %q: IPv6 not supported", c)
		}
		f.allow = append(f.allow, ipnet)
	}
	return f, nil
}

// SessionCreated closes s immediately if its remote address is IPv6, or
// IPv4 but outside every configured allow range.
func (f *SubnetFilter) SessionCreated(s Session) {
	addr := s.RemoteAddr()
	if addr == nil {
		return
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return
	}
	v4 := ip.To4()
	if v4 == nil {
		f.log.Warn("subnet filter: rejecting IPv6 peer", "session", s.ID(), "addr", addr)
		s.Close(true)
		return
	}
	for _, ipnet := range f.allow {
		if ipnet.Contains(v4) {
			return
		}
	}
	f.log.Warn("subnet filter: rejecting peer outside allow list", "session", s.ID(), "addr", addr)
	s.Close(true)
}

var _ Filter = (*SubnetFilter)(nil)
