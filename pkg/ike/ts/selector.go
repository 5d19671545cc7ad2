// Package ts implements the IKEv2 traffic selector algebra: construction
// from configuration templates and hosts, narrowing against peer supplied
// selectors, and the transport mode NAT address substitution.
package ts

import (
	"bytes"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/vpnsetup/secgw/internal/logger"
	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
)

var tsLog *logrus.Entry

func init() {
	tsLog = logger.IKELog
}

// Selector is one traffic selector: an IP protocol, a port range, an
// address range and an optional security label. The zero port range
// (0, 65535) together with IPProtocolID 0 selects all traffic.
type Selector struct {
	IPProtocolID uint8
	StartPort    uint16
	EndPort      uint16
	StartAddress net.IP
	EndAddress   net.IP

	// Dynamic selectors stand for "the host we end up using" and are
	// expanded against the dynamic host list before narrowing.
	Dynamic bool

	// Optional security label, empty if unlabeled
	Label string
}

func normalize(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// NewSelectorFromSubnet builds a selector covering a whole subnet.
func NewSelectorFromSubnet(subnet *net.IPNet, protocol uint8, startPort, endPort uint16) *Selector {
	start := normalize(subnet.IP.Mask(subnet.Mask))
	end := make(net.IP, len(start))
	for i := range start {
		end[i] = start[i] | ^subnet.Mask[i]
	}
	return &Selector{
		IPProtocolID: protocol,
		StartPort:    startPort,
		EndPort:      endPort,
		StartAddress: start,
		EndAddress:   end,
	}
}

// NewSelectorFromHost builds a single-host selector covering all ports.
func NewSelectorFromHost(host net.IP) *Selector {
	addr := normalize(host)
	return &Selector{
		StartPort:    0,
		EndPort:      65535,
		StartAddress: addr,
		EndAddress:   addr,
	}
}

// NewDynamicSelector builds a template selector that expands to the
// dynamic hosts during narrowing.
func NewDynamicSelector() *Selector {
	return &Selector{EndPort: 65535, Dynamic: true}
}

// FromMessage converts a wire individual traffic selector.
func FromMessage(individual *ike_message.IndividualTrafficSelector) *Selector {
	return &Selector{
		IPProtocolID: individual.IPProtocolID,
		StartPort:    individual.StartPort,
		EndPort:      individual.EndPort,
		StartAddress: append(net.IP(nil), individual.StartAddress...),
		EndAddress:   append(net.IP(nil), individual.EndAddress...),
	}
}

// ToMessage converts the selector to its wire representation.
func (selector *Selector) ToMessage() *ike_message.IndividualTrafficSelector {
	tsType := uint8(ike_message.TS_IPV4_ADDR_RANGE)
	if len(selector.StartAddress) == net.IPv6len && selector.StartAddress.To4() == nil {
		tsType = ike_message.TS_IPV6_ADDR_RANGE
	}
	return &ike_message.IndividualTrafficSelector{
		TSType:       tsType,
		IPProtocolID: selector.IPProtocolID,
		StartPort:    selector.StartPort,
		EndPort:      selector.EndPort,
		StartAddress: append([]byte(nil), normalize(selector.StartAddress)...),
		EndAddress:   append([]byte(nil), normalize(selector.EndAddress)...),
	}
}

// Clone returns a deep copy.
func (selector *Selector) Clone() *Selector {
	cloned := *selector
	cloned.StartAddress = append(net.IP(nil), selector.StartAddress...)
	cloned.EndAddress = append(net.IP(nil), selector.EndAddress...)
	return &cloned
}

// IsHost checks whether the selector covers exactly one address. With a
// non-nil host the address additionally has to equal it.
func (selector *Selector) IsHost(host net.IP) bool {
	if selector.Dynamic {
		return false
	}
	if !bytes.Equal(selector.StartAddress, selector.EndAddress) {
		return false
	}
	if host == nil {
		return true
	}
	return bytes.Equal(normalize(host), normalize(selector.StartAddress))
}

// SetAddress collapses the selector to a single host address, keeping
// protocol and ports.
func (selector *Selector) SetAddress(host net.IP) {
	addr := normalize(host)
	selector.StartAddress = append(net.IP(nil), addr...)
	selector.EndAddress = append(net.IP(nil), addr...)
	selector.Dynamic = false
}

// ToSubnet returns the lowest CIDR enclosing the address range.
func (selector *Selector) ToSubnet() *net.IPNet {
	start := normalize(selector.StartAddress)
	end := normalize(selector.EndAddress)
	bits := len(start) * 8
	prefix := 0
	for prefix < bits {
		byteIndex := prefix / 8
		bitMask := byte(0x80 >> (prefix % 8))
		if (start[byteIndex] & bitMask) != (end[byteIndex] & bitMask) {
			break
		}
		prefix++
	}
	mask := net.CIDRMask(prefix, bits)
	return &net.IPNet{IP: start.Mask(mask), Mask: mask}
}

func maxIP(a, b net.IP) net.IP {
	if bytes.Compare(a, b) >= 0 {
		return a
	}
	return b
}

func minIP(a, b net.IP) net.IP {
	if bytes.Compare(a, b) <= 0 {
		return a
	}
	return b
}

// Intersect returns the overlap of two selectors, or nil if they are
// disjoint in protocol, ports, address family, address range or label.
func (selector *Selector) Intersect(other *Selector) *Selector {
	var protocol uint8
	switch {
	case selector.IPProtocolID == ike_message.IPProtocolAll:
		protocol = other.IPProtocolID
	case other.IPProtocolID == ike_message.IPProtocolAll:
		protocol = selector.IPProtocolID
	case selector.IPProtocolID == other.IPProtocolID:
		protocol = selector.IPProtocolID
	default:
		return nil
	}

	startPort := selector.StartPort
	if other.StartPort > startPort {
		startPort = other.StartPort
	}
	endPort := selector.EndPort
	if other.EndPort < endPort {
		endPort = other.EndPort
	}
	if startPort > endPort {
		return nil
	}

	myStart, myEnd := normalize(selector.StartAddress), normalize(selector.EndAddress)
	otherStart, otherEnd := normalize(other.StartAddress), normalize(other.EndAddress)
	if len(myStart) != len(otherStart) {
		return nil
	}
	start := maxIP(myStart, otherStart)
	end := minIP(myEnd, otherEnd)
	if bytes.Compare(start, end) > 0 {
		return nil
	}

	label := selector.Label
	switch {
	case label == "":
		label = other.Label
	case other.Label == "" || other.Label == label:
	default:
		return nil
	}

	return &Selector{
		IPProtocolID: protocol,
		StartPort:    startPort,
		EndPort:      endPort,
		StartAddress: append(net.IP(nil), start...),
		EndAddress:   append(net.IP(nil), end...),
		Label:        label,
	}
}

// Equal compares two selectors including labels.
func (selector *Selector) Equal(other *Selector) bool {
	return selector.IPProtocolID == other.IPProtocolID &&
		selector.StartPort == other.StartPort && selector.EndPort == other.EndPort &&
		bytes.Equal(normalize(selector.StartAddress), normalize(other.StartAddress)) &&
		bytes.Equal(normalize(selector.EndAddress), normalize(other.EndAddress)) &&
		selector.Label == other.Label
}

func contains(list []*Selector, candidate *Selector) bool {
	for _, existing := range list {
		if existing.Equal(candidate) {
			return true
		}
	}
	return false
}

// Expand resolves dynamic template selectors against the host list.
// Non-dynamic templates are kept as they are.
func Expand(templates []*Selector, hosts []net.IP) []*Selector {
	var out []*Selector
	for _, template := range templates {
		if !template.Dynamic {
			out = append(out, template.Clone())
			continue
		}
		for _, host := range hosts {
			expanded := template.Clone()
			expanded.SetAddress(host)
			out = append(out, expanded)
		}
	}
	return out
}

// Narrow intersects the peer supplied selectors with the configured
// templates expanded against the dynamic hosts. The supplied ordering is
// preserved as the preference order. A nil supplied list returns the
// expanded templates unchanged, as used when composing the initial offer.
func Narrow(templates []*Selector, hosts []net.IP, supplied []*Selector) []*Selector {
	expanded := Expand(templates, hosts)
	if supplied == nil {
		return expanded
	}

	var narrowed []*Selector
	for _, peer := range supplied {
		for _, local := range expanded {
			if intersection := peer.Intersect(local); intersection != nil {
				if !contains(narrowed, intersection) {
					narrowed = append(narrowed, intersection)
				}
			}
		}
	}
	return narrowed
}

// SubstituteNATHost rewrites the single-host selectors of a transport mode
// list to the IKE endpoint address. The first host selector fixes the host;
// selectors that are not single-host or name a different host are skipped,
// so the result is nil only if none qualifies.
func SubstituteNATHost(in []*Selector, ikeHost net.IP) []*Selector {
	var first net.IP
	var out []*Selector

	for _, selector := range in {
		if !selector.IsHost(first) {
			tsLog.Debugf("Selector %+v is not a host selector, skip NAT substitution", selector)
			continue
		}
		if first == nil {
			first = normalize(selector.StartAddress)
		}
		substituted := selector.Clone()
		substituted.SetAddress(ikeHost)
		out = append(out, substituted)
	}
	return out
}

// ListIsHost checks a selector list against a host, any selector failing
// the check fails the list.
func ListIsHost(list []*Selector, host net.IP) bool {
	for _, selector := range list {
		if !selector.IsHost(host) {
			return false
		}
	}
	return true
}
