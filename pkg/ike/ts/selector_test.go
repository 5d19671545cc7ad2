package ts

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCIDR(t *testing.T, cidr string) *net.IPNet {
	t.Helper()
	_, subnet, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	return subnet
}

func TestSelectorIsHost(t *testing.T) {
	host := NewSelectorFromHost(net.ParseIP("192.0.2.1"))
	assert.True(t, host.IsHost(nil))
	assert.True(t, host.IsHost(net.ParseIP("192.0.2.1")))
	assert.False(t, host.IsHost(net.ParseIP("192.0.2.2")))

	subnet := NewSelectorFromSubnet(mustCIDR(t, "10.0.0.0/24"), 0, 0, 65535)
	assert.False(t, subnet.IsHost(nil))
}

func TestSelectorToSubnet(t *testing.T) {
	selector := &Selector{
		StartPort:    0,
		EndPort:      65535,
		StartAddress: net.ParseIP("10.0.0.0").To4(),
		EndAddress:   net.ParseIP("10.0.0.255").To4(),
	}
	subnet := selector.ToSubnet()
	assert.Equal(t, "10.0.0.0/24", subnet.String())

	// a range not aligned to a CIDR yields the lowest enclosing one
	selector.EndAddress = net.ParseIP("10.0.1.3").To4()
	subnet = selector.ToSubnet()
	assert.Equal(t, "10.0.0.0/23", subnet.String())

	host := NewSelectorFromHost(net.ParseIP("192.0.2.7"))
	assert.Equal(t, "192.0.2.7/32", host.ToSubnet().String())
}

func TestSelectorSetAddressKeepsPortsAndProtocol(t *testing.T) {
	selector := NewSelectorFromSubnet(mustCIDR(t, "10.0.0.0/8"), 6, 80, 443)
	selector.SetAddress(net.ParseIP("192.0.2.1"))
	assert.True(t, selector.IsHost(net.ParseIP("192.0.2.1")))
	assert.Equal(t, uint8(6), selector.IPProtocolID)
	assert.Equal(t, uint16(80), selector.StartPort)
	assert.Equal(t, uint16(443), selector.EndPort)
}

func TestIntersectDisjoint(t *testing.T) {
	a := NewSelectorFromSubnet(mustCIDR(t, "10.1.0.0/16"), 0, 0, 65535)
	b := NewSelectorFromSubnet(mustCIDR(t, "10.2.0.0/16"), 0, 0, 65535)
	assert.Nil(t, a.Intersect(b))

	// disjoint port ranges
	c := NewSelectorFromSubnet(mustCIDR(t, "10.1.0.0/16"), 0, 0, 100)
	d := NewSelectorFromSubnet(mustCIDR(t, "10.1.0.0/16"), 0, 200, 300)
	assert.Nil(t, c.Intersect(d))

	// conflicting protocols
	e := NewSelectorFromSubnet(mustCIDR(t, "10.1.0.0/16"), 6, 0, 65535)
	f := NewSelectorFromSubnet(mustCIDR(t, "10.1.0.0/16"), 17, 0, 65535)
	assert.Nil(t, e.Intersect(f))
}

func TestNarrowAgainstTemplates(t *testing.T) {
	templates := []*Selector{NewSelectorFromSubnet(mustCIDR(t, "10.1.0.0/16"), 0, 0, 65535)}
	supplied := []*Selector{NewSelectorFromSubnet(mustCIDR(t, "10.1.2.0/24"), 0, 0, 65535)}

	narrowed := Narrow(templates, nil, supplied)
	require.Len(t, narrowed, 1)
	assert.Equal(t, "10.1.2.0/24", narrowed[0].ToSubnet().String())

	// empty intersection
	disjoint := []*Selector{NewSelectorFromSubnet(mustCIDR(t, "172.16.0.0/12"), 0, 0, 65535)}
	assert.Empty(t, Narrow(templates, nil, disjoint))
}

func TestNarrowExpandsDynamicTemplates(t *testing.T) {
	templates := []*Selector{NewDynamicSelector()}
	hosts := []net.IP{net.ParseIP("192.0.2.1")}

	expanded := Narrow(templates, hosts, nil)
	require.Len(t, expanded, 1)
	assert.True(t, expanded[0].IsHost(net.ParseIP("192.0.2.1")))
}

func TestNarrowIdempotent(t *testing.T) {
	templates := []*Selector{
		NewSelectorFromSubnet(mustCIDR(t, "10.1.0.0/16"), 0, 0, 65535),
		NewSelectorFromSubnet(mustCIDR(t, "10.2.0.0/16"), 0, 0, 65535),
	}
	supplied := []*Selector{
		NewSelectorFromSubnet(mustCIDR(t, "10.1.4.0/24"), 0, 0, 65535),
		NewSelectorFromSubnet(mustCIDR(t, "10.2.0.0/15"), 0, 0, 65535),
	}

	once := Narrow(templates, nil, supplied)
	twice := Narrow(templates, nil, once)
	require.Equal(t, len(once), len(twice))
	for i := range once {
		assert.True(t, once[i].Equal(twice[i]))
	}
}

func TestSubstituteNATHost(t *testing.T) {
	inner := net.ParseIP("10.0.0.5")
	ikeHost := net.ParseIP("192.0.2.1")

	in := []*Selector{
		NewSelectorFromHost(inner),
		NewSelectorFromHost(inner),
	}
	out := SubstituteNATHost(in, ikeHost)
	require.Len(t, out, 2)
	for _, selector := range out {
		assert.True(t, selector.IsHost(ikeHost))
	}

	// selectors naming different hosts are dropped
	mixed := []*Selector{
		NewSelectorFromHost(inner),
		NewSelectorFromHost(net.ParseIP("10.0.0.6")),
	}
	out = SubstituteNATHost(mixed, ikeHost)
	assert.Len(t, out, 1)
}

// In transport mode with a NATed endpoint, substituting before narrowing
// equals narrowing after substitution when all selectors are single-host.
func TestNATSubstitutionNarrowingCommutes(t *testing.T) {
	ikeHost := net.ParseIP("192.0.2.1")
	templates := []*Selector{NewDynamicSelector()}
	hosts := []net.IP{ikeHost}

	supplied := []*Selector{NewSelectorFromHost(net.ParseIP("10.0.0.5"))}

	substituted := SubstituteNATHost(supplied, ikeHost)
	narrowedAfter := Narrow(templates, hosts, substituted)

	narrowedFirst := Narrow(templates, hosts, []*Selector{NewSelectorFromHost(ikeHost)})

	require.Equal(t, len(narrowedAfter), len(narrowedFirst))
	for i := range narrowedAfter {
		assert.True(t, narrowedAfter[i].Equal(narrowedFirst[i]))
	}
}

func TestListIsHost(t *testing.T) {
	host := net.ParseIP("192.0.2.1")
	list := []*Selector{NewSelectorFromHost(host), NewSelectorFromHost(host)}
	assert.True(t, ListIsHost(list, host))
	assert.True(t, ListIsHost(list, nil))

	list = append(list, NewSelectorFromSubnet(mustCIDR(t, "10.0.0.0/24"), 0, 0, 65535))
	assert.False(t, ListIsHost(list, host))
}

func TestMessageRoundTrip(t *testing.T) {
	selector := NewSelectorFromSubnet(mustCIDR(t, "10.1.0.0/16"), 17, 500, 4500)
	decoded := FromMessage(selector.ToMessage())
	assert.True(t, selector.Equal(decoded))
}
