package context

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
	"github.com/vpnsetup/secgw/pkg/ike/ts"
)

func sampleConfig(name string) *ChildConfig {
	proposal := &ike_message.Proposal{ProposalNumber: 1, ProtocolID: ike_message.TypeESP}
	proposal.EncryptionAlgorithm.BuildTransform(
		ike_message.TypeEncryptionAlgorithm, ike_message.ENCR_NULL, nil, nil, nil)
	proposal.KeyExchangeMethod.BuildTransform(
		ike_message.TypeKeyExchangeMethod, ike_message.KE_CURVE25519, nil, nil, nil)

	_, local, _ := net.ParseCIDR("10.1.0.0/16")
	_, remote, _ := net.ParseCIDR("10.2.0.0/16")

	return &ChildConfig{
		Name:      name,
		Mode:      ModeTunnel,
		Proposals: ike_message.ProposalContainer{proposal},
		LocalTS:   []*ts.Selector{ts.NewSelectorFromSubnet(local, 0, 0, 65535)},
		RemoteTS:  []*ts.Selector{ts.NewSelectorFromSubnet(remote, 0, 0, 65535)},
	}
}

func TestGetProposalsStripsKE(t *testing.T) {
	config := sampleConfig("a")

	withKE := config.GetProposals(false)
	require.Len(t, withKE, 1)
	_, ok := withKE[0].GetTransform(ike_message.TypeKeyExchangeMethod)
	assert.True(t, ok)

	withoutKE := config.GetProposals(true)
	_, ok = withoutKE[0].GetTransform(ike_message.TypeKeyExchangeMethod)
	assert.False(t, ok)

	// templates stay untouched
	_, ok = config.Proposals[0].GetTransform(ike_message.TypeKeyExchangeMethod)
	assert.True(t, ok)
}

func TestSelectLabel(t *testing.T) {
	config := sampleConfig("a")

	label, ok := config.SelectLabel(nil)
	require.True(t, ok)
	assert.Empty(t, label)

	label, ok = config.SelectLabel([]string{"system_u:object_r:ipsec_spd_t:s0"})
	require.True(t, ok)
	assert.Equal(t, "system_u:object_r:ipsec_spd_t:s0", label)

	_, ok = config.SelectLabel([]string{"label-a", "label-b"})
	assert.False(t, ok)

	// a configured label in simple mode has to match the hint
	config.Label = "label-a"
	_, ok = config.SelectLabel([]string{"label-b"})
	assert.False(t, ok)
	label, ok = config.SelectLabel(nil)
	require.True(t, ok)
	assert.Equal(t, "label-a", label)
}

func TestChildConfigEquals(t *testing.T) {
	a := sampleConfig("a")
	b := sampleConfig("a")
	assert.True(t, a.Equals(b))

	b.Mode = ModeTransport
	assert.False(t, a.Equals(b))

	c := sampleConfig("c")
	assert.False(t, a.Equals(c))
}

func TestSelectChildConfig(t *testing.T) {
	matching := sampleConfig("match")
	peerConfig := &PeerConfig{
		Name:         "peer",
		IKEConfig:    &IKEConfig{},
		ChildConfigs: []*ChildConfig{matching},
	}

	_, localNet, _ := net.ParseCIDR("10.1.2.0/24")
	_, remoteNet, _ := net.ParseCIDR("10.2.3.0/24")
	localTS := []*ts.Selector{ts.NewSelectorFromSubnet(localNet, 0, 0, 65535)}
	remoteTS := []*ts.Selector{ts.NewSelectorFromSubnet(remoteNet, 0, 0, 65535)}

	selected := peerConfig.SelectChildConfig(localTS, remoteTS, nil, nil)
	assert.Same(t, matching, selected)

	_, disjoint, _ := net.ParseCIDR("172.16.0.0/12")
	outside := []*ts.Selector{ts.NewSelectorFromSubnet(disjoint, 0, 0, 65535)}
	assert.Nil(t, peerConfig.SelectChildConfig(outside, remoteTS, nil, nil))
}
