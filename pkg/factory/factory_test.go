package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpnsetup/secgw/pkg/context"
	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
)

func TestReadSampleConfig(t *testing.T) {
	cfg, err := ReadConfig("../../config/secgwcfg.yaml")
	require.NoError(t, err)

	assert.Equal(t, SecgwExpectedConfigVersion, cfg.GetVersion())
	require.Len(t, cfg.Configuration.Connections, 2)

	peerConfigs, err := cfg.PeerConfigs()
	require.NoError(t, err)
	require.Len(t, peerConfigs, 2)

	siteToSite := peerConfigs[0]
	assert.Equal(t, context.ChildlessAllow, siteToSite.IKEConfig.Childless)
	require.Len(t, siteToSite.ChildConfigs, 1)

	netNet := siteToSite.ChildConfigs[0]
	assert.Equal(t, context.ModeTunnel, netNet.Mode)
	assert.Equal(t, uint16(ike_message.KE_CURVE25519), netNet.PreferredKEMethod)
	require.Len(t, netNet.Proposals, 2)

	method, ok := netNet.Proposals[0].GetTransform(ike_message.TypeAdditionalKeyExchange1)
	require.True(t, ok)
	assert.Equal(t, uint16(ike_message.KE_MLKEM_768), method)

	roadWarrior := peerConfigs[1].ChildConfigs[0]
	assert.Equal(t, context.ModeTransport, roadWarrior.Mode)
	require.Len(t, roadWarrior.LocalTS, 1)
	assert.True(t, roadWarrior.LocalTS[0].Dynamic)
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	proposal := Proposal{Encryption: "rot13"}
	_, err := proposal.toTemplate(1)
	assert.Error(t, err)
}
