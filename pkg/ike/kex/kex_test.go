package kex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
)

func planProposal(primary uint16, additional ...uint16) *ike_message.Proposal {
	proposal := &ike_message.Proposal{ProtocolID: ike_message.TypeESP}
	proposal.EncryptionAlgorithm.BuildTransform(
		ike_message.TypeEncryptionAlgorithm, ike_message.ENCR_NULL, nil, nil, nil)
	if primary != ike_message.KE_NONE {
		proposal.KeyExchangeMethod.BuildTransform(
			ike_message.TypeKeyExchangeMethod, primary, nil, nil, nil)
	}
	for index, method := range additional {
		transformType := uint8(ike_message.TypeAdditionalKeyExchange1 + index)
		proposal.AdditionalKeyExchanges[index].BuildTransform(transformType, method, nil, nil, nil)
	}
	return proposal
}

func TestSessionHandshake(t *testing.T) {
	for _, method := range []uint16{
		ike_message.DH_2048_BIT_MODP,
		ike_message.DH_3072_BIT_MODP,
		ike_message.KE_CURVE25519,
		ike_message.KE_ECP_256,
	} {
		alice, err := NewSession(method)
		require.NoError(t, err)
		bob, err := NewSession(method)
		require.NoError(t, err)

		require.NoError(t, alice.SetPeerPublicKey(bob.PublicKey()))
		require.NoError(t, bob.SetPeerPublicKey(alice.PublicKey()))

		assert.NotEmpty(t, alice.SharedSecret(), "method %d", method)
		assert.Equal(t, alice.SharedSecret(), bob.SharedSecret(), "method %d", method)
	}
}

func TestModpRejectsOutOfRangePublicValue(t *testing.T) {
	session, err := NewSession(ike_message.DH_2048_BIT_MODP)
	require.NoError(t, err)
	assert.Error(t, session.SetPeerPublicKey(nil))
	assert.Error(t, session.SetPeerPublicKey([]byte{0}))
}

func TestUnsupportedMethod(t *testing.T) {
	_, err := NewSession(0xfffe)
	assert.Error(t, err)
	assert.False(t, Supported(0xfffe))
	assert.True(t, Supported(ike_message.KE_CURVE25519))
}

func TestPlanFromProposal(t *testing.T) {
	plan, err := PlanFromProposal(planProposal(ike_message.KE_CURVE25519, ike_message.KE_MLKEM_768))
	require.NoError(t, err)
	assert.False(t, plan.Empty())
	assert.Equal(t, uint16(ike_message.KE_CURVE25519), plan.Current().Method)
	assert.True(t, plan.MoreRequired())
}

func TestPlanWithoutKE(t *testing.T) {
	plan, err := PlanFromProposal(planProposal(ike_message.KE_NONE))
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.False(t, plan.MoreRequired())
}

func TestPlanRejectsAdditionalWithoutPrimary(t *testing.T) {
	proposal := planProposal(ike_message.KE_NONE)
	proposal.AdditionalKeyExchanges[0].BuildTransform(
		ike_message.TypeAdditionalKeyExchange1, ike_message.KE_MLKEM_768, nil, nil, nil)
	_, err := PlanFromProposal(proposal)
	assert.Error(t, err)
}

func TestPlanRejectsGaps(t *testing.T) {
	proposal := planProposal(ike_message.KE_CURVE25519)
	// slot 1 present, slot 2 absent, slot 3 present
	proposal.AdditionalKeyExchanges[0].BuildTransform(
		ike_message.TypeAdditionalKeyExchange1, ike_message.KE_MLKEM_768, nil, nil, nil)
	proposal.AdditionalKeyExchanges[2].BuildTransform(
		ike_message.TypeAdditionalKeyExchange3, ike_message.KE_ECP_256, nil, nil, nil)
	_, err := PlanFromProposal(proposal)
	assert.Error(t, err)
}

func TestPlanCompletionOrder(t *testing.T) {
	plan, err := PlanFromProposal(planProposal(
		ike_message.KE_CURVE25519, ike_message.KE_ECP_256))
	require.NoError(t, err)

	first, err := NewSession(ike_message.KE_CURVE25519)
	require.NoError(t, err)
	assert.False(t, plan.Complete(first))
	assert.Equal(t, uint16(ike_message.KE_ECP_256), plan.Current().Method)

	second, err := NewSession(ike_message.KE_ECP_256)
	require.NoError(t, err)
	assert.True(t, plan.Complete(second))

	sessions := plan.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, uint16(ike_message.KE_CURVE25519), sessions[0].Method())
	assert.Equal(t, uint16(ike_message.KE_ECP_256), sessions[1].Method())
}
