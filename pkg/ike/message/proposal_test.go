package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func espProposal(number uint8, keMethods ...uint16) *Proposal {
	proposal := &Proposal{ProposalNumber: number, ProtocolID: TypeESP}
	attributeType := uint16(AttributeTypeKeyLength)
	attributeValue := uint16(128)
	proposal.EncryptionAlgorithm.BuildTransform(
		TypeEncryptionAlgorithm, ENCR_AES_CBC, &attributeType, &attributeValue, nil)
	proposal.IntegrityAlgorithm.BuildTransform(
		TypeIntegrityAlgorithm, AUTH_HMAC_SHA2_256_128, nil, nil, nil)
	proposal.ExtendedSequenceNumbers.BuildTransform(
		TypeExtendedSequenceNumbers, ESN_DISABLE, nil, nil, nil)
	for _, method := range keMethods {
		proposal.KeyExchangeMethod.BuildTransform(TypeKeyExchangeMethod, method, nil, nil, nil)
	}
	return proposal
}

func TestPromoteTransform(t *testing.T) {
	proposal := espProposal(1, DH_3072_BIT_MODP, KE_ECP_256, KE_CURVE25519)

	require.True(t, proposal.PromoteTransform(TypeKeyExchangeMethod, KE_CURVE25519))
	method, ok := proposal.GetTransform(TypeKeyExchangeMethod)
	require.True(t, ok)
	assert.Equal(t, uint16(KE_CURVE25519), method)
	assert.Len(t, proposal.KeyExchangeMethod, 3)

	assert.False(t, proposal.PromoteTransform(TypeKeyExchangeMethod, DH_8192_BIT_MODP))
}

func TestSetAndGetSPI(t *testing.T) {
	proposal := espProposal(1)
	proposal.SetSPI(0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), proposal.GetSPI())
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, proposal.SPI)
}

func TestSelectProposalPicksCommonTransforms(t *testing.T) {
	configured := ProposalContainer{espProposal(1, KE_ECP_256)}
	supplied := ProposalContainer{espProposal(1, DH_3072_BIT_MODP, KE_ECP_256)}
	supplied[0].SetSPI(0x11223344)

	selected := SelectProposal(configured, supplied, 0)
	require.NotNil(t, selected)
	method, ok := selected.GetTransform(TypeKeyExchangeMethod)
	require.True(t, ok)
	assert.Equal(t, uint16(KE_ECP_256), method)
	// the supplied SPI is kept so the peer SPI can be extracted
	assert.Equal(t, uint32(0x11223344), selected.GetSPI())
}

func TestSelectProposalNoCommonKE(t *testing.T) {
	configured := ProposalContainer{espProposal(1, KE_ECP_256)}
	supplied := ProposalContainer{espProposal(1, DH_3072_BIT_MODP)}

	assert.Nil(t, SelectProposal(configured, supplied, 0))

	// skipping the KE transform makes the same pair acceptable
	selected := SelectProposal(configured, supplied, ProposalSkipKE)
	require.NotNil(t, selected)
	_, ok := selected.GetTransform(TypeKeyExchangeMethod)
	assert.False(t, ok)
}

func TestSelectProposalSkipPrivate(t *testing.T) {
	private := espProposal(1)
	private.KeyExchangeMethod.BuildTransform(TypeKeyExchangeMethod, PrivateUseTransformID+7, nil, nil, nil)

	configured := ProposalContainer{private.Clone()}
	supplied := ProposalContainer{private.Clone()}

	assert.NotNil(t, SelectProposal(configured, supplied, 0))
	assert.Nil(t, SelectProposal(configured, supplied, ProposalSkipPrivate))
}

func TestSelectProposalPreferSupplied(t *testing.T) {
	configured := ProposalContainer{espProposal(1, KE_ECP_256, DH_3072_BIT_MODP)}
	supplied := ProposalContainer{espProposal(1, DH_3072_BIT_MODP, KE_ECP_256)}
	supplied[0].SetSPI(0x01020304)

	selected := SelectProposal(configured, supplied, ProposalPreferSupplied)
	require.NotNil(t, selected)
	method, ok := selected.GetTransform(TypeKeyExchangeMethod)
	require.True(t, ok)
	assert.Equal(t, uint16(DH_3072_BIT_MODP), method)
	assert.Equal(t, uint32(0x01020304), selected.GetSPI())
}

func TestProposalEqualIgnoresSPI(t *testing.T) {
	a := espProposal(1, KE_ECP_256)
	b := espProposal(2, KE_ECP_256)
	b.SetSPI(42)
	assert.True(t, a.Equal(b))

	c := espProposal(1, DH_3072_BIT_MODP)
	assert.False(t, a.Equal(c))
}

func TestSecurityAssociationRoundTrip(t *testing.T) {
	proposal := espProposal(1, KE_CURVE25519)
	proposal.AdditionalKeyExchanges[0].BuildTransform(
		TypeAdditionalKeyExchange1, KE_MLKEM_768, nil, nil, nil)
	proposal.SetSPI(0xcafef00d)

	securityAssociation := &SecurityAssociation{Proposals: ProposalContainer{proposal}}

	var payloads IKEPayloadContainer
	payloads = append(payloads, securityAssociation)
	payloads.BuildNonce([]byte{1, 2, 3, 4})
	payloads.BuildNotifyInvalidKEPayload(KE_ECP_256)
	payloads.BuildDelete(TypeESP, []uint32{0xaabbccdd})

	data, err := payloads.Encode()
	require.NoError(t, err)

	var decoded IKEPayloadContainer
	require.NoError(t, decoded.Decode(TypeSA, data))
	require.Len(t, decoded, 4)

	decodedSA := decoded[0].(*SecurityAssociation)
	require.Len(t, decodedSA.Proposals, 1)
	decodedProposal := decodedSA.Proposals[0]
	assert.True(t, proposal.Equal(decodedProposal))
	assert.Equal(t, uint32(0xcafef00d), decodedProposal.GetSPI())
	method, ok := decodedProposal.GetTransform(TypeAdditionalKeyExchange1)
	require.True(t, ok)
	assert.Equal(t, uint16(KE_MLKEM_768), method)

	notification := decoded[2].(*Notification)
	assert.Equal(t, uint16(INVALID_KE_PAYLOAD), notification.NotifyMessageType)
	assert.Equal(t, []byte{0x00, 0x13}, notification.NotificationData)

	del := decoded[3].(*Delete)
	assert.Equal(t, uint8(TypeESP), del.ProtocolID)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, del.SPIs)
}

func TestIKEMessageHeaderRoundTrip(t *testing.T) {
	ikeMessage := new(IKEMessage)
	ikeMessage.BuildIKEHeader(0x1111111111111111, 0x2222222222222222,
		CREATE_CHILD_SA, InitiatorBitCheck, 7)
	ikeMessage.Payloads.BuildNonce([]byte{9, 9, 9, 9, 9, 9, 9, 9})

	data, err := ikeMessage.Encode()
	require.NoError(t, err)

	decoded := new(IKEMessage)
	require.NoError(t, decoded.Decode(data))
	assert.Equal(t, uint64(0x1111111111111111), decoded.InitiatorSPI)
	assert.Equal(t, uint8(CREATE_CHILD_SA), decoded.ExchangeType)
	assert.Equal(t, uint32(7), decoded.MessageID)
	require.Len(t, decoded.Payloads, 1)
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9, 9, 9}, decoded.Payloads[0].(*Nonce).NonceData)
}
