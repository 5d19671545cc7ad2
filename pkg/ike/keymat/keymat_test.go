package keymat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpnsetup/secgw/pkg/ike/kex"
	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
)

type stubSession struct {
	method uint16
	secret []byte
}

func (s *stubSession) Method() uint16                  { return s.method }
func (s *stubSession) PublicKey() []byte               { return nil }
func (s *stubSession) SetPeerPublicKey([]byte) error   { return nil }
func (s *stubSession) SharedSecret() []byte            { return s.secret }

func testProposal() *ike_message.Proposal {
	proposal := &ike_message.Proposal{ProtocolID: ike_message.TypeESP}
	attributeType := uint16(ike_message.AttributeTypeKeyLength)
	attributeValue := uint16(128)
	proposal.EncryptionAlgorithm.BuildTransform(
		ike_message.TypeEncryptionAlgorithm, ike_message.ENCR_AES_CBC, &attributeType, &attributeValue, nil)
	proposal.IntegrityAlgorithm.BuildTransform(
		ike_message.TypeIntegrityAlgorithm, ike_message.AUTH_HMAC_SHA2_256_128, nil, nil, nil)
	return proposal
}

func TestDeriveChildKeysLengthsAndDeterminism(t *testing.T) {
	skD := []byte("key-deriving-key-for-child-SAs!!")
	nonceI := []byte("initiator-nonce-initiator-nonce!")
	nonceR := []byte("responder-nonce-responder-nonce!")

	keys, err := DeriveChildKeys(skD, ike_message.PRF_HMAC_SHA2_256, testProposal(),
		nil, nonceI, nonceR)
	require.NoError(t, err)
	assert.Len(t, keys.EncrInitiator, 16)
	assert.Len(t, keys.IntegInitiator, 32)
	assert.Len(t, keys.EncrResponder, 16)
	assert.Len(t, keys.IntegResponder, 32)
	assert.NotEqual(t, keys.EncrInitiator, keys.EncrResponder)

	// both peers derive the same material from the same inputs
	again, err := DeriveChildKeys(skD, ike_message.PRF_HMAC_SHA2_256, testProposal(),
		nil, nonceI, nonceR)
	require.NoError(t, err)
	assert.Equal(t, keys.EncrInitiator, again.EncrInitiator)
	assert.Equal(t, keys.IntegResponder, again.IntegResponder)
}

func TestDeriveChildKeysSessionOrderMatters(t *testing.T) {
	skD := []byte("key-deriving-key-for-child-SAs!!")
	nonceI := []byte("ni")
	nonceR := []byte("nr")

	first := &stubSession{method: ike_message.KE_CURVE25519, secret: []byte("shared-one")}
	second := &stubSession{method: ike_message.KE_MLKEM_768, secret: []byte("shared-two")}

	inOrder, err := DeriveChildKeys(skD, ike_message.PRF_HMAC_SHA2_256, testProposal(),
		[]kex.Session{first, second}, nonceI, nonceR)
	require.NoError(t, err)

	reversed, err := DeriveChildKeys(skD, ike_message.PRF_HMAC_SHA2_256, testProposal(),
		[]kex.Session{second, first}, nonceI, nonceR)
	require.NoError(t, err)

	assert.NotEqual(t, inOrder.EncrInitiator, reversed.EncrInitiator)
}

func TestDeriveChildKeysToleratesUnequalNonceLengths(t *testing.T) {
	skD := []byte("key-deriving-key-for-child-SAs!!")

	_, err := DeriveChildKeys(skD, ike_message.PRF_HMAC_SHA2_256, testProposal(),
		nil, []byte("short"), make([]byte, 64))
	assert.NoError(t, err)
}

func TestDeriveChildKeysRequiresSharedSecrets(t *testing.T) {
	skD := []byte("key-deriving-key-for-child-SAs!!")
	empty := &stubSession{method: ike_message.KE_CURVE25519}

	_, err := DeriveChildKeys(skD, ike_message.PRF_HMAC_SHA2_256, testProposal(),
		[]kex.Session{empty}, []byte("ni"), []byte("nr"))
	assert.Error(t, err)
}

func TestZeroize(t *testing.T) {
	keys := &ChildKeys{
		EncrInitiator:  []byte{1, 2, 3},
		IntegInitiator: []byte{4, 5, 6},
		EncrResponder:  []byte{7, 8, 9},
		IntegResponder: []byte{10, 11, 12},
	}
	keys.Zeroize()
	assert.Equal(t, []byte{0, 0, 0}, keys.EncrInitiator)
	assert.Equal(t, []byte{0, 0, 0}, keys.IntegResponder)
}
