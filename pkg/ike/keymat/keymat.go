// Package keymat derives CHILD_SA keying material from the IKE_SA's SK_d,
// the completed key exchanges and the exchanged nonces, as defined in
// RFC 7296 section 2.17 with the multi key exchange extension.
package keymat

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vpnsetup/secgw/internal/logger"
	"github.com/vpnsetup/secgw/pkg/ike/kex"
	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
)

var keymatLog *logrus.Entry

func init() {
	keymatLog = logger.IKELog
}

// NewPseudorandomFunction returns the keyed PRF for a transform ID.
func NewPseudorandomFunction(key []byte, algorithmType uint16) (hash.Hash, bool) {
	switch algorithmType {
	case ike_message.PRF_HMAC_MD5:
		return hmac.New(md5.New, key), true
	case ike_message.PRF_HMAC_SHA1:
		return hmac.New(sha1.New, key), true
	case ike_message.PRF_HMAC_SHA2_256:
		return hmac.New(sha256.New, key), true
	case ike_message.PRF_HMAC_SHA2_512:
		return hmac.New(sha512.New, key), true
	default:
		keymatLog.Errorf("Unsupported pseudorandom function: %d", algorithmType)
		return nil, false
	}
}

// NonceSize returns the nonce length matching a PRF transform.
func NonceSize(prfType uint16) int {
	switch prfType {
	case ike_message.PRF_HMAC_SHA2_512:
		return 64
	default:
		return 32
	}
}

// encryptionKeyLength returns the key octets an ESP/AH encryption
// transform consumes.
func encryptionKeyLength(transform *ike_message.Transform) (int, error) {
	switch transform.TransformID {
	case ike_message.ENCR_DES:
		return 8, nil
	case ike_message.ENCR_3DES:
		return 24, nil
	case ike_message.ENCR_NULL:
		return 0, nil
	case ike_message.ENCR_AES_CBC, ike_message.ENCR_AES_GCM:
		if !transform.AttributePresent {
			return 0, errors.New("AES transform without key length attribute")
		}
		switch transform.AttributeValue {
		case 128:
			return 16, nil
		case 192:
			return 24, nil
		case 256:
			return 32, nil
		default:
			return 0, errors.Errorf("unsupported AES key length %d", transform.AttributeValue)
		}
	case ike_message.ENCR_CHACHA20:
		return 32, nil
	default:
		return 0, errors.Errorf("unsupported encryption transform %d", transform.TransformID)
	}
}

// integrityKeyLength returns the key octets an integrity transform consumes.
func integrityKeyLength(transformID uint16) (int, error) {
	switch transformID {
	case ike_message.AUTH_NONE:
		return 0, nil
	case ike_message.AUTH_HMAC_MD5_96:
		return 16, nil
	case ike_message.AUTH_HMAC_SHA1_96:
		return 20, nil
	case ike_message.AUTH_HMAC_SHA2_256_128:
		return 32, nil
	case ike_message.AUTH_HMAC_SHA2_512_256:
		return 64, nil
	default:
		return 0, errors.Errorf("unsupported integrity transform %d", transformID)
	}
}

// prfPlus generates totalLength key stream octets as in RFC 7296
// section 2.13.
func prfPlus(key, seed []byte, prfType uint16, totalLength int) ([]byte, error) {
	var keyStream, generatedBlock []byte
	var index byte
	for index = 1; len(keyStream) < totalLength; index++ {
		prf, ok := NewPseudorandomFunction(key, prfType)
		if !ok {
			return nil, errors.New("unsupported pseudorandom function")
		}
		input := append(append(append([]byte(nil), generatedBlock...), seed...), index)
		if _, err := prf.Write(input); err != nil {
			return nil, errors.Wrap(err, "pseudorandom function write")
		}
		generatedBlock = prf.Sum(nil)
		keyStream = append(keyStream, generatedBlock...)
	}
	return keyStream[:totalLength], nil
}

// ChildKeys is the derived CHILD_SA keying material. The initiator to
// responder keys come first in the key stream.
type ChildKeys struct {
	EncrInitiator  []byte
	IntegInitiator []byte
	EncrResponder  []byte
	IntegResponder []byte
}

// Zeroize clears all key material in place. The task calls this on every
// control path after the kernel install.
func (keys *ChildKeys) Zeroize() {
	for _, chunk := range [][]byte{
		keys.EncrInitiator, keys.IntegInitiator,
		keys.EncrResponder, keys.IntegResponder,
	} {
		for i := range chunk {
			chunk[i] = 0
		}
	}
}

// DeriveChildKeys computes KEYMAT = prf+(SK_d, [shared secrets |] Ni | Nr)
// and splits it into the four keying chunks. The sessions have to be in
// slot order, their shared secrets are concatenated in that order. The
// nonce argument order (initiator first) is invariant between both peers.
func DeriveChildKeys(
	skD []byte, prfType uint16, proposal *ike_message.Proposal,
	sessions []kex.Session, nonceInitiator, nonceResponder []byte,
) (*ChildKeys, error) {
	if len(skD) == 0 {
		return nil, errors.New("no key deriving key")
	}
	if len(proposal.EncryptionAlgorithm) == 0 {
		return nil, errors.New("no encryption algorithm in proposal")
	}

	encrLen, err := encryptionKeyLength(proposal.EncryptionAlgorithm[0])
	if err != nil {
		return nil, err
	}
	integLen := 0
	if len(proposal.IntegrityAlgorithm) > 0 {
		if integLen, err = integrityKeyLength(proposal.IntegrityAlgorithm[0].TransformID); err != nil {
			return nil, err
		}
	}

	var seed []byte
	for _, session := range sessions {
		secret := session.SharedSecret()
		if len(secret) == 0 {
			return nil, errors.Errorf("key exchange method %d has no shared secret", session.Method())
		}
		seed = append(seed, secret...)
	}
	seed = append(seed, nonceInitiator...)
	seed = append(seed, nonceResponder...)

	totalLength := 2*encrLen + 2*integLen
	keyStream, err := prfPlus(skD, seed, prfType, totalLength)
	if err != nil {
		return nil, err
	}

	keys := new(ChildKeys)
	keys.EncrInitiator = append(keys.EncrInitiator, keyStream[:encrLen]...)
	keyStream = keyStream[encrLen:]
	keys.IntegInitiator = append(keys.IntegInitiator, keyStream[:integLen]...)
	keyStream = keyStream[integLen:]
	keys.EncrResponder = append(keys.EncrResponder, keyStream[:encrLen]...)
	keyStream = keyStream[encrLen:]
	keys.IntegResponder = append(keys.IntegResponder, keyStream[:integLen]...)

	return keys, nil
}
