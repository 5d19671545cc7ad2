// Package kex provides the ephemeral key exchange sessions used during
// CHILD_SA negotiation and the multi round key exchange plan derived from
// a selected proposal.
package kex

import (
	"crypto/ecdh"
	"crypto/rand"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"

	"github.com/vpnsetup/secgw/internal/logger"
	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
)

var kexLog *logrus.Entry

func init() {
	kexLog = logger.KexLog
}

// Session is one ephemeral key exchange. A session is created with a local
// key pair, receives the peer public value and then yields the shared
// secret exactly once.
type Session interface {
	// Method returns the IKEv2 transform ID of this exchange
	Method() uint16

	// PublicKey returns the local public value for the KE payload
	PublicKey() []byte

	// SetPeerPublicKey applies the value from the peer's KE payload
	SetPeerPublicKey(peerPublicValue []byte) error

	// SharedSecret returns the derived secret, only valid after
	// SetPeerPublicKey succeeded
	SharedSecret() []byte
}

// Factory creates a fresh session for one method.
type Factory func() (Session, error)

var (
	registryMu sync.RWMutex
	registry   = map[uint16]Factory{}
)

// Register installs a session factory for a key exchange method. Built-in
// methods are registered at init time, KEM plugins and test fakes use the
// same hook.
func Register(method uint16, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[method] = factory
}

// NewSession instantiates a session for the given method.
func NewSession(method uint16) (Session, error) {
	registryMu.RLock()
	factory, ok := registry[method]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("key exchange method %d not supported", method)
	}
	return factory()
}

// Supported reports whether a session can be created for the method.
func Supported(method uint16) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[method]
	return ok
}

// Diffie-Hellman MODP groups, RFC 3526
const (
	group14PrimeString string = "FFFFFFFFFFFFFFFFC90FDAA22168C234" +
		"C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6" +
		"F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE6" +
		"49286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804" +
		"F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28F" +
		"B5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA0510" +
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF"
	group15PrimeString string = "FFFFFFFFFFFFFFFFC90FDAA22168C234" +
		"C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6" +
		"F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE6" +
		"49286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804" +
		"F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28F" +
		"B5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA0510" +
		"15728E5A8AAAC42DAD33170D04507A33" +
		"A85521ABDF1CBA64ECFB850458DBEF0A" +
		"8AEA71575D060C7DB3970F85A6E1E4C7" +
		"ABF5AE8CDB0933D71E8C94E04A25619D" +
		"CEE3D2261AD2EE6BF12FFA06D98A0864" +
		"D87602733EC86A64521F2B18177B200C" +
		"BBE117577A615D6C770988C0BAD946E2" +
		"08E24FA074E5AB3143DB5BFCE0FD108E" +
		"4B82D120A93AD2CAFFFFFFFFFFFFFFFF"
	modpGenerator = 2
)

var modpPrimes = map[uint16]*big.Int{}

func init() {
	for method, primeString := range map[uint16]string{
		ike_message.DH_2048_BIT_MODP: group14PrimeString,
		ike_message.DH_3072_BIT_MODP: group15PrimeString,
	} {
		prime, ok := new(big.Int).SetString(primeString, 16)
		if !ok {
			panic("kex: invalid MODP prime for group " + strings.TrimSpace(primeString[:8]))
		}
		modpPrimes[method] = prime
		m := method
		Register(m, func() (Session, error) { return newModpSession(m) })
	}

	Register(ike_message.KE_CURVE25519, newCurve25519Session)
	Register(ike_message.KE_ECP_256, func() (Session, error) { return newECDHSession(ike_message.KE_ECP_256, ecdh.P256()) })
	Register(ike_message.KE_ECP_384, func() (Session, error) { return newECDHSession(ike_message.KE_ECP_384, ecdh.P384()) })
}

type modpSession struct {
	method uint16
	prime  *big.Int
	secret *big.Int
	public []byte
	shared []byte
}

func newModpSession(method uint16) (Session, error) {
	prime := modpPrimes[method]
	secret, err := rand.Int(rand.Reader, prime)
	if err != nil {
		return nil, errors.Wrap(err, "generate MODP secret")
	}

	public := new(big.Int).Exp(big.NewInt(modpGenerator), secret, prime).Bytes()
	prependZero := make([]byte, len(prime.Bytes())-len(public))
	public = append(prependZero, public...)

	return &modpSession{
		method: method,
		prime:  prime,
		secret: secret,
		public: public,
	}, nil
}

func (session *modpSession) Method() uint16 { return session.method }

func (session *modpSession) PublicKey() []byte { return session.public }

func (session *modpSession) SetPeerPublicKey(peerPublicValue []byte) error {
	if len(peerPublicValue) == 0 {
		return errors.New("empty peer public value")
	}
	peer := new(big.Int).SetBytes(peerPublicValue)
	if peer.Sign() <= 0 || peer.Cmp(session.prime) >= 0 {
		return errors.New("peer public value out of range")
	}

	shared := new(big.Int).Exp(peer, session.secret, session.prime).Bytes()
	prependZero := make([]byte, len(session.prime.Bytes())-len(shared))
	session.shared = append(prependZero, shared...)
	return nil
}

func (session *modpSession) SharedSecret() []byte { return session.shared }

type curve25519Session struct {
	secret [32]byte
	public []byte
	shared []byte
}

func newCurve25519Session() (Session, error) {
	session := new(curve25519Session)
	if _, err := io.ReadFull(rand.Reader, session.secret[:]); err != nil {
		return nil, errors.Wrap(err, "generate X25519 secret")
	}
	public, err := curve25519.X25519(session.secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "derive X25519 public value")
	}
	session.public = public
	return session, nil
}

func (session *curve25519Session) Method() uint16 { return ike_message.KE_CURVE25519 }

func (session *curve25519Session) PublicKey() []byte { return session.public }

func (session *curve25519Session) SetPeerPublicKey(peerPublicValue []byte) error {
	shared, err := curve25519.X25519(session.secret[:], peerPublicValue)
	if err != nil {
		return errors.Wrap(err, "apply X25519 peer public value")
	}
	session.shared = shared
	return nil
}

func (session *curve25519Session) SharedSecret() []byte { return session.shared }

type ecdhSession struct {
	method uint16
	curve  ecdh.Curve
	key    *ecdh.PrivateKey
	shared []byte
}

func newECDHSession(method uint16, curve ecdh.Curve) (Session, error) {
	key, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ECDH key")
	}
	return &ecdhSession{method: method, curve: curve, key: key}, nil
}

func (session *ecdhSession) Method() uint16 { return session.method }

func (session *ecdhSession) PublicKey() []byte {
	// the IKEv2 KE payload carries the uncompressed point without the 0x04 tag
	return session.key.PublicKey().Bytes()[1:]
}

func (session *ecdhSession) SetPeerPublicKey(peerPublicValue []byte) error {
	peerKey, err := session.curve.NewPublicKey(append([]byte{0x04}, peerPublicValue...))
	if err != nil {
		return errors.Wrap(err, "parse ECDH peer public value")
	}
	shared, err := session.key.ECDH(peerKey)
	if err != nil {
		return errors.Wrap(err, "apply ECDH peer public value")
	}
	session.shared = shared
	return nil
}

func (session *ecdhSession) SharedSecret() []byte { return session.shared }
