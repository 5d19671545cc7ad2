package handler

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"io"

	"github.com/vpnsetup/secgw/pkg/context"
	"github.com/vpnsetup/secgw/pkg/ike/keymat"
	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
)

// Integrity Algorithm
func CalculateChecksum(key []byte, originData []byte, algorithmType uint16) ([]byte, error) {
	outputLength, ok := checksumLength(algorithmType)
	if !ok {
		ikeLog.Errorf("Unsupported integrity function: %d", algorithmType)
		return nil, errors.New("unsupported algorithm")
	}
	integrityFunction, ok := keymat.NewPseudorandomFunction(key, integToPrf(algorithmType))
	if !ok {
		return nil, errors.New("unsupported algorithm")
	}
	if _, err := integrityFunction.Write(originData); err != nil {
		ikeLog.Errorf("Hash function write error when calculating checksum: %+v", err)
		return nil, errors.New("hash function write error")
	}
	return integrityFunction.Sum(nil)[:outputLength], nil
}

func VerifyIKEChecksum(key []byte, originData []byte, checksum []byte, algorithmType uint16) (bool, error) {
	checksumOfMessage, err := CalculateChecksum(key, originData, algorithmType)
	if err != nil {
		return false, err
	}
	return hmac.Equal(checksumOfMessage, checksum), nil
}

func checksumLength(algorithmType uint16) (int, bool) {
	switch algorithmType {
	case ike_message.AUTH_HMAC_MD5_96, ike_message.AUTH_HMAC_SHA1_96:
		return 12, true
	case ike_message.AUTH_HMAC_SHA2_256_128:
		return 16, true
	case ike_message.AUTH_HMAC_SHA2_512_256:
		return 32, true
	default:
		return 0, false
	}
}

func integToPrf(algorithmType uint16) uint16 {
	switch algorithmType {
	case ike_message.AUTH_HMAC_MD5_96:
		return ike_message.PRF_HMAC_MD5
	case ike_message.AUTH_HMAC_SHA1_96:
		return ike_message.PRF_HMAC_SHA1
	case ike_message.AUTH_HMAC_SHA2_256_128:
		return ike_message.PRF_HMAC_SHA2_256
	case ike_message.AUTH_HMAC_SHA2_512_256:
		return ike_message.PRF_HMAC_SHA2_512
	default:
		return 0
	}
}

// Encryption Algorithm
func EncryptMessage(key []byte, originData []byte, algorithmType uint16) ([]byte, error) {
	switch algorithmType {
	case ike_message.ENCR_AES_CBC:
		originData = PKCS7Padding(originData, aes.BlockSize)
		originData[len(originData)-1]--

		block, err := aes.NewCipher(key)
		if err != nil {
			ikeLog.Errorf("Create cipher failed: %+v", err)
			return nil, errors.New("create cipher failed")
		}

		cipherText := make([]byte, aes.BlockSize+len(originData))
		initializationVector := cipherText[:aes.BlockSize]

		_, err = io.ReadFull(rand.Reader, initializationVector)
		if err != nil {
			ikeLog.Errorf("Read random failed: %+v", err)
			return nil, errors.New("read random initialization vector failed")
		}

		cbcBlockMode := cipher.NewCBCEncrypter(block, initializationVector)
		cbcBlockMode.CryptBlocks(cipherText[aes.BlockSize:], originData)

		return cipherText, nil
	case ike_message.ENCR_NULL:
		padLength := byte(0)
		originData = append(originData, padLength)
		return originData, nil
	default:
		ikeLog.Errorf("Unsupported encryption algorithm: %d", algorithmType)
		return nil, errors.New("unsupported algorithm")
	}
}

func DecryptMessage(key []byte, cipherText []byte, algorithmType uint16) ([]byte, error) {
	switch algorithmType {
	case ike_message.ENCR_AES_CBC:
		if len(cipherText) < aes.BlockSize {
			ikeLog.Error("Length of cipher text is too short to decrypt")
			return nil, errors.New("cipher text is too short")
		}

		initializationVector := cipherText[:aes.BlockSize]
		encryptedMessage := cipherText[aes.BlockSize:]

		if len(encryptedMessage)%aes.BlockSize != 0 {
			ikeLog.Error("Cipher text is not a multiple of block size")
			return nil, errors.New("cipher text length error")
		}

		plainText := make([]byte, len(encryptedMessage))

		block, err := aes.NewCipher(key)
		if err != nil {
			ikeLog.Errorf("Create cipher failed: %+v", err)
			return nil, errors.New("create cipher failed")
		}
		cbcBlockMode := cipher.NewCBCDecrypter(block, initializationVector)
		cbcBlockMode.CryptBlocks(plainText, encryptedMessage)

		padding := int(plainText[len(plainText)-1]) + 1
		if padding > len(plainText) {
			return nil, errors.New("invalid padding")
		}
		plainText = plainText[:len(plainText)-padding]

		return plainText, nil
	case ike_message.ENCR_NULL:
		if len(cipherText) == 0 {
			return nil, errors.New("cipher text is empty")
		}
		padding := int(cipherText[len(cipherText)-1]) + 1
		if padding > len(cipherText) {
			return nil, errors.New("invalid padding")
		}
		return cipherText[:len(cipherText)-padding], nil
	default:
		ikeLog.Errorf("Unsupported encryption algorithm: %d", algorithmType)
		return nil, errors.New("unsupported algorithm")
	}
}

func PKCS7Padding(plainText []byte, blockSize int) []byte {
	padding := blockSize - (len(plainText) % blockSize)
	if padding == 0 {
		padding = blockSize
	}
	paddingText := make([]byte, padding)
	for i := range paddingText {
		paddingText[i] = byte(padding)
	}
	return append(plainText, paddingText...)
}

// DecryptProcedure verifies the SK payload checksum and returns the inner
// payloads.
func DecryptProcedure(ikeSA *context.IKESecurityAssociation, ikeMessage *ike_message.IKEMessage,
	encryptedPayload *ike_message.Encrypted,
) (ike_message.IKEPayloadContainer, error) {
	if ikeSA == nil {
		return nil, errors.New("IKE SA is nil")
	}
	if ikeMessage == nil {
		return nil, errors.New("IKE message is nil")
	}
	if encryptedPayload == nil {
		return nil, errors.New("IKE encrypted payload is nil")
	}
	if ikeSA.IntegrityAlgorithm == nil {
		return nil, errors.New("no integrity algorithm specified")
	}
	if ikeSA.EncryptionAlgorithm == nil {
		return nil, errors.New("no encryption algorithm specified")
	}

	integrityKey := ikeSA.SK_ai
	encryptionKey := ikeSA.SK_ei
	if ikeSA.IsInitiator {
		integrityKey = ikeSA.SK_ar
		encryptionKey = ikeSA.SK_er
	}
	if len(integrityKey) == 0 {
		return nil, errors.New("no integrity key")
	}

	length, ok := checksumLength(ikeSA.IntegrityAlgorithm.TransformID)
	if !ok {
		return nil, errors.New("unsupported integrity algorithm")
	}
	if len(encryptedPayload.EncryptedData) < length {
		return nil, errors.New("encrypted payload too short")
	}

	checksum := encryptedPayload.EncryptedData[len(encryptedPayload.EncryptedData)-length:]

	ikeMessageData, err := ikeMessage.Encode()
	if err != nil {
		return nil, errors.New("encoding IKE message failed")
	}

	ok, err = VerifyIKEChecksum(integrityKey,
		ikeMessageData[:len(ikeMessageData)-length], checksum,
		ikeSA.IntegrityAlgorithm.TransformID)
	if err != nil {
		return nil, errors.New("error verifying checksum")
	}
	if !ok {
		ikeLog.Warn("Message checksum failed. Drop the message.")
		return nil, errors.New("checksum failed, drop")
	}

	encryptedData := encryptedPayload.EncryptedData[:len(encryptedPayload.EncryptedData)-length]
	plainText, err := DecryptMessage(encryptionKey, encryptedData,
		ikeSA.EncryptionAlgorithm.TransformID)
	if err != nil {
		ikeLog.Errorf("Decrypting message failed: %+v", err)
		return nil, errors.New("error decrypting message")
	}

	var decryptedIKEPayload ike_message.IKEPayloadContainer
	err = decryptedIKEPayload.Decode(encryptedPayload.NextPayload, plainText)
	if err != nil {
		return nil, errors.New("decoding decrypted payload failed")
	}

	return decryptedIKEPayload, nil
}

// EncryptProcedure wraps the payloads into an SK payload with checksum.
func EncryptProcedure(ikeSA *context.IKESecurityAssociation,
	ikePayload ike_message.IKEPayloadContainer, responseIKEMessage *ike_message.IKEMessage,
) error {
	if ikeSA == nil {
		return errors.New("IKE SA is nil")
	}
	if len(ikePayload) == 0 {
		return errors.New("no IKE payload to be encrypted")
	}
	if responseIKEMessage == nil {
		return errors.New("response IKE message is nil")
	}
	if ikeSA.IntegrityAlgorithm == nil {
		return errors.New("no integrity algorithm specified")
	}
	if ikeSA.EncryptionAlgorithm == nil {
		return errors.New("no encryption algorithm specified")
	}

	integrityKey := ikeSA.SK_ar
	encryptionKey := ikeSA.SK_er
	if ikeSA.IsInitiator {
		integrityKey = ikeSA.SK_ai
		encryptionKey = ikeSA.SK_ei
	}
	if len(integrityKey) == 0 {
		return errors.New("no integrity key")
	}

	length, ok := checksumLength(ikeSA.IntegrityAlgorithm.TransformID)
	if !ok {
		return errors.New("unsupported integrity algorithm")
	}

	ikePayloadData, err := ikePayload.Encode()
	if err != nil {
		return errors.New("encoding IKE payload failed")
	}

	encryptedData, err := EncryptMessage(encryptionKey, ikePayloadData,
		ikeSA.EncryptionAlgorithm.TransformID)
	if err != nil {
		ikeLog.Errorf("Encrypting data failed: %+v", err)
		return errors.New("error encrypting message")
	}

	encryptedData = append(encryptedData, make([]byte, length)...)
	sk := responseIKEMessage.Payloads.BuildEncrypted(ikePayload[0].Type(), encryptedData)

	responseIKEMessageData, err := responseIKEMessage.Encode()
	if err != nil {
		return errors.New("encoding IKE message error")
	}
	checksumOfMessage, err := CalculateChecksum(integrityKey,
		responseIKEMessageData[:len(responseIKEMessageData)-length],
		ikeSA.IntegrityAlgorithm.TransformID)
	if err != nil {
		ikeLog.Errorf("Calculating checksum failed: %+v", err)
		return errors.New("error calculating checksum")
	}
	checksumField := sk.EncryptedData[len(sk.EncryptedData)-length:]
	copy(checksumField, checksumOfMessage)

	return nil
}
