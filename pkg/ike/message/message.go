package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/vpnsetup/secgw/internal/logger"
)

var ikeLog *logrus.Entry

func init() {
	ikeLog = logger.IKELog
}

const IKEHeaderLength = 28

type IKEMessage struct {
	InitiatorSPI uint64
	ResponderSPI uint64
	Version      uint8
	ExchangeType uint8
	Flags        uint8
	MessageID    uint32
	NextPayload  uint8
	Payloads     IKEPayloadContainer
}

func (ikeMessage *IKEMessage) BuildIKEHeader(
	initiatorSPI uint64, responderSPI uint64,
	exchangeType uint8, flags uint8, messageID uint32,
) {
	ikeMessage.InitiatorSPI = initiatorSPI
	ikeMessage.ResponderSPI = responderSPI
	ikeMessage.Version = 0x20
	ikeMessage.ExchangeType = exchangeType
	ikeMessage.Flags = flags
	ikeMessage.MessageID = messageID
}

func (ikeMessage *IKEMessage) Encode() ([]byte, error) {
	ikeMessageData := make([]byte, IKEHeaderLength)

	binary.BigEndian.PutUint64(ikeMessageData[0:8], ikeMessage.InitiatorSPI)
	binary.BigEndian.PutUint64(ikeMessageData[8:16], ikeMessage.ResponderSPI)
	ikeMessageData[17] = ikeMessage.Version
	ikeMessageData[18] = ikeMessage.ExchangeType
	ikeMessageData[19] = ikeMessage.Flags
	binary.BigEndian.PutUint32(ikeMessageData[20:24], ikeMessage.MessageID)

	if len(ikeMessage.Payloads) > 0 {
		ikeMessageData[16] = uint8(ikeMessage.Payloads[0].Type())
	} else {
		ikeMessageData[16] = NoNext
	}

	ikeMessagePayloadData, err := ikeMessage.Payloads.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode payload failed: %+v", err)
	}
	ikeMessageData = append(ikeMessageData, ikeMessagePayloadData...)
	binary.BigEndian.PutUint32(ikeMessageData[24:IKEHeaderLength], uint32(len(ikeMessageData)))

	return ikeMessageData, nil
}

func (ikeMessage *IKEMessage) Decode(rawData []byte) error {
	// IKE message packet format this implementation referenced is
	// defined in RFC 7296, Section 3.1
	if len(rawData) < IKEHeaderLength {
		return errors.New("received broken IKE header")
	}
	ikeMessageLength := binary.BigEndian.Uint32(rawData[24:IKEHeaderLength])
	if ikeMessageLength < IKEHeaderLength {
		return fmt.Errorf("illegal IKE message length %d < header length %d",
			ikeMessageLength, IKEHeaderLength)
	}
	if uint32(len(rawData)) != ikeMessageLength {
		return errors.New("the length of received message not matches the length specified in header")
	}

	ikeMessage.InitiatorSPI = binary.BigEndian.Uint64(rawData[0:8])
	ikeMessage.ResponderSPI = binary.BigEndian.Uint64(rawData[8:16])
	nextPayload := rawData[16]
	ikeMessage.Version = rawData[17]
	ikeMessage.ExchangeType = rawData[18]
	ikeMessage.Flags = rawData[19]
	ikeMessage.MessageID = binary.BigEndian.Uint32(rawData[20:24])
	ikeMessage.NextPayload = nextPayload

	err := ikeMessage.Payloads.Decode(nextPayload, rawData[IKEHeaderLength:])
	if err != nil {
		return fmt.Errorf("decode payload failed: %+v", err)
	}

	return nil
}

type IKEPayloadContainer []IKEPayload

func (container *IKEPayloadContainer) Reset() {
	*container = nil
}

func (container *IKEPayloadContainer) Encode() ([]byte, error) {
	ikeMessagePayloadData := make([]byte, 0)

	for index, payload := range *container {
		payloadData := make([]byte, 4) // IKE payload general header
		if (index + 1) < len(*container) {
			payloadData[0] = uint8((*container)[index+1].Type())
		} else {
			if payload.Type() == TypeSK {
				payloadData[0] = payload.(*Encrypted).NextPayload
			} else {
				payloadData[0] = NoNext
			}
		}

		data, err := payload.marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal payload failed: %+v", err)
		}

		payloadData = append(payloadData, data...)
		if len(payloadData) > math.MaxUint16 {
			return nil, fmt.Errorf("payload data length exceeds uint16 limit: %d", len(payloadData))
		}
		binary.BigEndian.PutUint16(payloadData[2:4], uint16(len(payloadData)))

		ikeMessagePayloadData = append(ikeMessagePayloadData, payloadData...)
	}

	return ikeMessagePayloadData, nil
}

func (container *IKEPayloadContainer) Decode(nextPayload uint8, rawData []byte) error {
	for len(rawData) > 0 {
		// bounds checking
		if len(rawData) < 4 {
			return errors.New("no sufficient bytes to decode next payload")
		}
		payloadLength := binary.BigEndian.Uint16(rawData[2:4])
		if payloadLength < 4 {
			return fmt.Errorf("illegal payload length %d < header length 4", payloadLength)
		}
		if len(rawData) < int(payloadLength) {
			return errors.New("the length of received message not matches the length specified in header")
		}

		criticalBit := (rawData[1] & 0x80) >> 7

		var payload IKEPayload

		switch nextPayload {
		case TypeSA:
			payload = new(SecurityAssociation)
		case TypeKE:
			payload = new(KeyExchange)
		case TypeIDi:
			payload = new(IdentificationInitiator)
		case TypeIDr:
			payload = new(IdentificationResponder)
		case TypeAUTH:
			payload = new(Authentication)
		case TypeNiNr:
			payload = new(Nonce)
		case TypeN:
			payload = new(Notification)
		case TypeD:
			payload = new(Delete)
		case TypeV:
			payload = new(VendorID)
		case TypeTSi:
			payload = new(TrafficSelectorInitiator)
		case TypeTSr:
			payload = new(TrafficSelectorResponder)
		case TypeSK:
			encryptedPayload := new(Encrypted)
			encryptedPayload.NextPayload = rawData[0]
			payload = encryptedPayload
		default:
			if criticalBit != 0 {
				return fmt.Errorf("unknown critical payload type: %d", nextPayload)
			}
			ikeLog.Warnf("Skipping unknown payload (type %d)", nextPayload)
			nextPayload = rawData[0]
			rawData = rawData[payloadLength:]
			continue
		}

		if err := payload.unmarshal(rawData[4:payloadLength]); err != nil {
			return fmt.Errorf("unmarshal payload failed: %+v", err)
		}

		*container = append(*container, payload)

		nextPayload = rawData[0]
		rawData = rawData[payloadLength:]
	}

	return nil
}

type IKEPayload interface {
	// Type specifies the IKE payload types
	Type() uint8

	// Called by Encode() or Decode()
	marshal() ([]byte, error)
	unmarshal(rawData []byte) error
}
