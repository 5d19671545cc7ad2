package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Definition of Security Association

var _ IKEPayload = &SecurityAssociation{}

type SecurityAssociation struct {
	Proposals ProposalContainer
}

type ProposalContainer []*Proposal

type Proposal struct {
	ProposalNumber          uint8
	ProtocolID              uint8
	SPI                     []byte
	EncryptionAlgorithm     TransformContainer
	PseudorandomFunction    TransformContainer
	IntegrityAlgorithm      TransformContainer
	KeyExchangeMethod       TransformContainer
	ExtendedSequenceNumbers TransformContainer
	AdditionalKeyExchanges  [7]TransformContainer
}

type TransformContainer []*Transform

type Transform struct {
	TransformType                uint8
	TransformID                  uint16
	AttributePresent             bool
	AttributeFormat              uint8
	AttributeType                uint16
	AttributeValue               uint16
	VariableLengthAttributeValue []byte
}

func (securityAssociation *SecurityAssociation) Type() uint8 { return TypeSA }

func (securityAssociation *SecurityAssociation) marshal() ([]byte, error) {
	securityAssociationData := make([]byte, 0)

	for proposalIndex, proposal := range securityAssociation.Proposals {
		proposalData := make([]byte, 8)

		if (proposalIndex + 1) < len(securityAssociation.Proposals) {
			proposalData[0] = 2
		} else {
			proposalData[0] = 0
		}

		proposalData[4] = proposal.ProposalNumber
		proposalData[5] = proposal.ProtocolID

		if len(proposal.SPI) > math.MaxUint8 {
			return nil, fmt.Errorf("proposal: SPI size too large: %d", len(proposal.SPI))
		}
		proposalData[6] = uint8(len(proposal.SPI))
		if len(proposal.SPI) > 0 {
			proposalData = append(proposalData, proposal.SPI...)
		}

		transformList := proposal.allTransforms()
		if len(transformList) == 0 {
			return nil, errors.New("one proposal has no any transform")
		}
		if len(transformList) > math.MaxUint8 {
			return nil, fmt.Errorf("proposal: too many transforms: %d", len(transformList))
		}
		proposalData[7] = uint8(len(transformList))

		proposalTransformData := make([]byte, 0)

		for transformIndex, transform := range transformList {
			transformData := make([]byte, 8)

			if (transformIndex + 1) < len(transformList) {
				transformData[0] = 3
			} else {
				transformData[0] = 0
			}

			transformData[4] = transform.TransformType
			binary.BigEndian.PutUint16(transformData[6:8], transform.TransformID)

			if transform.AttributePresent {
				attributeData := make([]byte, 4)
				attributeFormatAndType := ((uint16(transform.AttributeFormat) & 0x1) << 15) | transform.AttributeType
				binary.BigEndian.PutUint16(attributeData[0:2], attributeFormatAndType)

				if transform.AttributeFormat == AttributeFormatUseTLV {
					if len(transform.VariableLengthAttributeValue) == 0 {
						return nil, errors.New("attribute of one transform not specified")
					}
					if len(transform.VariableLengthAttributeValue) > math.MaxUint16 {
						return nil, errors.New("attribute value too long")
					}
					binary.BigEndian.PutUint16(attributeData[2:4], uint16(len(transform.VariableLengthAttributeValue)))
					attributeData = append(attributeData, transform.VariableLengthAttributeValue...)
				} else {
					binary.BigEndian.PutUint16(attributeData[2:4], transform.AttributeValue)
				}

				transformData = append(transformData, attributeData...)
			}
			binary.BigEndian.PutUint16(transformData[2:4], uint16(len(transformData)))

			proposalTransformData = append(proposalTransformData, transformData...)
		}

		proposalData = append(proposalData, proposalTransformData...)
		if len(proposalData) > math.MaxUint16 {
			return nil, fmt.Errorf("proposal data length exceeds uint16 limit: %d", len(proposalData))
		}
		binary.BigEndian.PutUint16(proposalData[2:4], uint16(len(proposalData)))

		securityAssociationData = append(securityAssociationData, proposalData...)
	}

	return securityAssociationData, nil
}

func (securityAssociation *SecurityAssociation) unmarshal(rawData []byte) error {
	for len(rawData) > 0 {
		// bounds checking
		if len(rawData) < 8 {
			return errors.New("no sufficient bytes to decode next proposal")
		}
		proposalLength := binary.BigEndian.Uint16(rawData[2:4])
		if proposalLength < 8 {
			return fmt.Errorf("illegal proposal length %d < header length 8", proposalLength)
		}
		if len(rawData) < int(proposalLength) {
			return errors.New("the length of received message not matches the length specified in header")
		}

		proposal := new(Proposal)

		proposal.ProposalNumber = rawData[4]
		proposal.ProtocolID = rawData[5]

		spiSize := rawData[6]
		if len(rawData) < int(8+spiSize) {
			return errors.New("no sufficient bytes for unmarshalling SPI of proposal")
		}
		if spiSize > 0 {
			proposal.SPI = append(proposal.SPI, rawData[8:8+spiSize]...)
		}

		transformData := rawData[8+spiSize : proposalLength]

		for len(transformData) > 0 {
			// bounds checking
			if len(transformData) < 8 {
				return errors.New("no sufficient bytes to decode next transform")
			}
			transformLength := binary.BigEndian.Uint16(transformData[2:4])
			if transformLength < 8 {
				return fmt.Errorf("illegal transform length %d < header length 8", transformLength)
			}
			if len(transformData) < int(transformLength) {
				return errors.New("the length of received message not matches the length specified in header")
			}

			transform := new(Transform)

			transform.TransformType = transformData[4]
			transform.TransformID = binary.BigEndian.Uint16(transformData[6:8])
			if transformLength > 8 {
				transform.AttributePresent = true
				transform.AttributeFormat = ((transformData[8] & 0x80) >> 7)
				transform.AttributeType = binary.BigEndian.Uint16(transformData[8:10]) & 0x7fff

				if transform.AttributeFormat == AttributeFormatUseTLV {
					attributeLength := binary.BigEndian.Uint16(transformData[10:12])
					if (12 + attributeLength) != transformLength {
						return fmt.Errorf("illegal attribute length %d not satisfies the transform length %d",
							attributeLength, transformLength)
					}
					transform.VariableLengthAttributeValue = append(
						transform.VariableLengthAttributeValue, transformData[12:12+attributeLength]...)
				} else {
					transform.AttributeValue = binary.BigEndian.Uint16(transformData[10:12])
				}
			}

			switch {
			case transform.TransformType == TypeEncryptionAlgorithm:
				proposal.EncryptionAlgorithm = append(proposal.EncryptionAlgorithm, transform)
			case transform.TransformType == TypePseudorandomFunction:
				proposal.PseudorandomFunction = append(proposal.PseudorandomFunction, transform)
			case transform.TransformType == TypeIntegrityAlgorithm:
				proposal.IntegrityAlgorithm = append(proposal.IntegrityAlgorithm, transform)
			case transform.TransformType == TypeKeyExchangeMethod:
				proposal.KeyExchangeMethod = append(proposal.KeyExchangeMethod, transform)
			case transform.TransformType == TypeExtendedSequenceNumbers:
				proposal.ExtendedSequenceNumbers = append(proposal.ExtendedSequenceNumbers, transform)
			case transform.TransformType >= TypeAdditionalKeyExchange1 &&
				transform.TransformType <= TypeAdditionalKeyExchange7:
				slot := transform.TransformType - TypeAdditionalKeyExchange1
				proposal.AdditionalKeyExchanges[slot] = append(proposal.AdditionalKeyExchanges[slot], transform)
			default:
				ikeLog.Warnf("Skipping transform with unknown type %d", transform.TransformType)
			}

			transformData = transformData[transformLength:]
		}

		securityAssociation.Proposals = append(securityAssociation.Proposals, proposal)

		rawData = rawData[proposalLength:]
	}

	return nil
}

// Definition of Key Exchange

var _ IKEPayload = &KeyExchange{}

type KeyExchange struct {
	KeyExchangeMethod uint16
	KeyExchangeData   []byte
}

func (keyExchange *KeyExchange) Type() uint8 { return TypeKE }

func (keyExchange *KeyExchange) marshal() ([]byte, error) {
	keyExchangeData := make([]byte, 4)

	binary.BigEndian.PutUint16(keyExchangeData[0:2], keyExchange.KeyExchangeMethod)
	keyExchangeData = append(keyExchangeData, keyExchange.KeyExchangeData...)

	return keyExchangeData, nil
}

func (keyExchange *KeyExchange) unmarshal(rawData []byte) error {
	if len(rawData) > 0 {
		// bounds checking
		if len(rawData) <= 4 {
			return errors.New("no sufficient bytes to decode next key exchange data")
		}

		keyExchange.KeyExchangeMethod = binary.BigEndian.Uint16(rawData[0:2])
		keyExchange.KeyExchangeData = append(keyExchange.KeyExchangeData, rawData[4:]...)
	}

	return nil
}

// Definition of Identification - Initiator

var _ IKEPayload = &IdentificationInitiator{}

type IdentificationInitiator struct {
	IDType uint8
	IDData []byte
}

func (identification *IdentificationInitiator) Type() uint8 { return TypeIDi }

func (identification *IdentificationInitiator) marshal() ([]byte, error) {
	identificationData := make([]byte, 4)

	identificationData[0] = identification.IDType
	identificationData = append(identificationData, identification.IDData...)

	return identificationData, nil
}

func (identification *IdentificationInitiator) unmarshal(rawData []byte) error {
	if len(rawData) > 0 {
		// bounds checking
		if len(rawData) <= 4 {
			return errors.New("no sufficient bytes to decode next identification")
		}

		identification.IDType = rawData[0]
		identification.IDData = append(identification.IDData, rawData[4:]...)
	}

	return nil
}

// Definition of Identification - Responder

var _ IKEPayload = &IdentificationResponder{}

type IdentificationResponder struct {
	IDType uint8
	IDData []byte
}

func (identification *IdentificationResponder) Type() uint8 { return TypeIDr }

func (identification *IdentificationResponder) marshal() ([]byte, error) {
	identificationData := make([]byte, 4)

	identificationData[0] = identification.IDType
	identificationData = append(identificationData, identification.IDData...)

	return identificationData, nil
}

func (identification *IdentificationResponder) unmarshal(rawData []byte) error {
	if len(rawData) > 0 {
		// bounds checking
		if len(rawData) <= 4 {
			return errors.New("no sufficient bytes to decode next identification")
		}

		identification.IDType = rawData[0]
		identification.IDData = append(identification.IDData, rawData[4:]...)
	}

	return nil
}

// Definition of Authentication

var _ IKEPayload = &Authentication{}

type Authentication struct {
	AuthenticationMethod uint8
	AuthenticationData   []byte
}

func (authentication *Authentication) Type() uint8 { return TypeAUTH }

func (authentication *Authentication) marshal() ([]byte, error) {
	authenticationData := make([]byte, 4)

	authenticationData[0] = authentication.AuthenticationMethod
	authenticationData = append(authenticationData, authentication.AuthenticationData...)

	return authenticationData, nil
}

func (authentication *Authentication) unmarshal(rawData []byte) error {
	if len(rawData) > 0 {
		// bounds checking
		if len(rawData) <= 4 {
			return errors.New("no sufficient bytes to decode next authentication")
		}

		authentication.AuthenticationMethod = rawData[0]
		authentication.AuthenticationData = append(authentication.AuthenticationData, rawData[4:]...)
	}

	return nil
}

// Definition of Nonce

var _ IKEPayload = &Nonce{}

type Nonce struct {
	NonceData []byte
}

func (nonce *Nonce) Type() uint8 { return TypeNiNr }

func (nonce *Nonce) marshal() ([]byte, error) {
	nonceData := make([]byte, 0)
	nonceData = append(nonceData, nonce.NonceData...)
	return nonceData, nil
}

func (nonce *Nonce) unmarshal(rawData []byte) error {
	if len(rawData) > 0 {
		nonce.NonceData = append(nonce.NonceData, rawData...)
	}
	return nil
}

// Definition of Notification

var _ IKEPayload = &Notification{}

type Notification struct {
	ProtocolID        uint8
	NotifyMessageType uint16
	SPI               []byte
	NotificationData  []byte
}

func (notification *Notification) Type() uint8 { return TypeN }

func (notification *Notification) marshal() ([]byte, error) {
	notificationData := make([]byte, 4)

	notificationData[0] = notification.ProtocolID
	if len(notification.SPI) > math.MaxUint8 {
		return nil, fmt.Errorf("notification: SPI size too large: %d", len(notification.SPI))
	}
	notificationData[1] = uint8(len(notification.SPI))
	binary.BigEndian.PutUint16(notificationData[2:4], notification.NotifyMessageType)

	notificationData = append(notificationData, notification.SPI...)
	notificationData = append(notificationData, notification.NotificationData...)

	return notificationData, nil
}

func (notification *Notification) unmarshal(rawData []byte) error {
	if len(rawData) > 0 {
		// bounds checking
		if len(rawData) < 4 {
			return errors.New("no sufficient bytes to decode next notification")
		}
		spiSize := rawData[1]
		if len(rawData) < int(4+spiSize) {
			return errors.New("no sufficient bytes to get SPI according to the length specified in header")
		}

		notification.ProtocolID = rawData[0]
		notification.NotifyMessageType = binary.BigEndian.Uint16(rawData[2:4])

		notification.SPI = append(notification.SPI, rawData[4:4+spiSize]...)
		notification.NotificationData = append(notification.NotificationData, rawData[4+spiSize:]...)
	}

	return nil
}

// Definition of Delete

var _ IKEPayload = &Delete{}

type Delete struct {
	ProtocolID  uint8
	SPISize     uint8
	NumberOfSPI uint16
	SPIs        []byte
}

func (del *Delete) Type() uint8 { return TypeD }

func (del *Delete) marshal() ([]byte, error) {
	if (int(del.SPISize) * int(del.NumberOfSPI)) != len(del.SPIs) {
		return nil, errors.New("total bytes of all SPIs not correct")
	}

	deleteData := make([]byte, 4)

	deleteData[0] = del.ProtocolID
	deleteData[1] = del.SPISize
	binary.BigEndian.PutUint16(deleteData[2:4], del.NumberOfSPI)

	deleteData = append(deleteData, del.SPIs...)

	return deleteData, nil
}

func (del *Delete) unmarshal(rawData []byte) error {
	if len(rawData) > 0 {
		// bounds checking
		if len(rawData) <= 3 {
			return errors.New("no sufficient bytes to decode next delete")
		}
		spiSize := rawData[1]
		numberOfSPI := binary.BigEndian.Uint16(rawData[2:4])
		if len(rawData) < (4 + int(spiSize)*int(numberOfSPI)) {
			return errors.New("no sufficient bytes to get SPIs according to the length specified in header")
		}

		del.ProtocolID = rawData[0]
		del.SPISize = spiSize
		del.NumberOfSPI = numberOfSPI

		del.SPIs = append(del.SPIs, rawData[4:]...)
	}

	return nil
}

// Definition of Vendor ID

var _ IKEPayload = &VendorID{}

type VendorID struct {
	VendorIDData []byte
}

func (vendorID *VendorID) Type() uint8 { return TypeV }

func (vendorID *VendorID) marshal() ([]byte, error) {
	return vendorID.VendorIDData, nil
}

func (vendorID *VendorID) unmarshal(rawData []byte) error {
	if len(rawData) > 0 {
		vendorID.VendorIDData = append(vendorID.VendorIDData, rawData...)
	}
	return nil
}

// Definition of Traffic Selector - Initiator

var _ IKEPayload = &TrafficSelectorInitiator{}

type TrafficSelectorInitiator struct {
	TrafficSelectors IndividualTrafficSelectorContainer
}

type IndividualTrafficSelectorContainer []*IndividualTrafficSelector

type IndividualTrafficSelector struct {
	TSType       uint8
	IPProtocolID uint8
	StartPort    uint16
	EndPort      uint16
	StartAddress []byte
	EndAddress   []byte
}

func (trafficSelector *TrafficSelectorInitiator) Type() uint8 { return TypeTSi }

func marshalTrafficSelectors(trafficSelectors IndividualTrafficSelectorContainer) ([]byte, error) {
	if len(trafficSelectors) == 0 {
		return nil, errors.New("no traffic selector to marshal")
	}
	if len(trafficSelectors) > math.MaxUint8 {
		return nil, fmt.Errorf("too many traffic selectors: %d", len(trafficSelectors))
	}

	trafficSelectorData := make([]byte, 4)
	trafficSelectorData[0] = uint8(len(trafficSelectors))

	for _, individualTrafficSelector := range trafficSelectors {
		switch individualTrafficSelector.TSType {
		case TS_IPV4_ADDR_RANGE:
			if len(individualTrafficSelector.StartAddress) != 4 ||
				len(individualTrafficSelector.EndAddress) != 4 {
				return nil, errors.New("address length is not correct")
			}
		case TS_IPV6_ADDR_RANGE:
			if len(individualTrafficSelector.StartAddress) != 16 ||
				len(individualTrafficSelector.EndAddress) != 16 {
				return nil, errors.New("address length is not correct")
			}
		default:
			return nil, errors.New("unsupported traffic selector type")
		}

		individualTrafficSelectorData := make([]byte, 8)

		individualTrafficSelectorData[0] = individualTrafficSelector.TSType
		individualTrafficSelectorData[1] = individualTrafficSelector.IPProtocolID
		binary.BigEndian.PutUint16(individualTrafficSelectorData[4:6], individualTrafficSelector.StartPort)
		binary.BigEndian.PutUint16(individualTrafficSelectorData[6:8], individualTrafficSelector.EndPort)

		individualTrafficSelectorData = append(individualTrafficSelectorData, individualTrafficSelector.StartAddress...)
		individualTrafficSelectorData = append(individualTrafficSelectorData, individualTrafficSelector.EndAddress...)

		binary.BigEndian.PutUint16(individualTrafficSelectorData[2:4], uint16(len(individualTrafficSelectorData)))

		trafficSelectorData = append(trafficSelectorData, individualTrafficSelectorData...)
	}

	return trafficSelectorData, nil
}

func unmarshalTrafficSelectors(rawData []byte) (IndividualTrafficSelectorContainer, error) {
	var container IndividualTrafficSelectorContainer

	if len(rawData) == 0 {
		return nil, nil
	}
	// bounds checking
	if len(rawData) < 4 {
		return nil, errors.New("no sufficient bytes to get number of traffic selector in header")
	}
	numberOfSPI := rawData[0]
	rawData = rawData[4:]

	for ; numberOfSPI > 0; numberOfSPI-- {
		// bounds checking
		if len(rawData) < 4 {
			return nil, errors.New("no sufficient bytes to decode next individual traffic selector length in header")
		}
		trafficSelectorType := rawData[0]
		selectorLength := binary.BigEndian.Uint16(rawData[2:4])

		var expected uint16
		switch trafficSelectorType {
		case TS_IPV4_ADDR_RANGE:
			expected = 16
		case TS_IPV6_ADDR_RANGE:
			expected = 40
		default:
			return nil, errors.New("unsupported traffic selector type")
		}
		if selectorLength != expected {
			return nil, errors.New("invalid traffic selector length")
		}
		if len(rawData) < int(selectorLength) {
			return nil, errors.New("no sufficient bytes to decode next individual traffic selector")
		}

		individualTrafficSelector := &IndividualTrafficSelector{
			TSType:       trafficSelectorType,
			IPProtocolID: rawData[1],
			StartPort:    binary.BigEndian.Uint16(rawData[4:6]),
			EndPort:      binary.BigEndian.Uint16(rawData[6:8]),
		}
		addrLen := (int(selectorLength) - 8) / 2
		individualTrafficSelector.StartAddress = append(
			individualTrafficSelector.StartAddress, rawData[8:8+addrLen]...)
		individualTrafficSelector.EndAddress = append(
			individualTrafficSelector.EndAddress, rawData[8+addrLen:selectorLength]...)

		container = append(container, individualTrafficSelector)

		rawData = rawData[selectorLength:]
	}

	return container, nil
}

func (trafficSelector *TrafficSelectorInitiator) marshal() ([]byte, error) {
	return marshalTrafficSelectors(trafficSelector.TrafficSelectors)
}

func (trafficSelector *TrafficSelectorInitiator) unmarshal(rawData []byte) error {
	container, err := unmarshalTrafficSelectors(rawData)
	if err != nil {
		return err
	}
	trafficSelector.TrafficSelectors = container
	return nil
}

// Definition of Traffic Selector - Responder

var _ IKEPayload = &TrafficSelectorResponder{}

type TrafficSelectorResponder struct {
	TrafficSelectors IndividualTrafficSelectorContainer
}

func (trafficSelector *TrafficSelectorResponder) Type() uint8 { return TypeTSr }

func (trafficSelector *TrafficSelectorResponder) marshal() ([]byte, error) {
	return marshalTrafficSelectors(trafficSelector.TrafficSelectors)
}

func (trafficSelector *TrafficSelectorResponder) unmarshal(rawData []byte) error {
	container, err := unmarshalTrafficSelectors(rawData)
	if err != nil {
		return err
	}
	trafficSelector.TrafficSelectors = container
	return nil
}

// Definition of Encrypted Payload

var _ IKEPayload = &Encrypted{}

type Encrypted struct {
	NextPayload   uint8
	EncryptedData []byte
}

func (encrypted *Encrypted) Type() uint8 { return TypeSK }

func (encrypted *Encrypted) marshal() ([]byte, error) {
	if len(encrypted.EncryptedData) == 0 {
		ikeLog.Warn("The encrypted data is empty")
	}
	return encrypted.EncryptedData, nil
}

func (encrypted *Encrypted) unmarshal(rawData []byte) error {
	encrypted.EncryptedData = append(encrypted.EncryptedData, rawData...)
	return nil
}
