package message

import (
	"encoding/binary"
	"net"
)

func (container *IKEPayloadContainer) BuildNotification(
	protocolID uint8, notifyMessageType uint16, spi []byte, notificationData []byte,
) {
	notification := new(Notification)
	notification.ProtocolID = protocolID
	notification.NotifyMessageType = notifyMessageType
	notification.SPI = append(notification.SPI, spi...)
	notification.NotificationData = append(notification.NotificationData, notificationData...)
	*container = append(*container, notification)
}

func (container *IKEPayloadContainer) BuildSecurityAssociation() *SecurityAssociation {
	securityAssociation := new(SecurityAssociation)
	*container = append(*container, securityAssociation)
	return securityAssociation
}

func (container *ProposalContainer) BuildProposal(proposalNumber uint8, protocolID uint8, spi []byte) *Proposal {
	proposal := new(Proposal)
	proposal.ProposalNumber = proposalNumber
	proposal.ProtocolID = protocolID
	proposal.SPI = append(proposal.SPI, spi...)
	*container = append(*container, proposal)
	return proposal
}

func (container *TransformContainer) BuildTransform(
	transformType uint8, transformID uint16,
	attributeType *uint16, attributeValue *uint16, variableLengthAttributeValue []byte,
) {
	transform := new(Transform)
	transform.TransformType = transformType
	transform.TransformID = transformID
	if attributeType != nil {
		transform.AttributePresent = true
		transform.AttributeType = *attributeType
		if attributeValue != nil {
			transform.AttributeFormat = AttributeFormatUseTV
			transform.AttributeValue = *attributeValue
		} else if len(variableLengthAttributeValue) != 0 {
			transform.AttributeFormat = AttributeFormatUseTLV
			transform.VariableLengthAttributeValue = append(
				transform.VariableLengthAttributeValue, variableLengthAttributeValue...)
		} else {
			return
		}
	} else {
		transform.AttributePresent = false
	}
	*container = append(*container, transform)
}

func (container *IKEPayloadContainer) BuildKeyExchange(keyExchangeMethod uint16, keyExchangeData []byte) {
	keyExchange := new(KeyExchange)
	keyExchange.KeyExchangeMethod = keyExchangeMethod
	keyExchange.KeyExchangeData = append(keyExchange.KeyExchangeData, keyExchangeData...)
	*container = append(*container, keyExchange)
}

func (container *IKEPayloadContainer) BuildNonce(nonceData []byte) {
	nonce := new(Nonce)
	nonce.NonceData = append(nonce.NonceData, nonceData...)
	*container = append(*container, nonce)
}

func (container *IKEPayloadContainer) BuildTrafficSelectorInitiator() *TrafficSelectorInitiator {
	trafficSelectorInitiator := new(TrafficSelectorInitiator)
	*container = append(*container, trafficSelectorInitiator)
	return trafficSelectorInitiator
}

func (container *IKEPayloadContainer) BuildTrafficSelectorResponder() *TrafficSelectorResponder {
	trafficSelectorResponder := new(TrafficSelectorResponder)
	*container = append(*container, trafficSelectorResponder)
	return trafficSelectorResponder
}

func (container *IndividualTrafficSelectorContainer) BuildIndividualTrafficSelector(
	tsType uint8, ipProtocolID uint8, startPort uint16, endPort uint16, startAddr net.IP, endAddr net.IP,
) {
	trafficSelector := new(IndividualTrafficSelector)
	trafficSelector.TSType = tsType
	trafficSelector.IPProtocolID = ipProtocolID
	trafficSelector.StartPort = startPort
	trafficSelector.EndPort = endPort
	if tsType == TS_IPV4_ADDR_RANGE {
		trafficSelector.StartAddress = append(trafficSelector.StartAddress, startAddr.To4()...)
		trafficSelector.EndAddress = append(trafficSelector.EndAddress, endAddr.To4()...)
	} else {
		trafficSelector.StartAddress = append(trafficSelector.StartAddress, startAddr.To16()...)
		trafficSelector.EndAddress = append(trafficSelector.EndAddress, endAddr.To16()...)
	}
	*container = append(*container, trafficSelector)
}

func (container *IKEPayloadContainer) BuildDelete(protocolID uint8, spis []uint32) {
	del := new(Delete)
	del.ProtocolID = protocolID
	del.SPISize = 4
	del.NumberOfSPI = uint16(len(spis))
	for _, spi := range spis {
		spiByte := make([]byte, 4)
		binary.BigEndian.PutUint32(spiByte, spi)
		del.SPIs = append(del.SPIs, spiByte...)
	}
	*container = append(*container, del)
}

func (container *IKEPayloadContainer) BuildEncrypted(nextPayload uint8, encryptedData []byte) *Encrypted {
	encrypted := new(Encrypted)
	encrypted.NextPayload = nextPayload
	encrypted.EncryptedData = append(encrypted.EncryptedData, encryptedData...)
	*container = append(*container, encrypted)
	return encrypted
}

func (container *IKEPayloadContainer) BuildIdentificationInitiator(idType uint8, idData []byte) {
	identification := new(IdentificationInitiator)
	identification.IDType = idType
	identification.IDData = append(identification.IDData, idData...)
	*container = append(*container, identification)
}

func (container *IKEPayloadContainer) BuildIdentificationResponder(idType uint8, idData []byte) {
	identification := new(IdentificationResponder)
	identification.IDType = idType
	identification.IDData = append(identification.IDData, idData...)
	*container = append(*container, identification)
}

// BuildNotifyInvalidKEPayload carries the expected method as 16-bit big-endian.
func (container *IKEPayloadContainer) BuildNotifyInvalidKEPayload(keyExchangeMethod uint16) {
	notificationData := make([]byte, 2)
	binary.BigEndian.PutUint16(notificationData, keyExchangeMethod)
	container.BuildNotification(TypeNone, INVALID_KE_PAYLOAD, nil, notificationData)
}

// BuildNotifyIPCompSupported carries the CPI as 16-bit big-endian followed
// by the one-byte transform ID.
func (container *IKEPayloadContainer) BuildNotifyIPCompSupported(cpi uint16, transformID uint8) {
	notificationData := make([]byte, 3)
	binary.BigEndian.PutUint16(notificationData[0:2], cpi)
	notificationData[2] = transformID
	container.BuildNotification(TypeNone, IPCOMP_SUPPORTED, nil, notificationData)
}

// GetNotify returns the first notification of the given type, if present.
func (container IKEPayloadContainer) GetNotify(notifyMessageType uint16) *Notification {
	for _, payload := range container {
		if payload.Type() == TypeN {
			notification := payload.(*Notification)
			if notification.NotifyMessageType == notifyMessageType {
				return notification
			}
		}
	}
	return nil
}
