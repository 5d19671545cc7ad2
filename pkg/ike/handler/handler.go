package handler

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/vpnsetup/secgw/internal/logger"
	"github.com/vpnsetup/secgw/pkg/context"
	ike_message "github.com/vpnsetup/secgw/pkg/ike/message"
	"github.com/vpnsetup/secgw/pkg/ike/task"
)

// Log
var ikeLog *logrus.Entry

func init() {
	ikeLog = logger.IKELog
}

// HandleCREATECHILDSA drives the responder side of a CREATE_CHILD_SA
// request through the child creation task.
func HandleCREATECHILDSA(udpConn *net.UDPConn, localAddr, remoteAddr *net.UDPAddr,
	message *ike_message.IKEMessage,
) {
	ikeLog.Infoln("Handle CREATE_CHILD_SA")

	responseIKEMessage := new(ike_message.IKEMessage)

	ikeSA, ok := findIKESA(message)
	if !ok {
		ikeLog.Warn("Unrecognized SPI")
		// INFORMATIONAL with INVALID_IKE_SPI, outside any IKE SA
		responseIKEMessage.BuildIKEHeader(message.InitiatorSPI, 0, ike_message.INFORMATIONAL,
			ike_message.ResponseBitCheck, message.MessageID)
		responseIKEMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.INVALID_IKE_SPI, nil, nil)
		SendIKEMessageToPeer(udpConn, localAddr, remoteAddr, responseIKEMessage)
		return
	}

	decryptedMessage, ok := decryptToMessage(ikeSA, message)
	if !ok {
		return
	}
	ikeSA.ResponderMessageID = message.MessageID

	responder := task.NewResponder(ikeSA)
	ikeSA.ActiveTask = responder

	if status := responder.Process(decryptedMessage); status != context.StatusNeedMore {
		ikeLog.Warnf("Responder task ended during process with status %d", status)
		return
	}

	respondWithTask(udpConn, localAddr, remoteAddr, ikeSA, responder, message)
}

// HandleIKEFOLLOWUPKE continues an in-progress multi key exchange.
func HandleIKEFOLLOWUPKE(udpConn *net.UDPConn, localAddr, remoteAddr *net.UDPAddr,
	message *ike_message.IKEMessage,
) {
	ikeLog.Infoln("Handle IKE_FOLLOWUP_KE")

	ikeSA, ok := findIKESA(message)
	if !ok {
		ikeLog.Warn("Unrecognized SPI")
		return
	}

	activeTask := ikeSA.ActiveTask
	if activeTask == nil {
		ikeLog.Warn("No active task for IKE_FOLLOWUP_KE")
		responseIKEMessage := new(ike_message.IKEMessage)
		responseIKEMessage.BuildIKEHeader(message.InitiatorSPI, message.ResponderSPI,
			ike_message.IKE_FOLLOWUP_KE, ike_message.ResponseBitCheck, message.MessageID)
		responseIKEMessage.Payloads.BuildNotification(
			ike_message.TypeNone, ike_message.STATE_NOT_FOUND, nil, nil)
		SendIKEMessageToPeer(udpConn, localAddr, remoteAddr, responseIKEMessage)
		return
	}

	decryptedMessage, ok := decryptToMessage(ikeSA, message)
	if !ok {
		return
	}
	ikeSA.ResponderMessageID = message.MessageID

	if status := activeTask.Process(decryptedMessage); status != context.StatusNeedMore {
		ikeLog.Warnf("Active task ended during process with status %d", status)
		ikeSA.ActiveTask = nil
		return
	}

	respondWithTask(udpConn, localAddr, remoteAddr, ikeSA, activeTask, message)
}

func findIKESA(message *ike_message.IKEMessage) (*context.IKESecurityAssociation, bool) {
	return context.Self().IKESALoad(message.ResponderSPI)
}

// decryptToMessage unwraps the SK payload into a message carrying the
// exchange type and the decrypted payloads for the task.
func decryptToMessage(ikeSA *context.IKESecurityAssociation,
	message *ike_message.IKEMessage,
) (*ike_message.IKEMessage, bool) {
	var encryptedPayload *ike_message.Encrypted
	for _, ikePayload := range message.Payloads {
		if ikePayload.Type() == ike_message.TypeSK {
			encryptedPayload = ikePayload.(*ike_message.Encrypted)
			break
		}
	}
	if encryptedPayload == nil {
		ikeLog.Warn("The message is not protected by an SK payload")
		return nil, false
	}

	decryptedIKEPayload, err := DecryptProcedure(ikeSA, message, encryptedPayload)
	if err != nil {
		ikeLog.Errorf("Decrypt IKE message failed: %+v", err)
		return nil, false
	}

	decryptedMessage := new(ike_message.IKEMessage)
	decryptedMessage.BuildIKEHeader(message.InitiatorSPI, message.ResponderSPI,
		message.ExchangeType, message.Flags, message.MessageID)
	decryptedMessage.Payloads = decryptedIKEPayload
	return decryptedMessage, true
}

// respondWithTask runs the task's build round and sends the encrypted
// response.
func respondWithTask(udpConn *net.UDPConn, localAddr, remoteAddr *net.UDPAddr,
	ikeSA *context.IKESecurityAssociation, activeTask context.Task,
	request *ike_message.IKEMessage,
) {
	buildMessage := new(ike_message.IKEMessage)
	buildMessage.BuildIKEHeader(request.InitiatorSPI, request.ResponderSPI,
		request.ExchangeType, ike_message.ResponseBitCheck, request.MessageID)

	status := activeTask.Build(buildMessage)
	switch status {
	case context.StatusNeedMore:
		// another round runs under the same task
	case context.StatusSuccess:
		ikeSA.ActiveTask = nil
	case context.StatusDestroyMe:
		ikeSA.ActiveTask = nil
		context.Self().DeleteIKESecurityAssociation(ikeSA.LocalSPI)
	default:
		ikeSA.ActiveTask = nil
	}

	if buildMessage.ExchangeType == ike_message.EXCHANGE_TYPE_UNDEFINED ||
		len(buildMessage.Payloads) == 0 {
		return
	}

	responseIKEMessage := new(ike_message.IKEMessage)
	responseIKEMessage.BuildIKEHeader(request.InitiatorSPI, request.ResponderSPI,
		buildMessage.ExchangeType, ike_message.ResponseBitCheck, request.MessageID)
	if err := EncryptProcedure(ikeSA, buildMessage.Payloads, responseIKEMessage); err != nil {
		ikeLog.Errorf("Encrypting IKE message failed: %+v", err)
		return
	}

	SendIKEMessageToPeer(udpConn, localAddr, remoteAddr, responseIKEMessage)
}
